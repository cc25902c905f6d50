package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"instarelay/internal/models"
)

// Queue carries notifications from the components that produce them to the
// NotificationWorker.
type Queue interface {
	Publish(ctx context.Context, notification models.Notification) error
	Subscribe() Subscription
}

// Subscription represents an active notification stream.
type Subscription interface {
	Events() <-chan models.Notification
	Close()
}

func validateNotification(n models.Notification) error {
	if n.UserID == "" || !n.Type.Valid() {
		return errors.New("notification requires a recipient and a known type")
	}
	return nil
}

// DefaultPublishTimeout bounds how long Publish waits on a full in-memory
// subscriber before giving up.
const DefaultPublishTimeout = 2 * time.Second

// ErrQueueFull is returned when a notification could not be queued within
// the publish timeout.
var ErrQueueFull = errors.New("notification queue full")

// NewMemoryQueue initialises an in-process fan-out queue. Notifications
// published before the first subscriber are held, up to buffer of them, and
// handed to it on Subscribe.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:           make(map[*memorySubscription]struct{}),
		buffer:         buffer,
		publishTimeout: DefaultPublishTimeout,
	}
}

type memoryQueue struct {
	mu             sync.RWMutex
	subs           map[*memorySubscription]struct{}
	backlog        []models.Notification
	buffer         int
	publishTimeout time.Duration
}

// Publish hands n to every subscriber. A full subscriber is waited on for at
// most publishTimeout, after which ErrQueueFull is returned.
func (q *memoryQueue) Publish(ctx context.Context, n models.Notification) error {
	if err := validateNotification(n); err != nil {
		return err
	}
	for {
		q.mu.RLock()
		if len(q.subs) > 0 {
			err := q.fanOutLocked(ctx, n)
			q.mu.RUnlock()
			return err
		}
		q.mu.RUnlock()

		q.mu.Lock()
		if len(q.subs) == 0 {
			defer q.mu.Unlock()
			if len(q.backlog) >= q.buffer {
				return ErrQueueFull
			}
			q.backlog = append(q.backlog, n)
			return nil
		}
		q.mu.Unlock()
	}
}

// fanOutLocked runs under the read lock so Close cannot close a channel
// mid-send.
func (q *memoryQueue) fanOutLocked(ctx context.Context, n models.Notification) error {
	var timer *time.Timer
	for sub := range q.subs {
		select {
		case sub.ch <- n:
			continue
		default:
		}
		if timer == nil {
			timer = time.NewTimer(q.publishTimeout)
			defer timer.Stop()
		}
		select {
		case sub.ch <- n:
		case <-timer.C:
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	q.mu.Lock()
	defer q.mu.Unlock()
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan models.Notification, max(q.buffer, len(q.backlog))),
	}
	for _, n := range q.backlog {
		sub.ch <- n
	}
	q.backlog = nil
	q.subs[sub] = struct{}{}
	return sub
}
type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan models.Notification
}

func (s *memorySubscription) Events() <-chan models.Notification {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
