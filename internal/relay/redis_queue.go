package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"instarelay/internal/models"
)

// RedisQueueConfig configures the Redis Streams notification queue.
type RedisQueueConfig struct {
	Stream       string        `yaml:"stream"`
	Group        string        `yaml:"group"`
	BlockTimeout time.Duration `yaml:"blockTimeout"`
	Buffer       int           `yaml:"buffer"`
	Logger       *slog.Logger  `yaml:"-"`
}

// NewRedisQueue builds a queue on a Redis stream consumed through a consumer
// group, so each notification reaches one subscriber across all replicas.
func NewRedisQueue(ctx context.Context, client redis.UniversalClient, cfg RedisQueueConfig) (Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "instarelay:notifications"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "notification-workers"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := &redisQueue{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       logger,
		buffer:       cfg.Buffer,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return queue, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

func (q *redisQueue) Publish(ctx context.Context, n models.Notification) error {
	if err := validateNotification(n); err != nil {
		return err
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:    q,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		ch:       make(chan models.Notification, q.buffer),
		stopped:  make(chan struct{}),
	}
	go sub.run(ctx)
	return sub
}

func (q *redisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	queue    *redisQueue
	consumer string
	cancel   context.CancelFunc
	stopped  chan struct{}

	once sync.Once
	ch   chan models.Notification
}

func (s *redisSubscription) Events() <-chan models.Notification {
	return s.ch
}

// Close stops the reader and closes Events once it has exited.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.stopped
		close(s.ch)
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.stopped)
	for ctx.Err() == nil {
		if err := s.queue.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.queue.logger.Warn("redis queue group ensure failed", "error", err)
			s.pause(ctx)
			continue
		}
		streams, err := s.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.queue.group,
			Consumer: s.consumer,
			Streams:  []string{s.queue.stream, ">"},
			Count:    32,
			Block:    s.queue.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.queue.logger.Warn("redis queue read failed", "error", err)
			s.pause(ctx)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !s.dispatch(ctx, msg) {
					return
				}
			}
		}
	}
}

// dispatch hands one entry to the subscriber and acknowledges it. It reports
// false when the subscription stopped first; the entry then stays pending in
// the group.
func (s *redisSubscription) dispatch(ctx context.Context, msg redis.XMessage) bool {
	raw, _ := msg.Values["payload"].(string)
	var n models.Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		s.queue.logger.Error("redis queue decode failed", "id", msg.ID, "error", err)
		s.ack(msg.ID)
		return true
	}
	select {
	case s.ch <- n:
		s.ack(msg.ID)
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *redisSubscription) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.queue.client.XAck(ctx, s.queue.stream, s.queue.group, id).Err(); err != nil {
		s.queue.logger.Warn("redis ack failed", "id", id, "error", err)
	}
}

func (s *redisSubscription) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}
