package relay

import (
	"context"
	"log/slog"

	"instarelay/internal/models"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/storage"
)

// NotificationWorker consumes the notification queue, persists each entry,
// and delivers it to the recipient's live connections.
type NotificationWorker struct {
	queue    Queue
	store    storage.NotificationStore
	registry *Registry
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// NewNotificationWorker prepares a worker. A nil registry only persists.
func NewNotificationWorker(store storage.NotificationStore, queue Queue, registry *Registry, logger *slog.Logger) *NotificationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationWorker{
		queue:    queue,
		store:    store,
		registry: registry,
		recorder: metrics.Default(),
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled or the subscription ends.
func (w *NotificationWorker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.Events():
			if !ok {
				return
			}
			w.handle(ctx, n)
		}
	}
}

func (w *NotificationWorker) handle(ctx context.Context, n models.Notification) {
	if n.SelfInflicted() {
		w.recorder.ObserveNotification("dropped")
		return
	}
	saved, err := w.store.SaveNotification(ctx, n)
	if err != nil {
		w.recorder.ObserveNotification("failed")
		w.logger.Error("failed to persist notification", "user_id", n.UserID, "type", n.Type, "error", err)
		return
	}
	w.recorder.ObserveNotification("stored")
	if w.registry == nil {
		return
	}
	evt := newEvent(EventNotification)
	evt.Notification = &saved
	if delivered := w.registry.DeliverToUsers(evt, saved.UserID); delivered > 0 {
		w.recorder.ObserveNotification("delivered")
	}
}
