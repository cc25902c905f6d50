package storage

import (
	"context"
	"errors"

	"instarelay/internal/models"
)

var (
	// ErrNotFound is returned when a mutation references a comment or parent
	// that does not exist on the item.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when an actor edits or deletes a comment they
	// did not write.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid is returned for inputs the store refuses to persist.
	ErrInvalid = errors.New("invalid input")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("repository closed")
)

// UnreadSummary reports how many messages from a peer are unread and the
// newest of them.
type UnreadSummary struct {
	Count  int             `json:"count"`
	Latest *models.Message `json:"latest,omitempty"`
}

// MessageStore persists direct messages.
type MessageStore interface {
	PersistMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error)
	// MarkRead flips isRead for the given ids that match filter and returns
	// how many rows changed.
	MarkRead(ctx context.Context, ids []string, filter models.ReadFilter) (int, error)
	// RecentPerCounterpart returns the newest message exchanged with each
	// counterpart of userID, newest first.
	RecentPerCounterpart(ctx context.Context, userID string) ([]models.Message, error)
	// History returns one page of the conversation, selected newest first
	// and returned oldest first.
	History(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error)
	UnreadSummary(ctx context.Context, readerID, senderID string) (UnreadSummary, error)
}

// CommentStore persists comments, replies, and likes.
type CommentStore interface {
	ApplyMutation(ctx context.Context, mutation models.CommentMutation) (models.MutationResult, error)
	FetchCanonical(ctx context.Context, item models.ContentItem, limit int) (models.CommentThread, error)
}

// NotificationStore persists activity notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, notification models.Notification) (models.Notification, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// Repository is the full datastore used by the relay and the HTTP API.
type Repository interface {
	MessageStore
	CommentStore
	NotificationStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
