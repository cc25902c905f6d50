package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"instarelay/internal/models"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/storage"
)

// MaxCommentRunes caps the length of a comment.
const MaxCommentRunes = 2200

// CommentState is the recompute state of one content item.
type CommentState int

const (
	CommentIdle CommentState = iota
	CommentRecomputing
)

func (s CommentState) String() string {
	if s == CommentRecomputing {
		return "recomputing"
	}
	return "idle"
}

// CommentBroadcaster applies comment mutations and pushes the recomputed
// canonical thread to everyone viewing the item. Mutations on one item are
// serialised; each one ends with a full recompute so viewers converge on the
// stored state.
type CommentBroadcaster struct {
	store    storage.CommentStore
	rooms    *RoomManager
	queue    Queue
	limit    int
	recorder *metrics.Recorder
	logger   *slog.Logger

	items KeyedMutex

	stateMu sync.Mutex
	states  map[models.ContentItem]CommentState
}

// NewCommentBroadcaster wires a broadcaster. queue may be nil, in which case
// no notifications are published.
func NewCommentBroadcaster(store storage.CommentStore, rooms *RoomManager, queue Queue, limit int, logger *slog.Logger) *CommentBroadcaster {
	if limit <= 0 {
		limit = storage.DefaultCommentLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommentBroadcaster{
		store:    store,
		rooms:    rooms,
		queue:    queue,
		limit:    limit,
		recorder: metrics.Default(),
		logger:   logger,
		states:   make(map[models.ContentItem]CommentState),
	}
}

// State reports whether a mutation on item is being applied.
func (b *CommentBroadcaster) State(item models.ContentItem) CommentState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.states[item]
}

func (b *CommentBroadcaster) setState(item models.ContentItem, state CommentState) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if state == CommentIdle {
		delete(b.states, item)
		return
	}
	b.states[item] = state
}

func normalizeMutation(m models.CommentMutation) (models.CommentMutation, error) {
	m.ActorID = strings.TrimSpace(m.ActorID)
	m.CommentID = strings.TrimSpace(m.CommentID)
	m.ParentID = strings.TrimSpace(m.ParentID)
	m.Item.ID = strings.TrimSpace(m.Item.ID)
	if !m.Kind.Valid() {
		return m, invalid("kind", "unknown comment action "+string(m.Kind))
	}
	if !m.Item.Valid() {
		return m, invalid("item", "a post or reel id is required")
	}
	if m.ActorID == "" {
		return m, invalid("actorId", "actor is required")
	}
	if m.Kind != models.MutationCreate && m.CommentID == "" {
		return m, invalid("commentId", "comment id is required")
	}
	if m.Kind == models.MutationCreate || m.Kind == models.MutationEdit {
		m.Text = NormalizeText(m.Text)
		if m.Text == "" {
			return m, invalid("text", "comment text is required")
		}
		if utf8.RuneCountInString(m.Text) > MaxCommentRunes {
			return m, invalid("text", "comment exceeds 2200 characters")
		}
	} else {
		m.Text = ""
	}
	return m, nil
}

// Apply runs mutation, recomputes the item's canonical thread, broadcasts it
// to the item's room, and publishes the resulting notification. A rejected
// mutation leaves the room untouched. When the recompute keeps failing after
// the mutation committed, the room and the caller get a stale thread.
func (b *CommentBroadcaster) Apply(ctx context.Context, mutation models.CommentMutation) (models.CommentThread, error) {
	mutation, err := normalizeMutation(mutation)
	if err != nil {
		return models.CommentThread{}, err
	}

	unlock := b.items.Lock(mutation.Item.String())
	defer unlock()
	b.setState(mutation.Item, CommentRecomputing)
	defer b.setState(mutation.Item, CommentIdle)

	result, err := b.store.ApplyMutation(ctx, mutation)
	if err != nil {
		return models.CommentThread{}, storeError(string(mutation.Kind)+" comment", err)
	}
	thread, err := b.recompute(ctx, mutation.Item)
	if err != nil {
		// The mutation is committed; tell viewers to refetch instead of
		// leaving them on the previous thread.
		b.logger.Error("failed to recompute comments after mutation",
			"item", mutation.Item.String(), "kind", mutation.Kind, "error", err)
		thread = models.CommentThread{Item: mutation.Item, Stale: true}
	}

	evt := newEvent(EventCommentsUpdated)
	evt.Comments = &thread
	b.rooms.Broadcast(ContentRoom(mutation.Item), evt, nil)
	b.recorder.ObserveCommentRecompute(string(mutation.Kind))

	if result.Changed {
		b.notify(ctx, mutation, result)
	}
	return thread, nil
}

// recompute fetches the canonical thread, retrying once.
func (b *CommentBroadcaster) recompute(ctx context.Context, item models.ContentItem) (models.CommentThread, error) {
	thread, err := b.store.FetchCanonical(ctx, item, b.limit)
	if err == nil {
		return thread, nil
	}
	b.logger.Warn("comment recompute failed, retrying", "item", item.String(), "error", err)
	return b.store.FetchCanonical(ctx, item, b.limit)
}

func (b *CommentBroadcaster) notify(ctx context.Context, m models.CommentMutation, result models.MutationResult) {
	if b.queue == nil {
		return
	}
	item := m.Item
	n := models.Notification{ActorID: m.ActorID, Item: &item, CommentID: result.Comment.ID}
	switch {
	case m.Kind == models.MutationCreate && m.ParentID != "":
		n.Type = models.NotificationReply
		n.UserID = result.ParentAuthorID
	case m.Kind == models.MutationLike:
		n.Type = models.NotificationLike
		n.UserID = result.Comment.AuthorID
	default:
		return
	}
	if n.UserID == "" || n.SelfInflicted() {
		return
	}
	if err := b.queue.Publish(ctx, n); err != nil {
		b.recorder.ObserveNotification("dropped")
		b.logger.Warn("failed to publish notification", "user_id", n.UserID, "type", n.Type, "error", err)
	}
}

// Typing broadcasts a typing or stop-typing indicator to room, excluding the
// connection that sent it.
func (b *CommentBroadcaster) Typing(room RoomKey, userID string, stopped bool, origin *Connection) int {
	kind := EventTyping
	if stopped {
		kind = EventStopTyping
	}
	evt := newEvent(kind)
	evt.Typing = &TypingEvent{Room: room.String(), UserID: userID}
	return b.rooms.Broadcast(room, evt, origin)
}
