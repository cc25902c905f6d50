package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"instarelay/internal/models"
)

// MemoryRepository keeps every record in process memory. It is safe for
// concurrent use and intended for development, tests, and single-instance
// demos.
type MemoryRepository struct {
	mu            sync.RWMutex
	messages      map[string]models.Message
	comments      map[string]models.Comment
	notifications map[string][]models.Notification
	closed        bool
	now           func() time.Time
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository(opts ...Option) *MemoryRepository {
	repo := &MemoryRepository{
		messages:      make(map[string]models.Message),
		comments:      make(map[string]models.Comment),
		notifications: make(map[string][]models.Notification),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(repo)
		}
	}
	return repo
}

func (r *MemoryRepository) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed {
		return ErrClosed
	}
	return nil
}

// PersistMessage stores a new message and returns it with its id and timestamp.
func (r *MemoryRepository) PersistMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	if err := validateDraft(draft); err != nil {
		return models.Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:         newID(),
		SenderID:   draft.SenderID,
		ReceiverID: draft.ReceiverID,
		Body:       draft.Body,
		ReplyTo:    draft.ReplyTo,
		MediaURL:   draft.MediaURL,
		MediaType:  draft.MediaType,
		CreatedAt:  normalizeTimestamp(r.now()),
	}
	r.messages[msg.ID] = msg
	return msg, nil
}

// MarkRead flips isRead for matching unread messages.
func (r *MemoryRepository) MarkRead(ctx context.Context, ids []string, filter models.ReadFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return 0, err
	}
	updated := 0
	for _, id := range dedupeIDs(ids) {
		msg, ok := r.messages[id]
		if !ok || msg.IsRead || msg.SenderID != filter.SenderID || msg.ReceiverID != filter.ReceiverID {
			continue
		}
		msg.IsRead = true
		r.messages[id] = msg
		updated++
	}
	return updated, nil
}

// RecentPerCounterpart returns the newest message per counterpart.
func (r *MemoryRepository) RecentPerCounterpart(ctx context.Context, userID string) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	heads := make(map[string]models.Message)
	for _, msg := range r.messages {
		if !msg.Involves(userID) {
			continue
		}
		peer := msg.Counterpart(userID)
		if current, ok := heads[peer]; !ok || msg.NewerThan(current) {
			heads[peer] = msg
		}
	}
	out := make([]models.Message, 0, len(heads))
	for _, msg := range heads {
		out = append(out, msg)
	}
	sortNewestFirst(out)
	return out, nil
}

// History returns one page of the conversation between userID and peerID.
func (r *MemoryRepository) History(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error) {
	limit, offset = normalizePage(limit, offset)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	var thread []models.Message
	for _, msg := range r.messages {
		if (msg.SenderID == userID && msg.ReceiverID == peerID) || (msg.SenderID == peerID && msg.ReceiverID == userID) {
			thread = append(thread, msg)
		}
	}
	sortNewestFirst(thread)
	if offset >= len(thread) {
		return []models.Message{}, nil
	}
	end := offset + limit
	if end > len(thread) {
		end = len(thread)
	}
	page := append([]models.Message(nil), thread[offset:end]...)
	reverseMessages(page)
	return page, nil
}

// UnreadSummary counts unread messages from senderID to readerID.
func (r *MemoryRepository) UnreadSummary(ctx context.Context, readerID, senderID string) (UnreadSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return UnreadSummary{}, err
	}
	var summary UnreadSummary
	for _, msg := range r.messages {
		if msg.IsRead || msg.SenderID != senderID || msg.ReceiverID != readerID {
			continue
		}
		summary.Count++
		if summary.Latest == nil || msg.NewerThan(*summary.Latest) {
			latest := msg
			summary.Latest = &latest
		}
	}
	return summary, nil
}

// ApplyMutation applies a comment mutation.
func (r *MemoryRepository) ApplyMutation(ctx context.Context, m models.CommentMutation) (models.MutationResult, error) {
	if err := validateMutation(m); err != nil {
		return models.MutationResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return models.MutationResult{}, err
	}
	now := normalizeTimestamp(r.now())

	if m.Kind == models.MutationCreate {
		result := models.MutationResult{Changed: true}
		if m.ParentID != "" {
			parent, ok := r.comments[m.ParentID]
			if !ok || parent.Item != m.Item {
				return models.MutationResult{}, fmt.Errorf("parent comment %s: %w", m.ParentID, ErrNotFound)
			}
			result.ParentAuthorID = parent.AuthorID
		}
		comment := models.Comment{
			ID:        newID(),
			Item:      m.Item,
			AuthorID:  m.ActorID,
			Text:      m.Text,
			ParentID:  m.ParentID,
			LikedBy:   []string{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.comments[comment.ID] = comment
		result.Comment = comment
		return result, nil
	}

	comment, ok := r.comments[m.CommentID]
	if !ok || comment.Item != m.Item {
		return models.MutationResult{}, fmt.Errorf("comment %s: %w", m.CommentID, ErrNotFound)
	}
	result := models.MutationResult{Comment: comment}
	if comment.ParentID != "" {
		if parent, ok := r.comments[comment.ParentID]; ok {
			result.ParentAuthorID = parent.AuthorID
		}
	}

	switch m.Kind {
	case models.MutationEdit:
		if comment.AuthorID != m.ActorID {
			return models.MutationResult{}, fmt.Errorf("edit comment %s: %w", m.CommentID, ErrForbidden)
		}
		comment.Text = m.Text
		comment.Edited = true
		comment.UpdatedAt = now
		r.comments[comment.ID] = comment
		result.Comment = comment
		result.Changed = true
	case models.MutationDelete:
		if comment.AuthorID != m.ActorID {
			return models.MutationResult{}, fmt.Errorf("delete comment %s: %w", m.CommentID, ErrForbidden)
		}
		children := make(map[string][]string)
		for _, c := range r.comments {
			if c.Item == comment.Item && c.ParentID != "" {
				children[c.ParentID] = append(children[c.ParentID], c.ID)
			}
		}
		for _, id := range collectSubtree(comment.ID, children) {
			delete(r.comments, id)
		}
		result.Changed = true
	case models.MutationLike:
		if !containsString(comment.LikedBy, m.ActorID) {
			comment.LikedBy = append(append([]string(nil), comment.LikedBy...), m.ActorID)
			r.comments[comment.ID] = comment
			result.Changed = true
		}
		result.Comment = comment
	case models.MutationUnlike:
		if containsString(comment.LikedBy, m.ActorID) {
			liked := make([]string, 0, len(comment.LikedBy))
			for _, id := range comment.LikedBy {
				if id != m.ActorID {
					liked = append(liked, id)
				}
			}
			comment.LikedBy = liked
			r.comments[comment.ID] = comment
			result.Changed = true
		}
		result.Comment = comment
	}
	return result, nil
}

// FetchCanonical returns the canonical comment thread for item.
func (r *MemoryRepository) FetchCanonical(ctx context.Context, item models.ContentItem, limit int) (models.CommentThread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return models.CommentThread{}, err
	}
	var rows []models.Comment
	for _, c := range r.comments {
		if c.Item == item {
			c.LikedBy = append([]string(nil), c.LikedBy...)
			rows = append(rows, c)
		}
	}
	return BuildThread(item, rows, limit), nil
}

// SaveNotification stores a notification, assigning id and timestamp when absent.
func (r *MemoryRepository) SaveNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.UserID == "" || !n.Type.Valid() {
		return models.Notification{}, fmt.Errorf("%w: notification requires a recipient and a known type", ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(ctx); err != nil {
		return models.Notification{}, err
	}
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	n.CreatedAt = normalizeTimestamp(n.CreatedAt)
	r.notifications[n.UserID] = append(r.notifications[n.UserID], n)
	return n, nil
}

// ListNotifications returns the newest notifications for userID.
func (r *MemoryRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	limit = normalizeNotificationLimit(limit)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	list := append([]models.Notification(nil), r.notifications[userID]...)
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// Ping reports whether the repository is open.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.check(ctx)
}

// Close marks the repository closed; later calls fail with ErrClosed.
func (r *MemoryRepository) Close(context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func sortNewestFirst(messages []models.Message) {
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].NewerThan(messages[j])
	})
}

func reverseMessages(messages []models.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
