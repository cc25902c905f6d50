package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"instarelay/internal/models"
)

// newID returns a time-ordered identifier so that ties on creation time
// still sort in insertion order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// normalizeTimestamp truncates to the precision every backend can store.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func validateDraft(draft models.MessageDraft) error {
	if draft.SenderID == "" || draft.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalid)
	}
	return nil
}

func validateMutation(m models.CommentMutation) error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown mutation %q", ErrInvalid, m.Kind)
	}
	if !m.Item.Valid() {
		return fmt.Errorf("%w: invalid content item", ErrInvalid)
	}
	if m.ActorID == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalid)
	}
	if m.Kind != models.MutationCreate && m.CommentID == "" {
		return fmt.Errorf("%w: comment id is required", ErrInvalid)
	}
	if (m.Kind == models.MutationCreate || m.Kind == models.MutationEdit) && strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: comment text is required", ErrInvalid)
	}
	return nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func normalizeNotificationLimit(limit int) int {
	if limit <= 0 || limit > MaxNotificationLimit {
		return MaxNotificationLimit
	}
	return limit
}

const (
	// DefaultHistoryLimit is the page size used when a caller omits one.
	DefaultHistoryLimit = 6
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 100
	// MaxNotificationLimit caps a notification listing.
	MaxNotificationLimit = 50
)
