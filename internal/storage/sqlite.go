package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"instarelay/internal/models"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteRepository persists everything in a single SQLite file. Writes are
// serialised through one connection; it suits single-node deployments.
type SQLiteRepository struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteRepository opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteRepository(ctx context.Context, path string, opts ...Option) (*SQLiteRepository, error) {
	cfg := newSQLiteConfig(path, opts...)
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db, cfg: cfg}, nil
}

func (r *SQLiteRepository) now() time.Time {
	return normalizeTimestamp(r.cfg.Clock())
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (models.Message, error) {
	var (
		msg     models.Message
		created int64
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Body, &msg.ReplyTo, &msg.MediaURL, &msg.MediaType, &msg.IsRead, &created); err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = fromMicros(created)
	return msg, nil
}

func collectSQLiteMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	out := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// PersistMessage inserts a new message.
func (r *SQLiteRepository) PersistMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	if err := validateDraft(draft); err != nil {
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
		CreatedAt:  r.now(),
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
`, msg.ID, msg.SenderID, msg.ReceiverID, msg.Body, msg.ReplyTo, msg.MediaURL, msg.MediaType, toMicros(msg.CreatedAt))
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// MarkRead flips isRead for matching unread messages.
func (r *SQLiteRepository) MarkRead(ctx context.Context, ids []string, filter models.ReadFilter) (int, error) {
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, filter.SenderID, filter.ReceiverID)
	res, err := r.db.ExecContext(ctx, `
UPDATE messages SET is_read = 1
WHERE id IN (`+placeholders(len(ids))+`) AND sender_id = ? AND receiver_id = ? AND is_read = 0
`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return int(n), nil
}

// RecentPerCounterpart returns the newest message per counterpart.
func (r *SQLiteRepository) RecentPerCounterpart(ctx context.Context, userID string) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+messageColumns+` FROM (
    SELECT m.*, ROW_NUMBER() OVER (
        PARTITION BY CASE WHEN m.sender_id = ? THEN m.receiver_id ELSE m.sender_id END
        ORDER BY m.created_at DESC, m.id DESC
    ) AS rn
    FROM messages m
    WHERE m.sender_id = ? OR m.receiver_id = ?
)
WHERE rn = 1
ORDER BY created_at DESC, id DESC
`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query recent conversations: %w", err)
	}
	return collectSQLiteMessages(rows)
}

// History returns one page of the conversation, oldest first.
func (r *SQLiteRepository) History(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := r.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?
`, userID, peerID, peerID, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	page, err := collectSQLiteMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(page)
	return page, nil
}

// UnreadSummary counts unread messages from senderID to readerID.
func (r *SQLiteRepository) UnreadSummary(ctx context.Context, readerID, senderID string) (UnreadSummary, error) {
	var summary UnreadSummary
	if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM messages WHERE sender_id = ? AND receiver_id = ? AND is_read = 0
`, senderID, readerID).Scan(&summary.Count); err != nil {
		return UnreadSummary{}, fmt.Errorf("count unread: %w", err)
	}
	if summary.Count == 0 {
		return summary, nil
	}
	latest, err := scanSQLiteMessage(r.db.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE sender_id = ? AND receiver_id = ? AND is_read = 0
ORDER BY created_at DESC, id DESC
LIMIT 1
`, senderID, readerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return summary, nil
		}
		return UnreadSummary{}, fmt.Errorf("latest unread: %w", err)
	}
	summary.Latest = &latest
	return summary, nil
}

// ApplyMutation applies a comment mutation inside a transaction.
func (r *SQLiteRepository) ApplyMutation(ctx context.Context, m models.CommentMutation) (models.MutationResult, error) {
	if err := validateMutation(m); err != nil {
		return models.MutationResult{}, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.MutationResult{}, fmt.Errorf("begin comment transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := r.applyMutationTx(ctx, tx, m)
	if err != nil {
		return models.MutationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.MutationResult{}, fmt.Errorf("commit comment mutation: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) applyMutationTx(ctx context.Context, tx *sql.Tx, m models.CommentMutation) (models.MutationResult, error) {
	now := r.now()
	if m.Kind == models.MutationCreate {
		result := models.MutationResult{Changed: true}
		if m.ParentID != "" {
			parent, err := loadSQLiteComment(ctx, tx, m.ParentID, m.Item)
			if err != nil {
				return models.MutationResult{}, err
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
		if _, err := tx.ExecContext(ctx, `
INSERT INTO comments (id, item_kind, item_id, author_id, parent_id, body, edited, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
`, comment.ID, string(m.Item.Kind), m.Item.ID, comment.AuthorID, comment.ParentID, comment.Text, toMicros(now), toMicros(now)); err != nil {
			return models.MutationResult{}, fmt.Errorf("insert comment: %w", err)
		}
		result.Comment = comment
		return result, nil
	}

	comment, err := loadSQLiteComment(ctx, tx, m.CommentID, m.Item)
	if err != nil {
		return models.MutationResult{}, err
	}
	result := models.MutationResult{Comment: comment}
	if comment.ParentID != "" {
		var parentAuthor string
		err := tx.QueryRowContext(ctx, `SELECT author_id FROM comments WHERE id = ?`, comment.ParentID).Scan(&parentAuthor)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return models.MutationResult{}, fmt.Errorf("load parent author: %w", err)
		}
		result.ParentAuthorID = parentAuthor
	}

	switch m.Kind {
	case models.MutationEdit:
		if comment.AuthorID != m.ActorID {
			return models.MutationResult{}, fmt.Errorf("edit comment %s: %w", m.CommentID, ErrForbidden)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE comments SET body = ?, edited = 1, updated_at = ? WHERE id = ?`, m.Text, toMicros(now), comment.ID); err != nil {
			return models.MutationResult{}, fmt.Errorf("update comment: %w", err)
		}
		comment.Text, comment.Edited, comment.UpdatedAt = m.Text, true, now
		result.Comment = comment
		result.Changed = true
	case models.MutationDelete:
		if comment.AuthorID != m.ActorID {
			return models.MutationResult{}, fmt.Errorf("delete comment %s: %w", m.CommentID, ErrForbidden)
		}
		if _, err := tx.ExecContext(ctx, `
WITH RECURSIVE doomed(id) AS (
    SELECT id FROM comments WHERE id = ?
    UNION ALL
    SELECT c.id FROM comments c JOIN doomed d ON c.parent_id = d.id
)
DELETE FROM comments WHERE id IN (SELECT id FROM doomed)
`, comment.ID); err != nil {
			return models.MutationResult{}, fmt.Errorf("delete comment: %w", err)
		}
		result.Changed = true
	case models.MutationLike:
		res, err := tx.ExecContext(ctx, `
INSERT INTO comment_likes (comment_id, user_id, created_at) VALUES (?, ?, ?)
ON CONFLICT (comment_id, user_id) DO NOTHING
`, comment.ID, m.ActorID, toMicros(now))
		if err != nil {
			return models.MutationResult{}, fmt.Errorf("like comment: %w", err)
		}
		n, _ := res.RowsAffected()
		result.Changed = n > 0
	case models.MutationUnlike:
		res, err := tx.ExecContext(ctx, `DELETE FROM comment_likes WHERE comment_id = ? AND user_id = ?`, comment.ID, m.ActorID)
		if err != nil {
			return models.MutationResult{}, fmt.Errorf("unlike comment: %w", err)
		}
		n, _ := res.RowsAffected()
		result.Changed = n > 0
	}
	return result, nil
}

func loadSQLiteComment(ctx context.Context, tx *sql.Tx, id string, item models.ContentItem) (models.Comment, error) {
	comment := models.Comment{Item: item, LikedBy: []string{}}
	var created, updated int64
	err := tx.QueryRowContext(ctx, `
SELECT id, author_id, parent_id, body, edited, created_at, updated_at
FROM comments WHERE id = ? AND item_kind = ? AND item_id = ?
`, id, string(item.Kind), item.ID).Scan(&comment.ID, &comment.AuthorID, &comment.ParentID, &comment.Text, &comment.Edited, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Comment{}, fmt.Errorf("comment %s: %w", id, ErrNotFound)
		}
		return models.Comment{}, fmt.Errorf("load comment: %w", err)
	}
	comment.CreatedAt, comment.UpdatedAt = fromMicros(created), fromMicros(updated)
	return comment, nil
}

// FetchCanonical loads every comment and like of item and builds the thread.
func (r *SQLiteRepository) FetchCanonical(ctx context.Context, item models.ContentItem, limit int) (models.CommentThread, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, author_id, parent_id, body, edited, created_at, updated_at
FROM comments WHERE item_kind = ? AND item_id = ?
`, string(item.Kind), item.ID)
	if err != nil {
		return models.CommentThread{}, fmt.Errorf("query comments: %w", err)
	}
	var comments []models.Comment
	index := make(map[string]int)
	for rows.Next() {
		var (
			c                models.Comment
			created, updated int64
		)
		if err := rows.Scan(&c.ID, &c.AuthorID, &c.ParentID, &c.Text, &c.Edited, &created, &updated); err != nil {
			rows.Close()
			return models.CommentThread{}, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = fromMicros(created), fromMicros(updated)
		index[c.ID] = len(comments)
		comments = append(comments, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.CommentThread{}, fmt.Errorf("iterate comments: %w", err)
	}

	likes, err := r.db.QueryContext(ctx, `
SELECT l.comment_id, l.user_id
FROM comment_likes l JOIN comments c ON c.id = l.comment_id
WHERE c.item_kind = ? AND c.item_id = ?
ORDER BY l.created_at, l.user_id
`, string(item.Kind), item.ID)
	if err != nil {
		return models.CommentThread{}, fmt.Errorf("query comment likes: %w", err)
	}
	defer likes.Close()
	for likes.Next() {
		var commentID, userID string
		if err := likes.Scan(&commentID, &userID); err != nil {
			return models.CommentThread{}, fmt.Errorf("scan comment like: %w", err)
		}
		if i, ok := index[commentID]; ok {
			comments[i].LikedBy = append(comments[i].LikedBy, userID)
		}
	}
	if err := likes.Err(); err != nil {
		return models.CommentThread{}, fmt.Errorf("iterate comment likes: %w", err)
	}
	return BuildThread(item, comments, limit), nil
}

// SaveNotification inserts a notification.
func (r *SQLiteRepository) SaveNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.UserID == "" || !n.Type.Valid() {
		return models.Notification{}, fmt.Errorf("%w: notification requires a recipient and a known type", ErrInvalid)
	}
	if n.ID == "" {
		n.ID = newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	n.CreatedAt = normalizeTimestamp(n.CreatedAt)
	var kind, itemID string
	if n.Item != nil {
		kind, itemID = string(n.Item.Kind), n.Item.ID
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO notifications (id, user_id, actor_id, type, item_kind, item_id, comment_id, is_read, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`, n.ID, n.UserID, n.ActorID, string(n.Type), kind, itemID, n.CommentID, n.IsRead, toMicros(n.CreatedAt))
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the newest notifications for userID.
func (r *SQLiteRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	limit = normalizeNotificationLimit(limit)
	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, actor_id, type, item_kind, item_id, comment_id, is_read, created_at
FROM notifications WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		var (
			n                        models.Notification
			kind, itemID, typeString string
			created                  int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.ActorID, &typeString, &kind, &itemID, &n.CommentID, &n.IsRead, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = models.NotificationType(typeString)
		n.CreatedAt = fromMicros(created)
		if kind != "" {
			n.Item = &models.ContentItem{Kind: models.ContentKind(kind), ID: itemID}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Ping checks the database handle.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if r == nil || r.db == nil {
		return ErrClosed
	}
	return r.db.PingContext(ctx)
}

// Close closes the database handle.
func (r *SQLiteRepository) Close(context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
