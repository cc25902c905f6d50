package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"instarelay/internal/models"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// PostgresRepository persists messages, comments, and notifications in
// Postgres through a pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pool for dsn, applies the schema, and returns
// the repository.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) now() time.Time {
	return normalizeTimestamp(r.cfg.Clock())
}

func (r *PostgresRepository) acquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

const messageColumns = `id, sender_id, receiver_id, body, reply_to, media_url, media_type, is_read, created_at`

func scanMessage(row pgx.Row) (models.Message, error) {
	var msg models.Message
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Body, &msg.ReplyTo, &msg.MediaURL, &msg.MediaType, &msg.IsRead, &msg.CreatedAt); err != nil {
		return models.Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	out := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// PersistMessage inserts a new message.
func (r *PostgresRepository) PersistMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	if err := validateDraft(draft); err != nil {
		return models.Message{}, err
	}
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
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
	_, err := r.pool.Exec(ctx, `
INSERT INTO messages (`+messageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
`, msg.ID, msg.SenderID, msg.ReceiverID, msg.Body, msg.ReplyTo, msg.MediaURL, msg.MediaType, msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// MarkRead flips isRead for matching unread messages.
func (r *PostgresRepository) MarkRead(ctx context.Context, ids []string, filter models.ReadFilter) (int, error) {
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
UPDATE messages SET is_read = TRUE
WHERE id = ANY($1) AND sender_id = $2 AND receiver_id = $3 AND is_read = FALSE
`, ids, filter.SenderID, filter.ReceiverID)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecentPerCounterpart returns the newest message per counterpart.
func (r *PostgresRepository) RecentPerCounterpart(ctx context.Context, userID string) ([]models.Message, error) {
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT `+messageColumns+` FROM (
    SELECT DISTINCT ON (counterpart) `+messageColumns+`
    FROM (
        SELECT m.*, CASE WHEN m.sender_id = $1 THEN m.receiver_id ELSE m.sender_id END AS counterpart
        FROM messages m
        WHERE m.sender_id = $1 OR m.receiver_id = $1
    ) scoped
    ORDER BY counterpart, created_at DESC, id COLLATE "C" DESC
) heads
ORDER BY created_at DESC, id COLLATE "C" DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("query recent conversations: %w", err)
	}
	return collectMessages(rows)
}

// History returns one page of the conversation, oldest first.
func (r *PostgresRepository) History(ctx context.Context, userID, peerID string, limit, offset int) ([]models.Message, error) {
	limit, offset = normalizePage(limit, offset)
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
ORDER BY created_at DESC, id COLLATE "C" DESC
LIMIT $3 OFFSET $4
`, userID, peerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	page, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(page)
	return page, nil
}

// UnreadSummary counts unread messages from senderID to readerID.
func (r *PostgresRepository) UnreadSummary(ctx context.Context, readerID, senderID string) (UnreadSummary, error) {
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
	var summary UnreadSummary
	if err := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM messages WHERE sender_id = $1 AND receiver_id = $2 AND is_read = FALSE
`, senderID, readerID).Scan(&summary.Count); err != nil {
		return UnreadSummary{}, fmt.Errorf("count unread: %w", err)
	}
	if summary.Count == 0 {
		return summary, nil
	}
	latest, err := scanMessage(r.pool.QueryRow(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE sender_id = $1 AND receiver_id = $2 AND is_read = FALSE
ORDER BY created_at DESC, id COLLATE "C" DESC
LIMIT 1
`, senderID, readerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return summary, nil
		}
		return UnreadSummary{}, fmt.Errorf("latest unread: %w", err)
	}
	summary.Latest = &latest
	return summary, nil
}

// ApplyMutation applies a comment mutation inside a transaction.
func (r *PostgresRepository) ApplyMutation(ctx context.Context, m models.CommentMutation) (models.MutationResult, error) {
	if err := validateMutation(m); err != nil {
		return models.MutationResult{}, err
	}
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.MutationResult{}, fmt.Errorf("begin comment transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	result, err := r.applyMutationTx(ctx, tx, m)
	if err != nil {
		return models.MutationResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.MutationResult{}, fmt.Errorf("commit comment mutation: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) applyMutationTx(ctx context.Context, tx pgx.Tx, m models.CommentMutation) (models.MutationResult, error) {
	now := r.now()
	if m.Kind == models.MutationCreate {
		result := models.MutationResult{Changed: true}
		if m.ParentID != "" {
			parent, err := loadComment(ctx, tx, m.ParentID, m.Item)
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
		if _, err := tx.Exec(ctx, `
INSERT INTO comments (id, item_kind, item_id, author_id, parent_id, body, edited, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
`, comment.ID, string(m.Item.Kind), m.Item.ID, comment.AuthorID, comment.ParentID, comment.Text, now); err != nil {
			return models.MutationResult{}, fmt.Errorf("insert comment: %w", err)
		}
		result.Comment = comment
		return result, nil
	}

	comment, err := loadComment(ctx, tx, m.CommentID, m.Item)
	if err != nil {
		return models.MutationResult{}, err
	}
	result := models.MutationResult{Comment: comment}
	if comment.ParentID != "" {
		var parentAuthor string
		err := tx.QueryRow(ctx, `SELECT author_id FROM comments WHERE id = $1`, comment.ParentID).Scan(&parentAuthor)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return models.MutationResult{}, fmt.Errorf("load parent author: %w", err)
		}
		result.ParentAuthorID = parentAuthor
	}

	switch m.Kind {
	case models.MutationEdit:
		if comment.AuthorID != m.ActorID {
			return models.MutationResult{}, fmt.Errorf("edit comment %s: %w", m.CommentID, ErrForbidden)
		}
		if _, err := tx.Exec(ctx, `UPDATE comments SET body = $2, edited = TRUE, updated_at = $3 WHERE id = $1`, comment.ID, m.Text, now); err != nil {
			return models.MutationResult{}, fmt.Errorf("update comment: %w", err)
		}
		comment.Text, comment.Edited, comment.UpdatedAt = m.Text, true, now
		result.Comment = comment
		result.Changed = true
	case models.MutationDelete:
		if comment.AuthorID != m.ActorID {
			return models.MutationResult{}, fmt.Errorf("delete comment %s: %w", m.CommentID, ErrForbidden)
		}
		if _, err := tx.Exec(ctx, `
WITH RECURSIVE doomed(id) AS (
    SELECT id FROM comments WHERE id = $1
    UNION ALL
    SELECT c.id FROM comments c JOIN doomed d ON c.parent_id = d.id
)
DELETE FROM comments WHERE id IN (SELECT id FROM doomed)
`, comment.ID); err != nil {
			return models.MutationResult{}, fmt.Errorf("delete comment: %w", err)
		}
		result.Changed = true
	case models.MutationLike:
		tag, err := tx.Exec(ctx, `
INSERT INTO comment_likes (comment_id, user_id, created_at) VALUES ($1, $2, $3)
ON CONFLICT (comment_id, user_id) DO NOTHING
`, comment.ID, m.ActorID, now)
		if err != nil {
			return models.MutationResult{}, fmt.Errorf("like comment: %w", err)
		}
		result.Changed = tag.RowsAffected() > 0
	case models.MutationUnlike:
		tag, err := tx.Exec(ctx, `DELETE FROM comment_likes WHERE comment_id = $1 AND user_id = $2`, comment.ID, m.ActorID)
		if err != nil {
			return models.MutationResult{}, fmt.Errorf("unlike comment: %w", err)
		}
		result.Changed = tag.RowsAffected() > 0
	}
	return result, nil
}

func loadComment(ctx context.Context, tx pgx.Tx, id string, item models.ContentItem) (models.Comment, error) {
	comment := models.Comment{Item: item, LikedBy: []string{}}
	err := tx.QueryRow(ctx, `
SELECT id, author_id, parent_id, body, edited, created_at, updated_at
FROM comments WHERE id = $1 AND item_kind = $2 AND item_id = $3
FOR UPDATE
`, id, string(item.Kind), item.ID).Scan(&comment.ID, &comment.AuthorID, &comment.ParentID, &comment.Text, &comment.Edited, &comment.CreatedAt, &comment.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Comment{}, fmt.Errorf("comment %s: %w", id, ErrNotFound)
		}
		return models.Comment{}, fmt.Errorf("load comment: %w", err)
	}
	comment.CreatedAt = comment.CreatedAt.UTC()
	comment.UpdatedAt = comment.UpdatedAt.UTC()
	return comment, nil
}

// FetchCanonical loads every comment and like of item and builds the thread.
func (r *PostgresRepository) FetchCanonical(ctx context.Context, item models.ContentItem, limit int) (models.CommentThread, error) {
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
SELECT id, author_id, parent_id, body, edited, created_at, updated_at
FROM comments WHERE item_kind = $1 AND item_id = $2
`, string(item.Kind), item.ID)
	if err != nil {
		return models.CommentThread{}, fmt.Errorf("query comments: %w", err)
	}
	var comments []models.Comment
	index := make(map[string]int)
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.AuthorID, &c.ParentID, &c.Text, &c.Edited, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return models.CommentThread{}, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
		index[c.ID] = len(comments)
		comments = append(comments, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.CommentThread{}, fmt.Errorf("iterate comments: %w", err)
	}

	likes, err := r.pool.Query(ctx, `
SELECT l.comment_id, l.user_id
FROM comment_likes l JOIN comments c ON c.id = l.comment_id
WHERE c.item_kind = $1 AND c.item_id = $2
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
func (r *PostgresRepository) SaveNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.UserID == "" || !n.Type.Valid() {
		return models.Notification{}, fmt.Errorf("%w: notification requires a recipient and a known type", ErrInvalid)
	}
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
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
	_, err := r.pool.Exec(ctx, `
INSERT INTO notifications (id, user_id, actor_id, type, item_kind, item_id, comment_id, is_read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`, n.ID, n.UserID, n.ActorID, string(n.Type), kind, itemID, n.CommentID, n.IsRead, n.CreatedAt)
	if err != nil {
		return models.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the newest notifications for userID.
func (r *PostgresRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	limit = normalizeNotificationLimit(limit)
	ctx, cancel := r.acquireContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `
SELECT id, user_id, actor_id, type, item_kind, item_id, comment_id, is_read, created_at
FROM notifications WHERE user_id = $1
ORDER BY created_at DESC, id COLLATE "C" DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		var (
			n              models.Notification
			kind, itemID   string
			notificationTy string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.ActorID, &notificationTy, &kind, &itemID, &n.CommentID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = models.NotificationType(notificationTy)
		n.CreatedAt = n.CreatedAt.UTC()
		if kind != "" {
			n.Item = &models.ContentItem{Kind: models.ContentKind(kind), ID: itemID}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrClosed
	}
	return r.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx expires first.
func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
