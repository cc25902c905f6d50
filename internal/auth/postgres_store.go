package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS auth_sessions (
	token_hash TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	absolute_expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS auth_sessions_expires_at_idx ON auth_sessions (expires_at);
`

// PostgresSessionOption configures a PostgresSessionStore.
type PostgresSessionOption func(*PostgresSessionStore)

// WithTimeout bounds every statement issued by the store.
func WithTimeout(timeout time.Duration) PostgresSessionOption {
	return func(s *PostgresSessionStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// PostgresSessionStore shares sessions between replicas through the
// auth_sessions table, created on first use.
type PostgresSessionStore struct {
	pool    *pgxpool.Pool
	owned   bool
	timeout time.Duration
}

// NewPostgresSessionStore opens its own pool on dsn.
func NewPostgresSessionStore(ctx context.Context, dsn string, opts ...PostgresSessionOption) (*PostgresSessionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres session config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres session pool: %w", err)
	}
	store, err := newPostgresSessionStore(ctx, pool, true, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresSessionStoreWithPool reuses an existing pool, which the caller
// keeps ownership of.
func NewPostgresSessionStoreWithPool(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresSessionOption) (*PostgresSessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres session pool required")
	}
	return newPostgresSessionStore(ctx, pool, false, opts)
}

func newPostgresSessionStore(ctx context.Context, pool *pgxpool.Pool, owned bool, opts []PostgresSessionOption) (*PostgresSessionStore, error) {
	store := &PostgresSessionStore{pool: pool, owned: owned, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	schemaCtx, cancel := store.withTimeout(ctx)
	defer cancel()
	if _, err := pool.Exec(schemaCtx, sessionSchema); err != nil {
		return nil, fmt.Errorf("ensure auth_sessions schema: %w", err)
	}
	return store, nil
}

func (s *PostgresSessionStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close releases the pool when the store opened it.
func (s *PostgresSessionStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil || !s.owned {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresSessionStore) Save(ctx context.Context, record SessionRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO auth_sessions (token_hash, user_id, expires_at, absolute_expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token_hash) DO UPDATE
SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at, absolute_expires_at = EXCLUDED.absolute_expires_at
`, record.TokenHash, record.UserID, record.ExpiresAt.UTC(), record.AbsoluteExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	record := SessionRecord{TokenHash: tokenHash}
	err := s.pool.QueryRow(ctx, `
SELECT user_id, expires_at, absolute_expires_at
FROM auth_sessions
WHERE token_hash = $1
`, tokenHash).Scan(&record.UserID, &record.ExpiresAt, &record.AbsoluteExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("load session: %w", err)
	}
	return record, true, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, tokenHash string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at <= $1 OR absolute_expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}
