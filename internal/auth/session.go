package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// SessionStore persists sessions keyed by the SHA-256 hash of their token.
// Raw tokens never reach a store.
type SessionStore interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error)
	Delete(ctx context.Context, tokenHash string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// SessionRecord is one stored session.
type SessionRecord struct {
	TokenHash         string
	UserID            string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

func (r SessionRecord) expired(now time.Time) bool {
	absolute := r.AbsoluteExpiresAt
	if absolute.IsZero() {
		absolute = r.ExpiresAt
	}
	return now.After(r.ExpiresAt) || now.After(absolute)
}

// SessionOption configures a SessionManager instance.
type SessionOption func(*SessionManager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) SessionOption {
	return func(m *SessionManager) {
		m.store = store
	}
}

// WithTokenLength sets the number of random bytes in new tokens.
func WithTokenLength(length int) SessionOption {
	return func(m *SessionManager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// WithIdleTimeout expires sessions that go unused for timeout. Validate
// extends an active session, never past its absolute TTL.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// SessionManager issues and validates opaque session tokens.
type SessionManager struct {
	store       SessionStore
	absoluteTTL time.Duration
	idleTimeout time.Duration
	tokenLength int
	now         func() time.Time
}

// NewSessionManager builds a manager with the given absolute TTL (default
// seven days). Without WithStore sessions live in memory.
func NewSessionManager(ttl time.Duration, opts ...SessionOption) *SessionManager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &SessionManager{
		absoluteTTL: ttl,
		tokenLength: 32,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new token for userID.
func (m *SessionManager) Create(ctx context.Context, userID string) (string, time.Time, error) {
	token, err := generateToken(m.tokenLength)
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt, err := m.Issue(ctx, token, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Issue registers a caller-chosen token for userID. It backs the development
// tokens configured for local runs.
func (m *SessionManager) Issue(ctx context.Context, token, userID string) (time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return time.Time{}, ErrInvalidUserID
	}
	hashed, err := hashSessionToken(token)
	if err != nil {
		return time.Time{}, err
	}
	now := m.now()
	absoluteExpiresAt := now.Add(m.absoluteTTL)
	expiresAt := absoluteExpiresAt
	if m.idleTimeout > 0 && now.Add(m.idleTimeout).Before(absoluteExpiresAt) {
		expiresAt = now.Add(m.idleTimeout)
	}
	record := SessionRecord{
		TokenHash:         hashed,
		UserID:            userID,
		ExpiresAt:         expiresAt.UTC(),
		AbsoluteExpiresAt: absoluteExpiresAt.UTC(),
	}
	if err := m.store.Save(ctx, record); err != nil {
		return time.Time{}, err
	}
	return record.ExpiresAt, nil
}

// Validate resolves token to its user. ok is false for unknown or expired
// tokens; err is reserved for store failures.
func (m *SessionManager) Validate(ctx context.Context, token string) (userID string, expiresAt time.Time, ok bool, err error) {
	if token == "" {
		return "", time.Time{}, false, nil
	}
	hashed, err := hashSessionToken(token)
	if err != nil {
		return "", time.Time{}, false, nil
	}
	record, found, err := m.store.Get(ctx, hashed)
	if err != nil || !found {
		return "", time.Time{}, false, err
	}
	now := m.now()
	if record.expired(now) {
		_ = m.store.Delete(ctx, hashed)
		return "", time.Time{}, false, nil
	}
	expiresAt = record.ExpiresAt
	if m.idleTimeout > 0 {
		absolute := record.AbsoluteExpiresAt
		if absolute.IsZero() {
			absolute = record.ExpiresAt
		}
		refreshTo := now.Add(m.idleTimeout)
		if refreshTo.After(absolute) {
			refreshTo = absolute
		}
		if refreshTo.After(record.ExpiresAt) {
			record.ExpiresAt = refreshTo.UTC()
			if err := m.store.Save(ctx, record); err != nil {
				return "", time.Time{}, false, err
			}
			expiresAt = record.ExpiresAt
		}
	}
	return record.UserID, expiresAt, true, nil
}

// Revoke deletes token. Unknown tokens are ignored.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hashed, err := hashSessionToken(token)
	if err != nil {
		return err
	}
	return m.store.Delete(ctx, hashed)
}

// PurgeExpired removes expired sessions and reports how many were dropped.
func (m *SessionManager) PurgeExpired(ctx context.Context) (int, error) {
	return m.store.PurgeExpired(ctx, m.now())
}

// Ping verifies the store is reachable when it can tell.
func (m *SessionManager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ErrInvalidUserID is returned when a session is requested without a user.
var ErrInvalidUserID = errors.New("userID is required")
