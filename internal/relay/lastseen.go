package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// LastSeenTracker remembers when each user last went offline.
type LastSeenTracker interface {
	Touch(ctx context.Context, userID string, at time.Time) error
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

// MemoryLastSeen keeps last-seen times in process memory.
type MemoryLastSeen struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

// NewMemoryLastSeen returns an empty tracker.
func NewMemoryLastSeen() *MemoryLastSeen {
	return &MemoryLastSeen{seen: make(map[string]time.Time)}
}

func (m *MemoryLastSeen) Touch(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.seen[userID]; !ok || at.After(current) {
		m.seen[userID] = at.UTC()
	}
	return nil
}

func (m *MemoryLastSeen) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.seen[userID]
	return at, ok, nil
}

// RedisLastSeen stores last-seen times in one Redis hash so every replica
// shares them.
type RedisLastSeen struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLastSeen stores entries under key (default "instarelay:last_seen").
func NewRedisLastSeen(client redis.UniversalClient, key string) *RedisLastSeen {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "instarelay:last_seen"
	}
	return &RedisLastSeen{client: client, key: key}
}

func (r *RedisLastSeen) Touch(ctx context.Context, userID string, at time.Time) error {
	if err := r.client.HSet(ctx, r.key, userID, at.UTC().UnixMilli()).Err(); err != nil {
		return fmt.Errorf("record last seen: %w", err)
	}
	return nil
}

func (r *RedisLastSeen) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := r.client.HGet(ctx, r.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load last seen: %w", err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last seen %q: %w", raw, err)
	}
	return time.UnixMilli(millis).UTC(), true, nil
}
