package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustHash(t *testing.T, token string) string {
	t.Helper()
	hashed, err := hashSessionToken(token)
	if err != nil {
		t.Fatalf("hashSessionToken: %v", err)
	}
	return hashed
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	manager := NewSessionManager(time.Hour, WithClock(clock.Now))

	token, expiresAt, err := manager.Create(ctx, "user-123")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 32 random bytes hex encoded, got %q", token)
	}
	if !expiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	userID, expires, ok, err := manager.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("expected token to validate, ok=%v err=%v", ok, err)
	}
	if userID != "user-123" {
		t.Fatalf("expected user id user-123, got %s", userID)
	}
	if !expires.Equal(expiresAt) {
		t.Fatalf("expected expiry %v, got %v", expiresAt, expires)
	}

	if err := manager.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if _, _, ok, err := manager.Validate(ctx, token); err != nil || ok {
		t.Fatalf("expected revoked token to be invalid, ok=%v err=%v", ok, err)
	}
	if err := manager.Revoke(ctx, ""); err != nil {
		t.Fatalf("Revoke of empty token returned error: %v", err)
	}
}

func TestStoreNeverSeesRawToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store))

	token, _, err := manager.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, ok, _ := store.Get(ctx, token); ok {
		t.Fatal("expected raw token to be absent from the store")
	}
	record, ok, err := store.Get(ctx, mustHash(t, token))
	if err != nil || !ok {
		t.Fatalf("expected hashed record, ok=%v err=%v", ok, err)
	}
	if record.UserID != "user-1" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestSessionExpiration(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemorySessionStore()
	manager := NewSessionManager(10*time.Minute, WithStore(store), WithClock(clock.Now))

	expired, _, err := manager.Create(ctx, "user-old")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	clock.Advance(5 * time.Minute)
	fresh, _, err := manager.Create(ctx, "user-new")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	clock.Advance(6 * time.Minute)

	purged, err := manager.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged session, got %d", purged)
	}
	if store.Len() != 1 {
		t.Fatalf("expected one remaining session, got %d", store.Len())
	}
	if _, _, ok, _ := manager.Validate(ctx, expired); ok {
		t.Fatal("expected expired token to be invalid")
	}
	if _, _, ok, _ := manager.Validate(ctx, fresh); !ok {
		t.Fatal("expected fresh token to validate")
	}
}

func TestValidateDropsExpiredRecord(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Minute, WithStore(store), WithClock(clock.Now))

	token, _, err := manager.Create(ctx, "user-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, _, ok, err := manager.Validate(ctx, token); err != nil || ok {
		t.Fatalf("expected expired token to be rejected, ok=%v err=%v", ok, err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected expired record to be deleted, %d remain", store.Len())
	}
}

func TestCreateRequiresUserID(t *testing.T) {
	manager := NewSessionManager(time.Minute)
	if _, _, err := manager.Create(context.Background(), "  "); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
}

func TestIssueRegistersChosenToken(t *testing.T) {
	ctx := context.Background()
	manager := NewSessionManager(time.Hour)
	if _, err := manager.Issue(ctx, "dev-alice", "alice"); err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	userID, _, ok, err := manager.Validate(ctx, "dev-alice")
	if err != nil || !ok || userID != "alice" {
		t.Fatalf("expected dev token to resolve to alice, got %q ok=%v err=%v", userID, ok, err)
	}
	if _, err := manager.Issue(ctx, "", "alice"); !errors.Is(err, errSessionTokenRequired) {
		t.Fatalf("expected empty token error, got %v", err)
	}
}

func TestSessionPersistsAcrossManagers(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	first := NewSessionManager(time.Minute, WithStore(store))
	token, _, err := first.Create(ctx, "persistent-user")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	second := NewSessionManager(time.Minute, WithStore(store))
	userID, _, ok, err := second.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("expected token to validate after manager restart, ok=%v err=%v", ok, err)
	}
	if userID != "persistent-user" {
		t.Fatalf("expected user persistent-user, got %s", userID)
	}
}

func TestConcurrentValidationAcrossManagers(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	primary := NewSessionManager(time.Minute, WithStore(store))
	token, _, err := primary.Create(ctx, "user-xyz")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wg.Add(workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			replica := NewSessionManager(time.Minute, WithStore(store))
			userID, _, ok, err := replica.Validate(ctx, token)
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- fmt.Errorf("token rejected by replica")
				return
			}
			if userID != "user-xyz" {
				errs <- fmt.Errorf("unexpected user id %s", userID)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("replica validation error: %v", err)
	}
}

func TestValidateRefreshesIdleTimeout(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemorySessionStore()
	manager := NewSessionManager(time.Hour, WithStore(store), WithIdleTimeout(10*time.Minute), WithClock(clock.Now))

	token, initialExpiry, err := manager.Create(ctx, "user-refresh")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !initialExpiry.Equal(clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("expected idle expiry, got %v", initialExpiry)
	}

	clock.Advance(4 * time.Minute)
	_, refreshed, ok, err := manager.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("expected token to validate, ok=%v err=%v", ok, err)
	}
	if !refreshed.Equal(initialExpiry.Add(4 * time.Minute)) {
		t.Fatalf("expected refreshed expiry %v, got %v", initialExpiry.Add(4*time.Minute), refreshed)
	}
	record, _, _ := store.Get(ctx, mustHash(t, token))
	if !record.ExpiresAt.Equal(refreshed) {
		t.Fatalf("expected store expiry to refresh to %v, got %v", refreshed, record.ExpiresAt)
	}

	clock.Advance(11 * time.Minute)
	if _, _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("expected idle session to expire")
	}
}

func TestValidateHonorsAbsoluteTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemorySessionStore()
	manager := NewSessionManager(10*time.Minute, WithStore(store), WithIdleTimeout(8*time.Minute), WithClock(clock.Now))

	token, _, err := manager.Create(ctx, "user-absolute")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	record, ok, err := store.Get(ctx, mustHash(t, token))
	if err != nil || !ok {
		t.Fatalf("expected session record, got ok=%v err=%v", ok, err)
	}
	absoluteExpiry := record.AbsoluteExpiresAt

	clock.Advance(7 * time.Minute)
	_, refreshed, ok, err := manager.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("expected token to validate before absolute expiry, ok=%v err=%v", ok, err)
	}
	if !refreshed.Equal(absoluteExpiry) {
		t.Fatalf("expected refresh capped at %v, got %v", absoluteExpiry, refreshed)
	}

	clock.Advance(4 * time.Minute)
	if _, _, ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("expected session past absolute expiry to be rejected")
	}
}

type failingStore struct {
	*MemorySessionStore
	err error
}

func (s failingStore) Get(context.Context, string) (SessionRecord, bool, error) {
	return SessionRecord{}, false, s.err
}

func (s failingStore) Ping(context.Context) error {
	return s.err
}

func TestValidateSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("store down")
	manager := NewSessionManager(time.Minute, WithStore(failingStore{MemorySessionStore: NewMemorySessionStore(), err: boom}))
	if _, _, ok, err := manager.Validate(context.Background(), "token"); ok || !errors.Is(err, boom) {
		t.Fatalf("expected store error, ok=%v err=%v", ok, err)
	}
	if err := manager.Ping(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected Ping to report store error, got %v", err)
	}
	if err := NewSessionManager(time.Minute).Ping(context.Background()); err != nil {
		t.Fatalf("expected memory store ping to succeed, got %v", err)
	}
}
