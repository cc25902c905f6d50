package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instarelay/internal/storage"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	var km KeyedMutex
	var wg sync.WaitGroup
	var mu sync.Mutex
	active := map[string]int{}
	overlap := false

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			mu.Lock()
			active[key]++
			if active[key] > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	require.False(t, overlap)
	require.Zero(t, km.Len(), "released keys are forgotten")
}

func TestCommandLimiter(t *testing.T) {
	require.Nil(t, newCommandLimiter(RateLimit{}))
	var disabled *commandLimiter
	require.True(t, disabled.Allow())

	now := time.Unix(0, 0)
	cl := newCommandLimiter(RateLimit{PerSecond: 2, Burst: 2})
	cl.now = func() time.Time { return now }

	require.True(t, cl.Allow())
	require.True(t, cl.Allow())
	require.False(t, cl.Allow())

	now = now.Add(500 * time.Millisecond)
	require.True(t, cl.Allow())
	require.False(t, cl.Allow())

	now = now.Add(time.Hour)
	require.True(t, cl.Allow())
	require.True(t, cl.Allow())
	require.False(t, cl.Allow(), "tokens never exceed the burst")
}

func TestStoreErrorMapping(t *testing.T) {
	require.NoError(t, storeError("op", nil))

	err := storeError("edit comment", fmt.Errorf("comment x: %w", storage.ErrNotFound))
	require.ErrorIs(t, err, ErrNotFound)
	code, retryable := errorCode(err)
	require.Equal(t, CodeNotFound, code)
	require.False(t, retryable)

	err = storeError("delete comment", storage.ErrForbidden)
	require.ErrorIs(t, err, ErrValidation)
	code, _ = errorCode(err)
	require.Equal(t, CodeValidation, code)

	err = storeError("persist", fmt.Errorf("%w: missing sender", storage.ErrInvalid))
	require.ErrorIs(t, err, ErrValidation)

	cause := errors.New("connection refused")
	err = storeError("persist", cause)
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, cause)
	code, retryable = errorCode(err)
	require.Equal(t, CodePersistence, code)
	require.True(t, retryable)
	require.Equal(t, "persist: connection refused", err.Error())

	require.Equal(t, "body: too long", invalid("body", "too long").Error())
}

func TestMemoryLastSeenKeepsLatest(t *testing.T) {
	tracker := NewMemoryLastSeen()
	ctx := context.Background()
	early := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	_, ok, err := tracker.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tracker.Touch(ctx, "alice", early.Add(time.Hour)))
	require.NoError(t, tracker.Touch(ctx, "alice", early))
	at, ok, err := tracker.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, early.Add(time.Hour), at)
}

func TestHubDisconnectIsOneShot(t *testing.T) {
	hub := newTestHub(t, nil)
	ctx := context.Background()
	watcher := connect(t, hub, "watcher")
	alice := connect(t, hub, "alice")
	hub.JoinRoom(alice, ConversationRoom("alice", "watcher"))
	drainAll(t, watcher, alice)

	hub.Disconnect(alice)
	hub.Disconnect(alice)
	require.True(t, alice.Closed())
	require.Zero(t, hub.Rooms.Len())
	require.Len(t, ofType(drain(t, watcher), EventPresence), 1)

	presence := hub.Presence(ctx, "alice")
	require.False(t, presence.Online)
	require.NotNil(t, presence.LastSeen)
	require.True(t, hub.Presence(ctx, "watcher").Online)

	hub.Shutdown()
	require.True(t, watcher.Closed())
}
