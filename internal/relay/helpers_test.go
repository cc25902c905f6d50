package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instarelay/internal/models"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, store storage.Repository) *Hub {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryRepository()
	}
	hub, err := NewHub(HubConfig{Store: store, Recorder: metrics.New(), Logger: discardLogger()})
	require.NoError(t, err)
	return hub
}

// connect opens a hub connection for userID and discards the presence
// frames produced by the association.
func connect(t *testing.T, hub *Hub, userID string) *Connection {
	t.Helper()
	conn := hub.NewConnection()
	hub.Connect(conn, userID)
	return conn
}

// drain returns every frame queued on conn without blocking.
func drain(t *testing.T, conn *Connection) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case payload := <-conn.Outbound():
			var evt Event
			require.NoError(t, json.Unmarshal(payload, &evt))
			events = append(events, evt)
		default:
			return events
		}
	}
}

func ofType(events []Event, kind EventType) []Event {
	var out []Event
	for _, evt := range events {
		if evt.Type == kind {
			out = append(out, evt)
		}
	}
	return out
}

func drainAll(t *testing.T, conns ...*Connection) {
	t.Helper()
	for _, conn := range conns {
		drain(t, conn)
	}
}

// faultyStore wraps the memory repository with injectable failures.
type faultyStore struct {
	*storage.MemoryRepository

	mu         sync.Mutex
	persistErr error
	markErr    error
	recentErr  error

	recentCalls atomic.Int32
	recentGate  chan struct{}
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryRepository: storage.NewMemoryRepository()}
}

func (f *faultyStore) setPersistErr(err error) {
	f.mu.Lock()
	f.persistErr = err
	f.mu.Unlock()
}

func (f *faultyStore) PersistMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	f.mu.Lock()
	err := f.persistErr
	f.mu.Unlock()
	if err != nil {
		return models.Message{}, err
	}
	return f.MemoryRepository.PersistMessage(ctx, draft)
}

func (f *faultyStore) MarkRead(ctx context.Context, ids []string, filter models.ReadFilter) (int, error) {
	f.mu.Lock()
	err := f.markErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.MemoryRepository.MarkRead(ctx, ids, filter)
}

func (f *faultyStore) RecentPerCounterpart(ctx context.Context, userID string) ([]models.Message, error) {
	f.recentCalls.Add(1)
	if f.recentGate != nil {
		<-f.recentGate
	}
	f.mu.Lock()
	err := f.recentErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryRepository.RecentPerCounterpart(ctx, userID)
}

// failingLastSeen always fails lookups.
type failingLastSeen struct{}

func (failingLastSeen) Touch(context.Context, string, time.Time) error { return nil }

func (failingLastSeen) LastSeen(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, io.ErrUnexpectedEOF
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	require.Eventually(t, fn, timeout, 10*time.Millisecond)
}
