package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"instarelay/internal/config"
	"instarelay/internal/relay"
)

func noEnv(string) (string, bool) { return "", false }

func TestBuildQueueMemory(t *testing.T) {
	queue, err := buildQueue(context.Background(), config.QueueConfig{Driver: "memory", Buffer: 4}, nil)
	if err != nil {
		t.Fatalf("buildQueue returned error: %v", err)
	}
	if queue == nil {
		t.Fatal("buildQueue returned nil queue")
	}
}

func TestBuildQueueRedisRequiresClient(t *testing.T) {
	if _, err := buildQueue(context.Background(), config.QueueConfig{Driver: "redis"}, nil); err == nil {
		t.Fatal("expected error without a redis client")
	}
	if _, err := buildQueue(context.Background(), config.QueueConfig{Driver: "kafka"}, nil); err == nil {
		t.Fatal("expected error for an unknown driver")
	}
}

func TestBuildLastSeen(t *testing.T) {
	tracker, err := buildLastSeen(config.LastSeenConfig{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("buildLastSeen returned error: %v", err)
	}
	if _, ok := tracker.(*relay.MemoryLastSeen); !ok {
		t.Fatalf("expected memory tracker, got %T", tracker)
	}
	if _, err := buildLastSeen(config.LastSeenConfig{Driver: "redis"}, nil); err == nil {
		t.Fatal("expected error without a redis client")
	}
}

func TestBuildSessionsSeedsDevTokens(t *testing.T) {
	ctx := context.Background()
	sessions, closer, err := buildSessions(ctx, config.SessionsConfig{
		Driver:    "memory",
		TTL:       time.Hour,
		DevTokens: map[string]string{"tok-alice": "alice"},
	})
	if err != nil {
		t.Fatalf("buildSessions returned error: %v", err)
	}
	defer closer(ctx)

	userID, _, ok, err := sessions.Validate(ctx, "tok-alice")
	if err != nil || !ok || userID != "alice" {
		t.Fatalf("expected dev token to resolve to alice, got %q ok=%v err=%v", userID, ok, err)
	}
}

func TestBuildSessionsRejectsUnknownDriver(t *testing.T) {
	if _, _, err := buildSessions(context.Background(), config.SessionsConfig{Driver: "etcd", TTL: time.Hour}); err == nil {
		t.Fatal("expected error for an unknown session store")
	}
}

func TestNeedsRedis(t *testing.T) {
	cfg := config.Default()
	if needsRedis(cfg) {
		t.Fatal("default configuration must not need redis")
	}
	cfg.LastSeen.Driver = "redis"
	if !needsRedis(cfg) {
		t.Fatal("redis last seen tracking needs a client")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run(context.Background(), []string{"-storage-driver", "mongo"}, noEnv, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-addr", "127.0.0.1:0", "-dev-token", "tok=alice"}, noEnv, io.Discard)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
