package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"instarelay/internal/auth"
	"instarelay/internal/config"
)

// buildSessions returns the session manager and a closer for its backing
// store. Development tokens are seeded before the manager is returned.
func buildSessions(ctx context.Context, cfg config.SessionsConfig) (*auth.SessionManager, func(context.Context) error, error) {
	opts := []auth.SessionOption{auth.WithIdleTimeout(cfg.IdleTimeout)}
	closer := func(context.Context) error { return nil }

	switch cfg.Driver {
	case "", "memory":
	case "postgres":
		store, err := auth.NewPostgresSessionStore(ctx, cfg.DSN, auth.WithTimeout(5*time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres session store: %w", err)
		}
		opts = append(opts, auth.WithStore(store))
		closer = store.Close
	default:
		return nil, nil, fmt.Errorf("unsupported session store %q", cfg.Driver)
	}

	sessions := auth.NewSessionManager(cfg.TTL, opts...)
	for token, userID := range cfg.DevTokens {
		if _, err := sessions.Issue(ctx, token, userID); err != nil {
			_ = closer(ctx)
			return nil, nil, fmt.Errorf("seed development token for %s: %w", userID, err)
		}
	}
	return sessions, closer, nil
}

type expiredSessionPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// sessionJanitor drops expired sessions on a fixed interval. It runs as one
// of the relay's errgroup members.
type sessionJanitor struct {
	sessions expiredSessionPurger
	interval time.Duration
	logger   *slog.Logger
	// ticks returns the tick channel and its stop function.
	ticks func(time.Duration) (<-chan time.Time, func())
}

func newSessionJanitor(sessions expiredSessionPurger, interval time.Duration, logger *slog.Logger) *sessionJanitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionJanitor{
		sessions: sessions,
		interval: interval,
		logger:   logger,
		ticks: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Run purges on every tick until ctx ends. A failed pass is logged and the
// next tick tries again; Run itself only returns nil.
func (j *sessionJanitor) Run(ctx context.Context) error {
	if j.sessions == nil || j.interval <= 0 {
		j.logger.Debug("session purging disabled")
		return nil
	}
	ticks, stop := j.ticks(j.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			j.purge(ctx)
		}
	}
}

// purge bounds one pass by the interval so a hung store cannot stack passes.
func (j *sessionJanitor) purge(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, j.interval)
	defer cancel()
	purged, err := j.sessions.PurgeExpired(passCtx)
	if err != nil {
		j.logger.Error("failed to purge expired sessions", "error", err)
		return
	}
	if purged > 0 {
		j.logger.Debug("purged expired sessions", "count", purged)
	}
}
