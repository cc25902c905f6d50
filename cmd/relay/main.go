// Command relay starts the realtime messaging relay: the websocket gateway,
// the REST API, and the notification worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"instarelay/internal/auth"
	"instarelay/internal/config"
	"instarelay/internal/observability/logging"
	"instarelay/internal/observability/metrics"
	"instarelay/internal/relay"
	"instarelay/internal/server"
	"instarelay/internal/serverutil"
	"instarelay/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

// run wires the relay from configuration and blocks until ctx is cancelled
// or a component fails.
func run(ctx context.Context, args []string, lookup config.LookupFunc, logOutput io.Writer) error {
	cfg, err := config.Load(args, lookup)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Log.Writer = logOutput
	logger := logging.Init(cfg.Log)
	recorder := metrics.Default()

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.Options()...)
	if err != nil {
		return fmt.Errorf("open %s datastore: %w", cfg.Storage.Driver, err)
	}
	defer closeWithTimeout(logger, "datastore", store.Close)
	logger.Info("datastore ready", "driver", cfg.Storage.Driver)

	sessions, closeSessions, err := buildSessions(ctx, cfg.Sessions)
	if err != nil {
		return err
	}
	defer closeWithTimeout(logger, "session store", closeSessions)

	checks := []server.HealthCheck{
		{Name: "datastore", Ping: store.Ping},
		{Name: "sessions", Ping: sessions.Ping},
	}

	var redisClient redis.UniversalClient
	if needsRedis(cfg) {
		redisClient, err = relay.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("configure redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed to close redis client", "error", err)
			}
		}()
		checks = append(checks, server.HealthCheck{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	queue, err := buildQueue(ctx, cfg.Queue, redisClient)
	if err != nil {
		return fmt.Errorf("configure notification queue: %w", err)
	}
	lastSeen, err := buildLastSeen(cfg.LastSeen, redisClient)
	if err != nil {
		return fmt.Errorf("configure last seen tracker: %w", err)
	}

	hub, err := relay.NewHub(relay.HubConfig{
		Store:        store,
		Queue:        queue,
		LastSeen:     lastSeen,
		Shards:       cfg.Relay.Shards,
		SendBuffer:   cfg.Relay.SendBuffer,
		CommentLimit: cfg.Relay.CommentLimit,
		Recorder:     recorder,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	identity := auth.NewSessionIdentity(sessions, logger)
	gateway := relay.NewGateway(relay.GatewayConfig{
		Hub:               hub,
		Identity:          identity,
		AllowedOrigins:    cfg.AllowedOrigins,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		WriteTimeout:      cfg.Relay.WriteTimeout,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		RateLimit:         cfg.Relay.RateLimit,
		Logger:            logger,
	})

	srv, err := server.New(server.Config{
		Addr:           cfg.Addr,
		Hub:            hub,
		Gateway:        gateway,
		Identity:       identity,
		Checks:         checks,
		AllowedOrigins: cfg.AllowedOrigins,
		InternalSecret: cfg.InternalSecret,
		RateLimit:      cfg.HTTP.RateLimit,
		Security:       cfg.HTTP.Security,
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("instarelay starting",
		"addr", cfg.Addr,
		"mode", cfg.Mode,
		"queue", cfg.Queue.Driver,
		"sessions", cfg.Sessions.Driver,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             cfg.TLS,
			ShutdownTimeout: cfg.ShutdownTimeout,
			OnShutdown:      []func(){hub.Shutdown},
			Logger:          logger,
		})
	})
	group.Go(func() error {
		hub.NotificationWorker().Run(groupCtx)
		return nil
	})
	janitor := newSessionJanitor(sessions, cfg.Sessions.PurgeInterval, logging.WithComponent(logger, "session-janitor"))
	group.Go(func() error {
		return janitor.Run(groupCtx)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped with error", "error", err)
		return err
	}
	logger.Info("relay stopped")
	return nil
}

func needsRedis(cfg config.Config) bool {
	return cfg.Queue.Driver == "redis" || cfg.LastSeen.Driver == "redis"
}

func buildQueue(ctx context.Context, cfg config.QueueConfig, client redis.UniversalClient) (relay.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return relay.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis queue requires a redis client")
		}
		return relay.NewRedisQueue(ctx, client, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

func buildLastSeen(cfg config.LastSeenConfig, client redis.UniversalClient) (relay.LastSeenTracker, error) {
	switch cfg.Driver {
	case "", "memory":
		return relay.NewMemoryLastSeen(), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis last seen tracker requires a redis client")
		}
		return relay.NewRedisLastSeen(client, cfg.Key), nil
	default:
		return nil, fmt.Errorf("unsupported last seen driver %q", cfg.Driver)
	}
}

func closeWithTimeout(logger *slog.Logger, name string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		logger.Warn("failed to close "+name, "error", err)
	}
}
