package relay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"instarelay/internal/models"
	"instarelay/internal/testsupport/redisstub"
)

func startRedis(t *testing.T, opts redisstub.Options) (*redisstub.Server, RedisConfig) {
	t.Helper()
	srv, err := redisstub.Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	cfg := RedisConfig{Addr: srv.Addr(), Password: opts.Password, DialTimeout: time.Second, ReadTimeout: 3 * time.Second}
	if opts.EnableTLS {
		caPath := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(caPath, srv.CertPEM(), 0o600))
		cfg.TLS = RedisTLSConfig{CAFile: caPath, ServerName: "127.0.0.1"}
	}
	return srv, cfg
}

func TestRedisConfig(t *testing.T) {
	require.False(t, RedisConfig{}.Enabled())
	require.True(t, RedisConfig{Addrs: []string{" ", "a:6379"}}.Enabled())

	_, err := NewRedisClient(RedisConfig{})
	require.Error(t, err)

	_, err = NewRedisClient(RedisConfig{Addr: "localhost:6379", TLS: RedisTLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}})
	require.Error(t, err)

	tlsCfg, err := buildTLSConfig(RedisTLSConfig{})
	require.NoError(t, err)
	require.Nil(t, tlsCfg)
}

func TestRedisQueueDeliversAndAcknowledges(t *testing.T) {
	for _, useTLS := range []bool{false, true} {
		name := "plain"
		if useTLS {
			name = "tls"
		}
		t.Run(name, func(t *testing.T) {
			srv, cfg := startRedis(t, redisstub.Options{Password: "secret", EnableTLS: useTLS})
			client, err := NewRedisClient(cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = client.Close() })

			ctx := context.Background()
			queue, err := NewRedisQueue(ctx, client, RedisQueueConfig{BlockTimeout: 50 * time.Millisecond, Logger: discardLogger()})
			require.NoError(t, err)

			// A second replica attaching to the same group is not an error.
			_, err = NewRedisQueue(ctx, client, RedisQueueConfig{Logger: discardLogger()})
			require.NoError(t, err)

			require.Error(t, queue.Publish(ctx, models.Notification{Type: models.NotificationLike}))

			sub := queue.Subscribe()
			item := models.ContentItem{Kind: models.ContentPost, ID: "p1"}
			want := models.Notification{UserID: "alice", ActorID: "bob", Type: models.NotificationReply, Item: &item, CommentID: "c1"}
			require.NoError(t, queue.Publish(ctx, want))

			select {
			case got := <-sub.Events():
				require.Equal(t, want, got)
			case <-time.After(2 * time.Second):
				t.Fatal("notification not delivered")
			}
			waitUntil(t, time.Second, func() bool {
				return srv.Pending("instarelay:notifications", "notification-workers") == 0
			})
			require.Equal(t, 1, srv.Len("instarelay:notifications"))

			sub.Close()
			sub.Close()
		})
	}
}

func TestRedisQueueFeedsNotificationWorker(t *testing.T) {
	_, cfg := startRedis(t, redisstub.Options{})
	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	queue, err := NewRedisQueue(context.Background(), client, RedisQueueConfig{Stream: "test:notes", Group: "workers", BlockTimeout: 50 * time.Millisecond, Logger: discardLogger()})
	require.NoError(t, err)
	hub, err := NewHub(HubConfig{Store: newFaultyStore(), Queue: queue, Logger: discardLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.NotificationWorker().Run(ctx)
	}()

	alice := connect(t, hub, "alice")
	require.NoError(t, hub.Notify(ctx, models.Notification{UserID: "alice", ActorID: "bob", Type: models.NotificationFollow}))
	waitUntil(t, 2*time.Second, func() bool {
		return len(ofType(drain(t, alice), EventNotification)) == 1
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRedisLastSeen(t *testing.T) {
	_, cfg := startRedis(t, redisstub.Options{})
	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	tracker := NewRedisLastSeen(client, "")
	ctx := context.Background()

	_, ok, err := tracker.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Date(2024, 3, 1, 12, 30, 15, 250*int(time.Millisecond), time.UTC)
	require.NoError(t, tracker.Touch(ctx, "alice", at))
	got, ok, err := tracker.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, at.Equal(got))
}
