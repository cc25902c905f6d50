package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, envMap(nil))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 30*time.Second, cfg.Relay.HeartbeatInterval)
}

func TestLoadLayersFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
log:
  level: debug
  format: text
storage:
  driver: sqlite
  dsn: /tmp/relay.db
  busyTimeout: 2s
sessions:
  ttl: 12h
  devTokens:
    tok-alice: alice
relay:
  heartbeatInterval: 15s
  rateLimit:
    perSecond: 5
    burst: 10
`)
	env := envMap(map[string]string{
		"INSTARELAY_CONFIG":          path,
		"INSTARELAY_ADDR":            ":9100",
		"INSTARELAY_ALLOWED_ORIGINS": "https://a.example, https://b.example",
		"INSTARELAY_SEND_BUFFER":     "256",
	})

	cfg, err := Load([]string{"-addr", ":9200", "--dev-token", "tok-bob=bob", "-heartbeat-interval=0s"}, env)
	require.NoError(t, err)

	require.Equal(t, ":9200", cfg.Addr, "flags win over env and file")
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, 2*time.Second, cfg.Storage.BusyTimeout)
	require.Equal(t, 12*time.Hour, cfg.Sessions.TTL)
	require.Equal(t, map[string]string{"tok-alice": "alice", "tok-bob": "bob"}, cfg.Sessions.DevTokens)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.Equal(t, 256, cfg.Relay.SendBuffer)
	require.Zero(t, cfg.Relay.HeartbeatInterval)
	require.Equal(t, 5.0, cfg.Relay.RateLimit.PerSecond)
	require.Equal(t, 10, cfg.Relay.RateLimit.Burst)
	require.Len(t, cfg.Storage.Options(), 1)
}

func TestLoadConfigFlagBeatsEnv(t *testing.T) {
	fromFlag := writeConfig(t, "addr: \":7000\"\n")
	fromEnv := writeConfig(t, "addr: \":7001\"\n")

	cfg, err := Load([]string{"--config=" + fromFlag}, envMap(map[string]string{"INSTARELAY_CONFIG": fromEnv}))
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Addr)
}

func TestLoadRejectsUnknownFileFields(t *testing.T) {
	path := writeConfig(t, "adr: \":1\"\n")
	_, err := Load([]string{"-config", path}, envMap(nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "adr")
}

func TestLoadReportsBadEnvValues(t *testing.T) {
	_, err := Load(nil, envMap(map[string]string{
		"INSTARELAY_SHARDS":             "many",
		"INSTARELAY_HEARTBEAT_INTERVAL": "soon",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "INSTARELAY_SHARDS")
	require.Contains(t, err.Error(), "INSTARELAY_HEARTBEAT_INTERVAL")
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	_, err := Load([]string{"-nope"}, envMap(nil))
	require.Error(t, err)
}

func TestSessionDSNFallsBackToStorageDSN(t *testing.T) {
	cfg, err := Load([]string{
		"-storage-driver", "postgres",
		"-storage-dsn", "postgres://relay@db/relay",
		"-session-store", "POSTGRES",
	}, envMap(nil))
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Sessions.Driver)
	require.Equal(t, "postgres://relay@db/relay", cfg.Sessions.DSN)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Addr = ""
	cfg.Mode = ModeProduction
	cfg.TLS.CertFile = "cert.pem"
	cfg.Log.Level = "loud"
	cfg.Storage.Driver = "postgres"
	cfg.Sessions.DevTokens = map[string]string{"tok": "alice"}
	cfg.Queue.Driver = "redis"
	cfg.LastSeen.Driver = "disk"
	cfg.Relay.Shards = 0
	cfg.Relay.RateLimit.Burst = -1

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"addr must be set",
		"tls.certFile and tls.keyFile",
		"log.level",
		"storage.dsn is required",
		"devTokens are not allowed in production",
		"redis.addr is required for the redis queue",
		"lastSeen.driver",
		"relay.shards",
		"relay.rateLimit",
	} {
		require.Contains(t, msg, want)
	}
	require.Equal(t, 9, strings.Count(msg, "\n")+1)
}

func TestRedisDriversNeedAddress(t *testing.T) {
	cfg := Default()
	cfg.Queue.Driver = "redis"
	cfg.LastSeen.Driver = "redis"
	cfg.Redis.Addr = "localhost:6379"
	require.NoError(t, cfg.Validate())
}

func TestKeyValueFlag(t *testing.T) {
	var kv keyValueFlag
	require.NoError(t, kv.Set("b=2"))
	require.NoError(t, kv.Set(" a = 1 "))
	require.Equal(t, "a=1,b=2", kv.String())
	require.Error(t, kv.Set("missing"))
	require.Error(t, kv.Set("=user"))
}

func TestConfigPathFromArgs(t *testing.T) {
	require.Equal(t, "a.yaml", configPathFromArgs([]string{"-config", "a.yaml"}))
	require.Equal(t, "b.yaml", configPathFromArgs([]string{"-addr", ":1", "--config=b.yaml"}))
	require.Empty(t, configPathFromArgs([]string{"--", "-config", "c.yaml"}))
	require.Empty(t, configPathFromArgs([]string{"config", "d.yaml"}))
}

func TestLoadHTTPRateLimitFromEnv(t *testing.T) {
	cfg, err := Load(nil, envMap(map[string]string{
		"INSTARELAY_HTTP_PER_IP_RPS":      "2.5",
		"INSTARELAY_HTTP_PER_IP_BURST":    "5",
		"INSTARELAY_HTTP_TRUST_FORWARDED": "true",
	}))
	require.NoError(t, err)
	require.InDelta(t, 2.5, cfg.HTTP.RateLimit.PerIPRPS, 0.0001)
	require.Equal(t, 5, cfg.HTTP.RateLimit.PerIPBurst)
	require.True(t, cfg.HTTP.RateLimit.TrustForwardedHeaders)

	_, err = Load(nil, envMap(map[string]string{"INSTARELAY_HTTP_GLOBAL_RPS": "-1"}))
	require.ErrorContains(t, err, "http.rateLimit")
}
