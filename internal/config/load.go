package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load resolves the configuration from args (without the program name) and
// the environment, then validates it.
func Load(args []string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Default()

	path := configPathFromArgs(args)
	if path == "" {
		if value, ok := lookup(EnvPrefix + "CONFIG"); ok {
			path = strings.TrimSpace(value)
		}
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := applyFlags(&cfg, args); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// configPathFromArgs finds -config before the flag set parses, since the file
// has to load first.
func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if value, ok := strings.CutPrefix(name, "config="); ok {
			return strings.TrimSpace(value)
		}
		if name == "config" && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return ""
}

type envBinding struct {
	name  string
	apply func(string) error
}

func envBindings(cfg *Config) []envBinding {
	return []envBinding{
		{"ADDR", setString(&cfg.Addr)},
		{"MODE", setString(&cfg.Mode)},
		{"SHUTDOWN_TIMEOUT", setDuration(&cfg.ShutdownTimeout)},
		{"TLS_CERT", setString(&cfg.TLS.CertFile)},
		{"TLS_KEY", setString(&cfg.TLS.KeyFile)},
		{"LOG_LEVEL", setString(&cfg.Log.Level)},
		{"LOG_FORMAT", setString(&cfg.Log.Format)},
		{"ALLOWED_ORIGINS", setList(&cfg.AllowedOrigins)},
		{"INTERNAL_SECRET", setString(&cfg.InternalSecret)},

		{"STORAGE_DRIVER", setString(&cfg.Storage.Driver)},
		{"STORAGE_DSN", setString(&cfg.Storage.DSN)},
		{"POSTGRES_MAX_CONNS", setInt32(&cfg.Storage.MaxConns)},
		{"POSTGRES_MIN_CONNS", setInt32(&cfg.Storage.MinConns)},
		{"POSTGRES_MAX_CONN_LIFETIME", setDuration(&cfg.Storage.MaxConnLifetime)},
		{"POSTGRES_MAX_CONN_IDLE", setDuration(&cfg.Storage.MaxConnIdle)},
		{"POSTGRES_HEALTH_INTERVAL", setDuration(&cfg.Storage.HealthInterval)},
		{"POSTGRES_ACQUIRE_TIMEOUT", setDuration(&cfg.Storage.AcquireTimeout)},
		{"POSTGRES_APP_NAME", setString(&cfg.Storage.ApplicationName)},
		{"SQLITE_BUSY_TIMEOUT", setDuration(&cfg.Storage.BusyTimeout)},

		{"SESSION_STORE", setString(&cfg.Sessions.Driver)},
		{"SESSION_POSTGRES_DSN", setString(&cfg.Sessions.DSN)},
		{"SESSION_TTL", setDuration(&cfg.Sessions.TTL)},
		{"SESSION_IDLE_TIMEOUT", setDuration(&cfg.Sessions.IdleTimeout)},
		{"SESSION_PURGE_INTERVAL", setDuration(&cfg.Sessions.PurgeInterval)},
		{"DEV_TOKENS", setPairs(&cfg.Sessions.DevTokens)},

		{"REDIS_ADDR", setString(&cfg.Redis.Addr)},
		{"REDIS_ADDRS", setList(&cfg.Redis.Addrs)},
		{"REDIS_USERNAME", setString(&cfg.Redis.Username)},
		{"REDIS_PASSWORD", setString(&cfg.Redis.Password)},
		{"REDIS_SENTINEL_MASTER", setString(&cfg.Redis.MasterName)},
		{"REDIS_POOL_SIZE", setInt(&cfg.Redis.PoolSize)},
		{"REDIS_TLS_CA", setString(&cfg.Redis.TLS.CAFile)},
		{"REDIS_TLS_CERT", setString(&cfg.Redis.TLS.CertFile)},
		{"REDIS_TLS_KEY", setString(&cfg.Redis.TLS.KeyFile)},
		{"REDIS_TLS_SERVER_NAME", setString(&cfg.Redis.TLS.ServerName)},
		{"REDIS_TLS_SKIP_VERIFY", setBool(&cfg.Redis.TLS.InsecureSkipVerify)},

		{"QUEUE_DRIVER", setString(&cfg.Queue.Driver)},
		{"QUEUE_BUFFER", setInt(&cfg.Queue.Buffer)},
		{"QUEUE_REDIS_STREAM", setString(&cfg.Queue.Redis.Stream)},
		{"QUEUE_REDIS_GROUP", setString(&cfg.Queue.Redis.Group)},
		{"LAST_SEEN_DRIVER", setString(&cfg.LastSeen.Driver)},
		{"LAST_SEEN_KEY", setString(&cfg.LastSeen.Key)},

		{"SHARDS", setInt(&cfg.Relay.Shards)},
		{"SEND_BUFFER", setInt(&cfg.Relay.SendBuffer)},
		{"COMMENT_LIMIT", setInt(&cfg.Relay.CommentLimit)},
		{"HEARTBEAT_INTERVAL", setDuration(&cfg.Relay.HeartbeatInterval)},
		{"WRITE_TIMEOUT", setDuration(&cfg.Relay.WriteTimeout)},
		{"MAX_MESSAGE_BYTES", setInt64(&cfg.Relay.MaxMessageBytes)},
		{"RATE_PER_SECOND", setFloat(&cfg.Relay.RateLimit.PerSecond)},
		{"RATE_BURST", setInt(&cfg.Relay.RateLimit.Burst)},

		{"HTTP_GLOBAL_RPS", setFloat(&cfg.HTTP.RateLimit.GlobalRPS)},
		{"HTTP_GLOBAL_BURST", setInt(&cfg.HTTP.RateLimit.GlobalBurst)},
		{"HTTP_PER_IP_RPS", setFloat(&cfg.HTTP.RateLimit.PerIPRPS)},
		{"HTTP_PER_IP_BURST", setInt(&cfg.HTTP.RateLimit.PerIPBurst)},
		{"HTTP_TRUST_FORWARDED", setBool(&cfg.HTTP.RateLimit.TrustForwardedHeaders)},
	}
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, binding := range envBindings(cfg) {
		value, ok := lookup(EnvPrefix + binding.name)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := binding.apply(strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, binding.name, err))
		}
	}
	return errors.Join(errs...)
}

func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("instarelay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.String("config", "", "path to a YAML configuration file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "runtime mode (development or production)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown bound")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert", cfg.TLS.CertFile, "path to TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key", cfg.TLS.KeyFile, "path to TLS private key file")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format (json or text)")
	fs.Func("allowed-origins", "comma separated browser origins", func(value string) error {
		return setList(&cfg.AllowedOrigins)(value)
	})
	fs.StringVar(&cfg.InternalSecret, "internal-secret", cfg.InternalSecret, "shared secret for internal notification publishing")

	fs.StringVar(&cfg.Storage.Driver, "storage-driver", cfg.Storage.Driver, "datastore driver (memory, sqlite, or postgres)")
	fs.StringVar(&cfg.Storage.DSN, "storage-dsn", cfg.Storage.DSN, "SQLite path or Postgres connection string")
	fs.StringVar(&cfg.Sessions.Driver, "session-store", cfg.Sessions.Driver, "session store driver (memory or postgres)")
	fs.StringVar(&cfg.Sessions.DSN, "session-postgres-dsn", cfg.Sessions.DSN, "Postgres DSN for the session store")
	fs.DurationVar(&cfg.Sessions.TTL, "session-ttl", cfg.Sessions.TTL, "absolute session lifetime")
	fs.DurationVar(&cfg.Sessions.IdleTimeout, "session-idle-timeout", cfg.Sessions.IdleTimeout, "idle session expiry (0 disables)")
	dev := keyValueFlag(cfg.Sessions.DevTokens)
	fs.Var(&dev, "dev-token", "development session token (token=user), repeatable")

	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "Redis address for the queue and last-seen tracking")
	fs.StringVar(&cfg.Redis.Password, "redis-password", cfg.Redis.Password, "Redis password")
	fs.StringVar(&cfg.Queue.Driver, "queue-driver", cfg.Queue.Driver, "notification queue driver (memory or redis)")
	fs.StringVar(&cfg.LastSeen.Driver, "last-seen-driver", cfg.LastSeen.Driver, "last-seen tracker (memory or redis)")

	fs.DurationVar(&cfg.Relay.HeartbeatInterval, "heartbeat-interval", cfg.Relay.HeartbeatInterval, "websocket ping interval (0 disables)")
	fs.IntVar(&cfg.Relay.SendBuffer, "send-buffer", cfg.Relay.SendBuffer, "outbound frames buffered per connection")
	fs.Float64Var(&cfg.Relay.RateLimit.PerSecond, "rate-per-second", cfg.Relay.RateLimit.PerSecond, "inbound commands per second per connection (0 disables)")
	fs.IntVar(&cfg.Relay.RateLimit.Burst, "rate-burst", cfg.Relay.RateLimit.Burst, "inbound command burst per connection")
	fs.Float64Var(&cfg.HTTP.RateLimit.PerIPRPS, "http-per-ip-rps", cfg.HTTP.RateLimit.PerIPRPS, "REST requests per second per client IP (0 disables)")
	fs.Float64Var(&cfg.HTTP.RateLimit.GlobalRPS, "http-global-rps", cfg.HTTP.RateLimit.GlobalRPS, "REST requests per second across all clients (0 disables)")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if len(dev) > 0 {
		cfg.Sessions.DevTokens = dev
	}
	return nil
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*kv))
	for key, value := range *kv {
		parts = append(parts, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (kv *keyValueFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("invalid format %q, expected token=user", value)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("token is required")
	}
	if *kv == nil {
		*kv = make(map[string]string)
	}
	(*kv)[key] = strings.TrimSpace(val)
	return nil
}

func setString(target *string) func(string) error {
	return func(value string) error {
		*target = value
		return nil
	}
}

func setList(target *[]string) func(string) error {
	return func(value string) error {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*target = out
		return nil
	}
}

func setPairs(target *map[string]string) func(string) error {
	return func(value string) error {
		pairs := keyValueFlag{}
		for _, part := range strings.Split(value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			if err := pairs.Set(part); err != nil {
				return err
			}
		}
		*target = pairs
		return nil
	}
}

func setDuration(target *time.Duration) func(string) error {
	return func(value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func setInt(target *int) func(string) error {
	return func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func setInt32(target *int32) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return err
		}
		*target = int32(parsed)
		return nil
	}
}

func setInt64(target *int64) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func setFloat(target *float64) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func setBool(target *bool) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}
