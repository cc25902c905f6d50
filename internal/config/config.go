// Package config resolves the relay's runtime settings. Values come from an
// optional YAML file, then INSTARELAY_* environment variables, then command
// line flags, each layer overriding the one before it.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"instarelay/internal/observability/logging"
	"instarelay/internal/relay"
	"instarelay/internal/server"
	"instarelay/internal/serverutil"
	"instarelay/internal/storage"
)

// EnvPrefix prefixes every environment variable the relay reads.
const EnvPrefix = "INSTARELAY_"

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Config is the complete process configuration.
type Config struct {
	Addr            string               `yaml:"addr"`
	Mode            string               `yaml:"mode"`
	ShutdownTimeout time.Duration        `yaml:"shutdownTimeout"`
	TLS             serverutil.TLSConfig `yaml:"tls"`
	Log             logging.Config       `yaml:"log"`
	// AllowedOrigins governs both CORS on the HTTP API and the websocket
	// origin check. Empty means same host only.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// InternalSecret guards POST /internal/notifications. Empty disables the
	// endpoint.
	InternalSecret string `yaml:"internalSecret"`

	Storage  StorageConfig     `yaml:"storage"`
	Sessions SessionsConfig    `yaml:"sessions"`
	Redis    relay.RedisConfig `yaml:"redis"`
	Queue    QueueConfig       `yaml:"queue"`
	LastSeen LastSeenConfig    `yaml:"lastSeen"`
	Relay    RelayConfig       `yaml:"relay"`
	HTTP     HTTPConfig        `yaml:"http"`
}

// HTTPConfig tunes the REST surface.
type HTTPConfig struct {
	RateLimit server.RateLimitConfig `yaml:"rateLimit"`
	Security  server.SecurityConfig  `yaml:"security"`
}

// StorageConfig selects and tunes the message, comment, and notification
// repository.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdle     time.Duration `yaml:"maxConnIdle"`
	HealthInterval  time.Duration `yaml:"healthInterval"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout"`
	ApplicationName string        `yaml:"applicationName"`
	BusyTimeout     time.Duration `yaml:"busyTimeout"`
}

// Options converts the tuning fields to repository options.
func (c StorageConfig) Options() []storage.Option {
	var opts []storage.Option
	if c.MaxConns > 0 || c.MinConns > 0 {
		opts = append(opts, storage.WithPoolLimits(c.MaxConns, c.MinConns))
	}
	if c.MaxConnLifetime > 0 || c.MaxConnIdle > 0 {
		opts = append(opts, storage.WithConnLifetimes(c.MaxConnLifetime, c.MaxConnIdle))
	}
	if c.HealthInterval > 0 {
		opts = append(opts, storage.WithHealthCheckInterval(c.HealthInterval))
	}
	if c.AcquireTimeout > 0 {
		opts = append(opts, storage.WithAcquireTimeout(c.AcquireTimeout))
	}
	if name := strings.TrimSpace(c.ApplicationName); name != "" {
		opts = append(opts, storage.WithApplicationName(name))
	}
	if c.BusyTimeout > 0 {
		opts = append(opts, storage.WithBusyTimeout(c.BusyTimeout))
	}
	return opts
}

// SessionsConfig configures token validation.
type SessionsConfig struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	TTL           time.Duration `yaml:"ttl"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	PurgeInterval time.Duration `yaml:"purgeInterval"`
	// DevTokens maps fixed tokens to user ids for local runs. Refused in
	// production mode.
	DevTokens map[string]string `yaml:"devTokens"`
}

// QueueConfig selects the notification queue transport.
type QueueConfig struct {
	Driver string                 `yaml:"driver"`
	Buffer int                    `yaml:"buffer"`
	Redis  relay.RedisQueueConfig `yaml:"redis"`
}

// LastSeenConfig selects where offline timestamps are kept.
type LastSeenConfig struct {
	Driver string `yaml:"driver"`
	Key    string `yaml:"key"`
}

// RelayConfig tunes the hub and the websocket gateway.
type RelayConfig struct {
	Shards            int             `yaml:"shards"`
	SendBuffer        int             `yaml:"sendBuffer"`
	CommentLimit      int             `yaml:"commentLimit"`
	HeartbeatInterval time.Duration   `yaml:"heartbeatInterval"`
	WriteTimeout      time.Duration   `yaml:"writeTimeout"`
	MaxMessageBytes   int64           `yaml:"maxMessageBytes"`
	RateLimit         relay.RateLimit `yaml:"rateLimit"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Addr:            ":8080",
		Mode:            ModeDevelopment,
		ShutdownTimeout: serverutil.DefaultShutdownTimeout,
		Log:             logging.Config{Level: "info", Format: string(logging.FormatJSON)},
		Storage:         StorageConfig{Driver: storage.DriverMemory},
		Sessions: SessionsConfig{
			Driver:        "memory",
			TTL:           7 * 24 * time.Hour,
			PurgeInterval: 15 * time.Minute,
		},
		Queue:    QueueConfig{Driver: "memory", Buffer: 128},
		LastSeen: LastSeenConfig{Driver: "memory"},
		Relay: RelayConfig{
			Shards:            32,
			SendBuffer:        64,
			CommentLimit:      100,
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxMessageBytes:   64 << 10,
			RateLimit:         relay.RateLimit{PerSecond: 20, Burst: 40},
		},
		HTTP: HTTPConfig{
			RateLimit: server.RateLimitConfig{PerIPRPS: 10, PerIPBurst: 20},
		},
	}
}

// normalize lowercases driver names and fills values derived from other
// fields.
func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Sessions.Driver = strings.ToLower(strings.TrimSpace(c.Sessions.Driver))
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	c.LastSeen.Driver = strings.ToLower(strings.TrimSpace(c.LastSeen.Driver))
	if c.Sessions.Driver == "postgres" && strings.TrimSpace(c.Sessions.DSN) == "" && c.Storage.Driver == storage.DriverPostgres {
		c.Sessions.DSN = c.Storage.DSN
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Addr) == "" {
		add("addr must be set")
	}
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		add("mode must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Mode)
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdownTimeout must be positive")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		add("tls.certFile and tls.keyFile must be set together")
	}
	if !logging.ValidLevel(c.Log.Level) {
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch logging.LogFormat(strings.ToLower(strings.TrimSpace(c.Log.Format))) {
	case "", logging.FormatJSON, logging.FormatText:
	default:
		add("log.format %q must be json or text", c.Log.Format)
	}

	switch c.Storage.Driver {
	case storage.DriverMemory:
	case storage.DriverSQLite, storage.DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			add("storage.dsn is required for the %s driver", c.Storage.Driver)
		}
	default:
		add("storage.driver %q must be memory, sqlite, or postgres", c.Storage.Driver)
	}

	switch c.Sessions.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Sessions.DSN) == "" {
			add("sessions.dsn is required for the postgres driver")
		}
	default:
		add("sessions.driver %q must be memory or postgres", c.Sessions.Driver)
	}
	if c.Sessions.TTL <= 0 {
		add("sessions.ttl must be positive")
	}
	if c.Sessions.IdleTimeout < 0 {
		add("sessions.idleTimeout must not be negative")
	}
	if c.Sessions.PurgeInterval <= 0 {
		add("sessions.purgeInterval must be positive")
	}
	if len(c.Sessions.DevTokens) > 0 && c.Mode == ModeProduction {
		add("sessions.devTokens are not allowed in production mode")
	}
	for token, user := range c.Sessions.DevTokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			add("sessions.devTokens entries need both a token and a user")
			break
		}
	}

	switch c.Queue.Driver {
	case "memory":
		if c.Queue.Buffer <= 0 {
			add("queue.buffer must be positive")
		}
	case "redis":
		if !c.Redis.Enabled() {
			add("redis.addr is required for the redis queue driver")
		}
	default:
		add("queue.driver %q must be memory or redis", c.Queue.Driver)
	}
	switch c.LastSeen.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			add("redis.addr is required for the redis lastSeen driver")
		}
	default:
		add("lastSeen.driver %q must be memory or redis", c.LastSeen.Driver)
	}

	if c.Relay.Shards <= 0 {
		add("relay.shards must be positive")
	}
	if c.Relay.SendBuffer <= 0 {
		add("relay.sendBuffer must be positive")
	}
	if c.Relay.CommentLimit < 0 {
		add("relay.commentLimit must not be negative")
	}
	if c.Relay.HeartbeatInterval < 0 {
		add("relay.heartbeatInterval must not be negative")
	}
	if c.Relay.WriteTimeout <= 0 {
		add("relay.writeTimeout must be positive")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		add("relay.maxMessageBytes must be positive")
	}
	if c.Relay.RateLimit.PerSecond < 0 || c.Relay.RateLimit.Burst < 0 {
		add("relay.rateLimit values must not be negative")
	}
	if rl := c.HTTP.RateLimit; rl.GlobalRPS < 0 || rl.PerIPRPS < 0 || rl.GlobalBurst < 0 || rl.PerIPBurst < 0 {
		add("http.rateLimit values must not be negative")
	}

	return errors.Join(errs...)
}
