package storage

import (
	"time"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		AcquireTimeout:  5 * time.Second,
		ApplicationName: "instarelay",
		Clock:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}

// SQLiteConfig describes the embedded SQLite database.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	Clock       func() time.Time
}

func newSQLiteConfig(path string, opts ...Option) SQLiteConfig {
	cfg := SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		Clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	return cfg
}
