package storage

import (
	"time"
)

// Option tunes a repository. Options that do not apply to a backend are
// ignored by it.
type Option interface {
	applyMemory(*MemoryRepository)
	applySQLite(*SQLiteConfig)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	memory func(*MemoryRepository)
	sqlite func(*SQLiteConfig)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyMemory(repo *MemoryRepository) {
	if o.memory != nil && repo != nil {
		o.memory(repo)
	}
}

func (o optionAdapter) applySQLite(cfg *SQLiteConfig) {
	if o.sqlite != nil && cfg != nil {
		o.sqlite(cfg)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func sqliteOnlyOption(sqlite func(*SQLiteConfig)) Option {
	return optionAdapter{sqlite: sqlite}
}

// WithClock overrides the time source used to stamp new rows.
func WithClock(clock func() time.Time) Option {
	if clock == nil {
		return optionAdapter{}
	}
	return optionAdapter{
		memory: func(r *MemoryRepository) { r.now = clock },
		sqlite: func(cfg *SQLiteConfig) { cfg.Clock = clock },
		pg:     func(cfg *PostgresConfig) { cfg.Clock = clock },
	}
}

// WithPoolLimits bounds the Postgres connection pool.
func WithPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithConnLifetimes sets how long pooled Postgres connections live and idle.
func WithConnLifetimes(maxLifetime, maxIdle time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
	})
}

// WithHealthCheckInterval sets the pool health check period.
func WithHealthCheckInterval(interval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if interval > 0 {
			cfg.HealthCheckInterval = interval
		}
	})
}

// WithAcquireTimeout bounds how long a query waits for a pooled connection.
func WithAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithApplicationName tags Postgres sessions for pg_stat_activity.
func WithApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	})
}

// WithBusyTimeout sets how long SQLite waits on a locked database.
func WithBusyTimeout(timeout time.Duration) Option {
	return sqliteOnlyOption(func(cfg *SQLiteConfig) {
		if timeout > 0 {
			cfg.BusyTimeout = timeout
		}
	})
}
