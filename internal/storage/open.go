package storage

import (
	"context"
	"fmt"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open constructs the repository selected by driver. dsn is a file path for
// SQLite and a connection string for Postgres; memory ignores it.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryRepository(opts...), nil
	case DriverSQLite, "sqlite3":
		return NewSQLiteRepository(ctx, dsn, opts...)
	case DriverPostgres, "postgresql", "pgx":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("postgres dsn required")
		}
		return NewPostgresRepository(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}
