package domain

import (
	"context"
	"time"
)

// Repository persists scoring results and rule configurations. The
// detector treats it as an external collaborator: a repository failure is
// logged and never fails a scoring call.
type Repository interface {
	// SaveResult stores a fraud result.
	SaveResult(ctx context.Context, result *FraudResult) error

	// GetResult retrieves a result by its ID.
	GetResult(ctx context.Context, id string) (*FraudResult, error)

	// ListResults returns results analyzed since the given time, newest first.
	ListResults(ctx context.Context, since time.Time, limit int) ([]*FraudResult, error)

	// SaveRule upserts a rule configuration.
	SaveRule(ctx context.Context, rule Rule) error

	// ListRules returns all stored rule configurations.
	ListRules(ctx context.Context) ([]Rule, error)

	// Ping checks repository health.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// RepositoryConfig holds database connection settings.
type RepositoryConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string

	// SQLite settings.
	SQLitePath string

	// PostgreSQL settings.
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
