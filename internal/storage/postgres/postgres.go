package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/calypsokit/calydb/internal/storage/migrations"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage implements the Storage interface using PostgreSQL
type PostgresStorage struct {
	pool      *pgxpool.Pool
	batchSize int
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
	BatchSize       int
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		Database:        "calydb",
		User:            "calydb",
		SSLMode:         "prefer",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 1 * time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		HealthCheck:     1 * time.Minute,
		BatchSize:       500,
	}
}

// minPoolConns keeps one connection free while a group cursor is open
const minPoolConns = 2

// poolSize raises n to minPoolConns. ForEachGroup holds a connection for
// the whole stream and callers query the store from inside the callback.
func poolSize(n int32) int32 {
	if n < minPoolConns {
		return minPoolConns
	}
	return n
}

// New creates a new PostgreSQL storage backend with connection pooling
func New(ctx context.Context, cfg *Config) (*PostgresStorage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = defaults.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = defaults.MaxConnIdleTime
	}
	if cfg.HealthCheck == 0 {
		cfg.HealthCheck = defaults.HealthCheck
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = poolSize(cfg.MaxConns)
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := migrations.Default().ApplyPostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &PostgresStorage{
		pool:      pool,
		batchSize: cfg.BatchSize,
	}, nil
}

// Ping checks that the database is reachable
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool and releases all resources
func (s *PostgresStorage) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// whereClause renders a RecordFilter with numbered placeholders starting
// after the given number of existing arguments.
func whereClause(filter types.RecordFilter, args []interface{}) (string, []interface{}) {
	var conds []string

	if !filter.IncludeDeprecated {
		conds = append(conds, "deprecated = FALSE")
	}
	if filter.UpdatedAfter != nil {
		args = append(args, filter.UpdatedAfter.UTC())
		conds = append(conds, fmt.Sprintf("last_updated_utc > $%d", len(args)))
	}
	if filter.EnthalpyAbove != nil {
		args = append(args, *filter.EnthalpyAbove)
		conds = append(conds, fmt.Sprintf("enthalpy_per_atom > $%d", len(args)))
	}
	if filter.SourceName != "" {
		args = append(args, filter.SourceName)
		conds = append(conds, fmt.Sprintf("source_name = $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// chunk splits ids into slices of at most size elements
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
