package storage

import (
	"context"
	"fmt"

	"github.com/calypsokit/calydb/internal/config"
	"github.com/calypsokit/calydb/internal/storage/postgres"
	"github.com/calypsokit/calydb/internal/storage/sqlite"
	"github.com/calypsokit/calydb/internal/types"
)

// Storage defines the interface for property store backends.
//
// The raw collection holds structure records; the unique collection holds
// {id, version} references to raw records and never stores geometry.
type Storage interface {
	// Raw records
	InsertRecords(ctx context.Context, records []*types.StructureRecord) (*types.InsertResult, error)
	GetRecord(ctx context.Context, id string) (*types.StructureRecord, error)
	FindRecords(ctx context.Context, filter types.RecordFilter) ([]*types.StructureRecord, error)
	CountRecords(ctx context.Context, filter types.RecordFilter) (int, error)
	GetProjections(ctx context.Context, ids []string) (map[string]types.RecordProjection, error)
	GetGeometry(ctx context.Context, id string) (*types.Structure, error)
	DeprecateRecords(ctx context.Context, ids []string, reason string) (int, error)
	MaxSourceIndex(ctx context.Context, sourceName string) (int, error)

	// Aggregations
	ForEachGroup(ctx context.Context, filter types.RecordFilter, fn func(types.TaskFormulaGroup) error) error
	GroupTaskFormula(ctx context.Context, filter types.RecordFilter) ([]types.TaskFormulaGroup, error)
	SortedByEnthalpy(ctx context.Context, filter types.RecordFilter) ([]types.SortedGroup, error)
	GroupByTask(ctx context.Context, filter types.RecordFilter, lte int) ([]types.TaskCount, error)

	// Unique collection
	InsertUnique(ctx context.Context, entries []types.UniqueEntry, continueOnDuplicate bool) (*types.InsertResult, error)
	FindUniqueIDs(ctx context.Context, ids []string) ([]string, error)
	DeprecatedUniqueIDs(ctx context.Context) ([]string, error)
	DeleteUnique(ctx context.Context, ids []string) (int, error)
	DeleteUniqueVersion(ctx context.Context, version int64) (int, error)
	UniqueRecords(ctx context.Context, limit int) ([]*types.UniqueRecord, error)
	CountUnique(ctx context.Context) (int, error)

	// Maintenance
	DeprecationCounts(ctx context.Context) (map[string]int, error)
	Vacuum(ctx context.Context) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Storage = (*sqlite.SQLiteStorage)(nil)
	_ Storage = (*postgres.PostgresStorage)(nil)
)

// NewStorage opens the backend selected by cfg. The configuration is
// validated first so missing credentials fail before any connection attempt.
func NewStorage(ctx context.Context, cfg config.StoreConfig) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		pg := cfg.Postgres
		return postgres.New(ctx, &postgres.Config{
			Host:      pg.Host,
			Port:      pg.Port,
			Database:  pg.Database,
			User:      pg.User,
			Password:  pg.Password,
			SSLMode:   pg.SSLMode,
			MaxConns:  pg.MaxConns,
			BatchSize: cfg.BatchSize,
		})
	default:
		st, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		st.SetBatchSize(cfg.BatchSize)
		return st, nil
	}
}
