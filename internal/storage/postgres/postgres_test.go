package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/calypsokit/calydb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestConfig returns a config for testing based on environment variables
func getTestConfig() *Config {
	cfg := DefaultConfig()

	if host := os.Getenv("CALYDB_TEST_PG_HOST"); host != "" {
		cfg.Host = host
	}
	if db := os.Getenv("CALYDB_TEST_PG_DATABASE"); db != "" {
		cfg.Database = db
	}
	if user := os.Getenv("CALYDB_TEST_PG_USER"); user != "" {
		cfg.User = user
	}
	if pass := os.Getenv("CALYDB_TEST_PG_PASSWORD"); pass != "" {
		cfg.Password = pass
	}

	return cfg
}

// setupTestStorage creates a test storage and empties both collections
func setupTestStorage(t *testing.T) *PostgresStorage {
	ctx := context.Background()

	storage, err := New(ctx, getTestConfig())
	if err != nil {
		t.Skipf("Skipping PostgreSQL test (database not available): %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	if _, err := storage.pool.Exec(ctx, `TRUNCATE TABLE unique_structures, records RESTART IDENTITY`); err != nil {
		t.Fatalf("Failed to clean up test database: %v", err)
	}
	return storage
}

func record(id, task string, enth float64) *types.StructureRecord {
	return &types.StructureRecord{
		ID:                   id,
		Task:                 task,
		Formula:              "Li2O",
		EnthalpyPerAtom:      enth,
		SymmetryNumberCoarse: 1,
		Geometry: &types.Structure{
			Species:   []string{"Li", "Li", "O"},
			Cell:      [3][3]float64{{4, 0, 0}, {0, 4, 0}, {0, 0, 4}},
			Positions: [][3]float64{{0, 0, 0}, {2, 2, 0}, {1, 1, 1}},
		},
	}
}

func TestGroupingMatchesSQLiteSemantics(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.InsertRecords(ctx, []*types.StructureRecord{
		record("x", "A", -1.0),
		record("y", "A", -2.0),
		record("z", "A", -2.0),
		record("w", "B", -0.9),
	})
	require.NoError(t, err)

	groups, err := storage.GroupTaskFormula(ctx, types.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"x", "y", "z"}, groups[0].IDs)
	assert.Equal(t, []string{"w"}, groups[1].IDs)

	sorted, err := storage.SortedByEnthalpy(ctx, types.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "z", "x"}, sorted[0].SortedIDs)

	tasks, err := storage.GroupByTask(ctx, types.RecordFilter{}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "B", tasks[0].Task)
}

func TestPoolSize(t *testing.T) {
	assert.Equal(t, int32(2), poolSize(1))
	assert.Equal(t, int32(2), poolSize(2))
	assert.Equal(t, int32(10), poolSize(10))
}

func TestQueryInsideGroupStreamWithSingleConnConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := getTestConfig()
	cfg.MaxConns = 1
	storage, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping PostgreSQL test (database not available): %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	assert.Equal(t, int32(2), storage.pool.Config().MaxConns)

	_, err = storage.pool.Exec(ctx, `TRUNCATE TABLE unique_structures, records RESTART IDENTITY`)
	require.NoError(t, err)
	_, err = storage.InsertRecords(ctx, []*types.StructureRecord{
		record("x", "A", -1.0),
		record("y", "B", -2.0),
	})
	require.NoError(t, err)

	var seen []string
	err = storage.ForEachGroup(ctx, types.RecordFilter{}, func(g types.TaskFormulaGroup) error {
		projections, err := storage.GetProjections(ctx, g.IDs)
		if err != nil {
			return err
		}
		for _, id := range g.IDs {
			seen = append(seen, projections[id].ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, seen)
}

func TestUniqueInsertModes(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	entries := []types.UniqueEntry{{ID: "a", Version: 1}, {ID: "b", Version: 1}}
	res, err := storage.InsertUnique(ctx, entries, false)
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 2)

	_, err = storage.InsertUnique(ctx, []types.UniqueEntry{{ID: "c", Version: 1}, {ID: "a", Version: 1}}, false)
	require.ErrorIs(t, err, types.ErrDuplicateKey)

	res, err = storage.InsertUnique(ctx, []types.UniqueEntry{{ID: "c", Version: 2}, {ID: "a", Version: 2}}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, res.Inserted)
	assert.Equal(t, []string{"a"}, res.Duplicates)

	n, err := storage.DeleteUniqueVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGeometryRoundTrip(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.InsertRecords(ctx, []*types.StructureRecord{record("g", "A", -1)})
	require.NoError(t, err)

	g, err := storage.GetGeometry(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"Li", "Li", "O"}, g.Species)

	proj, err := storage.GetProjections(ctx, []string{"g"})
	require.NoError(t, err)
	assert.Equal(t, -1.0, proj["g"].EnthalpyPerAtom)
}
