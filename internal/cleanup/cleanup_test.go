package cleanup

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/calypsokit/calydb/internal/config"
	"github.com/calypsokit/calydb/internal/metrics"
	"github.com/calypsokit/calydb/internal/storage/sqlite"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sqlite.SQLiteStorage {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "calydb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedGroup inserts one record per enthalpy into task/formula. Ids are
// prefix-0, prefix-1, ...
func seedGroup(t *testing.T, store *sqlite.SQLiteStorage, task, formula, prefix string, enthalpies ...float64) {
	t.Helper()
	records := make([]*types.StructureRecord, len(enthalpies))
	for i, e := range enthalpies {
		records[i] = &types.StructureRecord{
			ID:                   fmt.Sprintf("%s-%d", prefix, i),
			Task:                 task,
			Formula:              formula,
			EnthalpyPerAtom:      e,
			SymmetryNumberCoarse: 1,
		}
	}
	_, err := store.InsertRecords(context.Background(), records)
	require.NoError(t, err)
}

func newTestCleaner(t *testing.T, store Store, modify func(*config.CleanupConfig)) *Cleaner {
	t.Helper()
	cfg := config.DefaultCleanupConfig()
	if modify != nil {
		modify(&cfg)
	}
	c, err := NewCleaner(store, cfg, nil, nil)
	require.NoError(t, err)
	return c
}

func ids(s []Solitary) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.ID
	}
	return out
}

func TestDeprecateLargeEnthalpy(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	seedGroup(t, store, "A", "MgO", "m", -5.0, 610612509, -4.9, 610612508)

	collector := metrics.NewCollector()
	c, err := NewCleaner(store, config.DefaultCleanupConfig(), nil, collector)
	require.NoError(t, err)

	dry, err := c.DeprecateLargeEnthalpy(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, dry.IDs)
	assert.Equal(t, 0, dry.Deprecated)
	assert.True(t, dry.DryRun)

	res, err := c.DeprecateLargeEnthalpy(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deprecated)
	assert.Equal(t, config.ReasonOptimizationFail, res.Reason)

	rec, err := store.GetRecord(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, rec.Deprecated)
	assert.Equal(t, config.ReasonOptimizationFail, rec.DeprecatedReason)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.Deprecated.WithLabelValues(config.ReasonOptimizationFail)))

	again, err := c.DeprecateLargeEnthalpy(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, again.IDs)
}

func TestSolitaryCandidates(t *testing.T) {
	tests := []struct {
		name       string
		enthalpies []float64
		modify     func(*config.CleanupConfig)
		want       []string
	}{
		{
			name:       "lone low energy record",
			enthalpies: []float64{-4.9, -10.0, -5.0, -4.8, -2.0, -1.5},
			want:       []string{"g-1"},
		},
		{
			name:       "lone highest record is not inspected",
			enthalpies: []float64{-5.0, -4.9, 3.0},
			want:       nil,
		},
		{
			name:       "single record group",
			enthalpies: []float64{-5.0},
			want:       nil,
		},
		{
			name: "large cluster stops the walk",
			enthalpies: []float64{
				-5.0, -4.99, -4.98, -4.97, -4.96, -4.95, -4.94, -4.93, -4.92, -4.91,
				-1.0, -0.5, -0.4,
			},
			want: nil,
		},
		{
			name:       "only the lowest clusters are inspected",
			enthalpies: []float64{-20, -19.5, -15, -14.5, -10, -5, -4.5},
			modify:     func(c *config.CleanupConfig) { c.SolitaryMaxClusters = 2 },
			want:       nil,
		},
		{
			name:       "several solitary records",
			enthalpies: []float64{-20, -15, -10, -9.5},
			want:       []string{"g-0", "g-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestDB(t)
			seedGroup(t, store, "T", "SiO2", "g", tt.enthalpies...)
			c := newTestCleaner(t, store, tt.modify)

			found, err := c.SolitaryCandidates(context.Background())
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, found)
				return
			}
			assert.Equal(t, tt.want, ids(found))
		})
	}
}

func TestCleanSolitary(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	seedGroup(t, store, "A", "SiO2", "a", -10.0, -5.0, -4.9, -4.8, -1.0, -0.9)
	seedGroup(t, store, "B", "SiO2", "b", -5.0, -4.9)
	c := newTestCleaner(t, store, nil)

	found, err := c.SolitaryCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, Solitary{ID: "a-0", Key: types.GroupKey{Task: "A", Formula: "SiO2"}, EnthalpyPerAtom: -10.0}, found[0])

	res, err := c.CleanSolitary(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deprecated)
	assert.Equal(t, config.ReasonSolitary, res.Reason)

	found, err = c.SolitaryCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, found, "deprecated records must not be found again")
}

func TestSmallTasks(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	seedGroup(t, store, "big", "MgO", "big", -5, -5, -5, -5)
	seedGroup(t, store, "small", "MgO", "small", -5)
	c := newTestCleaner(t, store, func(cfg *config.CleanupConfig) { cfg.TaskMinCount = 3 })

	tasks, err := c.SmallTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "small", tasks[0].Task)
	assert.Equal(t, []string{"small-0"}, tasks[0].IDs)
}

func TestApplyBatches(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	seedGroup(t, store, "A", "MgO", "x", 7e8, 7e8, 7e8, 7e8, 7e8)
	c := newTestCleaner(t, store, func(cfg *config.CleanupConfig) { cfg.BatchSize = 2 })

	res, err := c.DeprecateLargeEnthalpy(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Deprecated)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.apply(cancelled, []string{"x-0"}, "test", false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewCleanerValidation(t *testing.T) {
	_, err := NewCleaner(nil, config.DefaultCleanupConfig(), nil, nil)
	assert.ErrorContains(t, err, "store cannot be nil")

	cfg := config.DefaultCleanupConfig()
	cfg.SolitaryDelta = 0
	_, err = NewCleaner(setupTestDB(t), cfg, nil, nil)
	assert.ErrorContains(t, err, "invalid cleanup config")
}
