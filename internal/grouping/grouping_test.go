package grouping

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/calypsokit/calydb/internal/storage/sqlite"
	"github.com/calypsokit/calydb/internal/types"
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

func insert(t *testing.T, store *sqlite.SQLiteStorage, records ...*types.StructureRecord) {
	t.Helper()
	res, err := store.InsertRecords(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, res.Inserted, len(records))
}

func rec(id, task, formula string, enth float64) *types.StructureRecord {
	return &types.StructureRecord{
		ID:                   id,
		Task:                 task,
		Formula:              formula,
		EnthalpyPerAtom:      enth,
		SymmetryNumberCoarse: 1,
	}
}

func TestGroupTaskFormula(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	insert(t, store,
		rec("r1", "A", "Li2O", -1.0),
		rec("r2", "A", "Li2O", -1.1),
		rec("r3", "B", "Li2O", -0.9),
	)

	groups, err := NewEngine(store, nil).GroupTaskFormula(ctx, types.RecordFilter{})
	require.NoError(t, err)

	require.Len(t, groups, 2)
	assert.Equal(t, types.GroupKey{Task: "A", Formula: "Li2O"}, groups[0].Key)
	assert.Equal(t, []string{"r1", "r2"}, groups[0].IDs)
	assert.Equal(t, []float64{-1.0, -1.1}, groups[0].Enthalpies)
	assert.Equal(t, types.GroupKey{Task: "B", Formula: "Li2O"}, groups[1].Key)
	assert.Equal(t, []string{"r3"}, groups[1].IDs)
}

func TestGroupTaskFormulaEmpty(t *testing.T) {
	groups, err := NewEngine(setupTestDB(t), nil).GroupTaskFormula(context.Background(), types.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestEngineIgnoresDeprecated(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	insert(t, store, rec("keep", "A", "MgO", -5), rec("drop", "A", "MgO", -4))
	_, err := store.DeprecateRecords(ctx, []string{"drop"}, "test")
	require.NoError(t, err)

	engine := NewEngine(store, nil)
	groups, err := engine.GroupTaskFormula(ctx, types.RecordFilter{IncludeDeprecated: true})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"keep"}, groups[0].IDs)
}

func TestStreamMatchesGroupTaskFormula(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	insert(t, store,
		rec("a1", "A", "SiO2", -7.1),
		rec("b1", "B", "SiO2", -7.0),
		rec("a2", "A", "MgO", -5.0),
		rec("a3", "A", "SiO2", -7.2),
	)
	engine := NewEngine(store, nil)

	all, err := engine.GroupTaskFormula(ctx, types.RecordFilter{})
	require.NoError(t, err)

	var streamed []types.TaskFormulaGroup
	err = engine.StreamTaskFormula(ctx, types.RecordFilter{}, func(g types.TaskFormulaGroup) error {
		streamed = append(streamed, g)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, all, streamed)
}

func TestSortEnthalpyIsStable(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	insert(t, store,
		rec("x", "T", "Li2O", -1.0),
		rec("y", "T", "Li2O", -2.0),
		rec("z", "T", "Li2O", -1.0),
	)
	engine := NewEngine(store, nil)

	sorted, err := engine.SortEnthalpy(ctx, types.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, sorted, 1)
	assert.Equal(t, []string{"y", "x", "z"}, sorted[0].SortedIDs)
	assert.Equal(t, []float64{-2.0, -1.0, -1.0}, sorted[0].SortedEnthalpies)

	var streamed []types.SortedGroup
	err = engine.StreamSorted(ctx, types.RecordFilter{}, func(g types.SortedGroup) error {
		streamed = append(streamed, g)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, sorted, streamed)
}

func TestSortGroup(t *testing.T) {
	g := types.TaskFormulaGroup{
		Key:        types.GroupKey{Task: "T", Formula: "F"},
		IDs:        []string{"a", "b", "c", "d", "e"},
		Enthalpies: []float64{0.5, -0.1, 0.5, -0.1, 0.2},
	}
	sorted := SortGroup(g)
	assert.Equal(t, g.Key, sorted.Key)
	assert.Equal(t, []string{"b", "d", "e", "a", "c"}, sorted.SortedIDs)
	assert.Equal(t, []float64{-0.1, -0.1, 0.2, 0.5, 0.5}, sorted.SortedEnthalpies)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, g.IDs, "input must not be modified")
}

func TestSmallTasks(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	insert(t, store,
		rec("a1", "A", "MgO", -5), rec("a2", "A", "MgO", -5), rec("a3", "A", "CaO", -5),
		rec("b1", "B", "MgO", -5),
	)
	engine := NewEngine(store, nil)

	small, err := engine.SmallTasks(ctx, types.RecordFilter{}, 2)
	require.NoError(t, err)
	require.Len(t, small, 1)
	assert.Equal(t, "B", small[0].Task)
	assert.Equal(t, 1, small[0].Count)

	_, err = engine.SmallTasks(ctx, types.RecordFilter{}, 0)
	assert.ErrorContains(t, err, "lte must be positive")
}
