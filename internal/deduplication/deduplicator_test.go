package deduplication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/calypsokit/calydb/internal/structure"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// member describes one record of a test group. Records with the same class
// are structurally identical to the stub comparator.
type member struct {
	id    string
	sym   int
	enth  float64
	class string
}

// fakeLoader serves projections and geometries from memory
type fakeLoader struct {
	mu            sync.Mutex
	projections   map[string]types.RecordProjection
	geometries    map[string]*types.Structure
	geometryErr   map[string]error
	failingIDs    map[string]bool
	geometryCalls map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		projections:   make(map[string]types.RecordProjection),
		geometries:    make(map[string]*types.Structure),
		geometryErr:   make(map[string]error),
		failingIDs:    make(map[string]bool),
		geometryCalls: make(map[string]int),
	}
}

func (l *fakeLoader) add(m member) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.projections[m.id] = types.RecordProjection{ID: m.id, SymmetryNumberCoarse: m.sym, EnthalpyPerAtom: m.enth}
	l.geometries[m.id] = &types.Structure{Species: []string{m.class}}
}

func (l *fakeLoader) GetProjections(ctx context.Context, ids []string) (map[string]types.RecordProjection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]types.RecordProjection, len(ids))
	for _, id := range ids {
		if l.failingIDs[id] {
			return nil, fmt.Errorf("connection reset")
		}
		if p, ok := l.projections[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (l *fakeLoader) GetGeometry(ctx context.Context, id string) (*types.Structure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.geometryCalls[id]++
	if err := l.geometryErr[id]; err != nil {
		return nil, err
	}
	return l.geometries[id], nil
}

func (l *fakeLoader) totalGeometryCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.geometryCalls {
		n += c
	}
	return n
}

// countingComparator matches structures of the same class. Class "panic"
// panics and class "broken" reports a failure.
type countingComparator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingComparator) Match(a, b *types.Structure) structure.MatchResult {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	ca, cb := a.Species[0], b.Species[0]
	switch {
	case ca == "panic" || cb == "panic":
		panic("lattice reduction diverged")
	case ca == "broken" || cb == "broken":
		return structure.Failed(errors.New("no valid supercell"))
	case ca == cb:
		return structure.Match()
	default:
		return structure.NoMatch()
	}
}

func (c *countingComparator) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func fixture(key types.GroupKey, members ...member) (types.TaskFormulaGroup, *fakeLoader) {
	loader := newFakeLoader()
	group := types.TaskFormulaGroup{Key: key}
	for _, m := range members {
		loader.add(m)
		group.IDs = append(group.IDs, m.id)
		group.Enthalpies = append(group.Enthalpies, m.enth)
	}
	return group, loader
}

var li2o = types.GroupKey{Task: "run-1", Formula: "Li2O"}

func resolve(t *testing.T, cfg Config, loader *fakeLoader, group types.TaskFormulaGroup) (*GroupResult, *countingComparator) {
	t.Helper()
	cmp := &countingComparator{}
	r, err := NewResolver(cmp, cfg, nil)
	require.NoError(t, err)
	res, err := r.Resolve(context.Background(), group, structure.NewCache(loader))
	require.NoError(t, err)
	require.NoError(t, res.Validate())
	return res, cmp
}

func TestResolveScenario(t *testing.T) {
	t.Run("lower energy duplicate replaces the accepted member", func(t *testing.T) {
		group, loader := fixture(li2o,
			member{"A", 1, -1.000, "x"},
			member{"B", 1, -1.003, "x"},
			member{"C", 5, -1.001, "y"},
		)
		res, cmp := resolve(t, DefaultConfig(), loader, group)

		assert.Equal(t, []string{"B", "C"}, res.Unique)
		assert.Equal(t, map[string]string{"A": "B"}, res.DuplicateOf)
		assert.Equal(t, 1, cmp.Calls(), "C differs in symmetry and must not be compared")
		assert.Equal(t, 1, res.Stats.Replacements)
	})

	t.Run("higher energy duplicate is discarded", func(t *testing.T) {
		group, loader := fixture(li2o,
			member{"A", 1, -1.000, "x"},
			member{"B", 1, -0.997, "x"},
			member{"C", 5, -1.001, "y"},
		)
		res, cmp := resolve(t, DefaultConfig(), loader, group)

		assert.Equal(t, []string{"A", "C"}, res.Unique)
		assert.Equal(t, map[string]string{"B": "A"}, res.DuplicateOf)
		assert.Equal(t, 1, cmp.Calls())
		assert.Equal(t, 1, res.Stats.Discards)
	})

	t.Run("equal energy keeps the earlier structure", func(t *testing.T) {
		group, loader := fixture(li2o,
			member{"A", 1, -1.0, "x"},
			member{"B", 1, -1.0, "x"},
		)
		res, _ := resolve(t, DefaultConfig(), loader, group)
		assert.Equal(t, []string{"A"}, res.Unique)
	})
}

func TestResolvePreFilterNeverCallsComparator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EThreshold = 0.25

	group, loader := fixture(li2o,
		member{"a", 1, -2.0, "x"},
		member{"b", 2, -2.0, "x"},   // same energy, different symmetry
		member{"c", 1, -1.75, "x"},  // exactly at the threshold from a
		member{"d", 1, -2.5, "x"},   // beyond the threshold from every accepted member
		member{"e", 3, -2.125, "x"}, // unique symmetry
	)
	res, cmp := resolve(t, cfg, loader, group)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, res.Unique)
	assert.Equal(t, 0, cmp.Calls())
	assert.Equal(t, 0, res.Stats.Comparisons)
	assert.Equal(t, 0, loader.totalGeometryCalls(), "geometry must not be loaded for pre-filtered pairs")
}

func TestResolveSingletonAndEmpty(t *testing.T) {
	group, loader := fixture(li2o, member{"only", 12, -3.2, "x"})
	res, cmp := resolve(t, DefaultConfig(), loader, group)
	assert.Equal(t, []string{"only"}, res.Unique)
	assert.Empty(t, res.DuplicateOf)
	assert.Equal(t, 0, cmp.Calls())
	assert.Equal(t, 0, loader.totalGeometryCalls())

	empty, loader := fixture(li2o)
	res, _ = resolve(t, DefaultConfig(), loader, empty)
	assert.Empty(t, res.Unique)
	assert.Equal(t, 0, res.Stats.Candidates)
}

func TestResolveIsDeterministic(t *testing.T) {
	members := []member{
		{"m1", 1, -1.000, "x"},
		{"m2", 1, -1.001, "y"},
		{"m3", 1, -1.002, "x"},
		{"m4", 1, -1.003, "y"},
		{"m5", 1, -1.0005, "z"},
		{"m6", 4, -1.0, "x"},
	}
	group, loader := fixture(li2o, members...)

	first, _ := resolve(t, DefaultConfig(), loader, group)
	for i := 0; i < 5; i++ {
		again, _ := resolve(t, DefaultConfig(), loader, group)
		assert.Equal(t, first.Unique, again.Unique)
		assert.Equal(t, first.DuplicateOf, again.DuplicateOf)
	}
}

func TestResolveReplacementChain(t *testing.T) {
	group, loader := fixture(li2o,
		member{"x", 1, -1.000, "same"},
		member{"y", 1, -1.002, "same"},
		member{"z", 1, -1.004, "same"},
	)
	res, cmp := resolve(t, DefaultConfig(), loader, group)

	assert.Equal(t, []string{"z"}, res.Unique)
	assert.Equal(t, map[string]string{"x": "z", "y": "z"}, res.DuplicateOf)
	assert.Equal(t, 2, cmp.Calls())
	assert.Equal(t, 2, res.Stats.Replacements)

	loader.mu.Lock()
	defer loader.mu.Unlock()
	for id, calls := range loader.geometryCalls {
		assert.Equal(t, 1, calls, "geometry of %s fetched more than once", id)
	}
}

func TestResolveScanModes(t *testing.T) {
	// P and Q are distinct and both accepted. R duplicates Q but is compared
	// with P first.
	members := []member{
		{"P", 1, -1.000, "p"},
		{"Q", 1, -1.002, "q"},
		{"R", 1, -1.001, "q"},
	}

	t.Run("first decisive accepts after the first non-match", func(t *testing.T) {
		group, loader := fixture(li2o, members...)
		res, cmp := resolve(t, DefaultConfig(), loader, group)
		assert.Equal(t, []string{"P", "Q", "R"}, res.Unique)
		assert.Equal(t, 2, cmp.Calls())
	})

	t.Run("scan all finds the later match", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Scan = ScanAll
		group, loader := fixture(li2o, members...)
		res, cmp := resolve(t, cfg, loader, group)
		assert.Equal(t, []string{"P", "Q"}, res.Unique)
		assert.Equal(t, map[string]string{"R": "Q"}, res.DuplicateOf)
		assert.Equal(t, 3, cmp.Calls())
	})
}

func TestResolveCompareFailures(t *testing.T) {
	t.Run("comparator failure keeps both", func(t *testing.T) {
		group, loader := fixture(li2o,
			member{"a", 1, -1.000, "x"},
			member{"b", 1, -1.001, "broken"},
		)
		res, _ := resolve(t, DefaultConfig(), loader, group)
		assert.Equal(t, []string{"a", "b"}, res.Unique)
		assert.Equal(t, 1, res.Stats.CompareFailures)
	})

	t.Run("comparator panic keeps both", func(t *testing.T) {
		group, loader := fixture(li2o,
			member{"a", 1, -1.000, "x"},
			member{"b", 1, -1.001, "panic"},
		)
		res, _ := resolve(t, DefaultConfig(), loader, group)
		assert.Equal(t, []string{"a", "b"}, res.Unique)
		assert.Equal(t, 1, res.Stats.CompareFailures)
	})

	t.Run("missing geometry keeps both", func(t *testing.T) {
		group, loader := fixture(li2o,
			member{"a", 1, -1.000, "x"},
			member{"b", 1, -1.001, "x"},
		)
		loader.geometryErr["b"] = fmt.Errorf("record b: %w", types.ErrNoGeometry)
		res, cmp := resolve(t, DefaultConfig(), loader, group)
		assert.Equal(t, []string{"a", "b"}, res.Unique)
		assert.Equal(t, 1, res.Stats.CompareFailures)
		assert.Equal(t, 0, cmp.Calls())
	})

	t.Run("propagate policy fails the group", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.OnCompareFailure = Propagate
		group, loader := fixture(li2o,
			member{"a", 1, -1.000, "x"},
			member{"b", 1, -1.001, "broken"},
		)
		r, err := NewResolver(&countingComparator{}, cfg, nil)
		require.NoError(t, err)
		_, err = r.Resolve(context.Background(), group, structure.NewCache(loader))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCompareFailed)
		assert.Contains(t, err.Error(), "b vs a")
	})

	t.Run("store errors are not compare failures", func(t *testing.T) {
		group, loader := fixture(li2o,
			member{"a", 1, -1.000, "x"},
			member{"b", 1, -1.001, "x"},
		)
		loader.geometryErr["a"] = errors.New("database is locked")
		r, err := NewResolver(&countingComparator{}, DefaultConfig(), nil)
		require.NoError(t, err)
		_, err = r.Resolve(context.Background(), group, structure.NewCache(loader))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database is locked")
	})
}

func TestResolveUnknownMember(t *testing.T) {
	group, loader := fixture(li2o, member{"a", 1, -1.0, "x"})
	group.IDs = append(group.IDs, "ghost")
	group.Enthalpies = append(group.Enthalpies, -1.0)

	r, err := NewResolver(&countingComparator{}, DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), group, structure.NewCache(loader))
	assert.ErrorIs(t, err, structure.ErrUnknownRecord)
}

func TestResolveRejectsMisalignedGroup(t *testing.T) {
	r, err := NewResolver(&countingComparator{}, DefaultConfig(), nil)
	require.NoError(t, err)
	group := types.TaskFormulaGroup{Key: li2o, IDs: []string{"a", "b"}, Enthalpies: []float64{-1}}
	_, err = r.Resolve(context.Background(), group, structure.NewCache(newFakeLoader()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "length mismatch")
}

func TestNewResolverValidation(t *testing.T) {
	_, err := NewResolver(nil, DefaultConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comparator cannot be nil")

	cfg := DefaultConfig()
	cfg.EThreshold = -1
	_, err = NewResolver(&countingComparator{}, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestGroupResultValidate(t *testing.T) {
	tests := []struct {
		name     string
		result   GroupResult
		errorMsg string
	}{
		{
			name: "valid",
			result: GroupResult{
				Unique:      []string{"a", "c"},
				DuplicateOf: map[string]string{"b": "a"},
				Stats:       ResolveStats{Candidates: 3, Comparisons: 1, Discards: 1},
			},
		},
		{
			name: "counts do not add up",
			result: GroupResult{
				Unique: []string{"a"},
				Stats:  ResolveStats{Candidates: 2},
			},
			errorMsg: "must equal candidates",
		},
		{
			name: "duplicate of a rejected id",
			result: GroupResult{
				Unique:      []string{"a"},
				DuplicateOf: map[string]string{"b": "c"},
				Stats:       ResolveStats{Candidates: 2, Comparisons: 1, Discards: 1},
			},
			errorMsg: "which was not accepted",
		},
		{
			name: "accepted twice",
			result: GroupResult{
				Unique: []string{"a", "a"},
				Stats:  ResolveStats{Candidates: 2},
			},
			errorMsg: "accepted twice",
		},
		{
			name: "more failures than comparisons",
			result: GroupResult{
				Unique: []string{"a"},
				Stats:  ResolveStats{Candidates: 1, CompareFailures: 1},
			},
			errorMsg: "cannot exceed comparisons",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}
