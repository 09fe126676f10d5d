// Package grouping partitions raw records into (task, formula) groups and
// provides the small sequence helpers the cleanup passes are built on.
package grouping

import (
	"context"
	"fmt"
	"sort"

	"github.com/calypsokit/calydb/internal/logging"
	"github.com/calypsokit/calydb/internal/types"
	"go.uber.org/zap"
)

// GroupStore is the part of the property store the engine reads
type GroupStore interface {
	ForEachGroup(ctx context.Context, filter types.RecordFilter, fn func(types.TaskFormulaGroup) error) error
	GroupTaskFormula(ctx context.Context, filter types.RecordFilter) ([]types.TaskFormulaGroup, error)
	SortedByEnthalpy(ctx context.Context, filter types.RecordFilter) ([]types.SortedGroup, error)
	GroupByTask(ctx context.Context, filter types.RecordFilter, lte int) ([]types.TaskCount, error)
}

// Engine groups non-deprecated records. Deprecated records are never
// grouped, whatever the filter says.
type Engine struct {
	store  GroupStore
	logger *zap.Logger
}

// NewEngine creates a grouping engine. logger may be nil.
func NewEngine(store GroupStore, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logging.OrNop(logger)}
}

func live(filter types.RecordFilter) types.RecordFilter {
	filter.IncludeDeprecated = false
	return filter
}

// GroupTaskFormula returns every (task, formula) group. Members are in the
// store's insertion order.
func (e *Engine) GroupTaskFormula(ctx context.Context, filter types.RecordFilter) ([]types.TaskFormulaGroup, error) {
	groups, err := e.store.GroupTaskFormula(ctx, live(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to group records: %w", err)
	}
	e.logger.Debug("grouped records", zap.Int("groups", len(groups)))
	return groups, nil
}

// StreamTaskFormula passes the groups to fn one at a time, in the order
// GroupTaskFormula returns them. An error from fn stops the stream and is
// returned unchanged.
func (e *Engine) StreamTaskFormula(ctx context.Context, filter types.RecordFilter, fn func(types.TaskFormulaGroup) error) error {
	return e.store.ForEachGroup(ctx, live(filter), fn)
}

// SortEnthalpy returns every group with its members sorted by ascending
// enthalpy. Ties keep insertion order.
func (e *Engine) SortEnthalpy(ctx context.Context, filter types.RecordFilter) ([]types.SortedGroup, error) {
	groups, err := e.store.SortedByEnthalpy(ctx, live(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to sort groups: %w", err)
	}
	return groups, nil
}

// StreamSorted is the streaming form of SortEnthalpy
func (e *Engine) StreamSorted(ctx context.Context, filter types.RecordFilter, fn func(types.SortedGroup) error) error {
	return e.store.ForEachGroup(ctx, live(filter), func(g types.TaskFormulaGroup) error {
		return fn(SortGroup(g))
	})
}

// SmallTasks returns the tasks with at most lte live records
func (e *Engine) SmallTasks(ctx context.Context, filter types.RecordFilter, lte int) ([]types.TaskCount, error) {
	if lte < 1 {
		return nil, fmt.Errorf("lte must be positive (got %d)", lte)
	}
	tasks, err := e.store.GroupByTask(ctx, live(filter), lte)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	return tasks, nil
}

// SortGroup sorts a group's members by ascending enthalpy, keeping ids and
// enthalpies in lock-step. The sort is stable.
func SortGroup(g types.TaskFormulaGroup) types.SortedGroup {
	order := make([]int, len(g.IDs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return g.Enthalpies[order[a]] < g.Enthalpies[order[b]]
	})

	sorted := types.SortedGroup{
		Key:              g.Key,
		SortedIDs:        make([]string, len(order)),
		SortedEnthalpies: make([]float64, len(order)),
	}
	for i, j := range order {
		sorted.SortedIDs[i] = g.IDs[j]
		sorted.SortedEnthalpies[i] = g.Enthalpies[j]
	}
	return sorted
}
