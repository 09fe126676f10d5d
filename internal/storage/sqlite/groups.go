package sqlite

import (
	"context"
	"fmt"

	"github.com/calypsokit/calydb/internal/types"
)

// ForEachGroup streams (task, formula) groups to fn. Groups arrive ordered
// by task then formula; members keep insertion order. Only ids and
// enthalpies are read, so memory is bounded by the largest group.
func (s *SQLiteStorage) ForEachGroup(ctx context.Context, filter types.RecordFilter, fn func(types.TaskFormulaGroup) error) error {
	return s.forEachGroup(ctx, filter, "seq", fn)
}

// GroupTaskFormula returns every (task, formula) group
func (s *SQLiteStorage) GroupTaskFormula(ctx context.Context, filter types.RecordFilter) ([]types.TaskFormulaGroup, error) {
	var groups []types.TaskFormulaGroup
	err := s.ForEachGroup(ctx, filter, func(g types.TaskFormulaGroup) error {
		groups = append(groups, g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// SortedByEnthalpy returns every (task, formula) group with members sorted
// by ascending enthalpy. Ties keep insertion order.
func (s *SQLiteStorage) SortedByEnthalpy(ctx context.Context, filter types.RecordFilter) ([]types.SortedGroup, error) {
	var groups []types.SortedGroup
	err := s.forEachGroup(ctx, filter, "enthalpy_per_atom, seq", func(g types.TaskFormulaGroup) error {
		groups = append(groups, types.SortedGroup{
			Key:              g.Key,
			SortedIDs:        g.IDs,
			SortedEnthalpies: g.Enthalpies,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *SQLiteStorage) forEachGroup(ctx context.Context, filter types.RecordFilter, memberOrder string, fn func(types.TaskFormulaGroup) error) error {
	where, args := whereClause(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task, formula, enthalpy_per_atom FROM records `+where+`
		ORDER BY task, formula, `+memberOrder, args...)
	if err != nil {
		return fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var current *types.TaskFormulaGroup
	for rows.Next() {
		var (
			id   string
			key  types.GroupKey
			enth float64
		)
		if err := rows.Scan(&id, &key.Task, &key.Formula, &enth); err != nil {
			return fmt.Errorf("failed to scan group member: %w", err)
		}
		if current != nil && current.Key != key {
			if err := fn(*current); err != nil {
				return err
			}
			current = nil
		}
		if current == nil {
			current = &types.TaskFormulaGroup{Key: key}
		}
		current.IDs = append(current.IDs, id)
		current.Enthalpies = append(current.Enthalpies, enth)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate groups: %w", err)
	}
	if current != nil {
		return fn(*current)
	}
	return nil
}

// GroupByTask counts records per task. With lte > 0 only tasks with at
// most lte records are returned.
func (s *SQLiteStorage) GroupByTask(ctx context.Context, filter types.RecordFilter, lte int) ([]types.TaskCount, error) {
	where, args := whereClause(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT task, id FROM records `+where+` ORDER BY task, seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var counts []types.TaskCount
	for rows.Next() {
		var task, id string
		if err := rows.Scan(&task, &id); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if n := len(counts); n == 0 || counts[n-1].Task != task {
			counts = append(counts, types.TaskCount{Task: task})
		}
		tc := &counts[len(counts)-1]
		tc.Count++
		tc.IDs = append(tc.IDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if lte <= 0 {
		return counts, nil
	}
	small := counts[:0]
	for _, tc := range counts {
		if tc.Count <= lte {
			small = append(small, tc)
		}
	}
	return small, nil
}
