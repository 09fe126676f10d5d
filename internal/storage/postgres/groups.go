package postgres

import (
	"context"
	"fmt"

	"github.com/calypsokit/calydb/internal/types"
)

// ForEachGroup streams (task, formula) groups to fn, ordered by task then
// formula with members in insertion order.
func (s *PostgresStorage) ForEachGroup(ctx context.Context, filter types.RecordFilter, fn func(types.TaskFormulaGroup) error) error {
	return s.forEachGroup(ctx, filter, "seq", fn)
}

// GroupTaskFormula returns every (task, formula) group
func (s *PostgresStorage) GroupTaskFormula(ctx context.Context, filter types.RecordFilter) ([]types.TaskFormulaGroup, error) {
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

// SortedByEnthalpy returns every group with members sorted by ascending
// enthalpy. Ties keep insertion order.
func (s *PostgresStorage) SortedByEnthalpy(ctx context.Context, filter types.RecordFilter) ([]types.SortedGroup, error) {
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

// forEachGroup reads member rows with a server-side cursor. COLLATE "C"
// keeps group order identical to the SQLite backend.
func (s *PostgresStorage) forEachGroup(ctx context.Context, filter types.RecordFilter, memberOrder string, fn func(types.TaskFormulaGroup) error) error {
	where, args := whereClause(filter, nil)
	rows, err := s.pool.Query(ctx, `
		SELECT id, task, formula, enthalpy_per_atom FROM records `+where+`
		ORDER BY task COLLATE "C", formula COLLATE "C", `+memberOrder, args...)
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
func (s *PostgresStorage) GroupByTask(ctx context.Context, filter types.RecordFilter, lte int) ([]types.TaskCount, error) {
	where, args := whereClause(filter, nil)
	query := `
		SELECT task, COUNT(*), array_agg(id ORDER BY seq)
		FROM records ` + where + `
		GROUP BY task`
	if lte > 0 {
		args = append(args, lte)
		query += fmt.Sprintf(` HAVING COUNT(*) <= $%d`, len(args))
	}
	query += ` ORDER BY task COLLATE "C"`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var counts []types.TaskCount
	for rows.Next() {
		var tc types.TaskCount
		if err := rows.Scan(&tc.Task, &tc.Count, &tc.IDs); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		counts = append(counts, tc)
	}
	return counts, rows.Err()
}
