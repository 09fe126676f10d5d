package postgres

import (
	"context"
	"fmt"
)

// DeprecationCounts returns the number of deprecated records per reason
func (s *PostgresStorage) DeprecationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT deprecated_reason, COUNT(*)
		FROM records
		WHERE deprecated
		GROUP BY deprecated_reason
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deprecation counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan deprecation count: %w", err)
		}
		counts[reason] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deprecation counts: %w", err)
	}
	return counts, nil
}

// Vacuum reclaims dead tuples and refreshes planner statistics for both
// collections
func (s *PostgresStorage) Vacuum(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "VACUUM ANALYZE records, unique_structures"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
