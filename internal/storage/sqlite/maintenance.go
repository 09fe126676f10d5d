package sqlite

import (
	"context"
	"fmt"
)

// DeprecationCounts returns the number of deprecated records per reason
func (s *SQLiteStorage) DeprecationCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deprecated_reason, COUNT(*)
		FROM records
		WHERE deprecated = 1
		GROUP BY deprecated_reason
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deprecation counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// Vacuum runs VACUUM to reclaim the space left by deleted unique entries.
// It locks the database, so run it when no resolution is in progress.
func (s *SQLiteStorage) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
