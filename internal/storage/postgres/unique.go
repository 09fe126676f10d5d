package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calypsokit/calydb/internal/storage/codec"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// InsertUnique writes entries to the unique collection.
//
// With continueOnDuplicate false the whole call runs in one transaction and
// the first existing id rolls everything back with types.ErrDuplicateKey.
// With continueOnDuplicate true existing ids are skipped and reported.
func (s *PostgresStorage) InsertUnique(ctx context.Context, entries []types.UniqueEntry, continueOnDuplicate bool) (*types.InsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `INSERT INTO unique_structures (id, version, run_id, created_at) VALUES ($1, $2, $3, $4)`
	if continueOnDuplicate {
		query += ` ON CONFLICT (id) DO NOTHING`
	}
	query += ` RETURNING id`

	now := time.Now().UTC()
	result := &types.InsertResult{}
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		var id string
		err := tx.QueryRow(ctx, query, e.ID, e.Version, e.RunID, created).Scan(&id)
		switch {
		case err == nil:
			result.Inserted = append(result.Inserted, id)
		case continueOnDuplicate && errors.Is(err, pgx.ErrNoRows):
			result.Duplicates = append(result.Duplicates, e.ID)
		default:
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return nil, fmt.Errorf("unique id %s: %w", e.ID, types.ErrDuplicateKey)
			}
			return nil, fmt.Errorf("failed to insert unique id %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// FindUniqueIDs returns the subset of ids already in the unique collection,
// in the order given.
func (s *PostgresStorage) FindUniqueIDs(ctx context.Context, ids []string) ([]string, error) {
	present := make(map[string]bool)
	for _, batch := range chunk(ids, s.batchSize) {
		rows, err := s.pool.Query(ctx, `SELECT id FROM unique_structures WHERE id = ANY($1)`, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to query unique ids: %w", err)
		}
		found, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("failed to scan unique ids: %w", err)
		}
		for _, id := range found {
			present[id] = true
		}
	}

	var found []string
	for _, id := range ids {
		if present[id] {
			found = append(found, id)
			delete(present, id)
		}
	}
	return found, nil
}

// DeprecatedUniqueIDs returns unique ids whose raw record is deprecated
func (s *PostgresStorage) DeprecatedUniqueIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id FROM unique_structures u
		JOIN records r ON r.id = u.id
		WHERE r.deprecated = TRUE
		ORDER BY r.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deprecated unique ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan unique ids: %w", err)
	}
	return ids, nil
}

// DeleteUnique removes ids from the unique collection in batches
func (s *PostgresStorage) DeleteUnique(ctx context.Context, ids []string) (int, error) {
	total := 0
	for _, batch := range chunk(ids, s.batchSize) {
		tag, err := s.pool.Exec(ctx, `DELETE FROM unique_structures WHERE id = ANY($1)`, batch)
		if err != nil {
			return total, fmt.Errorf("failed to delete unique ids: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

// DeleteUniqueVersion removes every entry written under version
func (s *PostgresStorage) DeleteUniqueVersion(ctx context.Context, version int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM unique_structures WHERE version = $1`, version)
	if err != nil {
		return 0, fmt.Errorf("failed to delete unique version: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UniqueRecords joins the unique collection with its non-deprecated raw
// records, ordered by formula then enthalpy. Geometry is loaded.
func (s *PostgresStorage) UniqueRecords(ctx context.Context, limit int) ([]*types.UniqueRecord, error) {
	query := `
		SELECT r.id, r.material_id, r.source_name, r.source_index, r.task, r.formula,
			r.enthalpy_per_atom, r.symmetry_number_coarse, r.pressure, r.natoms,
			r.deprecated, r.deprecated_reason, r.last_updated_utc, r.geometry, u.version
		FROM unique_structures u
		JOIN records r ON r.id = u.id
		WHERE r.deprecated = FALSE
		ORDER BY r.formula COLLATE "C", r.enthalpy_per_atom, r.seq`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unique records: %w", err)
	}
	defer rows.Close()

	var out []*types.UniqueRecord
	for rows.Next() {
		var (
			version int64
			blob    []byte
		)
		rec, err := scanRecord(rows, &blob, &version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unique record: %w", err)
		}
		if rec.Geometry, err = codec.DecodeStructure(blob); err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		out = append(out, &types.UniqueRecord{Version: version, Record: rec})
	}
	return out, rows.Err()
}

// CountUnique returns the size of the unique collection
func (s *PostgresStorage) CountUnique(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM unique_structures`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unique entries: %w", err)
	}
	return count, nil
}
