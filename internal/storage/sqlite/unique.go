package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calypsokit/calydb/internal/storage/codec"
	"github.com/calypsokit/calydb/internal/types"
)

// InsertUnique writes entries to the unique collection.
//
// With continueOnDuplicate false the whole call runs in one transaction and
// the first existing id rolls everything back with types.ErrDuplicateKey.
// With continueOnDuplicate true existing ids are skipped and reported.
func (s *SQLiteStorage) InsertUnique(ctx context.Context, entries []types.UniqueEntry, continueOnDuplicate bool) (*types.InsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO unique_structures (id, version, run_id, created_at) VALUES (?, ?, ?, ?)`
	if continueOnDuplicate {
		query += ` ON CONFLICT(id) DO NOTHING`
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	result := &types.InsertResult{}
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		if !continueOnDuplicate {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM unique_structures WHERE id = ?`, e.ID).Scan(&exists)
			if err == nil {
				return nil, fmt.Errorf("unique id %s: %w", e.ID, types.ErrDuplicateKey)
			}
			if err != sql.ErrNoRows {
				return nil, fmt.Errorf("failed to check unique id %s: %w", e.ID, err)
			}
		}
		res, err := stmt.ExecContext(ctx, e.ID, e.Version, e.RunID, formatTime(created))
		if err != nil {
			return nil, fmt.Errorf("failed to insert unique id %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			result.Duplicates = append(result.Duplicates, e.ID)
		} else {
			result.Inserted = append(result.Inserted, e.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// FindUniqueIDs returns the subset of ids already in the unique collection,
// in the order given.
func (s *SQLiteStorage) FindUniqueIDs(ctx context.Context, ids []string) ([]string, error) {
	present := make(map[string]bool)
	for _, batch := range chunk(ids, s.batchSize) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id FROM unique_structures WHERE id IN (%s)`, placeholders(len(batch))),
			stringArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query unique ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan unique id: %w", err)
			}
			present[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
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
func (s *SQLiteStorage) DeprecatedUniqueIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id FROM unique_structures u
		JOIN records r ON r.id = u.id
		WHERE r.deprecated = 1
		ORDER BY r.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deprecated unique ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan unique id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteUnique removes ids from the unique collection in batches
func (s *SQLiteStorage) DeleteUnique(ctx context.Context, ids []string) (int, error) {
	total := 0
	for _, batch := range chunk(ids, s.batchSize) {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM unique_structures WHERE id IN (%s)`, placeholders(len(batch))),
			stringArgs(batch)...)
		if err != nil {
			return total, fmt.Errorf("failed to delete unique ids: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// DeleteUniqueVersion removes every entry written under version
func (s *SQLiteStorage) DeleteUniqueVersion(ctx context.Context, version int64) (int, error) {
	total := 0
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM unique_structures WHERE id IN (
				SELECT id FROM unique_structures WHERE version = ? LIMIT ?
			)
		`, version, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete unique version: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
		if n < int64(s.batchSize) {
			break
		}
	}
	return total, nil
}

// UniqueRecords joins the unique collection with its non-deprecated raw
// records, ordered by formula then enthalpy. Geometry is loaded.
func (s *SQLiteStorage) UniqueRecords(ctx context.Context, limit int) ([]*types.UniqueRecord, error) {
	query := `
		SELECT r.id, r.material_id, r.source_name, r.source_index, r.task, r.formula,
			r.enthalpy_per_atom, r.symmetry_number_coarse, r.pressure, r.natoms,
			r.deprecated, r.deprecated_reason, r.last_updated_utc, r.geometry, u.version
		FROM unique_structures u
		JOIN records r ON r.id = u.id
		WHERE r.deprecated = 0
		ORDER BY r.formula, r.enthalpy_per_atom, r.seq`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStorage) CountUnique(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unique_structures`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unique entries: %w", err)
	}
	return count, nil
}
