package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/calypsokit/calydb/internal/storage/codec"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/google/uuid"
)

const recordColumns = `id, material_id, source_name, source_index, task, formula,
	enthalpy_per_atom, symmetry_number_coarse, pressure, natoms,
	deprecated, deprecated_reason, last_updated_utc`

// whereClause renders a RecordFilter. The zero filter selects every
// non-deprecated record.
func whereClause(filter types.RecordFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if !filter.IncludeDeprecated {
		conds = append(conds, "deprecated = 0")
	}
	if filter.UpdatedAfter != nil {
		conds = append(conds, "last_updated_utc > ?")
		args = append(args, formatTime(*filter.UpdatedAfter))
	}
	if filter.EnthalpyAbove != nil {
		conds = append(conds, "enthalpy_per_atom > ?")
		args = append(args, *filter.EnthalpyAbove)
	}
	if filter.SourceName != "" {
		conds = append(conds, "source_name = ?")
		args = append(args, filter.SourceName)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// InsertRecords inserts records in batches. Records whose id or material id
// already exists are skipped and reported as duplicates. Missing ids are
// generated and missing update times are set to now.
func (s *SQLiteStorage) InsertRecords(ctx context.Context, records []*types.StructureRecord) (*types.InsertResult, error) {
	now := time.Now().UTC()
	for i, rec := range records {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.LastUpdatedUTC.IsZero() {
			rec.LastUpdatedUTC = now
		}
		rec.SyncNatoms()
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("record %d (%s) failed validation: %w", i, rec.ID, err)
		}
	}

	result := &types.InsertResult{}
	for start := 0; start < len(records); start += s.batchSize {
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.insertRecordBatch(ctx, records[start:end], result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *SQLiteStorage) insertRecordBatch(ctx context.Context, batch []*types.StructureRecord, result *types.InsertResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (`+recordColumns+`, geometry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted, duplicates []string
	for _, rec := range batch {
		blob, err := codec.EncodeStructure(rec.Geometry)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}

		var sourceName sql.NullString
		var sourceIndex sql.NullInt64
		if rec.Source != nil {
			sourceName = sql.NullString{String: rec.Source.Name, Valid: true}
			sourceIndex = sql.NullInt64{Int64: int64(rec.Source.Index), Valid: true}
		}
		var pressure sql.NullFloat64
		if rec.Pressure != nil {
			pressure = sql.NullFloat64{Float64: *rec.Pressure, Valid: true}
		}

		res, err := stmt.ExecContext(ctx,
			rec.ID, rec.MaterialID, sourceName, sourceIndex, rec.Task, rec.Formula,
			rec.EnthalpyPerAtom, rec.SymmetryNumberCoarse, pressure, rec.Natoms,
			rec.Deprecated, rec.DeprecatedReason, formatTime(rec.LastUpdatedUTC), blob,
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			duplicates = append(duplicates, rec.ID)
		} else {
			inserted = append(inserted, rec.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	result.Inserted = append(result.Inserted, inserted...)
	result.Duplicates = append(result.Duplicates, duplicates...)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, extra ...interface{}) (*types.StructureRecord, error) {
	var (
		rec         types.StructureRecord
		sourceName  sql.NullString
		sourceIndex sql.NullInt64
		pressure    sql.NullFloat64
		updated     string
	)
	dest := []interface{}{
		&rec.ID, &rec.MaterialID, &sourceName, &sourceIndex, &rec.Task, &rec.Formula,
		&rec.EnthalpyPerAtom, &rec.SymmetryNumberCoarse, &pressure, &rec.Natoms,
		&rec.Deprecated, &rec.DeprecatedReason, &updated,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if sourceName.Valid {
		rec.Source = &types.Source{Name: sourceName.String, Index: int(sourceIndex.Int64)}
	}
	if pressure.Valid {
		p := pressure.Float64
		rec.Pressure = &p
	}
	t, err := parseTime(updated)
	if err != nil {
		return nil, err
	}
	rec.LastUpdatedUTC = t
	return &rec, nil
}

// GetRecord retrieves a record with its geometry. Returns nil if not found.
func (s *SQLiteStorage) GetRecord(ctx context.Context, id string) (*types.StructureRecord, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`, geometry FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	rec.Geometry, err = codec.DecodeStructure(blob)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	return rec, nil
}

// FindRecords returns the records selected by filter in insertion order.
// Geometry is not loaded.
func (s *SQLiteStorage) FindRecords(ctx context.Context, filter types.RecordFilter) ([]*types.StructureRecord, error) {
	where, args := whereClause(filter)
	query := `SELECT ` + recordColumns + ` FROM records ` + where + ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find records: %w", err)
	}
	defer rows.Close()

	var records []*types.StructureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountRecords returns the number of records selected by filter
func (s *SQLiteStorage) CountRecords(ctx context.Context, filter types.RecordFilter) (int, error) {
	where, args := whereClause(filter)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// GetProjections returns the pre-filter projection of each id found
func (s *SQLiteStorage) GetProjections(ctx context.Context, ids []string) (map[string]types.RecordProjection, error) {
	out := make(map[string]types.RecordProjection, len(ids))
	for _, batch := range chunk(ids, s.batchSize) {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, symmetry_number_coarse, enthalpy_per_atom
			FROM records WHERE id IN (%s)
		`, placeholders(len(batch))), stringArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("failed to get projections: %w", err)
		}
		for rows.Next() {
			var p types.RecordProjection
			if err := rows.Scan(&p.ID, &p.SymmetryNumberCoarse, &p.EnthalpyPerAtom); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan projection: %w", err)
			}
			out[p.ID] = p
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// GetGeometry loads and decodes the geometry of one record.
// Returns types.ErrNoGeometry when the record has none.
func (s *SQLiteStorage) GetGeometry(ctx context.Context, id string) (*types.Structure, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT geometry FROM records WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get geometry: %w", err)
	}
	if len(blob) == 0 {
		return nil, fmt.Errorf("record %s: %w", id, types.ErrNoGeometry)
	}
	return codec.DecodeStructure(blob)
}

// DeprecateRecords marks records deprecated with the given reason.
// Already deprecated records keep their original reason.
func (s *SQLiteStorage) DeprecateRecords(ctx context.Context, ids []string, reason string) (int, error) {
	if reason == "" {
		return 0, fmt.Errorf("deprecation reason is required")
	}
	now := formatTime(time.Now())
	total := 0
	for _, batch := range chunk(ids, s.batchSize) {
		args := append([]interface{}{reason, now}, stringArgs(batch)...)
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE records SET deprecated = 1, deprecated_reason = ?, last_updated_utc = ?
			WHERE deprecated = 0 AND id IN (%s)
		`, placeholders(len(batch))), args...)
		if err != nil {
			return total, fmt.Errorf("failed to deprecate records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// MaxSourceIndex returns the highest source index recorded for a source,
// or 0 when the source has no records.
func (s *SQLiteStorage) MaxSourceIndex(ctx context.Context, sourceName string) (int, error) {
	var maxIndex sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(source_index) FROM records WHERE source_name = ?`, sourceName).Scan(&maxIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to get max source index: %w", err)
	}
	return int(maxIndex.Int64), nil
}
