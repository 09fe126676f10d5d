package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calypsokit/calydb/internal/storage/codec"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const recordColumns = `id, material_id, source_name, source_index, task, formula,
	enthalpy_per_atom, symmetry_number_coarse, pressure, natoms,
	deprecated, deprecated_reason, last_updated_utc`

// InsertRecords inserts records in batches. Records whose id or material id
// already exists are skipped and reported as duplicates.
func (s *PostgresStorage) InsertRecords(ctx context.Context, records []*types.StructureRecord) (*types.InsertResult, error) {
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

func (s *PostgresStorage) insertRecordBatch(ctx context.Context, recs []*types.StructureRecord, result *types.InsertResult) error {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		blob, err := codec.EncodeStructure(rec.Geometry)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		var sourceName *string
		var sourceIndex *int
		if rec.Source != nil {
			sourceName = &rec.Source.Name
			sourceIndex = &rec.Source.Index
		}
		batch.Queue(`
			INSERT INTO records (`+recordColumns+`, geometry)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT DO NOTHING
		`,
			rec.ID, rec.MaterialID, sourceName, sourceIndex, rec.Task, rec.Formula,
			rec.EnthalpyPerAtom, rec.SymmetryNumberCoarse, rec.Pressure, rec.Natoms,
			rec.Deprecated, rec.DeprecatedReason, rec.LastUpdatedUTC.UTC(), blob,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	var inserted, duplicates []string
	for _, rec := range recs {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
		if tag.RowsAffected() == 0 {
			duplicates = append(duplicates, rec.ID)
		} else {
			inserted = append(inserted, rec.ID)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	result.Inserted = append(result.Inserted, inserted...)
	result.Duplicates = append(result.Duplicates, duplicates...)
	return nil
}

func scanRecord(row pgx.Row, extra ...interface{}) (*types.StructureRecord, error) {
	var (
		rec         types.StructureRecord
		sourceName  *string
		sourceIndex *int
	)
	dest := []interface{}{
		&rec.ID, &rec.MaterialID, &sourceName, &sourceIndex, &rec.Task, &rec.Formula,
		&rec.EnthalpyPerAtom, &rec.SymmetryNumberCoarse, &rec.Pressure, &rec.Natoms,
		&rec.Deprecated, &rec.DeprecatedReason, &rec.LastUpdatedUTC,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if sourceName != nil {
		rec.Source = &types.Source{Name: *sourceName}
		if sourceIndex != nil {
			rec.Source.Index = *sourceIndex
		}
	}
	rec.LastUpdatedUTC = rec.LastUpdatedUTC.UTC()
	return &rec, nil
}

// GetRecord retrieves a record with its geometry. Returns nil if not found.
func (s *PostgresStorage) GetRecord(ctx context.Context, id string) (*types.StructureRecord, error) {
	var blob []byte
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+`, geometry FROM records WHERE id = $1`, id)
	rec, err := scanRecord(row, &blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if rec.Geometry, err = codec.DecodeStructure(blob); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	return rec, nil
}

// FindRecords returns the records selected by filter in insertion order.
// Geometry is not loaded.
func (s *PostgresStorage) FindRecords(ctx context.Context, filter types.RecordFilter) ([]*types.StructureRecord, error) {
	where, args := whereClause(filter, nil)
	query := `SELECT ` + recordColumns + ` FROM records ` + where + ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStorage) CountRecords(ctx context.Context, filter types.RecordFilter) (int, error) {
	where, args := whereClause(filter, nil)
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM records `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// GetProjections returns the pre-filter projection of each id found
func (s *PostgresStorage) GetProjections(ctx context.Context, ids []string) (map[string]types.RecordProjection, error) {
	out := make(map[string]types.RecordProjection, len(ids))
	for _, batch := range chunk(ids, s.batchSize) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, symmetry_number_coarse, enthalpy_per_atom
			FROM records WHERE id = ANY($1)
		`, batch)
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
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetGeometry loads and decodes the geometry of one record.
// Returns types.ErrNoGeometry when the record has none.
func (s *PostgresStorage) GetGeometry(ctx context.Context, id string) (*types.Structure, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT geometry FROM records WHERE id = $1`, id).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStorage) DeprecateRecords(ctx context.Context, ids []string, reason string) (int, error) {
	if reason == "" {
		return 0, fmt.Errorf("deprecation reason is required")
	}
	total := 0
	for _, batch := range chunk(ids, s.batchSize) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE records SET deprecated = TRUE, deprecated_reason = $1, last_updated_utc = NOW()
			WHERE deprecated = FALSE AND id = ANY($2)
		`, reason, batch)
		if err != nil {
			return total, fmt.Errorf("failed to deprecate records: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

// MaxSourceIndex returns the highest source index recorded for a source,
// or 0 when the source has no records.
func (s *PostgresStorage) MaxSourceIndex(ctx context.Context, sourceName string) (int, error) {
	var maxIndex *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(source_index) FROM records WHERE source_name = $1`, sourceName).Scan(&maxIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to get max source index: %w", err)
	}
	if maxIndex == nil {
		return 0, nil
	}
	return *maxIndex, nil
}
