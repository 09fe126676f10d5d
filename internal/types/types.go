package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// LargeEnthalpySentinel is the enthalpy per atom the prediction tool writes
// when a structure optimization fails.
const LargeEnthalpySentinel = 610612508.0

// Source identifies where a record was extracted from
type Source struct {
	Name  string `json:"name"`  // e.g. "calypso"
	Index int    `json:"index"` // index within the source
}

// StructureRecord is one relaxed crystal structure produced by a prediction run.
//
// Optional fields are pointers; a nil pointer means the field was never
// extracted for this record.
type StructureRecord struct {
	ID                   string     `json:"id"`
	MaterialID           string     `json:"material_id,omitempty"`
	Source               *Source    `json:"source,omitempty"`
	Task                 string     `json:"task"`    // originating prediction run (source directory)
	Formula              string     `json:"formula"` // reduced formula
	EnthalpyPerAtom      float64    `json:"enthalpy_per_atom"`
	SymmetryNumberCoarse int        `json:"symmetry_number_coarse"` // space group number at symprec 1e-1
	Pressure             *float64   `json:"pressure,omitempty"`     // GPa
	Natoms               int        `json:"natoms"`
	Deprecated           bool       `json:"deprecated"`
	DeprecatedReason     string     `json:"deprecated_reason,omitempty"`
	LastUpdatedUTC       time.Time  `json:"last_updated_utc"`
	Geometry             *Structure `json:"geometry,omitempty"`
}

// Validate checks if the record has valid field values
func (r *StructureRecord) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return fmt.Errorf("task is required")
	}
	if strings.TrimSpace(r.Formula) == "" {
		return fmt.Errorf("formula is required")
	}
	if math.IsNaN(r.EnthalpyPerAtom) || math.IsInf(r.EnthalpyPerAtom, 0) {
		return fmt.Errorf("enthalpy_per_atom must be finite (got %v)", r.EnthalpyPerAtom)
	}
	if r.SymmetryNumberCoarse < 1 || r.SymmetryNumberCoarse > 230 {
		return fmt.Errorf("symmetry_number_coarse must be between 1 and 230 (got %d)", r.SymmetryNumberCoarse)
	}
	if r.Deprecated && r.DeprecatedReason == "" {
		return fmt.Errorf("deprecated_reason is required for deprecated records")
	}
	if r.Geometry != nil {
		if err := r.Geometry.Validate(); err != nil {
			return fmt.Errorf("invalid geometry: %w", err)
		}
	}
	return nil
}

// SyncNatoms sets Natoms from the geometry when one is loaded
func (r *StructureRecord) SyncNatoms() {
	if r.Geometry != nil {
		r.Natoms = r.Geometry.NumAtoms()
	}
}

// Projection returns the fields the uniqueness pre-filter reads
func (r *StructureRecord) Projection() RecordProjection {
	return RecordProjection{
		ID:                   r.ID,
		SymmetryNumberCoarse: r.SymmetryNumberCoarse,
		EnthalpyPerAtom:      r.EnthalpyPerAtom,
	}
}

// RecordProjection is the minimal view of a record used for cheap
// pre-filtering before any structural comparison.
type RecordProjection struct {
	ID                   string  `json:"id"`
	SymmetryNumberCoarse int     `json:"symmetry_number_coarse"`
	EnthalpyPerAtom      float64 `json:"enthalpy_per_atom"`
}

// RecordFilter selects records from the raw collection.
// The zero value selects every non-deprecated record.
type RecordFilter struct {
	UpdatedAfter      *time.Time // only records with last_updated_utc > UpdatedAfter
	EnthalpyAbove     *float64   // only records with enthalpy_per_atom > EnthalpyAbove
	SourceName        string     // only records whose source.name matches
	IncludeDeprecated bool
	Limit             int // 0 = unlimited
}

// InsertResult reports the per-record outcome of a bulk insert
type InsertResult struct {
	Inserted   []string `json:"inserted"`
	Duplicates []string `json:"duplicates,omitempty"` // skipped because the id already existed
}
