package types

import (
	"fmt"
	"time"
)

// GroupKey identifies a (task, formula) group
type GroupKey struct {
	Task    string `json:"task"`
	Formula string `json:"formula"`
}

func (k GroupKey) String() string {
	return k.Task + ":" + k.Formula
}

// TaskFormulaGroup holds the members of one (task, formula) group.
// IDs and Enthalpies are aligned by position; IDs are in the store's
// natural order, which is the order candidates are resolved in.
type TaskFormulaGroup struct {
	Key        GroupKey  `json:"key"`
	IDs        []string  `json:"ids"`
	Enthalpies []float64 `json:"enth_list"`
}

// Count returns the number of members
func (g TaskFormulaGroup) Count() int {
	return len(g.IDs)
}

// Validate checks that the id and enthalpy lists are aligned
func (g TaskFormulaGroup) Validate() error {
	if len(g.IDs) != len(g.Enthalpies) {
		return fmt.Errorf("group %s: ids and enthalpies length mismatch (%d vs %d)",
			g.Key, len(g.IDs), len(g.Enthalpies))
	}
	return nil
}

// SortedGroup is a TaskFormulaGroup with members sorted by ascending enthalpy
type SortedGroup struct {
	Key              GroupKey  `json:"key"`
	SortedIDs        []string  `json:"sorted_ids"`
	SortedEnthalpies []float64 `json:"sorted_enth"`
}

// TaskCount is the number of non-deprecated structures in one task
type TaskCount struct {
	Task  string   `json:"task"`
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

// UniqueEntry is one row of the unique collection. It references a raw
// record by id and never stores geometry.
type UniqueEntry struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UniqueRecord is a unique entry joined with its non-deprecated raw record
type UniqueRecord struct {
	Version int64            `json:"version"`
	Record  *StructureRecord `json:"record"`
}
