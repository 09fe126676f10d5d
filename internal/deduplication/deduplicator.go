package deduplication

import (
	"context"
	"errors"
	"fmt"

	"github.com/calypsokit/calydb/internal/structure"
	"github.com/calypsokit/calydb/internal/types"
)

// ErrCompareFailed is returned under the Propagate policy when a structural
// comparison could not be carried out
var ErrCompareFailed = errors.New("structure comparison failed")

// GroupResolver reduces one (task, formula) group to its unique members.
//
// Example usage:
//
//	resolver, err := NewResolver(matcher, DefaultConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	result, err := resolver.Resolve(ctx, group, structure.NewCache(store))
//	if err != nil {
//	    return err
//	}
//	logger.Info("group resolved",
//	    zap.Stringer("group", result.Key),
//	    zap.Int("unique", len(result.Unique)))
type GroupResolver interface {
	// Resolve walks the group's members in order and returns the accepted
	// set. For each candidate, accepted members with the same coarse
	// symmetry and an enthalpy closer than the threshold are compared
	// structurally. On a match the lower enthalpy structure is kept; on a
	// tie the earlier one is kept.
	//
	// Returns:
	// - GroupResult whose Unique ids are in acceptance order
	// - Error on store failures, cancellation, or a compare failure under
	//   the Propagate policy
	Resolve(ctx context.Context, group types.TaskFormulaGroup, cache *structure.Cache) (*GroupResult, error)
}

// GroupResult is the outcome of resolving one group
type GroupResult struct {
	Key types.GroupKey `json:"key"`

	// Unique are the accepted ids. A replacement appends the newcomer at the
	// end, so the order is acceptance order, not input order.
	Unique []string `json:"unique"`

	// DuplicateOf maps every rejected id to the accepted id it duplicates
	DuplicateOf map[string]string `json:"duplicate_of,omitempty"`

	Stats ResolveStats `json:"stats"`
}

// ResolveStats counts the work done for one group
type ResolveStats struct {
	// Candidates is the number of members in the group
	Candidates int `json:"candidates"`

	// Comparisons is the number of structural comparisons attempted.
	// Pairs rejected by the symmetry or enthalpy pre-filter are not counted.
	Comparisons int `json:"comparisons"`

	// Replacements counts matches where the newcomer displaced an accepted member
	Replacements int `json:"replacements"`

	// Discards counts matches where the newcomer was dropped
	Discards int `json:"discards"`

	// CompareFailures counts comparisons that could not be carried out
	CompareFailures int `json:"compare_failures"`
}

// Add accumulates other into s
func (s *ResolveStats) Add(other ResolveStats) {
	s.Candidates += other.Candidates
	s.Comparisons += other.Comparisons
	s.Replacements += other.Replacements
	s.Discards += other.Discards
	s.CompareFailures += other.CompareFailures
}

// Validate checks that the result is internally consistent
func (r *GroupResult) Validate() error {
	if r.Stats.Candidates < 0 || r.Stats.Comparisons < 0 || r.Stats.CompareFailures < 0 {
		return fmt.Errorf("stats cannot be negative")
	}
	if r.Stats.CompareFailures > r.Stats.Comparisons {
		return fmt.Errorf("compare_failures (%d) cannot exceed comparisons (%d)",
			r.Stats.CompareFailures, r.Stats.Comparisons)
	}
	rejected := r.Stats.Replacements + r.Stats.Discards
	if len(r.Unique)+rejected != r.Stats.Candidates {
		return fmt.Errorf("unique (%d) + rejected (%d) must equal candidates (%d)",
			len(r.Unique), rejected, r.Stats.Candidates)
	}
	if len(r.DuplicateOf) != rejected {
		return fmt.Errorf("duplicate_of has %d entries, expected %d", len(r.DuplicateOf), rejected)
	}
	if r.Stats.Candidates > 0 && len(r.Unique) == 0 {
		return fmt.Errorf("a non-empty group must keep at least one structure")
	}

	accepted := make(map[string]bool, len(r.Unique))
	for _, id := range r.Unique {
		if accepted[id] {
			return fmt.Errorf("id %s accepted twice", id)
		}
		accepted[id] = true
	}
	for dup, of := range r.DuplicateOf {
		if accepted[dup] {
			return fmt.Errorf("id %s is both accepted and a duplicate", dup)
		}
		if !accepted[of] {
			return fmt.Errorf("id %s is a duplicate of %s, which was not accepted", dup, of)
		}
	}
	return nil
}
