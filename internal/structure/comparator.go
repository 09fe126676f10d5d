// Package structure decides whether two crystal structures are the same and
// caches the data the uniqueness resolver reads per record.
package structure

import "github.com/calypsokit/calydb/internal/types"

// MatchResult is the outcome of one structural comparison.
// Err is set when the comparison itself could not be carried out.
type MatchResult struct {
	Matched bool
	Err     error
}

// Match returns a successful "same structure" result
func Match() MatchResult { return MatchResult{Matched: true} }

// NoMatch returns a successful "different structure" result
func NoMatch() MatchResult { return MatchResult{} }

// Failed returns a result for a comparison that could not be carried out
func Failed(err error) MatchResult { return MatchResult{Err: err} }

// Comparator decides structural equivalence of two structures.
// Tolerances belong to the implementation, not to callers.
type Comparator interface {
	Match(a, b *types.Structure) MatchResult
}

// ComparatorFunc adapts a function to the Comparator interface
type ComparatorFunc func(a, b *types.Structure) MatchResult

// Match calls f(a, b)
func (f ComparatorFunc) Match(a, b *types.Structure) MatchResult {
	return f(a, b)
}
