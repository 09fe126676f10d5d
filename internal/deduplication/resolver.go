package deduplication

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/calypsokit/calydb/internal/logging"
	"github.com/calypsokit/calydb/internal/structure"
	"github.com/calypsokit/calydb/internal/types"
	"go.uber.org/zap"
)

// candidateState is where one candidate stands while it is scanned
// against the accepted set
type candidateState int

const (
	stateScanning candidateState = iota
	stateMatchedReplace
	stateMatchedDiscard
	stateDistinct
)

// Resolver implements GroupResolver with a pluggable structure comparator
type Resolver struct {
	comparator structure.Comparator
	config     Config
	logger     *zap.Logger
}

// Compile-time check that Resolver implements GroupResolver
var _ GroupResolver = (*Resolver)(nil)

// NewResolver creates a resolver
//
// Parameters:
//   - comparator: decides structural equivalence (must be non-nil)
//   - config: resolution behaviour (must be valid)
//   - logger: receives compare failure warnings; nil disables logging
func NewResolver(comparator structure.Comparator, config Config, logger *zap.Logger) (*Resolver, error) {
	if comparator == nil {
		return nil, fmt.Errorf("comparator cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Resolver{
		comparator: comparator,
		config:     config,
		logger:     logging.OrNop(logger),
	}, nil
}

// Resolve implements GroupResolver
func (r *Resolver) Resolve(ctx context.Context, group types.TaskFormulaGroup, cache *structure.Cache) (*GroupResult, error) {
	if err := group.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}

	result := &GroupResult{
		Key:         group.Key,
		Unique:      make([]string, 0, len(group.IDs)),
		DuplicateOf: make(map[string]string),
		Stats:       ResolveStats{Candidates: len(group.IDs)},
	}
	if len(group.IDs) == 0 {
		return result, nil
	}

	if err := cache.Prefetch(ctx, group.IDs); err != nil {
		return nil, err
	}

	for _, id := range group.IDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, j, err := r.scan(ctx, id, result, cache)
		if err != nil {
			return nil, err
		}

		switch state {
		case stateMatchedReplace:
			replaced := result.Unique[j]
			result.Unique = append(result.Unique[:j], result.Unique[j+1:]...)
			result.Unique = append(result.Unique, id)
			for dup, of := range result.DuplicateOf {
				if of == replaced {
					result.DuplicateOf[dup] = id
				}
			}
			result.DuplicateOf[replaced] = id
			result.Stats.Replacements++
		case stateMatchedDiscard:
			result.DuplicateOf[id] = result.Unique[j]
			result.Stats.Discards++
		case stateDistinct, stateScanning:
			result.Unique = append(result.Unique, id)
		}
	}

	return result, nil
}

// scan compares id against the accepted set and returns the final state
// together with the index of the accepted member that decided it
func (r *Resolver) scan(ctx context.Context, id string, result *GroupResult, cache *structure.Cache) (candidateState, int, error) {
	pi, err := cache.Projection(ctx, id)
	if err != nil {
		return stateScanning, -1, err
	}

	for j, acc := range result.Unique {
		pj, err := cache.Projection(ctx, acc)
		if err != nil {
			return stateScanning, -1, err
		}

		if pi.SymmetryNumberCoarse != pj.SymmetryNumberCoarse {
			continue
		}
		deltaE := pi.EnthalpyPerAtom - pj.EnthalpyPerAtom
		if math.Abs(deltaE) >= r.config.EThreshold {
			continue
		}

		result.Stats.Comparisons++
		res, err := r.compare(ctx, id, acc, cache)
		if err != nil {
			return stateScanning, -1, err
		}

		if res.Err != nil {
			result.Stats.CompareFailures++
			if r.config.OnCompareFailure == Propagate {
				return stateScanning, -1, fmt.Errorf("%w: %s vs %s: %v", ErrCompareFailed, id, acc, res.Err)
			}
			r.logger.Warn("structure comparison failed, keeping both",
				zap.Stringer("group", result.Key),
				zap.String("candidate", id),
				zap.String("accepted", acc),
				zap.Error(res.Err))
		} else if res.Matched {
			if deltaE < 0 {
				return stateMatchedReplace, j, nil
			}
			return stateMatchedDiscard, j, nil
		}

		if r.config.Scan == ScanFirstDecisive {
			return stateDistinct, j, nil
		}
	}

	return stateScanning, -1, nil
}

// compare loads both geometries and runs the comparator. A record whose
// geometry is missing or unreadable yields a failed result; store errors
// are returned.
func (r *Resolver) compare(ctx context.Context, a, b string, cache *structure.Cache) (structure.MatchResult, error) {
	sa, err := cache.Structure(ctx, a)
	if err != nil {
		return unreadable(err)
	}
	sb, err := cache.Structure(ctx, b)
	if err != nil {
		return unreadable(err)
	}
	return r.safeMatch(sa, sb), nil
}

func unreadable(err error) (structure.MatchResult, error) {
	if errors.Is(err, types.ErrNoGeometry) || errors.Is(err, types.ErrMalformedGeometry) {
		return structure.Failed(err), nil
	}
	return structure.MatchResult{}, err
}

// safeMatch runs the comparator, turning a panic into a failed result
func (r *Resolver) safeMatch(a, b *types.Structure) (res structure.MatchResult) {
	defer func() {
		if p := recover(); p != nil {
			res = structure.Failed(fmt.Errorf("comparator panic: %v", p))
		}
	}()
	return r.comparator.Match(a, b)
}
