// Package cleanup deprecates raw records that should never take part in
// unique-structure resolution.
//
// Records are never deleted. A deprecated record keeps its data and gets a
// reason, and every query used for grouping skips it.
package cleanup

import (
	"context"
	"fmt"

	"github.com/calypsokit/calydb/internal/config"
	"github.com/calypsokit/calydb/internal/grouping"
	"github.com/calypsokit/calydb/internal/logging"
	"github.com/calypsokit/calydb/internal/metrics"
	"github.com/calypsokit/calydb/internal/types"
	"go.uber.org/zap"
)

// Store is the part of the property store the cleaner uses
type Store interface {
	grouping.GroupStore
	FindRecords(ctx context.Context, filter types.RecordFilter) ([]*types.StructureRecord, error)
	DeprecateRecords(ctx context.Context, ids []string, reason string) (int, error)
}

// Result reports one cleanup pass
type Result struct {
	Reason     string   `json:"reason"`
	IDs        []string `json:"ids"`        // records selected by the pass
	Deprecated int      `json:"deprecated"` // records actually changed; 0 on a dry run
	DryRun     bool     `json:"dry_run"`
}

// Solitary is a low-energy record separated from the rest of its group by
// a large energy gap
type Solitary struct {
	ID              string         `json:"id"`
	Key             types.GroupKey `json:"key"`
	EnthalpyPerAtom float64        `json:"enthalpy_per_atom"`
}

// Cleaner runs the cleanup passes
type Cleaner struct {
	store   Store
	engine  *grouping.Engine
	config  config.CleanupConfig
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewCleaner creates a cleaner. logger and collector may be nil.
func NewCleaner(store Store, cfg config.CleanupConfig, logger *zap.Logger, collector *metrics.Collector) (*Cleaner, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cleanup config: %w", err)
	}
	logger = logging.OrNop(logger)
	return &Cleaner{
		store:   store,
		engine:  grouping.NewEngine(store, logger),
		config:  cfg,
		logger:  logger,
		metrics: collector,
	}, nil
}

// Config returns the thresholds the cleaner runs with
func (c *Cleaner) Config() config.CleanupConfig {
	return c.config
}

// DeprecateLargeEnthalpy deprecates records whose enthalpy per atom is
// above MaxEnthalpy, the value written for failed optimizations
func (c *Cleaner) DeprecateLargeEnthalpy(ctx context.Context, dryRun bool) (*Result, error) {
	above := c.config.MaxEnthalpy
	records, err := c.store.FindRecords(ctx, types.RecordFilter{EnthalpyAbove: &above})
	if err != nil {
		return nil, fmt.Errorf("failed to find failed optimizations: %w", err)
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return c.apply(ctx, ids, config.ReasonOptimizationFail, dryRun)
}

// SolitaryCandidates finds solitary low-energy records. Each group's
// enthalpies are split into clusters wherever neighbours are at least
// SolitaryDelta apart. The lowest SolitaryMaxClusters clusters are walked
// in order: a cluster of one record marks it solitary, and a cluster of
// SolitaryStopSize or more ends the walk. The highest cluster of a group
// is never inspected when it is a lone record.
func (c *Cleaner) SolitaryCandidates(ctx context.Context) ([]Solitary, error) {
	var found []Solitary
	err := c.engine.StreamSorted(ctx, types.RecordFilter{}, func(g types.SortedGroup) error {
		found = append(found, c.solitaryInGroup(g)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan groups: %w", err)
	}
	return found, nil
}

func (c *Cleaner) solitaryInGroup(g types.SortedGroup) []Solitary {
	clusters := grouping.GroupByDelta(g.SortedEnthalpies, c.config.SolitaryDelta)
	if n := len(clusters); n > 0 && len(clusters[n-1]) == 1 {
		clusters = clusters[:n-1]
	}
	if len(clusters) > c.config.SolitaryMaxClusters {
		clusters = clusters[:c.config.SolitaryMaxClusters]
	}

	var found []Solitary
	offset := 0
	for _, cluster := range clusters {
		if len(cluster) >= c.config.SolitaryStopSize {
			break
		}
		if len(cluster) == 1 {
			found = append(found, Solitary{
				ID:              g.SortedIDs[offset],
				Key:             g.Key,
				EnthalpyPerAtom: cluster[0],
			})
		}
		offset += len(cluster)
	}
	return found
}

// CleanSolitary deprecates every record SolitaryCandidates returns
func (c *Cleaner) CleanSolitary(ctx context.Context, dryRun bool) (*Result, error) {
	candidates, err := c.SolitaryCandidates(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(candidates))
	for i, s := range candidates {
		ids[i] = s.ID
	}
	return c.apply(ctx, ids, config.ReasonSolitary, dryRun)
}

// SmallTasks returns the tasks with at most TaskMinCount live records.
// They are only reported.
func (c *Cleaner) SmallTasks(ctx context.Context) ([]types.TaskCount, error) {
	return c.engine.SmallTasks(ctx, types.RecordFilter{}, c.config.TaskMinCount)
}

// apply deprecates ids in batches of BatchSize, checking for cancellation
// between batches
func (c *Cleaner) apply(ctx context.Context, ids []string, reason string, dryRun bool) (*Result, error) {
	result := &Result{Reason: reason, IDs: ids, DryRun: dryRun}
	if dryRun || len(ids) == 0 {
		c.logger.Info("cleanup selected records",
			zap.String("reason", reason),
			zap.Int("selected", len(ids)),
			zap.Bool("dry_run", dryRun))
		return result, nil
	}

	for start := 0; start < len(ids); start += c.config.BatchSize {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		end := min(start+c.config.BatchSize, len(ids))
		n, err := c.store.DeprecateRecords(ctx, ids[start:end], reason)
		result.Deprecated += n
		if err != nil {
			return result, fmt.Errorf("failed to deprecate records: %w", err)
		}
	}

	c.metrics.ObserveDeprecated(reason, result.Deprecated)
	c.logger.Info("cleanup deprecated records",
		zap.String("reason", reason),
		zap.Int("selected", len(ids)),
		zap.Int("deprecated", result.Deprecated))
	return result, nil
}
