package deduplication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calypsokit/calydb/internal/logging"
	"github.com/calypsokit/calydb/internal/metrics"
	"github.com/calypsokit/calydb/internal/structure"
	"github.com/calypsokit/calydb/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// GroupSource streams groups to yield, in a stable order. It must stop and
// return yield's error as soon as yield fails.
type GroupSource func(ctx context.Context, yield func(types.TaskFormulaGroup) error) error

// GroupsOf returns a GroupSource over an in-memory list
func GroupsOf(groups []types.TaskFormulaGroup) GroupSource {
	return func(ctx context.Context, yield func(types.TaskFormulaGroup) error) error {
		for _, g := range groups {
			if err := yield(g); err != nil {
				return err
			}
		}
		return nil
	}
}

// RunResult is the outcome of resolving every group of a source
type RunResult struct {
	// Groups holds one result per group, in source order
	Groups []*GroupResult `json:"groups"`

	// Unique is the concatenation of every group's Unique ids, in source order
	Unique []string `json:"unique"`

	Stats RunStats `json:"stats"`
}

// RunStats aggregates the per-group stats of a run
type RunStats struct {
	ResolveStats
	Groups   int           `json:"groups"`
	Duration time.Duration `json:"duration"`
}

// Dispatcher resolves independent groups on a bounded pool of workers.
// Each group gets its own structure cache, so no mutable state is shared
// between groups.
type Dispatcher struct {
	resolver GroupResolver
	loader   structure.Loader
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewDispatcher creates a dispatcher. logger and collector may be nil.
func NewDispatcher(resolver GroupResolver, loader structure.Loader, config Config, logger *zap.Logger, collector *metrics.Collector) (*Dispatcher, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Dispatcher{
		resolver: resolver,
		loader:   loader,
		config:   config,
		logger:   logging.OrNop(logger),
		metrics:  collector,
	}, nil
}

// Run resolves every group produced by source.
//
// At most Workers groups are in flight; the source blocks while the pool is
// full, so only the groups being resolved are held in memory with their
// geometries. The first error cancels the remaining work and is returned.
func (d *Dispatcher) Run(ctx context.Context, source GroupSource) (*RunResult, error) {
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)

	var (
		mu      sync.Mutex
		results = make(map[int]*GroupResult)
		done    atomic.Int64
		next    int
	)
	progress := &rate.Sometimes{Interval: d.config.ProgressInterval}

	srcErr := source(gctx, func(group types.TaskFormulaGroup) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		index := next
		next++

		g.Go(func() error {
			groupStart := time.Now()
			cache := structure.NewCache(d.loader)

			res, err := d.resolver.Resolve(gctx, group, cache)
			if err != nil {
				return fmt.Errorf("failed to resolve group %s: %w", group.Key, err)
			}

			cs := cache.Stats()
			d.metrics.ObserveGroup(metrics.GroupSample{
				Elapsed:         time.Since(groupStart),
				Candidates:      res.Stats.Candidates,
				Unique:          len(res.Unique),
				Comparisons:     res.Stats.Comparisons,
				CompareFailures: res.Stats.CompareFailures,
				Replacements:    res.Stats.Replacements,
				Discards:        res.Stats.Discards,
				StructureLoads:  cs.StructureLoads,
				StructureHits:   cs.StructureHits,
			})
			d.logger.Debug("group resolved",
				zap.Stringer("group", res.Key),
				zap.Int("candidates", res.Stats.Candidates),
				zap.Int("unique", len(res.Unique)),
				zap.Int("comparisons", res.Stats.Comparisons))

			mu.Lock()
			results[index] = res
			mu.Unlock()

			n := done.Add(1)
			progress.Do(func() {
				d.logger.Info("resolving groups", zap.Int64("done", n))
			})
			return nil
		})
		return nil
	})

	// Worker errors win over the source error, which is usually just the
	// cancellation they caused.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if srcErr != nil {
		return nil, fmt.Errorf("failed to read groups: %w", srcErr)
	}

	run := &RunResult{
		Groups: make([]*GroupResult, next),
		Unique: make([]string, 0),
	}
	for i := 0; i < next; i++ {
		res := results[i]
		run.Groups[i] = res
		run.Unique = append(run.Unique, res.Unique...)
		run.Stats.Add(res.Stats)
	}
	run.Stats.Groups = next
	run.Stats.Duration = time.Since(start)

	d.logger.Info("resolution finished",
		zap.Int("groups", run.Stats.Groups),
		zap.Int("candidates", run.Stats.Candidates),
		zap.Int("unique", len(run.Unique)),
		zap.Int("comparisons", run.Stats.Comparisons),
		zap.Int("compare_failures", run.Stats.CompareFailures),
		zap.Duration("elapsed", run.Stats.Duration))

	return run, nil
}
