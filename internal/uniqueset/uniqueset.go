// Package uniqueset writes resolved unique ids to the unique collection and
// keeps that collection consistent with the raw records.
//
// Ids are persisted after dispatch from a single goroutine, so workers never
// write to the store. Every entry carries the run's version and run id.
package uniqueset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calypsokit/calydb/internal/deduplication"
	"github.com/calypsokit/calydb/internal/logging"
	"github.com/calypsokit/calydb/internal/metrics"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyCommitted is returned by a strict commit when some ids are
// already in the unique collection
var ErrAlreadyCommitted = errors.New("ids already in unique collection")

// CommitMode selects how ids already present are handled
type CommitMode int

const (
	// CommitStrict aborts without writing anything if any id is present
	CommitStrict CommitMode = iota
	// CommitTolerant skips present ids and inserts the rest
	CommitTolerant
)

func (m CommitMode) String() string {
	switch m {
	case CommitStrict:
		return "strict"
	case CommitTolerant:
		return "tolerant"
	default:
		return fmt.Sprintf("CommitMode(%d)", int(m))
	}
}

// Store is the part of the property store the coordinator uses
type Store interface {
	InsertUnique(ctx context.Context, entries []types.UniqueEntry, continueOnDuplicate bool) (*types.InsertResult, error)
	FindUniqueIDs(ctx context.Context, ids []string) ([]string, error)
	DeprecatedUniqueIDs(ctx context.Context) ([]string, error)
	DeleteUnique(ctx context.Context, ids []string) (int, error)
	DeleteUniqueVersion(ctx context.Context, version int64) (int, error)
}

// CommitReport describes what one commit did
type CommitReport struct {
	Version   int64    `json:"version"`
	RunID     string   `json:"run_id"`
	Mode      string   `json:"mode"`
	Requested int      `json:"requested"`
	Inserted  []string `json:"inserted"`
	Skipped   []string `json:"skipped,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"` // ids that made a strict commit abort
}

// Conflict lists the ids of one group that are already committed
type Conflict struct {
	Key types.GroupKey `json:"key"`
	IDs []string       `json:"ids"`
}

// Coordinator owns all writes to the unique collection
type Coordinator struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewCoordinator creates a coordinator. logger and collector may be nil.
func NewCoordinator(store Store, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	return &Coordinator{
		store:   store,
		logger:  logging.OrNop(logger),
		metrics: collector,
		now:     time.Now,
	}
}

// Commit persists ids under version.
//
// In CommitStrict mode existing ids are looked up first; if any are found
// the report lists them as Conflicts, nothing is written, and the error
// wraps ErrAlreadyCommitted. In CommitTolerant mode existing ids are
// reported as Skipped.
func (c *Coordinator) Commit(ctx context.Context, ids []string, version int64, mode CommitMode) (*CommitReport, error) {
	if version < 0 {
		return nil, fmt.Errorf("version cannot be negative (got %d)", version)
	}

	ids = dedupe(ids)
	report := &CommitReport{
		Version:   version,
		RunID:     uuid.NewString(),
		Mode:      mode.String(),
		Requested: len(ids),
	}
	if len(ids) == 0 {
		return report, nil
	}

	if mode == CommitStrict {
		existing, err := c.store.FindUniqueIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to check unique collection: %w", err)
		}
		if len(existing) > 0 {
			report.Conflicts = existing
			c.logger.Warn("ids already in unique collection, nothing written",
				zap.Int("conflicts", len(existing)),
				zap.Int64("version", version))
			return report, fmt.Errorf("%w: %d of %d ids", ErrAlreadyCommitted, len(existing), len(ids))
		}
	}

	created := c.now().UTC()
	entries := make([]types.UniqueEntry, len(ids))
	for i, id := range ids {
		entries[i] = types.UniqueEntry{ID: id, Version: version, RunID: report.RunID, CreatedAt: created}
	}

	res, err := c.store.InsertUnique(ctx, entries, mode == CommitTolerant)
	if err != nil {
		if errors.Is(err, types.ErrDuplicateKey) {
			// Another writer got in between the check and the insert
			return nil, fmt.Errorf("%w: %w", ErrAlreadyCommitted, err)
		}
		return nil, fmt.Errorf("failed to write unique collection: %w", err)
	}
	report.Inserted = res.Inserted
	report.Skipped = res.Duplicates

	c.metrics.ObserveUniqueWrites(len(report.Inserted), len(report.Skipped))
	c.logger.Info("unique ids committed",
		zap.Int64("version", version),
		zap.String("run_id", report.RunID),
		zap.Int("inserted", len(report.Inserted)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

// Check reports which of a group's unique ids are already committed. It
// never writes. A nil Conflict means none are.
func (c *Coordinator) Check(ctx context.Context, result *deduplication.GroupResult) (*Conflict, error) {
	if len(result.Unique) == 0 {
		return nil, nil
	}
	existing, err := c.store.FindUniqueIDs(ctx, result.Unique)
	if err != nil {
		return nil, fmt.Errorf("failed to check group %s: %w", result.Key, err)
	}
	if len(existing) == 0 {
		return nil, nil
	}
	c.logger.Warn("group has ids already in unique collection",
		zap.Stringer("group", result.Key),
		zap.Strings("ids", existing))
	return &Conflict{Key: result.Key, IDs: existing}, nil
}

// CheckGroups runs Check over every group result, in order
func (c *Coordinator) CheckGroups(ctx context.Context, results []*deduplication.GroupResult) ([]Conflict, error) {
	var conflicts []Conflict
	for _, r := range results {
		conflict, err := c.Check(ctx, r)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
	}
	return conflicts, nil
}

// CleanDeprecated removes unique entries whose raw record has been
// deprecated since they were committed
func (c *Coordinator) CleanDeprecated(ctx context.Context) (int, error) {
	ids, err := c.store.DeprecatedUniqueIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find deprecated unique ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := c.store.DeleteUnique(ctx, ids)
	if err != nil {
		return n, fmt.Errorf("failed to delete deprecated unique ids: %w", err)
	}
	c.logger.Info("removed deprecated unique entries", zap.Int("deleted", n))
	return n, nil
}

// Rebuild drops every entry of version so it can be recomputed from scratch
func (c *Coordinator) Rebuild(ctx context.Context, version int64) (int, error) {
	n, err := c.store.DeleteUniqueVersion(ctx, version)
	if err != nil {
		return n, fmt.Errorf("failed to drop version %d: %w", version, err)
	}
	c.logger.Info("dropped unique version", zap.Int64("version", version), zap.Int("deleted", n))
	return n, nil
}

// dedupe drops repeated ids, keeping first occurrences in order
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
