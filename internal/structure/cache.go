package structure

import (
	"context"
	"errors"
	"fmt"

	"github.com/calypsokit/calydb/internal/types"
)

// ErrUnknownRecord is returned when a record id is not in the store
var ErrUnknownRecord = errors.New("unknown record")

// Loader reads the per-record data the resolver needs
type Loader interface {
	GetProjections(ctx context.Context, ids []string) (map[string]types.RecordProjection, error)
	GetGeometry(ctx context.Context, id string) (*types.Structure, error)
}

// CacheStats counts cache activity
type CacheStats struct {
	ProjectionLoads int // store round trips for projections
	StructureLoads  int // geometries fetched and decoded
	StructureHits   int // geometry requests served from memory
}

type structureEntry struct {
	s   *types.Structure
	err error
}

// Cache memoizes projections and geometries by record id. A geometry is
// fetched at most once per cache, including failed fetches.
//
// A Cache is owned by a single worker and is not safe for concurrent use.
type Cache struct {
	loader      Loader
	projections map[string]types.RecordProjection
	structures  map[string]structureEntry
	stats       CacheStats
}

// NewCache creates an empty cache reading through loader
func NewCache(loader Loader) *Cache {
	return &Cache{
		loader:      loader,
		projections: make(map[string]types.RecordProjection),
		structures:  make(map[string]structureEntry),
	}
}

// Prefetch loads the projections of ids not cached yet in one round trip
func (c *Cache) Prefetch(ctx context.Context, ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := c.projections[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	c.stats.ProjectionLoads++
	found, err := c.loader.GetProjections(ctx, missing)
	if err != nil {
		return fmt.Errorf("failed to load projections: %w", err)
	}
	for id, p := range found {
		c.projections[id] = p
	}
	return nil
}

// Projection returns the symmetry number and enthalpy of id
func (c *Cache) Projection(ctx context.Context, id string) (types.RecordProjection, error) {
	if p, ok := c.projections[id]; ok {
		return p, nil
	}
	if err := c.Prefetch(ctx, []string{id}); err != nil {
		return types.RecordProjection{}, err
	}
	p, ok := c.projections[id]
	if !ok {
		return types.RecordProjection{}, fmt.Errorf("record %s: %w", id, ErrUnknownRecord)
	}
	return p, nil
}

// Structure returns the geometry of id, loading it on first use
func (c *Cache) Structure(ctx context.Context, id string) (*types.Structure, error) {
	if e, ok := c.structures[id]; ok {
		c.stats.StructureHits++
		return e.s, e.err
	}

	c.stats.StructureLoads++
	s, err := c.loader.GetGeometry(ctx, id)
	if err != nil && ctx.Err() != nil {
		// Cancellation is not a property of the record
		return nil, err
	}
	if err == nil && s == nil {
		err = fmt.Errorf("record %s: %w", id, types.ErrNoGeometry)
	}
	c.structures[id] = structureEntry{s: s, err: err}
	return s, err
}

// Stats returns the activity counters
func (c *Cache) Stats() CacheStats {
	return c.stats
}
