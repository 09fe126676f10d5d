// Package metrics collects prometheus metrics for unique-structure runs.
//
// calydb is a batch tool, so metrics are not scraped. A run writes its
// registry to a node_exporter textfile when asked to. Every method is safe
// to call on a nil *Collector, which records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "calydb"

// GroupSample is what one resolved group contributes to the run metrics
type GroupSample struct {
	Elapsed         time.Duration
	Candidates      int
	Unique          int
	Comparisons     int
	CompareFailures int
	Replacements    int
	Discards        int
	StructureLoads  int
	StructureHits   int
}

// Collector holds the prometheus metrics of one process
type Collector struct {
	registry *prometheus.Registry

	GroupsResolved  prometheus.Counter
	GroupDuration   prometheus.Histogram
	Candidates      prometheus.Counter
	UniqueFound     prometheus.Counter
	Comparisons     prometheus.Counter
	CompareFailures prometheus.Counter
	Decisions       *prometheus.CounterVec
	StructureLoads  *prometheus.CounterVec
	UniqueWrites    *prometheus.CounterVec
	Deprecated      *prometheus.CounterVec
	LastRun         prometheus.Gauge
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		GroupsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_resolved_total",
			Help:      "Total number of (task, formula) groups resolved",
		}),
		GroupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_resolve_duration_seconds",
			Help:      "Time spent resolving one group",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		Candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Total number of structures considered",
		}),
		UniqueFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unique_found_total",
			Help:      "Total number of structures resolved as unique",
		}),
		Comparisons: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Total number of structural comparisons",
		}),
		CompareFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compare_failures_total",
			Help:      "Total number of structural comparisons that could not be carried out",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_decisions_total",
			Help:      "Duplicates found, by which structure was kept",
		}, []string{"decision"}),
		StructureLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "structure_loads_total",
			Help:      "Geometry requests, by whether the worker cache served them",
		}, []string{"source"}),
		UniqueWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unique_writes_total",
			Help:      "Unique collection entries written, by outcome",
		}, []string{"outcome"}),
		Deprecated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_deprecated_total",
			Help:      "Raw records deprecated, by reason",
		}, []string{"reason"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}

	registry.MustRegister(
		c.GroupsResolved,
		c.GroupDuration,
		c.Candidates,
		c.UniqueFound,
		c.Comparisons,
		c.CompareFailures,
		c.Decisions,
		c.StructureLoads,
		c.UniqueWrites,
		c.Deprecated,
		c.LastRun,
	)

	return c
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveGroup records one resolved group
func (c *Collector) ObserveGroup(s GroupSample) {
	if c == nil {
		return
	}
	c.GroupsResolved.Inc()
	c.GroupDuration.Observe(s.Elapsed.Seconds())
	c.Candidates.Add(float64(s.Candidates))
	c.UniqueFound.Add(float64(s.Unique))
	c.Comparisons.Add(float64(s.Comparisons))
	c.CompareFailures.Add(float64(s.CompareFailures))
	c.Decisions.WithLabelValues("replace").Add(float64(s.Replacements))
	c.Decisions.WithLabelValues("discard").Add(float64(s.Discards))
	c.StructureLoads.WithLabelValues("store").Add(float64(s.StructureLoads))
	c.StructureLoads.WithLabelValues("cache").Add(float64(s.StructureHits))
}

// ObserveUniqueWrites records the outcome of one unique collection commit
func (c *Collector) ObserveUniqueWrites(inserted, skipped int) {
	if c == nil {
		return
	}
	c.UniqueWrites.WithLabelValues("inserted").Add(float64(inserted))
	c.UniqueWrites.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveDeprecated records n records deprecated for reason
func (c *Collector) ObserveDeprecated(reason string, n int) {
	if c == nil {
		return
	}
	c.Deprecated.WithLabelValues(reason).Add(float64(n))
}

// MarkRunFinished sets the last run timestamp
func (c *Collector) MarkRunFinished(t time.Time) {
	if c == nil {
		return
	}
	c.LastRun.Set(float64(t.Unix()))
}

// WriteTextfile writes the registry in the text exposition format, for the
// node_exporter textfile collector
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
