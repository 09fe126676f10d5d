package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveGroup(GroupSample{Candidates: 3})
	c.ObserveUniqueWrites(1, 2)
	c.ObserveDeprecated("x", 1)
	c.MarkRunFinished(time.Now())
	assert.Nil(t, c.Registry())
	assert.NoError(t, c.WriteTextfile(filepath.Join(t.TempDir(), "m.prom")))
}

func TestObserveGroup(t *testing.T) {
	c := NewCollector()
	c.ObserveGroup(GroupSample{
		Elapsed:         20 * time.Millisecond,
		Candidates:      5,
		Unique:          3,
		Comparisons:     4,
		CompareFailures: 1,
		Replacements:    1,
		Discards:        1,
		StructureLoads:  4,
		StructureHits:   4,
	})
	c.ObserveGroup(GroupSample{Candidates: 1, Unique: 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.GroupsResolved))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.Candidates))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.UniqueFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CompareFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Decisions.WithLabelValues("replace")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.StructureLoads.WithLabelValues("cache")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.ObserveDeprecated("solitary", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.Deprecated.WithLabelValues("solitary")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Deprecated.WithLabelValues("solitary")))
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.ObserveUniqueWrites(7, 1)
	c.MarkRunFinished(time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "calydb.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `calydb_unique_writes_total{outcome="inserted"} 7`)
	assert.Contains(t, text, "calydb_last_run_timestamp_seconds 1.7e+09")
}
