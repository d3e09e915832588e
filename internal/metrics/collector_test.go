package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"grimm.is/turnpike/internal/logging"
)

func TestCollectTableSizes(t *testing.T) {
	c := NewCollector(Sources{
		ConntrackLen: func() int { return 7 },
		NATLen:       func() int { return 3 },
	}, 0, logging.Default())

	c.collect()

	assert.Equal(t, 7.0, testutil.ToFloat64(Get().ConntrackEntries))
	assert.Equal(t, 3.0, testutil.ToFloat64(Get().NATFrontends))
}

func TestCollectLookupDeltas(t *testing.T) {
	lookups, hits := uint64(100), uint64(60)
	c := NewCollector(Sources{
		ConntrackStats: func() (uint64, uint64) { return lookups, hits },
	}, 0, logging.Default())

	before := testutil.ToFloat64(Get().ConntrackLookups)
	c.collect()

	lookups, hits = 150, 90
	c.collect()

	// First collect adds the full initial count, second adds the delta.
	assert.Equal(t, 150.0, testutil.ToFloat64(Get().ConntrackLookups)-before)
}

func TestRecordVerdictCountsDrops(t *testing.T) {
	r := Get()
	before := testutil.ToFloat64(r.DropsTotal.WithLabelValues("from-endpoint", "rpf-fail"))

	r.RecordVerdict("from-endpoint", "drop", "rpf-fail", 0.0001)
	r.RecordVerdict("from-endpoint", "forward", "", 0.0001)

	after := testutil.ToFloat64(r.DropsTotal.WithLabelValues("from-endpoint", "rpf-fail"))
	assert.Equal(t, 1.0, after-before)
}
