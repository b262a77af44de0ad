package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRequestCountsByStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRequest("key_pass", 0.02)
	m.ObserveRequest("key_pass", 0.01)
	m.ObserveRequest("key_error", 0.001)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requests.WithLabelValues("key_pass")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues("key_error")))
}

func TestObserveTokensAccumulatesCostAndSavings(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTokens(100, 50, 0.0002, 0)
	m.ObserveTokens(100, 50, 0, 0.0002)

	assert.Equal(t, float64(200), testutil.ToFloat64(m.tokens.WithLabelValues("input")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.tokens.WithLabelValues("output")))
	assert.InDelta(t, 0.0002, testutil.ToFloat64(m.upstreamCost), 1e-12)
	assert.InDelta(t, 0.0002, testutil.ToFloat64(m.costSaved), 1e-12)
	assert.Equal(t, float64(150), testutil.ToFloat64(m.tokensSaved))
}

func TestObserveLookupCountsHits(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveLookup(true, 0.97, 0.001)
	m.ObserveLookup(false, 0.3, 0.002)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheLookups))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheHits))
}

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("key_pass", 0.01)
	m.ObserveTokens(1, 1, 0, 0)
	m.ObserveLookup(true, 1, 0)
}
