// Package metrics registers the gateway's Prometheus collectors and
// exposes the recorder methods the pipeline calls per request. A nil
// *Metrics is a valid no-op recorder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requests       *prometheus.CounterVec
	requestLatency prometheus.Histogram

	cacheLookups       prometheus.Counter
	cacheHits          prometheus.Counter
	cacheLookupLatency prometheus.Histogram
	cacheBestScore     prometheus.Histogram

	tokens       *prometheus.CounterVec
	upstreamCost prometheus.Counter
	costSaved    prometheus.Counter
	tokensSaved  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_proxy_requests_total",
			Help: "Proxy requests by terminal status.",
		}, []string{"status"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tg_proxy_request_duration_seconds",
			Help:    "Proxy request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tg_cache_lookups_total",
			Help: "Answered semantic cache lookups.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tg_cache_hits_total",
			Help: "Semantic cache hits.",
		}),
		cacheLookupLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tg_cache_lookup_duration_seconds",
			Help:    "Semantic cache lookup latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheBestScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tg_cache_best_similarity_score",
			Help:    "Best similarity score per lookup.",
			Buckets: []float64{0, 0.2, 0.4, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tg_tokens_processed_total",
			Help: "Estimated tokens processed by direction.",
		}, []string{"direction"}),
		upstreamCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tg_upstream_cost_dollars_total",
			Help: "Estimated dollars spent on upstream completions.",
		}),
		costSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tg_cache_cost_saved_dollars_total",
			Help: "Estimated dollars saved by serving from cache.",
		}),
		tokensSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tg_cache_tokens_saved_total",
			Help: "Estimated tokens the upstream did not have to produce.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.requestLatency,
		m.cacheLookups,
		m.cacheHits,
		m.cacheLookupLatency,
		m.cacheBestScore,
		m.tokens,
		m.upstreamCost,
		m.costSaved,
		m.tokensSaved,
	)

	return m
}

// ObserveRequest records one finished proxy request.
func (m *Metrics) ObserveRequest(status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	m.requestLatency.Observe(seconds)
}

// ObserveTokens records token throughput and dollar cost for one completed
// request. costSavedUSD is nonzero only for cache hits, in which case the
// combined token count is also recorded as saved.
func (m *Metrics) ObserveTokens(inputTokens, outputTokens int, costUSD, costSavedUSD float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(inputTokens))
	m.tokens.WithLabelValues("output").Add(float64(outputTokens))
	if costUSD > 0 {
		m.upstreamCost.Add(costUSD)
	}
	if costSavedUSD > 0 {
		m.costSaved.Add(costSavedUSD)
		m.tokensSaved.Add(float64(inputTokens + outputTokens))
	}
}

// ObserveLookup records one answered semantic cache lookup.
func (m *Metrics) ObserveLookup(hit bool, bestSimilarity, seconds float64) {
	if m == nil {
		return
	}
	m.cacheLookups.Inc()
	if hit {
		m.cacheHits.Inc()
	}
	m.cacheLookupLatency.Observe(seconds)
	m.cacheBestScore.Observe(bestSimilarity)
}
