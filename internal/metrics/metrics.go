// Package metrics exposes this proxy's own domain metrics over Prometheus: pool/checkout/
// ban gauges, router decisions, AST-cache outcomes, coordinator merges, the
// prepared-statement cache size, and mirror stats (§4.12's "Stats exposed" list).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this module exposes, grouped by the component that owns
// it (pool, router, coordinator, prepared-statement cache, mirror).
type Registry struct {
	registry *prometheus.Registry

	// Pool (C4)
	PoolCheckouts      *prometheus.CounterVec
	PoolCheckoutErrors *prometheus.CounterVec
	PoolCheckoutWaitMs *prometheus.HistogramVec
	PoolIdle           *prometheus.GaugeVec
	PoolCheckedOut     *prometheus.GaugeVec
	PoolBans           *prometheus.CounterVec

	// Router (C7/C8)
	RouterDecisions *prometheus.CounterVec
	ParseCacheHits  *prometheus.CounterVec

	// Coordinator (C9)
	CoordinatorMergeDuration *prometheus.HistogramVec
	CoordinatorShardFanout   prometheus.Histogram

	// Prepared statements (C10)
	PreparedStatementsTotal prometheus.Gauge

	// Mirror (C12)
	MirrorRequestsTotal   prometheus.Counter
	MirrorRequestsMirror  prometheus.Counter
	MirrorRequestsDropped prometheus.Counter
	MirrorErrors          *prometheus.CounterVec
	MirrorConsecutiveErr  prometheus.Gauge
	MirrorLatencyMs       prometheus.Histogram
	MirrorPerDatabase     *prometheus.CounterVec
}

// New builds a fresh registry with the Go and process collectors, then creates and
// registers every metric above.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{registry: reg}

	r.PoolCheckouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgdog_pool_checkouts_total", Help: "Successful pool checkouts.",
	}, []string{"pool"})
	r.PoolCheckoutErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgdog_pool_checkout_errors_total", Help: "Failed pool checkouts by reason.",
	}, []string{"pool", "reason"})
	r.PoolCheckoutWaitMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "pgdog_pool_checkout_wait_ms", Help: "Time spent waiting for a checkout.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"pool"})
	r.PoolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgdog_pool_idle", Help: "Idle connections currently in the pool.",
	}, []string{"pool"})
	r.PoolCheckedOut = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgdog_pool_checked_out", Help: "Connections currently checked out.",
	}, []string{"pool"})
	r.PoolBans = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgdog_pool_bans_total", Help: "Times this pool has been banned, by reason.",
	}, []string{"pool", "reason"})

	r.RouterDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgdog_router_decisions_total", Help: "Routing decisions by shard-decision shape.",
	}, []string{"shape"})
	r.ParseCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgdog_parse_cache_total", Help: "AST cache hit/miss/evict counts.",
	}, []string{"outcome"})

	r.CoordinatorMergeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "pgdog_coordinator_merge_duration_ms", Help: "Time to merge replies across shards.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"shape"})
	r.CoordinatorShardFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "pgdog_coordinator_shard_fanout", Help: "Number of shards a request fanned out to.",
		Buckets: prometheus.LinearBuckets(1, 1, 16),
	})

	r.PreparedStatementsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pgdog_prepared_statements_total", Help: "Entries in the global prepared-statement cache.",
	})

	r.MirrorRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgdog_mirror_requests_total", Help: "Client requests observed by the mirror.",
	})
	r.MirrorRequestsMirror = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgdog_mirror_requests_mirrored_total", Help: "Client requests actually replayed to the mirror.",
	})
	r.MirrorRequestsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pgdog_mirror_requests_dropped_total", Help: "Mirrored requests dropped due to a full queue.",
	})
	r.MirrorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgdog_mirror_errors_total", Help: "Mirror worker errors by class.",
	}, []string{"class"})
	r.MirrorConsecutiveErr = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pgdog_mirror_consecutive_errors", Help: "Current consecutive mirror worker error streak.",
	})
	r.MirrorLatencyMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "pgdog_mirror_latency_ms", Help: "Mirror replay latency.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	r.MirrorPerDatabase = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pgdog_mirror_per_database_total", Help: "Mirrored/errored counts per destination database.",
	}, []string{"database", "outcome"})

	reg.MustRegister(
		r.PoolCheckouts, r.PoolCheckoutErrors, r.PoolCheckoutWaitMs, r.PoolIdle, r.PoolCheckedOut, r.PoolBans,
		r.RouterDecisions, r.ParseCacheHits,
		r.CoordinatorMergeDuration, r.CoordinatorShardFanout,
		r.PreparedStatementsTotal,
		r.MirrorRequestsTotal, r.MirrorRequestsMirror, r.MirrorRequestsDropped,
		r.MirrorErrors, r.MirrorConsecutiveErr, r.MirrorLatencyMs, r.MirrorPerDatabase,
	)

	return r
}

// Handler exposes the registry over HTTP for Prometheus scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
