// Package metrics exposes Prometheus metrics for provisioning, data access
// and connection pools.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tabula-backend/internal/keys"
)

const namespace = "tabula"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ProvisionTotal    *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	RowsInserted      prometheus.Counter
	RequestTotal      *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RateLimited       prometheus.Counter
}

// New registers the collectors on a new registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ProvisionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Provisioning calls by outcome.",
		}, []string{"outcome"}),
		ProvisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Provisioning call duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		RowsInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows inserted by provisioning.",
		}),
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Data requests rejected by the per-key rate limiter.",
		}),
	}
}

// ObserveProvision records one provisioning outcome.
func (m *Metrics) ObserveProvision(outcome string, rows int64, elapsed time.Duration) {
	m.ProvisionTotal.WithLabelValues(outcome).Inc()
	m.ProvisionDuration.Observe(elapsed.Seconds())
	if rows > 0 {
		m.RowsInserted.Add(float64(rows))
	}
}

// ObserveRequest records one HTTP request. route is the matched route
// pattern, never the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.RequestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RegisterPools exports the number of open tenant pools.
func (m *Metrics) RegisterPools(open func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_pools",
		Help:      "Open tenant connection pools.",
	}, func() float64 { return float64(open()) }))
}

// RegisterResolver exports the key resolver counters.
func (m *Metrics) RegisterResolver(stats func() keys.Stats) {
	counter := func(name, help string, get func(keys.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keys",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(stats())) })
	}
	m.registry.MustRegister(
		counter("cache_hits_total", "Keys resolved from the cache.", func(s keys.Stats) uint64 { return s.CacheHits }),
		counter("directory_hits_total", "Keys resolved from the directory.", func(s keys.Stats) uint64 { return s.DirectoryHits }),
		counter("legacy_hits_total", "Keys resolved by scanning tenant registries.", func(s keys.Stats) uint64 { return s.LegacyHits }),
		counter("misses_total", "Keys that resolved to nothing.", func(s keys.Stats) uint64 { return s.Misses }),
		counter("probes_total", "Tenant databases probed by legacy scans.", func(s keys.Stats) uint64 { return s.Probes }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

