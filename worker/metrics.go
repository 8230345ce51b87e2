package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch sources
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceMiss    = "miss"
)

// Metrics holds the Prometheus metrics of a worker
type Metrics struct {
	Fetches      *prometheus.CounterVec
	Writes       *prometheus.CounterVec
	Lifecycle    *prometheus.CounterVec
	StaleDeleted prometheus.Counter
}

// NewMetrics creates the worker metrics and registers them with reg.
// With a nil registerer the metrics are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Fetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_fetch_total",
				Help: "Total number of intercepted requests by response source",
			},
			[]string{"source"},
		),
		Writes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_writes_total",
				Help: "Total number of background cache writes",
			},
			[]string{"result"},
		),
		Lifecycle: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline_cache_lifecycle_total",
				Help: "Total number of lifecycle events handled",
			},
			[]string{"event", "result"},
		),
		StaleDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "offline_cache_stale_deleted_total",
				Help: "Total number of stale caches deleted on activation",
			},
		),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
