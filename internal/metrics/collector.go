// Package metrics exposes Prometheus instrumentation and a JSON snapshot of
// the validation engine's counters.
package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dev.helix.sentinel/internal/validation"
)

// Collector holds the engine's metrics. Prometheus series carry the
// per-label detail; a mutex-guarded snapshot backs the facade's Metrics()
// and the NDJSON export.
type Collector struct {
	ValidationDuration *prometheus.HistogramVec
	VerdictCount       *prometheus.CounterVec
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	PatternCount       prometheus.Gauge
	BreakerState       prometheus.Gauge
	AnomalyScore       prometheus.Histogram

	mu       sync.Mutex
	snapshot Snapshot
}

// Snapshot is the point-in-time counter view returned by the facade.
type Snapshot struct {
	TotalRequests   uint64                       `json:"total_requests"`
	Blocked         uint64                       `json:"blocked"`
	Errors          uint64                       `json:"errors"`
	ByMethod        map[validation.Method]uint64 `json:"by_method"`
	ByKind          map[validation.Kind]uint64   `json:"by_kind"`
	BlockedByMethod map[validation.Method]uint64 `json:"blocked_by_method"`
	Taken           time.Time                    `json:"taken"`
}

// NewCollector builds and registers the engine metrics on a fresh registry
// so repeated construction in tests does not collide.
func NewCollector() (*Collector, *prometheus.Registry) {
	c := &Collector{
		ValidationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_validation_duration_seconds",
				Help:    "Validation request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
			},
			[]string{"kind", "profile", "method"},
		),
		VerdictCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_verdicts_total",
				Help: "Verdicts by kind, method, and outcome",
			},
			[]string{"kind", "method", "secure"},
		),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cache_hits_total",
			Help: "Verdict cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cache_misses_total",
			Help: "Verdict cache misses",
		}),
		PatternCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_patterns",
			Help: "Detection patterns in the adaptive store",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_llm_breaker_open",
			Help: "1 when the LLM adjudicator circuit breaker is open",
		}),
		AnomalyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_anomaly_score",
			Help:    "Behavioral anomaly score distribution",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		snapshot: emptySnapshot(),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(c.ValidationDuration, c.VerdictCount, c.CacheHits,
		c.CacheMisses, c.PatternCount, c.BreakerState, c.AnomalyScore)
	return c, reg
}

func emptySnapshot() Snapshot {
	return Snapshot{
		ByMethod:        make(map[validation.Method]uint64),
		ByKind:          make(map[validation.Kind]uint64),
		BlockedByMethod: make(map[validation.Method]uint64),
	}
}

// Observe records one completed validation.
func (c *Collector) Observe(kind validation.Kind, profileName string, verdict validation.Verdict, elapsed time.Duration) {
	method := string(verdict.Method)
	secure := "true"
	if !verdict.IsSecure {
		secure = "false"
	}
	c.ValidationDuration.WithLabelValues(string(kind), profileName, method).Observe(elapsed.Seconds())
	c.VerdictCount.WithLabelValues(string(kind), method, secure).Inc()
	if verdict.AnomalyScore != nil {
		c.AnomalyScore.Observe(*verdict.AnomalyScore)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.TotalRequests++
	c.snapshot.ByMethod[verdict.Method]++
	c.snapshot.ByKind[kind]++
	if !verdict.IsSecure {
		c.snapshot.Blocked++
		c.snapshot.BlockedByMethod[verdict.Method]++
	}
	if verdict.Reason == validation.ReasonInternalError {
		c.snapshot.Errors++
	}
}

// Snapshot returns a copy of the counter view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.snapshot
	out.Taken = time.Now()
	out.ByMethod = make(map[validation.Method]uint64, len(c.snapshot.ByMethod))
	for k, v := range c.snapshot.ByMethod {
		out.ByMethod[k] = v
	}
	out.ByKind = make(map[validation.Kind]uint64, len(c.snapshot.ByKind))
	for k, v := range c.snapshot.ByKind {
		out.ByKind[k] = v
	}
	out.BlockedByMethod = make(map[validation.Method]uint64, len(c.snapshot.BlockedByMethod))
	for k, v := range c.snapshot.BlockedByMethod {
		out.BlockedByMethod[k] = v
	}
	return out
}

// RecentErrorRate is the fraction of requests that ended in internal errors.
func (c *Collector) RecentErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot.TotalRequests == 0 {
		return 0
	}
	return float64(c.snapshot.Errors) / float64(c.snapshot.TotalRequests)
}

// Export writes the snapshot as one JSON line, for NDJSON metric shipping.
func (c *Collector) Export(w io.Writer) error {
	return json.NewEncoder(w).Encode(c.Snapshot())
}

// Handler serves the Prometheus exposition format for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
