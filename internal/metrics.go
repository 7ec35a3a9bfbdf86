package internal

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

var _metricsNamespace = "d43s"

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// _patternRE is used for stripping all `{...}` segments from the route
// pattern to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// instrument returns router middleware recording timing and status codes.
// The route context is only populated inside the router, so this must be
// mounted with Use rather than wrapped around the mux.
func instrument(reg *prometheus.Registry) func(http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	if reg != nil {
		reg.MustRegister(requests, inflight)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			inflight.Inc()
			defer inflight.Dec()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := normalizePattern(chi.RouteContext(r.Context()).RoutePattern())
			if path == "" {
				// Don't record traffic for unrecognized endpoints.
				return
			}

			duration := time.Since(start).Seconds()
			requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
		})
	}
}

// searchMetrics tracks per-request fan-out outcomes.
type searchMetrics struct {
	workers   *prometheus.CounterVec
	durations prometheus.Histogram
}

func newSearchMetrics(reg *prometheus.Registry) *searchMetrics {
	workers := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "search",
			Name:      "workers_total",
			Help:      "Worker outcomes by terminal reason.",
		},
		[]string{"reason"},
	)
	durations := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "End-to-end search latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2, 2.5, 3, 5},
		},
	)
	if reg != nil {
		reg.MustRegister(workers, durations)
	}
	return &searchMetrics{workers: workers, durations: durations}
}

func (sm *searchMetrics) workerDoneInc(reason string) {
	if reason == "" {
		reason = "ok"
	}
	sm.workers.WithLabelValues(reason).Inc()
}

func (sm *searchMetrics) durationObserve(d time.Duration) {
	sm.durations.Observe(d.Seconds())
}

// cacheMetrics tracks archive cache effectiveness.
type cacheMetrics struct {
	totals *prometheus.CounterVec
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for the archive cache.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func (cm *cacheMetrics) hitInc() {
	cm.totals.WithLabelValues("hits").Inc()
}

func (cm *cacheMetrics) missInc() {
	cm.totals.WithLabelValues("misses").Inc()
}

func (cm *cacheMetrics) hitsGet() int64 {
	m := &dto.Metric{}
	if err := cm.totals.WithLabelValues("hits").Write(m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) missesGet() int64 {
	m := &dto.Metric{}
	if err := cm.totals.WithLabelValues("misses").Write(m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// normalizePattern derives the constant label from the route pattern:
//
//	"/resource/{id}" → "/resource"
//	"/search"        → "/search"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
