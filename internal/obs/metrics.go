package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ambient process-wide metrics. These are distinct from a CanaryRouter's
// own per-version VersionMetrics ring buffer (internal/canary) — those
// drive autopilot decisions, these are for operators watching /metrics.
var (
	PipelinesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipelines_stored_total",
		Help: "Total number of distinct pipeline images stored",
	})
	ReloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reloads_total",
		Help: "Total number of reload attempts by outcome",
	}, []string{"outcome"})
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "executions_total",
		Help: "Total number of execute/run/resume invocations by outcome",
	}, []string{"outcome"})
	ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "execution_duration_seconds",
		Help:    "Histogram of execution facade invocation durations",
		Buckets: prometheus.DefBuckets,
	})
	SuspendedExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "suspended_executions",
		Help: "Current number of suspension records held by the suspension store",
	})
	CanaryState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canary_state",
		Help: "0 Observing, 1 Complete, 2 RolledBack, keyed by pipeline name",
	}, []string{"name"})
	LoaderScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loader_scan_duration_seconds",
		Help:    "Histogram of bulk loader directory scan durations",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		PipelinesStored, ReloadsTotal, ExecutionsTotal, ExecutionDuration,
		SuspendedExecutions, CanaryState, LoaderScanDuration,
	)
}

// StartMetricsServer exposes /metrics on the configured port and returns
// the server for controlled shutdown.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
