// Package metrics exposes Prometheus instrumentation for the lifecycle
// supervisor's domain: instances launched, live sessions, cleanup errors,
// and pipeline stage duration.
// Not exposed over HTTP by default — the `run` command only starts the
// promhttp handler when --metrics-addr is passed.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InstancesLaunchedTotal counts successful launch_instance calls.
	InstancesLaunchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campers_instances_launched_total",
		Help: "Total number of instances successfully launched.",
	})

	// LiveSessions reports how many supervisor Run calls are currently in
	// progress.
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campers_live_sessions",
		Help: "Number of supervisor sessions currently running.",
	})

	// CleanupErrorsTotal counts per-slot cleanup failures across all runs
	// (C8's "Cleanup completed with N errors").
	CleanupErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campers_cleanup_errors_total",
		Help: "Total number of per-slot cleanup errors across all runs.",
	})

	// PipelineStageDuration times each lifecycle pipeline stage.
	PipelineStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campers_pipeline_stage_duration_seconds",
		Help:    "Duration of each lifecycle pipeline stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(InstancesLaunchedTotal, LiveSessions, CleanupErrorsTotal, PipelineStageDuration)
}

// Handler returns the Prometheus HTTP handler. Only mounted when the CLI's
// --metrics-addr flag names a listen address.
func Handler() http.Handler { return promhttp.Handler() }

// Timer times one pipeline stage.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveStage records the elapsed time under stage's label.
func (t *Timer) ObserveStage(stage string) {
	PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(t.start).Seconds())
}
