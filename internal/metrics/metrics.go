package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatvisor",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Dispatch attempts by outcome (ok, busy, not_ready, unmanaged).",
		}, []string{"outcome"},
	)
	readinessWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatvisor",
			Subsystem: "dispatch",
			Name:      "readiness_wait_seconds",
			Help:      "Time spent waiting for a worker status record.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 25},
		}, []string{"mode", "found"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatvisor",
			Subsystem: "worker",
			Name:      "launches_total",
			Help:      "Worker launch attempts by mode and result.",
		}, []string{"mode", "result"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatvisor",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Worker exits by kind (clean, crashed, killed).",
		}, []string{"kind"},
	)
	trackedRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatvisor",
			Subsystem: "health",
			Name:      "tracked_runs",
			Help:      "Runs currently under health watch.",
		},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatvisor",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "Worker CPU usage in percent.",
		}, []string{"run"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatvisor",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Worker resident memory in bytes.",
		}, []string{"run"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{dispatches, readinessWait, launches, exits, trackedRuns, workerCPU, workerRSS}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDispatch(outcome string) {
	if regOK.Load() {
		dispatches.WithLabelValues(outcome).Inc()
	}
}

func ObserveReadinessWait(mode string, found bool, seconds float64) {
	if regOK.Load() {
		f := "false"
		if found {
			f = "true"
		}
		readinessWait.WithLabelValues(mode, f).Observe(seconds)
	}
}

func IncLaunch(mode string, ok bool) {
	if regOK.Load() {
		result := "failed"
		if ok {
			result = "ok"
		}
		launches.WithLabelValues(mode, result).Inc()
	}
}

func IncExit(kind string) {
	if regOK.Load() {
		exits.WithLabelValues(kind).Inc()
	}
}

func SetTrackedRuns(n int) {
	if regOK.Load() {
		trackedRuns.Set(float64(n))
	}
}

func SetWorkerResources(runID string, cpuPercent float64, rssBytes uint64) {
	if regOK.Load() {
		workerCPU.WithLabelValues(runID).Set(cpuPercent)
		workerRSS.WithLabelValues(runID).Set(float64(rssBytes))
	}
}

// ForgetWorker drops the per-run series of a run that is no longer watched.
func ForgetWorker(runID string) {
	if regOK.Load() {
		workerCPU.DeleteLabelValues(runID)
		workerRSS.DeleteLabelValues(runID)
	}
}
