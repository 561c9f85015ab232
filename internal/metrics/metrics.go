package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailvisor",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of successful child spawns.",
		}, []string{"name"},
	)
	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailvisor",
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of observed child exits.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailvisor",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of autostart restarts.",
		}, []string{"name"},
	)
	processCrashLoops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailvisor",
			Subsystem: "process",
			Name:      "crashloop_total",
			Help:      "Number of times the crash-loop guard suppressed a restart.",
		}, []string{"name"},
	)
	processKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailvisor",
			Subsystem: "process",
			Name:      "kills_total",
			Help:      "Number of kill requests delivered to a running child.",
		}, []string{"name"},
	)
	processRunSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tailvisor",
			Subsystem: "process",
			Name:      "run_seconds",
			Help:      "How long a child ran before exiting.",
			Buckets:   []float64{1, 5, 30, 60, 300, 1800, 3600, 21600, 86400},
		}, []string{"name"},
	)
	registryProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tailvisor",
			Name:      "registry_processes",
			Help:      "Number of records in the process registry.",
		},
	)
	tailSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tailvisor",
			Name:      "tail_subscribers",
			Help:      "Number of connected live tail clients.",
		},
	)
	snapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tailvisor",
			Name:      "snapshot_failures_total",
			Help:      "Number of failed snapshot writes.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processSpawns, processExits, processRestarts, processCrashLoops, processKills, processRunSeconds, registryProcesses, tailSubscribers, snapshotFailures}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered is fine (double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(name string) {
	if regOK.Load() {
		processSpawns.WithLabelValues(name).Inc()
	}
}
func IncExit(name string) {
	if regOK.Load() {
		processExits.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}
func IncCrashLoop(name string) {
	if regOK.Load() {
		processCrashLoops.WithLabelValues(name).Inc()
	}
}
func IncKill(name string) {
	if regOK.Load() {
		processKills.WithLabelValues(name).Inc()
	}
}

// ObserveRun records the lifetime of one child run.
func ObserveRun(name string, d time.Duration) {
	if regOK.Load() {
		processRunSeconds.WithLabelValues(name).Observe(d.Seconds())
	}
}

func SetRegistryProcesses(n int) {
	if regOK.Load() {
		registryProcesses.Set(float64(n))
	}
}

func AddTailSubscribers(delta int) {
	if regOK.Load() {
		tailSubscribers.Add(float64(delta))
	}
}

func IncSnapshotFailure() {
	if regOK.Load() {
		snapshotFailures.Inc()
	}
}
