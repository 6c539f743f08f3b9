package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redeployr"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"worker"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "crash_restarts_total",
			Help:      "Number of respawns after an unexpected exit.",
		}, []string{"worker"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of deliberate stops (graceful or kill).",
		}, []string{"worker"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of worker state transitions.",
		}, []string{"worker", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current worker state (1 = active state, 0 = inactive).",
		}, []string{"worker", "state"},
	)

	restartCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restart_cycles_total",
			Help:      "Number of completed restart-all cycles.",
		},
	)
	restartCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restart_cycle_duration_seconds",
			Help:      "Wall time of restart-all cycles.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	deployAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "attempts_total",
			Help:      "Deploy attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"},
	)
	deployStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pull and build stages.",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"},
	)

	proxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Requests answered with 502 because the worker was unreachable.",
		}, []string{"worker"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerRestarts, workerStops, stateTransitions, currentStates,
		restartCycles, restartCycleDuration, deployAttempts, deployStageDuration, proxyErrors,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// Already registered with this registerer (e.g. the default one); keep the existing.
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(worker string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(worker).Inc()
	}
}

func IncRestart(worker string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(worker).Inc()
	}
}

func IncStop(worker string) {
	if regOK.Load() {
		workerStops.WithLabelValues(worker).Inc()
	}
}

// RecordStateTransition counts the transition and flips the current_state gauge.
func RecordStateTransition(worker, from, to string) {
	if !regOK.Load() || from == to {
		return
	}
	stateTransitions.WithLabelValues(worker, from, to).Inc()
	if from != "" {
		currentStates.WithLabelValues(worker, from).Set(0)
	}
	currentStates.WithLabelValues(worker, to).Set(1)
}

func ObserveRestartCycle(seconds float64) {
	if regOK.Load() {
		restartCycles.Inc()
		restartCycleDuration.Observe(seconds)
	}
}

func IncDeployAttempt(trigger, outcome string) {
	if regOK.Load() {
		deployAttempts.WithLabelValues(trigger, outcome).Inc()
	}
}

func ObserveStage(stage string, seconds float64) {
	if regOK.Load() {
		deployStageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func IncProxyError(worker string) {
	if regOK.Load() {
		proxyErrors.WithLabelValues(worker).Inc()
	}
}
