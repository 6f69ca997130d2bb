package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnelwatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful cloudflared starts.",
		},
	)
	processStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "start_failures_total",
			Help:      "Number of starts that failed to spawn or exited during the grace window.",
		},
	)
	processRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restart attempts after a crash or failed start.",
		},
	)
	processExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "exits_total",
			Help:      "Number of observed child exits (crash or terminate).",
		},
	)
	urlChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "url_changes_total",
			Help:      "Number of distinct tunnel URLs detected.",
		},
	)
	stallWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "stall_warnings_total",
			Help:      "Number of times no URL was detected within the stall timeout.",
		},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification outcomes per delivery (success, terminal, exhausted, unexpected, canceled).",
		}, []string{"outcome"},
	)
	notifyAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "HTTP attempts made against the notification provider by response class.",
		}, []string{"class"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Number of state transitions per component.",
		}, []string{"component", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_state",
			Help:      "Current state per component (1 = active state, 0 = inactive).",
		}, []string{"component", "state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processStartFailures, processRestarts, processExits,
		urlChanges, stallWarnings, notifications, notifyAttempts,
		stateTransitions, currentStates,
		childCPUPercent, childMemoryBytes, childNumThreads, childNumFDs,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

func IncStart() {
	if regOK.Load() {
		processStarts.Inc()
	}
}

func IncStartFailure() {
	if regOK.Load() {
		processStartFailures.Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		processRestarts.Inc()
	}
}

func IncExit() {
	if regOK.Load() {
		processExits.Inc()
	}
}

func IncURLChange() {
	if regOK.Load() {
		urlChanges.Inc()
	}
}

func IncStall() {
	if regOK.Load() {
		stallWarnings.Inc()
	}
}

func IncNotification(outcome string) {
	if regOK.Load() {
		notifications.WithLabelValues(outcome).Inc()
	}
}

func IncNotifyAttempt(class string) {
	if regOK.Load() {
		notifyAttempts.WithLabelValues(class).Inc()
	}
}

func RecordStateTransition(component, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(component, from, to).Inc()
	}
}

func SetCurrentState(component, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(component, state).Set(value)
	}
}
