package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vktunnel"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "cycles_total",
			Help:      "Supervise cycles that ended, by attributed cause.",
		}, []string{"cause"},
	)
	crashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Unsolicited exits and health-triggered restarts.",
		},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "spawn_failures_total",
			Help:      "Failed attempts to start the tunnel binary.",
		},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health probe outcomes (ok, unreachable, error).",
		}, []string{"result"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "termination",
			Name:      "escalations_total",
			Help:      "Termination escalation outcomes.",
		}, []string{"result"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Operator notifications by delivery result.",
		}, []string{"result"},
	)
	hostUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "host_updates_total",
			Help:      "Host configuration API calls by result.",
		}, []string{"result"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Control commands by name and result.",
		}, []string{"command", "result"},
	)
	historyDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "dropped_total",
			Help:      "History events dropped because the queue was full.",
		},
	)
	historyErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "sink_errors_total",
			Help:      "History sink delivery failures.",
		},
	)

	flags = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "state",
			Help:      "Supervisor flags (1 = active): running, stopped, blocked, waiting_for_auth.",
		}, []string{"flag"},
	)
	totalCrashes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "total_crashes",
			Help:      "Current value of the crash-loop counter.",
		},
	)
	uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "uptime_seconds",
			Help:      "Seconds since the current child was spawned, 0 when none is running.",
		},
	)
	healthFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "consecutive_health_failures",
			Help:      "Consecutive failed health probes in the current cycle.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		cycles, crashes, spawnFailures, healthChecks, escalations, notifications,
		hostUpdates, commands, historyDropped, historyErrors, flags, totalCrashes, uptime, healthFailures,
	}
	for _, c := range cs {
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

func IncCycle(cause string) {
	if regOK.Load() {
		cycles.WithLabelValues(cause).Inc()
	}
}

func IncCrash() {
	if regOK.Load() {
		crashes.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		spawnFailures.Inc()
	}
}

func IncHealthCheck(result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(result).Inc()
	}
}

func IncEscalation(result string) {
	if regOK.Load() {
		escalations.WithLabelValues(result).Inc()
	}
}

func IncNotification(ok bool) {
	if regOK.Load() {
		notifications.WithLabelValues(resultLabel(ok)).Inc()
	}
}

func IncHostUpdate(ok bool) {
	if regOK.Load() {
		hostUpdates.WithLabelValues(resultLabel(ok)).Inc()
	}
}

func IncCommand(command string, ok bool) {
	if regOK.Load() {
		commands.WithLabelValues(command, resultLabel(ok)).Inc()
	}
}

func IncHistoryDropped() {
	if regOK.Load() {
		historyDropped.Inc()
	}
}

func IncHistoryError() {
	if regOK.Load() {
		historyErrors.Inc()
	}
}

// State mirrors the supervisor flags and counters into gauges.
type State struct {
	Running        bool
	Stopped        bool
	Blocked        bool
	WaitingForAuth bool
	TotalCrashes   int
	HealthFailures int
	UptimeSeconds  int64
}

func SetState(s State) {
	if !regOK.Load() {
		return
	}
	flags.WithLabelValues("running").Set(boolValue(s.Running))
	flags.WithLabelValues("stopped").Set(boolValue(s.Stopped))
	flags.WithLabelValues("blocked").Set(boolValue(s.Blocked))
	flags.WithLabelValues("waiting_for_auth").Set(boolValue(s.WaitingForAuth))
	totalCrashes.Set(float64(s.TotalCrashes))
	healthFailures.Set(float64(s.HealthFailures))
	uptime.Set(float64(s.UptimeSeconds))
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
