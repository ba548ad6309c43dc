// Package metrics holds the control plane's Prometheus collectors.
//
// Collectors register with the default registry at init and are exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botfleet"

var (
	// ConnectedNodes is the number of agents with a live channel to this replica.
	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "connected_nodes",
		Help:      "Agents currently connected to this control plane replica.",
	})

	// CommandsTotal counts bus commands by type and outcome (success, failed, timeout, unreachable, closed).
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "commands_total",
		Help:      "Commands sent to agents by type and outcome.",
	}, []string{"command", "outcome"})

	// CommandDuration measures time from send to result.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "command_duration_seconds",
		Help:      "Time from sending a command to receiving its result.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"command"})

	HealthEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "events_total",
		Help:      "Health events received from agents by kind.",
	}, []string{"event"})

	NodeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nodes",
		Name:      "status_transitions_total",
		Help:      "Node status transitions by target status.",
	}, []string{"to"})

	// RestoresTotal counts restores by outcome (success, aborted, self_healed, critical).
	RestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "restores_total",
		Help:      "Restore attempts by outcome.",
	}, []string{"outcome"})

	RestoreDowntime = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "restore_downtime_seconds",
		Help:      "Tenant downtime during restores, from stop to running again or failure.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "backups_total",
		Help:      "Container backups by tier and outcome.",
	}, []string{"tier", "outcome"})

	VerifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "verified_total",
		Help:      "Stored backups checked by the verifier by result.",
	}, []string{"result"})

	// VerifyLastFailed is the failed count of the most recent verification run.
	VerifyLastFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "verify_last_failed",
		Help:      "Failed backups in the most recent verification run.",
	})

	RecoveryEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "events_total",
		Help:      "Recovery events started by trigger.",
	}, []string{"trigger"})

	RecoveryItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "items_resolved_total",
		Help:      "Recovery item resolutions by status.",
	}, []string{"status"})

	// RecoveryWaiting is the number of waiting items seen by the last recovery pass.
	RecoveryWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "waiting_items",
		Help:      "Recovery items still waiting for a target after the last pass.",
	})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
