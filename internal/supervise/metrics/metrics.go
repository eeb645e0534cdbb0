package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RestartsTotal counts scheduled child restarts by the exit kind that
	// preceded them.
	RestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_restarts_total",
			Help: "Total number of child process restarts",
		},
		[]string{"kind"},
	)

	// ExitsTotal counts classified child exits by kind and matched rule.
	ExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_exits_total",
			Help: "Total number of classified child process exits",
		},
		[]string{"kind", "rule"},
	)

	// RepairInvocationsTotal counts repair policy decisions by outcome.
	RepairInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_repair_invocations_total",
			Help: "Total number of repair policy decisions",
		},
		[]string{"outcome"},
	)

	// BreakerTripsTotal counts circuit breaker trips.
	BreakerTripsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
	)

	// NotificationsTotal counts alerts by severity, after dedup.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Total number of alerts sent after deduplication",
		},
		[]string{"severity"},
	)

	// CurrentState exposes the state machine position as a one-hot gauge.
	CurrentState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_state",
			Help: "Current supervisor state (1 for the active state)",
		},
		[]string{"state"},
	)

	// ChildUptimeSeconds is the current child's uptime, 0 when not running.
	ChildUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_child_uptime_seconds",
			Help: "Uptime of the supervised child process",
		},
	)

	// NextStartDelaySeconds is the most recently computed restart delay.
	NextStartDelaySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_next_start_delay_seconds",
			Help: "Delay before the next scheduled child start",
		},
	)
)
