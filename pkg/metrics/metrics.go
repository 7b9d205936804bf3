// Package metrics exposes the bridge's Prometheus instrumentation. All
// collectors live in the default registry; the gateway serves them on
// /metrics via promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the relay and command counters.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeSkipped    = "skipped"
	OutcomeDispatched = "dispatched"
	OutcomeDropped    = "dropped"
	OutcomeDuplicate  = "duplicate"
	OutcomeExecuted   = "executed"
	OutcomeDenied     = "denied"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

var (
	pollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonewatch_poll_cycles_total",
			Help: "Total poll cycles by result (ok, error, skipped).",
		},
		[]string{"result"},
	)
	pollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zonewatch_poll_duration_seconds",
			Help:    "Duration of completed poll cycles.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	pollFailureStreak = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zonewatch_poll_consecutive_failures",
			Help: "Length of the current consecutive poll failure streak.",
		},
	)
	relayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonewatch_relay_events_total",
			Help: "Monitoring events handled by the relay, by outcome (dispatched, dropped, duplicate).",
		},
		[]string{"outcome"},
	)
	notifySends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonewatch_notify_send_total",
			Help: "Notification send attempts by transport and status.",
		},
		[]string{"transport", "status"},
	)
	notifyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zonewatch_notify_send_duration_seconds",
			Help:    "Duration of notification sends, including rate-limit waits.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"transport"},
	)
	commandsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zonewatch_commands_total",
			Help: "Chat commands handled, by verb and outcome (executed, denied, rejected, failed).",
		},
		[]string{"verb", "outcome"},
	)
	watermarkAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zonewatch_watermark_age_seconds",
			Help: "Seconds between now and the durable watermark's event time.",
		},
	)
	transportUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zonewatch_transport_connected",
			Help: "Whether a chat transport is currently connected (1) or not (0).",
		},
		[]string{"transport"},
	)
)

func PollCompleted(result string, d time.Duration) {
	pollCycles.WithLabelValues(result).Inc()
	if result != OutcomeSkipped {
		pollDuration.Observe(d.Seconds())
	}
}

func SetPollFailureStreak(n int) {
	pollFailureStreak.Set(float64(n))
}

func RelayOutcome(outcome string) {
	relayEvents.WithLabelValues(outcome).Inc()
}

func NotifySend(transport, status string, d time.Duration) {
	notifySends.WithLabelValues(transport, status).Inc()
	notifyDuration.WithLabelValues(transport).Observe(d.Seconds())
}

func CommandHandled(verb, outcome string) {
	commandsHandled.WithLabelValues(verb, outcome).Inc()
}

func SetWatermarkAge(age time.Duration) {
	watermarkAge.Set(age.Seconds())
}

func SetTransportConnected(transport string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	transportUp.WithLabelValues(transport).Set(v)
}
