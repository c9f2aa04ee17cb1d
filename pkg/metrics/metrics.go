// Package metrics declares the Prometheus collectors shared by the
// capture pipeline and the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillcam_cycles_total",
		Help: "Sampling cycles, by result (measured, seeded, skipped)",
	}, []string{"result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stillcam_cycle_duration_seconds",
		Help:    "Time spent sampling and comparing one frame",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	ChangeMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stillcam_change_metric_pixels",
		Help: "Changed pixel count from the most recent comparison",
	})

	GateState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stillcam_gate_state",
		Help: "Capture gate state (0 idle, 1 motion active, 2 settling)",
	})

	GateEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillcam_gate_events_total",
		Help: "Capture gate events, by event",
	}, []string{"event"})

	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillcam_captures_total",
		Help: "Captures taken, by result (delivered, failed)",
	}, []string{"result"})

	SinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillcam_sink_failures_total",
		Help: "Capture deliveries that failed, by sink",
	}, []string{"sink"})

	RelayViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stillcam_relay_viewers",
		Help: "Connected relay viewers",
	})

	RelayAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stillcam_relay_agents",
		Help: "Connected capture agents",
	})

	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stillcam_relay_messages_total",
		Help: "Relay messages, by direction and type",
	}, []string{"direction", "type"})
)
