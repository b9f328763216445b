package command

import "github.com/prometheus/client_golang/prometheus"

// Command outcomes recorded in commandsTotal.
const (
	outcomeAcked     = "acked"
	outcomeRejected  = "rejected"
	outcomeTimeout   = "timeout"
	outcomeTransport = "transport_error"
	outcomeSent      = "sent"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gymcore",
			Name:      "device_commands_total",
			Help:      "Device commands by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	ackLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gymcore",
			Name:      "device_command_ack_seconds",
			Help:      "Time from publish to matching ACK.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gymcore",
			Name:      "device_commands_pending",
			Help:      "Commands currently waiting for an ACK.",
		},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal, ackLatency, pendingGauge)
}
