package access

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gymcore",
			Name:      "access_decisions_total",
			Help:      "Access decisions by method and reason.",
		},
		[]string{"method", "reason"},
	)

	notificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gymcore",
			Name:      "access_notifications_dropped_total",
			Help:      "Decision notifications dropped because the queue was full.",
		},
	)

	notificationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gymcore",
			Name:      "access_notifications_failed_total",
			Help:      "Decision notifications that could not be published.",
		},
	)
)

func init() {
	prometheus.MustRegister(decisionsTotal, notificationsDropped, notificationsFailed)
}
