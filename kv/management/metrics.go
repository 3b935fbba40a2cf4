package management

import "github.com/prometheus/client_golang/prometheus"

var (
	evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "management",
			Name:      "evictions_total",
			Help:      "Counter of schema cache evictions by event.",
		}, []string{"event"})

	ackTimeoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "management",
			Name:      "ack_timeouts_total",
			Help:      "Counter of acknowledgments sent before the open transactions closed.",
		})
)

func init() {
	prometheus.MustRegister(evictionCounter)
	prometheus.MustRegister(ackTimeoutCounter)
}
