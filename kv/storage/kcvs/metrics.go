package kcvs

import "github.com/prometheus/client_golang/prometheus"

var (
	lockCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "kcvs",
			Name:      "locks_total",
			Help:      "Counter of lock acquisitions.",
		}, []string{"result"})

	mutationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "kcvs",
			Name:      "mutations_total",
			Help:      "Counter of mutated entries.",
		}, []string{"store", "type"})
)

func init() {
	prometheus.MustRegister(lockCounter)
	prometheus.MustRegister(mutationCounter)
}
