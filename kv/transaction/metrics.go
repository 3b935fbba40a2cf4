package transaction

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "transaction",
			Name:      "commits_total",
			Help:      "Counter of commits by result.",
		}, []string{"result"})

	commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinygraph",
			Subsystem: "transaction",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of commit durations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"result"})

	secondaryFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinygraph",
			Subsystem: "transaction",
			Name:      "secondary_failures_total",
			Help:      "Counter of failed secondary persistence by target.",
		}, []string{"target"})
)

func init() {
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(commitDuration)
	prometheus.MustRegister(secondaryFailureCounter)
}
