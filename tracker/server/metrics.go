package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chunkledger",
		Subsystem: "tracker",
		Name:      "requests_total",
		Help:      "Tracker requests handled, by command and reply.",
	}, []string{"command", "reply"})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chunkledger",
		Subsystem: "tracker",
		Name:      "request_duration_seconds",
		Help:      "Time from reading a request to finishing its reply.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}
