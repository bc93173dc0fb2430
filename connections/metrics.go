package connections

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	slotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chunkledger",
		Name:      "peer_slots_in_use",
		Help:      "Connections currently holding a peer slot, across all managers.",
	})
	acceptedConns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chunkledger",
		Name:      "accepted_connections_total",
		Help:      "Connections accepted into peer slots.",
	})
)

func init() {
	prometheus.MustRegister(slotsInUse, acceptedConns)
}
