package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "rt",
		Name:      "connections_admitted_total",
		Help:      "Websocket connections admitted after credential validation.",
	})

	connectionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "rt",
		Name:      "connections_evicted_total",
		Help:      "Connections displaced by a newer admission, by scope (user/ip).",
	}, []string{"scope"})

	handshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "rt",
		Name:      "handshake_failures_total",
		Help:      "Websocket handshakes rejected before admission, by reason.",
	}, []string{"reason"})

	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Subsystem: "rt",
		Name:      "connections_open",
		Help:      "Currently admitted websocket connections on this instance.",
	})
)
