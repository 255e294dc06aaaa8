// Defines the Prometheus metrics of the Sync Server.

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tablesync_connections",
		Help: "Current number of open WebSocket connections",
	})

	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_mutations_total",
		Help: "Field updates processed, by result",
	}, []string{"result"})

	mutationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tablesync_mutation_duration_seconds",
		Help:    "Time to persist and publish one field update",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	busMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tablesync_bus_messages_total",
		Help: "Broadcast bus messages, by direction",
	}, []string{"direction"})

	publishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_bus_publish_failures_total",
		Help: "Confirmations that could not be published",
	})

	droppedConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_slow_connections_closed_total",
		Help: "Connections closed because their outbound queue overflowed",
	})

	refusedConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_refused_connections_total",
		Help: "Upgrades refused because the connection limit was reached",
	})

	protocolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tablesync_protocol_errors_total",
		Help: "Inbound frames rejected with ERROR",
	})
)
