// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_sync"

var (
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Open websocket connections per hub shard.",
	}, []string{"shard"})

	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_relayed_total",
		Help:      "Chat messages fanned out to a room, by origin (local or remote).",
	}, []string{"origin"})

	MessagesRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_rate_limited_total",
		Help:      "Inbound frames dropped by the per-connection rate limiter.",
	})

	SlowConsumersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slow_consumers_evicted_total",
		Help:      "Connections closed because their send buffer was full.",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Messages that could not be written to the history store.",
	})

	HistoryRowsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_rows_pruned_total",
		Help:      "History rows deleted by the retention task.",
	})
)
