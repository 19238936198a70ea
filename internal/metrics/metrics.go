// Package metrics owns the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_messages_appended_total",
			Help: "Messages durably appended, by sender side.",
		},
		[]string{"from"},
	)
	ThreadsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_threads_created_total",
			Help: "Thread create calls by outcome (created, existing).",
		},
		[]string{"outcome"},
	)
	HandleCollisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_handle_collisions_total",
			Help: "Handle candidates rejected because they were already issued.",
		},
	)
	HandleExhaustions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_handle_exhaustions_total",
			Help: "Issuances that hit the attempt ceiling.",
		},
	)
	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_store_retries_total",
			Help: "Store calls retried after an Unavailable error, by operation.",
		},
		[]string{"op"},
	)
	NotifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_notify_failures_total",
			Help: "Thread change notifications that could not be published.",
		},
	)
	ModeratorAccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_moderator_accesses_total",
			Help: "Uses of the moderator capability, by action.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesAppended,
		ThreadsCreated,
		HandleCollisions,
		HandleExhaustions,
		StoreRetries,
		NotifyFailures,
		ModeratorAccesses,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
