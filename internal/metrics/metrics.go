// Package metrics provides Prometheus instrumentation for crewdock.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewdock_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crewdock_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Agent process metrics.
var (
	RunningAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crewdock_running_agents",
		Help: "Number of agent processes currently supervised.",
	})

	AgentStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewdock_agent_starts_total",
		Help: "Total number of successful agent process starts.",
	})

	AgentExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crewdock_agent_exits_total",
		Help: "Total number of agent process exits by outcome.",
	}, []string{"outcome"}) // finished | error
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crewdock_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewdock_ws_messages_total",
		Help: "Total number of WebSocket messages sent.",
	})

	WSMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crewdock_ws_messages_dropped_total",
		Help: "Total number of WebSocket messages dropped due to slow clients.",
	})
)
