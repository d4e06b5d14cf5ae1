// Package metrics defines the Prometheus instrumentation. Collectors
// register on the default registry at init and are served by the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket surface.

	WSConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabd_ws_connections_total",
		Help: "WebSocket connections accepted since start",
	})

	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabd_ws_connections_active",
		Help: "Currently open WebSocket connections",
	})

	WSFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabd_ws_frames_sent_total",
		Help: "Server-to-client WebSocket frames sent",
	})

	CatchupOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabd_catchup_overflows_total",
		Help: "Catch-up requests whose gap exceeded the replay cap",
	})

	// Hub fan-out.

	HubsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabd_hubs_active",
		Help: "Boards with a running hub",
	})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collabd_hub_subscribers",
		Help: "Live hub subscribers across all boards",
	})

	HubLaggedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabd_hub_lagged_subscribers_total",
		Help: "Subscribers dropped for falling behind the feed",
	})

	// Store writes.

	WritesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabd_writes_applied_total",
		Help: "Object writes committed, by operation",
	}, []string{"op"})

	// Presence.

	PresenceWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabd_presence_writes_total",
		Help: "Presence updates written to the store",
	})

	PresenceCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collabd_presence_coalesced_total",
		Help: "Presence updates absorbed by the per-user throttle",
	})

	// Agent loop.

	AgentCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabd_agent_commands_total",
		Help: "Board-agent invocations, by outcome",
	}, []string{"outcome"})

	AgentTurns = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collabd_agent_turns_per_command",
		Help:    "LLM turns taken per agent command",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
	})

	AgentToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabd_agent_tool_calls_total",
		Help: "Tool calls issued by the model, by tool and outcome",
	}, []string{"tool", "outcome"})

	// LLM transport.

	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collabd_llm_request_seconds",
		Help:    "Anthropic API request latency",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collabd_llm_tokens_total",
		Help: "Tokens consumed by LLM calls, by direction",
	}, []string{"direction"})
)
