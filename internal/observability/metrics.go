package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's Prometheus metrics: tool-loop rounds,
// tool-call latency, terminal activity, LLM request performance, and
// WebSocket client counts. All metrics register with the default registry
// and are served from the /metrics endpoint.
type Metrics struct {
	// ToolLoopRounds counts completed tool-loop rounds per turn outcome.
	// Labels: outcome (done|ceiling|cancelled|error)
	ToolLoopRounds *prometheus.CounterVec

	// ToolCallDuration measures one tool dispatch in seconds.
	// Labels: tool_name
	ToolCallDuration *prometheus.HistogramVec

	// ToolCallCounter counts tool dispatches.
	// Labels: tool_name, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, kind (round|stream)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// TerminalCommands counts run_command dispatches.
	// Labels: outcome (ok|denied|blocked|timeout|error)
	TerminalCommands *prometheus.CounterVec

	// TerminalSessions gauges currently live PTY sessions.
	TerminalSessions prometheus.Gauge

	// ConnectedClients gauges currently connected WebSocket clients.
	ConnectedClients prometheus.Gauge

	// ToolServerTools gauges registered tools per server.
	// Labels: server
	ToolServerTools *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine's metrics. Call once at
// process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolLoopRounds: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_tool_loop_rounds_total",
				Help: "Tool-loop rounds executed, by turn outcome",
			},
			[]string{"outcome"},
		),
		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_tool_call_duration_seconds",
				Help:    "Latency of a single tool dispatch",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 180},
			},
			[]string{"tool_name"},
		),
		ToolCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_tool_calls_total",
				Help: "Tool dispatches by name and status",
			},
			[]string{"tool_name", "status"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_llm_request_duration_seconds",
				Help:    "LLM request latency by provider and call kind",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "kind"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_llm_tokens_total",
				Help: "Tokens consumed by provider and direction",
			},
			[]string{"provider", "type"},
		),
		TerminalCommands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_terminal_commands_total",
				Help: "run_command dispatches by outcome",
			},
			[]string{"outcome"},
		),
		TerminalSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_terminal_sessions",
				Help: "Live PTY sessions",
			},
		),
		ConnectedClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_connected_clients",
				Help: "Connected WebSocket clients",
			},
		),
		ToolServerTools: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_tool_server_tools",
				Help: "Registered tools per connected tool server",
			},
			[]string{"server"},
		),
	}
}

// ObserveToolCall records one tool dispatch.
func (m *Metrics) ObserveToolCall(toolName, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(toolName, status).Inc()
	m.ToolCallDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// ObserveLLMRequest records one provider call.
func (m *Metrics) ObserveLLMRequest(provider, kind string, durationSeconds float64) {
	m.LLMRequestDuration.WithLabelValues(provider, kind).Observe(durationSeconds)
}

// AddTokens records token usage for a provider.
func (m *Metrics) AddTokens(provider string, input, output int) {
	if input > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// RecordTerminalCommand records a run_command outcome.
func (m *Metrics) RecordTerminalCommand(outcome string) {
	m.TerminalCommands.WithLabelValues(outcome).Inc()
}

// RecordToolLoopOutcome records how a turn's tool loop ended, attributing
// the number of rounds it ran.
func (m *Metrics) RecordToolLoopOutcome(outcome string, rounds int) {
	m.ToolLoopRounds.WithLabelValues(outcome).Add(float64(rounds))
}
