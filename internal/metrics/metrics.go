package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the process exports. Instances are
// injected rather than registered globally so tests can run in parallel
// without collector name collisions.
type Metrics struct {
	registry *prometheus.Registry

	LLMCalls      *prometheus.CounterVec
	LLMLatency    *prometheus.HistogramVec
	LLMTokens     *prometheus.CounterVec
	ToolCalls     *prometheus.CounterVec
	ToolDuration  *prometheus.HistogramVec
	MessagesIn    *prometheus.CounterVec
	ProxyRequests *prometheus.CounterVec
}

// New creates a Metrics set backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "llm_calls_total",
			Help:      "LLM chat completions by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulse",
			Name:      "llm_latency_seconds",
			Help:      "LLM chat completion latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider", "model"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"provider", "model", "direction"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "tool_calls_total",
			Help:      "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulse",
			Name:      "tool_duration_seconds",
			Help:      "Tool execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool"}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "messages_processed_total",
			Help:      "Inbound bus messages by type and outcome.",
		}, []string{"message_type", "outcome"}),
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "workspace_proxy_requests_total",
			Help:      "Workspace proxy requests by upstream status class.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.LLMCalls, m.LLMLatency, m.LLMTokens,
		m.ToolCalls, m.ToolDuration,
		m.MessagesIn, m.ProxyRequests,
	)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveLLMCall records one chat completion.
func (m *Metrics) ObserveLLMCall(provider, model, status string, seconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(provider, model, status).Inc()
	m.LLMLatency.WithLabelValues(provider, model).Observe(seconds)
	m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

// ObserveToolCall records one tool execution.
func (m *Metrics) ObserveToolCall(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// ObserveMessage records one processed bus message.
func (m *Metrics) ObserveMessage(messageType, outcome string) {
	if m == nil {
		return
	}
	m.MessagesIn.WithLabelValues(messageType, outcome).Inc()
}

// ObserveProxyRequest records one workspace proxy request.
func (m *Metrics) ObserveProxyRequest(status string) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(status).Inc()
}
