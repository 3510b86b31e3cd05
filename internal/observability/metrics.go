// Package observability exposes Prometheus metrics for agent runs.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide shared metrics instance.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	AgentRunsTotal   *prometheus.CounterVec
	AgentRunDuration *prometheus.HistogramVec
	AgentStepsTotal  *prometheus.CounterVec

	// Tool metrics
	ToolExecutionsTotal      *prometheus.CounterVec
	ToolExecutionDuration    *prometheus.HistogramVec
	ToolExecutionErrorsTotal *prometheus.CounterVec

	// Cost metrics
	TokensTotal *prometheus.CounterVec
	CostUSD     *prometheus.CounterVec

	// Loop detection metrics
	LoopDetectionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		// Run metrics
		AgentRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_runs_total",
				Help: "Total number of agent runs",
			},
			[]string{"agent", "status"},
		),
		AgentRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		AgentStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_steps_total",
				Help: "Total number of reasoning steps taken",
			},
			[]string{"agent"},
		),

		// Tool metrics
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),
		ToolExecutionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_execution_errors_total",
				Help: "Total number of tool execution errors",
			},
			[]string{"tool_name", "error_type"},
		),

		// Cost metrics
		TokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens exchanged with the model gateway",
			},
			[]string{"model", "direction"},
		),
		CostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_cost_usd_total",
				Help: "Accumulated model usage cost in USD",
			},
			[]string{"model"},
		),

		// Loop detection metrics
		LoopDetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loop_detections_total",
				Help: "Total number of loop detector interventions",
			},
			[]string{"agent", "strategy"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.AgentRunsTotal)
	m.registry.MustRegister(m.AgentRunDuration)
	m.registry.MustRegister(m.AgentStepsTotal)

	m.registry.MustRegister(m.ToolExecutionsTotal)
	m.registry.MustRegister(m.ToolExecutionDuration)
	m.registry.MustRegister(m.ToolExecutionErrorsTotal)

	m.registry.MustRegister(m.TokensTotal)
	m.registry.MustRegister(m.CostUSD)

	m.registry.MustRegister(m.LoopDetectionsTotal)
}

// RecordAgentRun records a finished run.
func (m *Metrics) RecordAgentRun(agent, status string, duration time.Duration) {
	m.AgentRunsTotal.WithLabelValues(agent, status).Inc()
	m.AgentRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordStep records a completed reasoning step.
func (m *Metrics) RecordStep(agent string) {
	m.AgentStepsTotal.WithLabelValues(agent).Inc()
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.ToolExecutionErrorsTotal.WithLabelValues(toolName, "invoke").Inc()
	}
	m.ToolExecutionsTotal.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// AddUsage records token usage for one gateway call.
func (m *Metrics) AddUsage(model string, inputTokens, outputTokens int64) {
	m.TokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// AddCost records accumulated USD cost for a model.
func (m *Metrics) AddCost(model string, usd float64) {
	m.CostUSD.WithLabelValues(model).Add(usd)
}

// RecordLoopDetection records a loop detector intervention.
func (m *Metrics) RecordLoopDetection(agent, strategy string) {
	m.LoopDetectionsTotal.WithLabelValues(agent, strategy).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
