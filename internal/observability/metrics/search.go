package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

type SearchMetrics struct {
	registry *prometheus.Registry
	service  string

	toolCallsTotal       *prometheus.CounterVec
	toolCallDuration     *prometheus.HistogramVec
	toolCallsInFlight    prometheus.Gauge
	toolRateLimitedTotal *prometheus.CounterVec
	retrievalsTotal      *prometheus.CounterVec
	retrievalHits        *prometheus.HistogramVec
	retriesTotal         *prometheus.CounterVec
	agentRunsTotal       *prometheus.CounterVec
	agentPollsTotal      *prometheus.CounterVec
	agentToolRounds      *prometheus.HistogramVec
	agentToolCallsTotal  *prometheus.CounterVec
	unresolvedCitations  *prometheus.CounterVec
}

func NewSearchMetrics(service string) *SearchMetrics {
	registry := prometheus.NewRegistry()

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Total MCP tool calls by tool and status.",
		},
		[]string{"service", "tool", "status"},
	)
	toolCallDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sbm",
			Subsystem: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "MCP tool call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "tool"},
	)
	toolCallsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sbm",
			Subsystem: "mcp",
			Name:      "tool_calls_in_flight",
			Help:      "Number of in-flight MCP tool calls.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	toolRateLimitedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "mcp",
			Name:      "tool_calls_rate_limited_total",
			Help:      "Tool calls rejected by the rate limiter.",
		},
		[]string{"service", "tool"},
	)
	retrievalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "search",
			Name:      "retrievals_total",
			Help:      "Direct retrievals by mode and status.",
		},
		[]string{"service", "mode", "status"},
	)
	retrievalHits := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sbm",
			Subsystem: "search",
			Name:      "retrieval_hits",
			Help:      "Number of hits returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50},
		},
		[]string{"service", "mode"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retry attempts by operation.",
		},
		[]string{"service", "operation"},
	)
	agentRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent runs by terminal status and failure reason.",
		},
		[]string{"service", "status", "reason"},
	)
	agentPollsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "agent",
			Name:      "polls_total",
			Help:      "Agent run polls by observed remote status.",
		},
		[]string{"service", "status"},
	)
	agentToolRounds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sbm",
			Subsystem: "agent",
			Name:      "tool_rounds",
			Help:      "Number of tool rounds per finished agent run.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12},
		},
		[]string{"service"},
	)
	agentToolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Agent tool call resolutions by tool and status.",
		},
		[]string{"service", "tool", "status"},
	)
	unresolvedCitations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbm",
			Subsystem: "agent",
			Name:      "unresolved_citations_total",
			Help:      "Citation markers dropped because no annotation matched.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		toolCallsTotal,
		toolCallDuration,
		toolCallsInFlight,
		toolRateLimitedTotal,
		retrievalsTotal,
		retrievalHits,
		retriesTotal,
		agentRunsTotal,
		agentPollsTotal,
		agentToolRounds,
		agentToolCallsTotal,
		unresolvedCitations,
	)

	return &SearchMetrics{
		registry:             registry,
		service:              service,
		toolCallsTotal:       toolCallsTotal,
		toolCallDuration:     toolCallDuration,
		toolCallsInFlight:    toolCallsInFlight,
		toolRateLimitedTotal: toolRateLimitedTotal,
		retrievalsTotal:      retrievalsTotal,
		retrievalHits:        retrievalHits,
		retriesTotal:         retriesTotal,
		agentRunsTotal:       agentRunsTotal,
		agentPollsTotal:      agentPollsTotal,
		agentToolRounds:      agentToolRounds,
		agentToolCallsTotal:  agentToolCallsTotal,
		unresolvedCitations:  unresolvedCitations,
	}
}

func (m *SearchMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *SearchMetrics) StartToolCall() {
	m.toolCallsInFlight.Inc()
}

func (m *SearchMetrics) FinishToolCall(tool string, duration time.Duration, err error) {
	m.toolCallsInFlight.Dec()
	m.toolCallsTotal.WithLabelValues(m.service, tool, ErrorStatus(err)).Inc()
	m.toolCallDuration.WithLabelValues(m.service, tool).Observe(duration.Seconds())
}

func (m *SearchMetrics) RecordRateLimited(tool string) {
	m.toolRateLimitedTotal.WithLabelValues(m.service, tool).Inc()
}

func (m *SearchMetrics) ObserveRetrieval(mode domain.Mode, hits int, err error) {
	m.retrievalsTotal.WithLabelValues(m.service, string(mode), ErrorStatus(err)).Inc()
	if err == nil {
		m.retrievalHits.WithLabelValues(m.service, string(mode)).Observe(float64(hits))
	}
}

// ObserveRetry matches resilience.RetryObserver.
func (m *SearchMetrics) ObserveRetry(operation string, _ int, _ error) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *SearchMetrics) ObservePoll(status domain.RunStatus) {
	m.agentPollsTotal.WithLabelValues(m.service, string(status)).Inc()
}

func (m *SearchMetrics) ObserveToolCall(tool string, err error) {
	m.agentToolCallsTotal.WithLabelValues(m.service, tool, ErrorStatus(err)).Inc()
}

func (m *SearchMetrics) ObserveRunFinished(run domain.AgentRun) {
	reason := string(run.FailureReason)
	if reason == "" {
		reason = "none"
	}
	m.agentRunsTotal.WithLabelValues(m.service, string(run.Status), reason).Inc()
	m.agentToolRounds.WithLabelValues(m.service).Observe(float64(run.ToolRounds))
}

func (m *SearchMetrics) ObserveUnresolvedCitations(count int) {
	m.unresolvedCitations.WithLabelValues(m.service).Add(float64(count))
}

// ErrorStatus buckets an error into a low-cardinality label value.
func ErrorStatus(err error) string {
	var invalid *domain.InvalidQueryError
	var retrieval *domain.RetrievalFailure
	var agent *domain.AgentRunFailure
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &invalid):
		return "invalid_query"
	case errors.As(err, &agent):
		return "agent_" + string(agent.Reason)
	case errors.As(err, &retrieval):
		return "retrieval_failure"
	case errors.Is(err, domain.ErrTemporary):
		return "temporary"
	default:
		return "error"
	}
}
