package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for Zest.
//
// Every recording method is safe to call on a nil *Metrics, so components
// built without metrics (tests, the CLI) skip the nil checks.
type Metrics struct {
	// CorrelatorWaits counts resolved response waits.
	// Labels: outcome (completed|timeout|failed|canceled)
	CorrelatorWaits *prometheus.CounterVec

	// CorrelatorWaitDuration measures time from Await to resolution.
	CorrelatorWaitDuration prometheus.Histogram

	// CorrelatorSpurious counts completions that matched no outstanding wait.
	CorrelatorSpurious prometheus.Counter

	// ToolCalls counts dispatched tool calls.
	// Labels: tool, status (ok|unknown_tool|invalid_params|execution_failed|panic|rejected|timeout)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// AgentOutcomes counts finished agent loop runs.
	// Labels: outcome (final_answer|follow_up_question|turn_limit_exceeded|failed)
	AgentOutcomes *prometheus.CounterVec

	// AgentTurns observes how many LLM round-trips a loop run needed.
	AgentTurns prometheus.Histogram

	// ChatPrompts counts prompts handed to chat channels.
	// Labels: channel, status (sent|error)
	ChatPrompts *prometheus.CounterVec

	// PipelineRuns counts background pipeline runs by final status.
	// Labels: workflow, status
	PipelineRuns *prometheus.CounterVec

	// StageDuration measures pipeline stage latency.
	// Labels: stage
	StageDuration *prometheus.HistogramVec

	// Approvals counts diff confirmation decisions.
	// Labels: decision (accepted|rejected|expired)
	Approvals *prometheus.CounterVec

	// ActiveSessions tracks open interactive sessions.
	ActiveSessions prometheus.Gauge

	// HTTPRequests counts API requests.
	// Labels: method, status_code
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them on reg.
// Pass prometheus.NewRegistry() in tests to keep registrations isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CorrelatorWaits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zest_correlator_waits_total",
			Help: "Resolved chat response waits by outcome",
		}, []string{"outcome"}),
		CorrelatorWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zest_correlator_wait_seconds",
			Help:    "Time spent waiting for a chat response",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
		CorrelatorSpurious: f.NewCounter(prometheus.CounterOpts{
			Name: "zest_correlator_spurious_completions_total",
			Help: "Completions that matched no outstanding wait",
		}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zest_tool_calls_total",
			Help: "Dispatched tool calls by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zest_tool_duration_seconds",
			Help:    "Tool execution latency",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300},
		}, []string{"tool"}),
		AgentOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zest_agent_outcomes_total",
			Help: "Agent loop runs by outcome",
		}, []string{"outcome"}),
		AgentTurns: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zest_agent_turns",
			Help:    "LLM round-trips per agent loop run",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		}),
		ChatPrompts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zest_chat_prompts_total",
			Help: "Prompts handed to chat channels",
		}, []string{"channel", "status"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zest_pipeline_runs_total",
			Help: "Background pipeline runs by workflow and final status",
		}, []string{"workflow", "status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zest_pipeline_stage_seconds",
			Help:    "Pipeline stage latency",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"stage"}),
		Approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zest_approvals_total",
			Help: "Diff confirmation decisions",
		}, []string{"decision"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "zest_sessions_active",
			Help: "Open interactive sessions",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zest_http_requests_total",
			Help: "API requests by method and status code",
		}, []string{"method", "status_code"}),
	}
}

// WaitResolved records a correlator wait that finished with outcome.
func (m *Metrics) WaitResolved(outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.CorrelatorWaits.WithLabelValues(outcome).Inc()
	m.CorrelatorWaitDuration.Observe(waited.Seconds())
}

// SpuriousCompletion records a completion no wait was registered for.
func (m *Metrics) SpuriousCompletion() {
	if m == nil {
		return
	}
	m.CorrelatorSpurious.Inc()
}

// ToolExecuted records one dispatched tool call.
func (m *Metrics) ToolExecuted(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// AgentFinished records an agent loop outcome and its turn count.
func (m *Metrics) AgentFinished(outcome string, turns int) {
	if m == nil {
		return
	}
	m.AgentOutcomes.WithLabelValues(outcome).Inc()
	m.AgentTurns.Observe(float64(turns))
}

// PromptSent records a prompt dispatch attempt.
func (m *Metrics) PromptSent(channel string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "error"
	}
	m.ChatPrompts.WithLabelValues(channel, status).Inc()
}

// RunFinished records a background pipeline run.
func (m *Metrics) RunFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(workflow, status).Inc()
}

// StageFinished records one stage's latency.
func (m *Metrics) StageFinished(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ApprovalDecided records a diff confirmation decision.
func (m *Metrics) ApprovalDecided(decision string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(decision).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// HTTPRequest records a served API request.
func (m *Metrics) HTTPRequest(method, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, statusCode).Inc()
}
