package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the single set of Prometheus collectors shared across PicoBot's
// components: transports, the scheduler, the kernel's tool invocations, the
// agent loop's model calls, and the HTTP API.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.MessageReceived("whatsapp")
//	defer metrics.RecordModelRequest("anthropic", "claude-3-5-sonnet", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (whatsapp|slack|discord|telegram|mattermost|nostr), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// ModelRequestDuration measures model backend call latency in seconds.
	// Labels: provider (openai|anthropic|gemini|bedrock), model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests by provider, model, and status.
	// Labels: provider, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ModelTokensUsed *prometheus.CounterVec

	// ModelCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	ModelCostUSD *prometheus.CounterVec

	// ToolInvocationCounter counts kernel tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolInvocationDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolInvocationDuration *prometheus.HistogramVec

	// AgentLoopRounds measures the number of tool-call rounds an agent loop
	// run takes before returning a final text response.
	// Labels: channel
	AgentLoopRounds *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (transport|scheduler|kernel|model|http), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking current active conversation sessions.
	// Labels: channel
	ActiveSessions *prometheus.GaugeVec

	// SessionDuration measures session lifetime in seconds.
	// Labels: channel
	SessionDuration *prometheus.HistogramVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// SchedulerJobsClaimed counts jobs claimed by a scheduler tick.
	SchedulerJobsClaimed prometheus.Counter

	// SchedulerJobDuration measures job execution time from claim to completion.
	// Labels: status (success|retry|failed)
	SchedulerJobDuration *prometheus.HistogramVec

	// SchedulerJobsQuotaRejected counts jobs rejected by per-user quota enforcement.
	SchedulerJobsQuotaRejected prometheus.Counter

	// QueueDepth tracks the current depth of the delivery/notification queue.
	// Labels: channel
	QueueDepth *prometheus.GaugeVec

	// QueueWait measures time a message spends queued before delivery.
	// Labels: channel
	QueueWait *prometheus.HistogramVec

	// MessageProcessed counts messages by outcome.
	// Labels: channel, outcome (success|error|dropped|deduped)
	MessageProcessed *prometheus.CounterVec

	// ContextWindowUsed tracks context window utilization fed into a model call.
	// Labels: provider, model
	ContextWindowUsed *prometheus.HistogramVec

	// SessionStuck counts sessions detected as stuck in processing by retention sweeps.
	// Labels: channel
	SessionStuck *prometheus.CounterVec

	// PermissionDecisions counts permission-gate outcomes in the kernel.
	// Labels: decision (allow|deny|prompt)
	PermissionDecisions *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup; serve via promhttp on Observability.MetricsAddr.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_model_request_duration_seconds",
				Help:    "Duration of model backend requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_model_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_model_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ModelCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_model_cost_usd_total",
				Help: "Estimated model API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ToolInvocationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_tool_invocations_total",
				Help: "Total number of kernel tool invocations by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolInvocationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_tool_invocation_duration_seconds",
				Help:    "Duration of kernel tool invocations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		AgentLoopRounds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_agent_loop_rounds",
				Help:    "Number of tool-call rounds an agent loop run takes before returning",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"channel"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "picobot_active_sessions",
				Help: "Current number of active sessions by channel",
			},
			[]string{"channel"},
		),

		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_session_duration_seconds",
				Help:    "Duration of sessions in seconds",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"channel"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		SchedulerJobsClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "picobot_scheduler_jobs_claimed_total",
				Help: "Total number of jobs claimed by scheduler ticks",
			},
		),

		SchedulerJobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_scheduler_job_duration_seconds",
				Help:    "Duration of scheduled job execution from claim to completion",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),

		SchedulerJobsQuotaRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "picobot_scheduler_jobs_quota_rejected_total",
				Help: "Total number of jobs rejected by per-user quota enforcement",
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "picobot_queue_depth",
				Help: "Current delivery queue depth by channel",
			},
			[]string{"channel"},
		),

		QueueWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_queue_wait_seconds",
				Help:    "Time a message spends queued before delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"channel"},
		),

		MessageProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_messages_processed_total",
				Help: "Total number of messages processed by outcome",
			},
			[]string{"channel", "outcome"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "picobot_context_window_tokens",
				Help:    "Context window tokens used per model call",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		SessionStuck: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_session_stuck_total",
				Help: "Number of sessions detected stuck in processing by retention sweeps",
			},
			[]string{"channel"},
		),

		PermissionDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "picobot_permission_decisions_total",
				Help: "Total number of kernel permission-gate decisions",
			},
			[]string{"decision"},
		),
	}
}

// MessageReceived increments the message counter for an inbound message.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the message counter for an outbound message.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordModelRequest records metrics for a model backend call.
func (m *Metrics) RecordModelRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordModelCost records estimated model API cost.
func (m *Metrics) RecordModelCost(provider, model string, costUSD float64) {
	m.ModelCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordToolInvocation records metrics for a kernel tool invocation.
func (m *Metrics) RecordToolInvocation(toolName, status string, durationSeconds float64) {
	m.ToolInvocationCounter.WithLabelValues(toolName, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordAgentLoopRounds records how many tool-call rounds an agent loop run took.
func (m *Metrics) RecordAgentLoopRounds(channel string, rounds int) {
	m.AgentLoopRounds.WithLabelValues(channel).Observe(float64(rounds))
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted(channel string) {
	m.ActiveSessions.WithLabelValues(channel).Inc()
}

// SessionEnded decrements the active sessions gauge and records session duration.
func (m *Metrics) SessionEnded(channel string, durationSeconds float64) {
	m.ActiveSessions.WithLabelValues(channel).Dec()
	m.SessionDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordHTTPRequest records metrics for an HTTP API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordSchedulerJobClaimed records a job claimed by a scheduler tick.
func (m *Metrics) RecordSchedulerJobClaimed() {
	m.SchedulerJobsClaimed.Inc()
}

// RecordSchedulerJobCompletion records a scheduled job's completion status and duration.
func (m *Metrics) RecordSchedulerJobCompletion(status string, durationSeconds float64) {
	m.SchedulerJobDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordSchedulerQuotaRejected records a job rejected by quota enforcement.
func (m *Metrics) RecordSchedulerQuotaRejected() {
	m.SchedulerJobsQuotaRejected.Inc()
}

// SetQueueDepth sets the current delivery queue depth.
func (m *Metrics) SetQueueDepth(channel string, depth int) {
	m.QueueDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordMessageQueued records a message being enqueued for delivery.
func (m *Metrics) RecordMessageQueued(channel string) {
	m.QueueDepth.WithLabelValues(channel).Inc()
}

// RecordMessageDequeued records a message leaving the delivery queue.
func (m *Metrics) RecordMessageDequeued(channel string, waitSeconds float64) {
	m.QueueDepth.WithLabelValues(channel).Dec()
	m.QueueWait.WithLabelValues(channel).Observe(waitSeconds)
}

// RecordMessageProcessed records message processing completion.
func (m *Metrics) RecordMessageProcessed(channel, outcome string) {
	m.MessageProcessed.WithLabelValues(channel, outcome).Inc()
}

// RecordContextWindow records context window utilization fed into a model call.
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}

// RecordSessionStuck records a session detected as stuck in processing.
func (m *Metrics) RecordSessionStuck(channel string) {
	m.SessionStuck.WithLabelValues(channel).Inc()
}

// RecordPermissionDecision records a kernel permission-gate decision.
func (m *Metrics) RecordPermissionDecision(decision string) {
	m.PermissionDecisions.WithLabelValues(decision).Inc()
}
