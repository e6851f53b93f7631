// Package observability provides monitoring and debugging capabilities for
// PicoBot through metrics, structured logging, distributed tracing, and a
// per-run event timeline.
//
// # Overview
//
// The package covers four concerns:
//
//  1. Logging - structured logs with sensitive data redaction
//  2. Metrics - quantitative measurements using Prometheus
//  3. Tracing - distributed request tracing with OpenTelemetry
//  4. Events - a persisted, replayable timeline of a single agent loop run,
//     plus a live diagnostic event bus for debug tooling
//
// # Metrics
//
// Metrics are implemented using the Prometheus client library and track:
//   - Message flow through channel transports (Telegram, Discord, Slack, ...)
//   - Model backend request latency, token usage, and cost
//   - Kernel tool invocation performance
//   - Agent loop round counts
//   - Error rates by component and type
//   - Active session counts and durations
//   - HTTP request/response metrics
//   - Scheduler job claims, durations, and quota rejections
//   - Queue depth and wait time
//   - Permission decisions
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	// Track message flow
//	metrics.MessageReceived("telegram")
//
//	// Track model requests
//	start := time.Now()
//	// ... call the model backend ...
//	metrics.RecordModelRequest("anthropic", "claude-3-5-sonnet", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	// Track tool execution
//	start = time.Now()
//	// ... invoke the tool ...
//	metrics.RecordToolInvocation("web_search", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging is built directly on Go's slog package, wrapped in a redacting
// handler that scrubs sensitive values before they reach the underlying
// writer:
//   - JSON output for production, text for development
//   - Configurable log levels
//   - Automatic redaction of API keys, passwords, and tokens in both
//     formatted messages and structured attributes
//
// Example usage:
//
//	logger := observability.New(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	logger.Info("processing message",
//	    "channel", "telegram",
//	    "session_id", sessionID,
//	    "message_length", len(content),
//	)
//
//	logger.Error("model request failed",
//	    "error", err,
//	    "provider", "anthropic",
//	    "api_key", apiKey, // automatically redacted
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry, exporting via OTLP/gRPC to a
// collector (Jaeger, Tempo, etc.) when an endpoint is configured, and
// falling back to a no-op tracer otherwise:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "picobot",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317",
//	    SamplingRate:   0.1,
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceAgentLoopRun(ctx, "telegram", sessionID)
//	defer span.End()
//
//	ctx, modelSpan := tracer.TraceModelRequest(ctx, "anthropic", "claude-3-5-sonnet")
//	defer modelSpan.End()
//	tracer.SetAttributes(modelSpan, "prompt_tokens", 100, "completion_tokens", 500)
//
//	ctx, toolSpan := tracer.TraceToolExecution(ctx, "web_search")
//	defer toolSpan.End()
//	if err != nil {
//	    tracer.RecordError(toolSpan, err)
//	}
//
// # Event Timeline
//
// events.go records a persisted, per-run timeline keyed by correlation IDs
// (run ID, session ID, tool call ID, agent ID, message ID) pulled from
// context. An EventRecorder writes to an EventStore (MemoryEventStore by
// default) and also emits a structured log line for each event. A flat
// slice of events can be turned into a sorted, summarized Timeline via
// BuildTimeline, and rendered for a human via FormatTimeline - useful when
// debugging why a particular run produced a given reply.
//
// diagnostic.go is a separate, non-persisted mechanism: a process-wide
// listener bus of typed events (model usage, webhook lifecycle, queue
// depth, session state, run attempts, heartbeats) intended for a debug CLI
// or admin UI to subscribe to live. It carries no history and performs no
// per-run filtering; it is gated behind SetDiagnosticsEnabled so the
// overhead stays zero when nothing is listening.
//
// # Context Propagation
//
// Correlation IDs are attached to context and read back automatically by
// the event timeline and tracer:
//
//	ctx = observability.AddRunID(ctx, runID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//
//	recorder.RecordRunStart(ctx, map[string]interface{}{"channel": "telegram"})
//
// # Security Considerations
//
// The logging component automatically redacts, both in formatted messages
// and structured attribute values:
//   - API keys (Anthropic, OpenAI, generic)
//   - Passwords and secrets
//   - JWT tokens and bearer tokens
//   - Custom patterns via LogConfig.RedactPatterns
//
// # Testing
//
//   - Metrics are verified against the live collectors with
//     prometheus/testutil, not throwaway registries
//   - Logging can be pointed at a bytes.Buffer writer for assertions
//   - Tracing works with a no-op exporter when TraceConfig.Endpoint is empty
//   - The event timeline and diagnostic bus use in-memory implementations
//     that need no external services to test
package observability
