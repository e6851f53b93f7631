package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures New's slog.Logger construction (spec AMBIENT STACK:
// "constructed once in internal/observability via
// slog.New(slog.NewJSONHandler(...))").
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is the
	// default; text is for local development.
	Format string

	// Output is the writer for log output. Defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regexes redacted on top of
	// DefaultRedactPatterns (API keys, bearer tokens, passwords, JWTs).
	RedactPatterns []string
}

// DefaultRedactPatterns covers the secret shapes PicoBot's transports and
// model backends handle: bearer tokens, channel bot tokens, provider API
// keys, JWTs.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`, // Anthropic keys
	`sk-[a-zA-Z0-9]{48,}`,       // OpenAI keys
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`, // JWTs
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// New builds the *slog.Logger every package in this module accepts via a
// WithLogger functional option (internal/scheduler.WithLogger,
// internal/retention.WithLogger, ...), wrapping the chosen handler in a
// redacting middleware so tool output or channel payloads containing a
// leaked bot token or API key never reach the log sink verbatim.
func New(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var base slog.Handler
	if cfg.Format == "text" {
		base = slog.NewTextHandler(cfg.Output, opts)
	} else {
		base = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := append(append([]string(nil), DefaultRedactPatterns...), cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&redactingHandler{next: base, redacts: redacts})
}

// redactingHandler wraps a slog.Handler, redacting every string-valued
// attribute (and the message) before it reaches the wrapped handler.
type redactingHandler struct {
	next    slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = h.redactString(r.Message)
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	sensitiveKeys := map[string]bool{
		"password": true, "passwd": true, "secret": true, "token": true,
		"api_key": true, "apikey": true, "bot_token": true, "private_key": true,
		"jwt_secret": true, "authorization": true,
	}
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))] {
		return slog.String(a.Key, "[REDACTED]")
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			return slog.String(a.Key, h.redactString(v.Error()))
		case []byte:
			return slog.String(a.Key, h.redactString(string(v)))
		default:
			if b, err := json.Marshal(v); err == nil {
				return slog.String(a.Key, h.redactString(string(b)))
			}
			return a
		}
	default:
		return a
	}
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// LogLevelFromString converts a string to a slog.Level, defaulting to Info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
