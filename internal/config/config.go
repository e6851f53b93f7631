// Package config loads and validates PicoBot's on-disk YAML configuration
// (spec.md's ambient configuration surface): os.ExpandEnv over the raw
// bytes, a strict (KnownFields) YAML decode rejecting multi-document
// files, then applyEnvOverrides -> applyDefaults -> validateConfig in
// that order.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is PicoBot's top-level configuration (SPEC_FULL.md AMBIENT STACK):
// data directory, channel transports + permission profiles, scheduler
// tuning, model backend selection, observability, and retention sweeps.
type Config struct {
	DataDir       string              `yaml:"data_dir"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Models        ModelsConfig        `yaml:"models"`
	Observability ObservabilityConfig `yaml:"observability"`
	Retention     RetentionConfig     `yaml:"retention"`
	HTTP          HTTPConfig          `yaml:"http"`
}

// SchedulerConfig mirrors internal/scheduler.Config's tunables in on-disk
// form; durations are parsed from Go duration strings ("10s", "2m").
type SchedulerConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	ConcurrencyLimit   int           `yaml:"concurrency_limit"`
	PerUserConcurrency int           `yaml:"per_user_concurrency"`
	LeaseFor           time.Duration `yaml:"lease_for"`
	MaxJobsPerUser     int           `yaml:"max_jobs_per_user"`
	MaxJobsPerWindow   int           `yaml:"max_jobs_per_window"`
	QuotaWindow        time.Duration `yaml:"quota_window"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
}

// RetentionConfig mirrors internal/retention.Config in on-disk form.
type RetentionConfig struct {
	RetentionInterval   time.Duration `yaml:"retention_interval"`
	MaxAge              time.Duration `yaml:"max_age"`
	SummaryInterval     time.Duration `yaml:"summary_interval"`
	TriggerMessageCount int           `yaml:"trigger_message_count"`
}

// ModelsConfig selects and configures the LLM backend(s) an agent loop can
// use (spec.md §4.2's provider-agnostic Model interface). DefaultProvider
// picks which of the populated provider blocks backs model.Stream/Complete;
// FallbackChain names providers to try in order if it errors.
type ModelsConfig struct {
	DefaultProvider string              `yaml:"default_provider"`
	FallbackChain   []string            `yaml:"fallback_chain"`
	OpenAI          OpenAIConfig        `yaml:"openai"`
	Anthropic       AnthropicConfig     `yaml:"anthropic"`
	Gemini          GeminiConfig        `yaml:"gemini"`
	Bedrock         BedrockModelsConfig `yaml:"bedrock"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type GeminiConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

type BedrockModelsConfig struct {
	Region       string `yaml:"region"`
	DefaultModel string `yaml:"default_model"`
}

// ObservabilityConfig configures internal/observability's logger, metrics
// endpoint, and OTel tracing exporter.
type ObservabilityConfig struct {
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OpenTelemetry tracer (spec's ambient
// observability surface).
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// HTTPConfig configures internal/transport/httpapi's listener and JWT auth.
type HTTPConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
}

// Load reads the config file at path, resolving any $include directives,
// strictly decodes it, then overlays env vars, defaults, and validates.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseBytes runs the same pipeline as Load against in-memory bytes, used
// directly by tests and by internal/config/watch.go on file-change events.
func ParseBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected a single YAML document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	applySchedulerDefaults(&cfg.Scheduler)
	applyRetentionDefaults(&cfg.Retention)
	applyObservabilityDefaults(&cfg.Observability)
	applyHTTPDefaults(&cfg.HTTP)
	applyChannelsDefaults(&cfg.Channels)
	if cfg.Models.DefaultProvider == "" {
		cfg.Models.DefaultProvider = "openai"
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.ConcurrencyLimit == 0 {
		cfg.ConcurrencyLimit = 10
	}
	if cfg.PerUserConcurrency == 0 {
		cfg.PerUserConcurrency = 2
	}
	if cfg.LeaseFor == 0 {
		cfg.LeaseFor = 20 * time.Second
	}
	if cfg.MaxJobsPerUser == 0 {
		cfg.MaxJobsPerUser = 50
	}
	if cfg.MaxJobsPerWindow == 0 {
		cfg.MaxJobsPerWindow = 10
	}
	if cfg.QuotaWindow == 0 {
		cfg.QuotaWindow = time.Hour
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 15 * time.Minute
	}
}

func applyRetentionDefaults(cfg *RetentionConfig) {
	if cfg.RetentionInterval == 0 {
		cfg.RetentionInterval = time.Hour
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.SummaryInterval == 0 {
		cfg.SummaryInterval = 10 * time.Minute
	}
	if cfg.TriggerMessageCount == 0 {
		cfg.TriggerMessageCount = 40
	}
}

func applyObservabilityDefaults(cfg *ObservabilityConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "picobot"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func applyHTTPDefaults(cfg *HTTPConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8080"
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv("PICOBOT_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("PICOBOT_HTTP_LISTEN_ADDR")); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("PICOBOT_JWT_SECRET")); v != "" {
		cfg.HTTP.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PICOBOT_OPENAI_API_KEY")); v != "" {
		cfg.Models.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PICOBOT_ANTHROPIC_API_KEY")); v != "" {
		cfg.Models.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PICOBOT_GEMINI_API_KEY")); v != "" {
		cfg.Models.Gemini.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PICOBOT_SCHEDULER_CONCURRENCY_LIMIT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.ConcurrencyLimit = parsed
		}
	}
}

// ConfigValidationError collects every validation issue so a misconfigured
// deployment sees all the problems in one pass, not one-at-a-time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var issues []string

	if cfg.DataDir == "" {
		issues = append(issues, "data_dir must not be empty")
	}
	if !validProvider(cfg.Models.DefaultProvider) {
		issues = append(issues, `models.default_provider must be one of "openai", "anthropic", "gemini", "bedrock"`)
	}
	for _, p := range cfg.Models.FallbackChain {
		if !validProvider(p) {
			issues = append(issues, fmt.Sprintf("models.fallback_chain: unknown provider %q", p))
		}
	}
	if cfg.Scheduler.ConcurrencyLimit < 0 {
		issues = append(issues, "scheduler.concurrency_limit must be >= 0")
	}
	if cfg.Scheduler.PerUserConcurrency < 0 {
		issues = append(issues, "scheduler.per_user_concurrency must be >= 0")
	}
	if cfg.Retention.TriggerMessageCount < 0 {
		issues = append(issues, "retention.trigger_message_count must be >= 0")
	}
	if cfg.Observability.Tracing.SamplingRate < 0 || cfg.Observability.Tracing.SamplingRate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	issues = append(issues, validateChannels(cfg.Channels)...)

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func validProvider(p string) bool {
	switch p {
	case "openai", "anthropic", "gemini", "bedrock":
		return true
	default:
		return false
	}
}
