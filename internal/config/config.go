// Package config holds the runtime configuration for the Tau multi-channel
// runtime. Values come from a JSON5 file overlaid with TAU_* env vars;
// secrets are env-only and never serialized back to disk.
package config

import (
	"fmt"
	"time"
)

// OutboundMode selects how responses leave the runtime.
type OutboundMode string

const (
	OutboundDryRun       OutboundMode = "dry_run"
	OutboundProvider     OutboundMode = "provider"
	OutboundChannelStore OutboundMode = "channel_store"
)

// Config is the root configuration for one runtime instance.
type Config struct {
	StateDir string `json:"state_dir"`

	// Event discovery and backpressure.
	FixturePath       string `json:"fixture_path,omitempty"`
	QueueLimit        int    `json:"queue_limit"`
	ProcessedEventCap int    `json:"processed_event_cap"`
	PollIntervalMs    int    `json:"poll_interval_ms"`

	// Outbound delivery.
	Outbound OutboundConfig `json:"outbound"`

	// Retry policy for transient delivery and processing failures.
	Retry RetryConfig `json:"retry"`

	// Prompt execution.
	Prompt PromptConfig `json:"prompt"`

	// Telemetry signal emission (typing/presence, usage summaries).
	Telemetry TelemetryConfig `json:"telemetry"`

	// Transport credentials and endpoints (tokens env-only).
	Transports TransportsConfig `json:"transports"`

	// Live ingress sources (NDJSON directory, WhatsApp bridge).
	Ingress IngressConfig `json:"ingress"`

	// Session/state directory locking.
	SessionLockWaitMs  int `json:"session_lock_wait_ms"`
	SessionLockStaleMs int `json:"session_lock_stale_ms"`

	// Scheduled maintenance.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// OTLP trace export (off by default).
	Tracing TracingConfig `json:"tracing,omitempty"`
}

// OutboundConfig controls chunking and delivery.
type OutboundConfig struct {
	Mode          OutboundMode `json:"mode"`
	MaxChars      int          `json:"max_chars"`
	HTTPTimeoutMs int          `json:"http_timeout_ms"`
	RateLimitRPS  float64      `json:"rate_limit_rps,omitempty"` // per-transport, 0 = unlimited
}

// RetryConfig parameterizes the deterministic backoff schedule.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMs int `json:"base_delay_ms"`
	JitterMs    int `json:"jitter_ms"`
}

// PromptConfig bounds a single LLM turn.
type PromptConfig struct {
	Model            string `json:"model"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	TurnTimeoutMs    int    `json:"turn_timeout_ms"`
	LineageCap       int    `json:"lineage_cap"`
	RequestTimeoutMs int    `json:"request_timeout_ms"`
}

// TelemetryConfig controls lifecycle signal and usage summary emission.
type TelemetryConfig struct {
	TypingPresenceEnabled      bool `json:"typing_presence_enabled"`
	TypingPresenceMinRespChars int  `json:"typing_presence_min_response_chars"`
	UsageSummaryEnabled        bool `json:"usage_summary_enabled"`
}

// TransportsConfig holds per-transport endpoints and credentials.
type TransportsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures the Telegram Bot API endpoint.
type TelegramConfig struct {
	APIBase string `json:"api_base,omitempty"`
	Token   string `json:"-"` // from env TAU_TELEGRAM_TOKEN only
}

// DiscordConfig configures the Discord REST endpoint.
type DiscordConfig struct {
	APIBase string `json:"api_base,omitempty"`
	Token   string `json:"-"` // from env TAU_DISCORD_TOKEN only
}

// WhatsAppConfig configures the WhatsApp Cloud API endpoint.
type WhatsAppConfig struct {
	APIBase       string `json:"api_base,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	Token         string `json:"-"` // from env TAU_WHATSAPP_TOKEN only
}

// IngressConfig configures live event sources beyond fixtures.
type IngressConfig struct {
	LiveDir   string `json:"live_dir,omitempty"`   // NDJSON drop directory
	BridgeURL string `json:"bridge_url,omitempty"` // WhatsApp bridge WebSocket
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	PurgeSchedule string `json:"purge_schedule,omitempty"` // cron expr, "" = no scheduled purge
}

// TracingConfig configures OTLP span export.
type TracingConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateDir:          ".tau/multi-channel",
		QueueLimit:        64,
		ProcessedEventCap: 512,
		PollIntervalMs:    2000,
		Outbound: OutboundConfig{
			Mode:          OutboundDryRun,
			MaxChars:      3500,
			HTTPTimeoutMs: 10000,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 250,
			JitterMs:    100,
		},
		Prompt: PromptConfig{
			Model:            "claude-sonnet-4-5-20250929",
			TurnTimeoutMs:    120000,
			LineageCap:       40,
			RequestTimeoutMs: 60000,
		},
		Telemetry: TelemetryConfig{
			TypingPresenceEnabled:      true,
			TypingPresenceMinRespChars: 400,
			UsageSummaryEnabled:        true,
		},
		SessionLockWaitMs:  2000,
		SessionLockStaleMs: 60000,
		Tracing: TracingConfig{
			ServiceName: "tau-runtime",
		},
	}
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("queue_limit must be positive, got %d", c.QueueLimit)
	}
	if c.ProcessedEventCap <= 0 {
		return fmt.Errorf("processed_event_cap must be positive, got %d", c.ProcessedEventCap)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	switch c.Outbound.Mode {
	case OutboundDryRun, OutboundProvider, OutboundChannelStore:
	default:
		return fmt.Errorf("unknown outbound mode %q", c.Outbound.Mode)
	}
	if c.Outbound.MaxChars <= 0 {
		return fmt.Errorf("outbound.max_chars must be positive, got %d", c.Outbound.MaxChars)
	}
	return nil
}

// PollInterval returns the cycle interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// TurnTimeout returns the LLM turn bound as a duration.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Prompt.TurnTimeoutMs) * time.Millisecond
}

// HTTPTimeout returns the outbound request bound as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Outbound.HTTPTimeoutMs) * time.Millisecond
}
