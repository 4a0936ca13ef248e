package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("TAU_STATE_DIR", &c.StateDir)
	envStr("TAU_FIXTURE", &c.FixturePath)
	envInt("TAU_QUEUE_LIMIT", &c.QueueLimit)
	envInt("TAU_PROCESSED_EVENT_CAP", &c.ProcessedEventCap)

	envStr("TAU_TELEGRAM_TOKEN", &c.Transports.Telegram.Token)
	envStr("TAU_TELEGRAM_API_BASE", &c.Transports.Telegram.APIBase)
	envStr("TAU_DISCORD_TOKEN", &c.Transports.Discord.Token)
	envStr("TAU_DISCORD_API_BASE", &c.Transports.Discord.APIBase)
	envStr("TAU_WHATSAPP_TOKEN", &c.Transports.WhatsApp.Token)
	envStr("TAU_WHATSAPP_API_BASE", &c.Transports.WhatsApp.APIBase)
	envStr("TAU_WHATSAPP_PHONE_NUMBER_ID", &c.Transports.WhatsApp.PhoneNumberID)

	envStr("TAU_INGRESS_LIVE_DIR", &c.Ingress.LiveDir)
	envStr("TAU_INGRESS_BRIDGE_URL", &c.Ingress.BridgeURL)

	envStr("TAU_OTLP_ENDPOINT", &c.Tracing.Endpoint)
}
