package outbound

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/pkg/protocol"
)

// Outcome classifies one provider response.
type Outcome int

const (
	Sent Outcome = iota
	RetryableError
	TerminalError
)

// Classification carries the outcome plus its reason code.
type Classification struct {
	Outcome    Outcome
	ReasonCode string
}

// Adapter is the per-transport delivery contract: where to POST, what
// body to send for one chunk, and how to read the response. Retry and
// backoff live in the dispatcher, shared by all adapters.
type Adapter interface {
	Transport() event.Transport
	Endpoint(e event.InboundEvent) string
	Headers() map[string]string
	BuildBody(e event.InboundEvent, chunk string) ([]byte, error)
	Classify(status int, body []byte) Classification
}

// classifyHTTP implements the shared retry classification: 429 and 5xx
// plus network errors retry, other 4xx are terminal.
func classifyHTTP(status int) Classification {
	switch {
	case status >= 200 && status < 300:
		return Classification{Outcome: Sent, ReasonCode: protocol.DeliveryOK}
	case status == 429, status == 500, status == 502, status == 503, status == 504:
		return Classification{Outcome: RetryableError, ReasonCode: protocol.DeliveryProviderUnavailable}
	default:
		return Classification{Outcome: TerminalError, ReasonCode: protocol.DeliveryProviderRejected}
	}
}

// TelegramAdapter posts chunks to the Bot API sendMessage endpoint.
type TelegramAdapter struct {
	cfg config.TelegramConfig
}

func NewTelegramAdapter(cfg config.TelegramConfig) *TelegramAdapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	return &TelegramAdapter{cfg: cfg}
}

func (a *TelegramAdapter) Transport() event.Transport { return event.TransportTelegram }

func (a *TelegramAdapter) Endpoint(event.InboundEvent) string {
	return fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(a.cfg.APIBase, "/"), a.cfg.Token)
}

func (a *TelegramAdapter) Headers() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

func (a *TelegramAdapter) BuildBody(e event.InboundEvent, chunk string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"chat_id": e.ConversationID,
		"text":    chunk,
	})
}

func (a *TelegramAdapter) Classify(status int, _ []byte) Classification {
	return classifyHTTP(status)
}

// DiscordAdapter posts chunks to the channel messages endpoint with bot
// authorization.
type DiscordAdapter struct {
	cfg config.DiscordConfig
}

func NewDiscordAdapter(cfg config.DiscordConfig) *DiscordAdapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://discord.com/api/v10"
	}
	return &DiscordAdapter{cfg: cfg}
}

func (a *DiscordAdapter) Transport() event.Transport { return event.TransportDiscord }

func (a *DiscordAdapter) Endpoint(e event.InboundEvent) string {
	return fmt.Sprintf("%s/channels/%s/messages", strings.TrimRight(a.cfg.APIBase, "/"), e.ConversationID)
}

func (a *DiscordAdapter) Headers() map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bot " + a.cfg.Token,
	}
}

func (a *DiscordAdapter) BuildBody(_ event.InboundEvent, chunk string) ([]byte, error) {
	return json.Marshal(map[string]any{"content": chunk})
}

func (a *DiscordAdapter) Classify(status int, _ []byte) Classification {
	return classifyHTTP(status)
}

// WhatsAppAdapter posts Cloud-API message envelopes.
type WhatsAppAdapter struct {
	cfg config.WhatsAppConfig
}

func NewWhatsAppAdapter(cfg config.WhatsAppConfig) *WhatsAppAdapter {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://graph.facebook.com/v19.0"
	}
	return &WhatsAppAdapter{cfg: cfg}
}

func (a *WhatsAppAdapter) Transport() event.Transport { return event.TransportWhatsApp }

func (a *WhatsAppAdapter) Endpoint(event.InboundEvent) string {
	return fmt.Sprintf("%s/%s/messages", strings.TrimRight(a.cfg.APIBase, "/"), a.cfg.PhoneNumberID)
}

func (a *WhatsAppAdapter) Headers() map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + a.cfg.Token,
	}
}

func (a *WhatsAppAdapter) BuildBody(e event.InboundEvent, chunk string) ([]byte, error) {
	// Conversation IDs normalize to "{phone_number_id}:{actor}"; the
	// recipient is the actor part.
	to := e.ConversationID
	if idx := strings.LastIndex(to, ":"); idx >= 0 {
		to = to[idx+1:]
	}
	return json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": chunk},
	})
}

func (a *WhatsAppAdapter) Classify(status int, _ []byte) Classification {
	return classifyHTTP(status)
}
