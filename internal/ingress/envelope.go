package ingress

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/njfio/tau/internal/event"
)

// Envelope is one line of a live-ingress NDJSON file: the transport tag
// plus the provider-native payload kept raw until the tag is verified.
type Envelope struct {
	Transport string          `json:"transport"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrTransportMismatch marks an envelope whose transport tag does not
// match the file it arrived in; such lines are skipped and counted.
type ErrTransportMismatch struct {
	Want, Got string
}

func (e *ErrTransportMismatch) Error() string {
	return fmt.Sprintf("envelope transport %q does not match source %q", e.Got, e.Want)
}

// ParseEnvelope decodes one NDJSON line for the expected transport.
func ParseEnvelope(want event.Transport, line []byte) (event.InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return event.InboundEvent{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Transport != string(want) {
		return event.InboundEvent{}, &ErrTransportMismatch{Want: string(want), Got: env.Transport}
	}

	var (
		e   event.InboundEvent
		err error
	)
	switch want {
	case event.TransportTelegram:
		e, err = parseTelegram(env.Payload)
	case event.TransportDiscord:
		e, err = parseDiscord(env.Payload)
	case event.TransportWhatsApp:
		e, err = parseWhatsApp(env.Payload)
	default:
		return event.InboundEvent{}, fmt.Errorf("no envelope parser for transport %q", want)
	}
	if err != nil {
		return event.InboundEvent{}, err
	}
	e.SchemaVersion = event.SchemaVersion
	if err := e.Validate(); err != nil {
		return event.InboundEvent{}, err
	}
	return e, nil
}

// telegramUpdate is the subset of a Bot API update the runtime consumes.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		MessageID int64 `json:"message_id"`
		Date      int64 `json:"date"`
		Text      string `json:"text"`
		Chat      struct {
			ID   int64  `json:"id"`
			Type string `json:"type"` // "private", "group", "supergroup"
		} `json:"chat"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

func parseTelegram(payload json.RawMessage) (event.InboundEvent, error) {
	var u telegramUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return event.InboundEvent{}, fmt.Errorf("parse telegram update: %w", err)
	}
	mode := "group"
	if u.Message.Chat.Type == "private" || u.Message.Chat.Type == "" {
		mode = "direct"
	}
	return event.InboundEvent{
		Transport:      event.TransportTelegram,
		Kind:           event.KindMessage,
		EventID:        strconv.FormatInt(u.Message.MessageID, 10),
		ConversationID: strconv.FormatInt(u.Message.Chat.ID, 10),
		ActorID:        strconv.FormatInt(u.Message.From.ID, 10),
		ActorDisplay:   u.Message.From.Username,
		TimestampMs:    uint64(u.Message.Date) * 1000,
		Text:           u.Message.Text,
		Metadata:       map[string]string{"conversation_mode": mode},
	}, nil
}

// discordMessage is the subset of a MESSAGE_CREATE payload consumed.
type discordMessage struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Timestamp uint64 `json:"timestamp_ms"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"author"`
}

func parseDiscord(payload json.RawMessage) (event.InboundEvent, error) {
	var m discordMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return event.InboundEvent{}, fmt.Errorf("parse discord message: %w", err)
	}
	meta := map[string]string{}
	if m.GuildID != "" {
		meta["guild_id"] = m.GuildID
	} else {
		meta["conversation_mode"] = "direct"
	}
	return event.InboundEvent{
		Transport:      event.TransportDiscord,
		Kind:           event.KindMessage,
		EventID:        m.ID,
		ConversationID: m.ChannelID,
		ActorID:        m.Author.ID,
		ActorDisplay:   m.Author.Username,
		TimestampMs:    m.Timestamp,
		Text:           m.Content,
		Metadata:       meta,
	}, nil
}

// whatsAppMessage is the subset of a Cloud API inbound message consumed.
type whatsAppMessage struct {
	PhoneNumberID string `json:"phone_number_id"`
	From          string `json:"from"`
	ID            string `json:"id"`
	TimestampMs   uint64 `json:"timestamp_ms"`
	Text          struct {
		Body string `json:"body"`
	} `json:"text"`
}

func parseWhatsApp(payload json.RawMessage) (event.InboundEvent, error) {
	var m whatsAppMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return event.InboundEvent{}, fmt.Errorf("parse whatsapp message: %w", err)
	}
	// Conversation IDs normalize to "{phone_number_id}:{actor}" once a
	// phone-number ID is known, plain actor otherwise.
	conv := m.From
	meta := map[string]string{"conversation_mode": "direct"}
	if m.PhoneNumberID != "" {
		conv = m.PhoneNumberID + ":" + m.From
		meta["phone_number_id"] = m.PhoneNumberID
	}
	return event.InboundEvent{
		Transport:      event.TransportWhatsApp,
		Kind:           event.KindMessage,
		EventID:        m.ID,
		ConversationID: conv,
		ActorID:        m.From,
		TimestampMs:    m.TimestampMs,
		Text:           m.Text.Body,
		Metadata:       meta,
	}, nil
}
