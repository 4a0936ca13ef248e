// Package event defines the inbound event value that every runtime cycle
// operates on, plus its canonical dedup fingerprint and ordering rules.
package event

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaVersion is the current inbound event schema.
const SchemaVersion uint32 = 1

// Transport identifies the chat platform an event originated from.
type Transport string

const (
	TransportTelegram Transport = "telegram"
	TransportDiscord  Transport = "discord"
	TransportWhatsApp Transport = "whatsapp"
	TransportGithub   Transport = "github"
)

// Known reports whether t is a transport this runtime understands.
func (t Transport) Known() bool {
	switch t {
	case TransportTelegram, TransportDiscord, TransportWhatsApp, TransportGithub:
		return true
	}
	return false
}

// Kind classifies the unit of work an event represents.
type Kind string

const (
	KindMessage         Kind = "message"
	KindCommand         Kind = "command"
	KindCommentCreated  Kind = "comment_created"
	KindCommentEdited   Kind = "comment_edited"
	KindIssueOpened     Kind = "issue_opened"
	KindIssueBodyEdited Kind = "issue_body_edited"
)

// Attachment is a media reference carried by an inbound event.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// InboundEvent is the immutable value for one unit of work. Producers build
// it once; the runtime never mutates it after validation.
type InboundEvent struct {
	SchemaVersion  uint32            `json:"schema_version"`
	Transport      Transport         `json:"transport"`
	Kind           Kind              `json:"event_kind"`
	EventID        string            `json:"event_id"`
	ConversationID string            `json:"conversation_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	ActorID        string            `json:"actor_id"`
	ActorDisplay   string            `json:"actor_display,omitempty"`
	TimestampMs    uint64            `json:"timestamp_ms"`
	Text           string            `json:"text"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Key returns the canonical fingerprint used for deduplication:
// "{transport}:{conversation_id}:{event_kind}:{event_id}".
// Unique across all history within a state directory.
func (e InboundEvent) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.Transport, e.ConversationID, e.Kind, e.EventID)
}

// Meta returns a metadata value, "" when absent.
func (e InboundEvent) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Validate checks the invariants every event must satisfy before entering
// the pipeline. Trimmed identifiers must be non-empty; the actor ID is
// allowed to be empty here because strict-mode handling of missing actors
// is a policy decision, not a validation failure.
func (e InboundEvent) Validate() error {
	if !e.Transport.Known() {
		return fmt.Errorf("invalid_transport: %q", e.Transport)
	}
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("invalid_event_id: empty")
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		return fmt.Errorf("invalid_conversation_id: empty")
	}
	return nil
}

// IsDirect reports whether the event came from a DM-style conversation.
// Conversation kind is inferred from producer metadata: an explicit
// conversation_mode wins, a Discord guild_id implies a group, and WhatsApp
// phone-pair conversations ("{phone_number_id}:{actor}") are direct.
func (e InboundEvent) IsDirect() bool {
	switch e.Meta("conversation_mode") {
	case "direct", "dm":
		return true
	case "group", "channel":
		return false
	}
	if e.Meta("guild_id") != "" {
		return false
	}
	if e.Transport == TransportWhatsApp {
		return true
	}
	return true
}

// SortEvents orders events ascending by (timestamp_ms, event_key), the
// processing order the runtime guarantees within a cycle.
func SortEvents(events []InboundEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TimestampMs != events[j].TimestampMs {
			return events[i].TimestampMs < events[j].TimestampMs
		}
		return events[i].Key() < events[j].Key()
	})
}
