package ingress

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/njfio/tau/internal/event"
)

func TestFixtureSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	body := `{
		"schema_version": 1,
		"events": [
			{"transport": "telegram", "event_kind": "message", "event_id": "tg-1",
			 "conversation_id": "chat-1", "actor_id": "u1", "timestamp_ms": 100, "text": "hi"},
			{"transport": "irc", "event_kind": "message", "event_id": "bad",
			 "conversation_id": "x", "actor_id": "u", "timestamp_ms": 1, "text": ""}
		]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := NewFixtureSource(path).Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (invalid dropped)", len(events))
	}
	if events[0].Key() != "telegram:chat-1:message:tg-1" {
		t.Errorf("key = %s", events[0].Key())
	}
}

func TestFixtureBareArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	body := `[{"transport": "discord", "event_kind": "message", "event_id": "dc-1",
		"conversation_id": "chan", "actor_id": "u", "timestamp_ms": 5, "text": "x"}]`
	os.WriteFile(path, []byte(body), 0o644)

	events, err := NewFixtureSource(path).Discover(context.Background())
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %d, err = %v", len(events), err)
	}
}

func TestParseEnvelopeTelegram(t *testing.T) {
	line := `{"transport": "telegram", "payload": {"update_id": 9,
		"message": {"message_id": 77, "date": 1700000000, "text": "hello",
		"chat": {"id": -100123, "type": "supergroup"},
		"from": {"id": 42, "username": "alice"}}}}`

	e, err := ParseEnvelope(event.TransportTelegram, []byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if e.EventID != "77" || e.ConversationID != "-100123" || e.ActorID != "42" {
		t.Errorf("event = %+v", e)
	}
	if e.TimestampMs != 1700000000000 {
		t.Errorf("timestamp = %d", e.TimestampMs)
	}
	if e.IsDirect() {
		t.Error("supergroup should not be direct")
	}
}

func TestParseEnvelopeMismatch(t *testing.T) {
	line := `{"transport": "discord", "payload": {}}`
	_, err := ParseEnvelope(event.TransportTelegram, []byte(line))
	if _, ok := err.(*ErrTransportMismatch); !ok {
		t.Errorf("err = %v, want transport mismatch", err)
	}
}

func TestParseEnvelopeWhatsAppNormalization(t *testing.T) {
	line := `{"transport": "whatsapp", "payload": {"phone_number_id": "551234",
		"from": "15550001111", "id": "wamid.1", "timestamp_ms": 7, "text": {"body": "oi"}}}`

	e, err := ParseEnvelope(event.TransportWhatsApp, []byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if e.ConversationID != "551234:15550001111" {
		t.Errorf("conversation = %s", e.ConversationID)
	}
	if e.ActorID != "15550001111" {
		t.Errorf("actor = %s", e.ActorID)
	}

	// Without a phone-number id the conversation is the bare actor.
	line = `{"transport": "whatsapp", "payload": {"from": "15550001111", "id": "wamid.2",
		"timestamp_ms": 8, "text": {"body": "oi"}}}`
	e, err = ParseEnvelope(event.TransportWhatsApp, []byte(line))
	if err != nil {
		t.Fatal(err)
	}
	if e.ConversationID != "15550001111" {
		t.Errorf("conversation = %s", e.ConversationID)
	}
}

type memCursors map[string]string

func (m memCursors) ScanCursor(source string) string       { return m[source] }
func (m memCursors) SetScanCursor(source, cursor string)   { m[source] = cursor }

func TestDirSourceCursors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discord.ndjson")
	line1 := `{"transport": "discord", "payload": {"id": "m1", "channel_id": "c", "content": "a", "timestamp_ms": 1, "author": {"id": "u1"}}}`
	os.WriteFile(path, []byte(line1+"\n"), 0o644)

	cursors := memCursors{}
	src := NewDirSource(dir, cursors)

	events, err := src.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventID != "m1" {
		t.Fatalf("events = %+v", events)
	}

	// Second cycle: no new lines, nothing rediscovered.
	events, _ = src.Discover(context.Background())
	if len(events) != 0 {
		t.Fatalf("rediscovered consumed lines: %+v", events)
	}

	// Append a line plus a mismatched envelope; only the new line surfaces.
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString(`{"transport": "telegram", "payload": {}}` + "\n")
	f.WriteString(`{"transport": "discord", "payload": {"id": "m2", "channel_id": "c", "content": "b", "timestamp_ms": 2, "author": {"id": "u1"}}}` + "\n")
	f.Close()

	events, _ = src.Discover(context.Background())
	if len(events) != 1 || events[0].EventID != "m2" {
		t.Fatalf("events = %+v", events)
	}
	if src.SkippedMismatches != 1 {
		t.Errorf("mismatches = %d, want 1", src.SkippedMismatches)
	}
}

func TestBridgeFrameHandling(t *testing.T) {
	s := NewBridgeSource("ws://unused", "551234")

	s.handleFrame([]byte(`{"type":"message","from":"15550001111","chat":"15550001111",
		"content":"hello","id":"wamid.9","timestamp_ms":11}`))
	s.handleFrame([]byte(`{"type":"status"}`))
	s.handleFrame([]byte(`not json`))

	events, err := s.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.ConversationID != "551234:15550001111" || e.Transport != event.TransportWhatsApp {
		t.Errorf("event = %+v", e)
	}

	// Buffer drained.
	events, _ = s.Discover(context.Background())
	if len(events) != 0 {
		t.Error("buffer not drained")
	}
}

func TestBridgeGroupChat(t *testing.T) {
	s := NewBridgeSource("ws://unused", "")
	s.handleFrame([]byte(`{"type":"message","from":"u1","chat":"team@g.us","content":"x","id":"m1","timestamp_ms":1}`))
	events, _ := s.Discover(context.Background())
	if len(events) != 1 {
		t.Fatal("frame dropped")
	}
	if events[0].IsDirect() {
		t.Error("@g.us chat should be a group")
	}
}
