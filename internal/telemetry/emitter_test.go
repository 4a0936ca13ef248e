package telemetry

import (
	"testing"

	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/internal/state"
)

func telemetryCfg() config.TelemetryConfig {
	return config.TelemetryConfig{
		TypingPresenceEnabled:      true,
		TypingPresenceMinRespChars: 10,
		UsageSummaryEnabled:        true,
	}
}

func testEvent(meta map[string]string) event.InboundEvent {
	return event.InboundEvent{
		Transport: event.TransportTelegram, Kind: event.KindMessage,
		EventID: "tg-1", ConversationID: "c", ActorID: "u", Metadata: meta,
	}
}

func newEmitter(t *testing.T) (*Emitter, *state.Store, *channelstore.Store) {
	t.Helper()
	st, err := state.Load(t.TempDir(), 100)
	if err != nil {
		t.Fatal(err)
	}
	cs, err := channelstore.Open(t.TempDir(), "telegram", "s")
	if err != nil {
		t.Fatal(err)
	}
	return NewEmitter(telemetryCfg(), st), st, cs
}

func TestShouldSignal(t *testing.T) {
	em, _, _ := newEmitter(t)

	if em.ShouldSignal(testEvent(nil), 5) {
		t.Error("short reply should not signal")
	}
	if !em.ShouldSignal(testEvent(nil), 10) {
		t.Error("long reply should signal")
	}
	if !em.ShouldSignal(testEvent(map[string]string{"telemetry_force_typing_presence": "true"}), 0) {
		t.Error("forced flag should signal")
	}

	off := NewEmitter(config.TelemetryConfig{}, mustState(t))
	if off.ShouldSignal(testEvent(map[string]string{"telemetry_force_typing_presence": "true"}), 999) {
		t.Error("disabled emitter must never signal")
	}
}

func mustState(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Load(t.TempDir(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestLifecycleEmissionAndCounters(t *testing.T) {
	em, st, cs := newEmitter(t)
	e := testEvent(nil)

	if err := em.EmitStart(cs, e, 100); err != nil {
		t.Fatal(err)
	}
	if err := em.EmitEnd(cs, e, 101); err != nil {
		t.Fatal(err)
	}

	entries, _, _ := cs.LoadLogEntries()
	if len(entries) != 4 {
		t.Fatalf("lifecycle entries = %d, want 4", len(entries))
	}
	wantSignals := []string{"typing_started", "presence_active", "typing_stopped", "presence_idle"}
	for i, want := range wantSignals {
		if got, _ := entries[i].Payload["signal"].(string); got != want {
			t.Errorf("signal[%d] = %q, want %q", i, got, want)
		}
	}

	c := st.Counters()
	if c.TypingEventsEmitted != 2 || c.PresenceEventsEmitted != 2 {
		t.Errorf("counters = typing %d presence %d, want 2/2", c.TypingEventsEmitted, c.PresenceEventsEmitted)
	}
	if c.TypingByTransport["telegram"] != 2 || c.PresenceByTransport["telegram"] != 2 {
		t.Errorf("per-transport = %v / %v", c.TypingByTransport, c.PresenceByTransport)
	}
}

func TestLifecycleIdempotence(t *testing.T) {
	em, st, cs := newEmitter(t)
	e := testEvent(nil)

	_ = em.EmitStart(cs, e, 100)
	_ = em.EmitStart(cs, e, 200) // replayed cycle

	entries, _, _ := cs.LoadLogEntries()
	if len(entries) != 2 {
		t.Errorf("entries after replay = %d, want 2", len(entries))
	}
	if st.Counters().TypingEventsEmitted != 1 {
		t.Errorf("typing counter = %d, want 1", st.Counters().TypingEventsEmitted)
	}
}

func TestRecordUsage(t *testing.T) {
	em, st, cs := newEmitter(t)

	e := testEvent(map[string]string{"usage_cost_micros": "1500"})
	if err := em.RecordUsage(e, 120, 2); err != nil {
		t.Fatal(err)
	}

	c := st.Counters()
	if c.UsageSummaryRecords != 1 || c.ResponseCharsTotal != 120 || c.ChunksTotal != 2 {
		t.Errorf("counters = %+v", c)
	}
	if c.EstimatedCostMicrosTotal != 1500 {
		t.Errorf("cost = %d, want 1500", c.EstimatedCostMicrosTotal)
	}
	if c.UsageByTransport["telegram"] != 1 {
		t.Errorf("per-transport usage = %v", c.UsageByTransport)
	}

	// Usage is counter-only; the channel log stays delivery-shaped.
	entries, _, _ := cs.LoadLogEntries()
	if len(entries) != 0 {
		t.Fatalf("usage wrote %d log entries, want 0", len(entries))
	}
}

func TestCostFromUSD(t *testing.T) {
	e := testEvent(map[string]string{"usage_cost_usd": "0.0025"})
	if got := costMicrosFromMetadata(e); got != 2500 {
		t.Errorf("cost = %d, want 2500", got)
	}
	if got := costMicrosFromMetadata(testEvent(nil)); got != 0 {
		t.Errorf("no metadata cost = %d, want 0", got)
	}
}
