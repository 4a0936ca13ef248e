// Package telemetry emits typing/presence lifecycle signals and per-cycle
// usage summaries, accumulating counters in durable state. Emission is
// idempotent: the channel log is consulted before each signal so replayed
// cycles do not double-count.
package telemetry

import (
	"math"
	"strconv"

	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/internal/state"
	"github.com/njfio/tau/pkg/protocol"
)

// Emitter writes lifecycle signals around long replies and usage summaries
// after successful deliveries.
type Emitter struct {
	cfg   config.TelemetryConfig
	store *state.Store
}

// NewEmitter binds the emitter to its policy and counter store. The active
// policy is recorded in state so historical counters stay interpretable.
func NewEmitter(cfg config.TelemetryConfig, st *state.Store) *Emitter {
	st.SetTelemetryPolicy(state.TelemetryPolicy{
		TypingPresenceEnabled:      cfg.TypingPresenceEnabled,
		TypingPresenceMinRespChars: cfg.TypingPresenceMinRespChars,
		UsageSummaryEnabled:        cfg.UsageSummaryEnabled,
	})
	return &Emitter{cfg: cfg, store: st}
}

// ShouldSignal reports whether a reply of responseChars warrants the
// typing/presence lifecycle for this event.
func (em *Emitter) ShouldSignal(e event.InboundEvent, responseChars int) bool {
	if !em.cfg.TypingPresenceEnabled {
		return false
	}
	if e.Meta("telemetry_force_typing_presence") == "true" {
		return true
	}
	return responseChars >= em.cfg.TypingPresenceMinRespChars
}

// EmitStart emits typing_started and presence_active before delivery.
func (em *Emitter) EmitStart(cs *channelstore.Store, e event.InboundEvent, nowMs uint64) error {
	if err := em.emitSignal(cs, e, protocol.SignalTypingStarted, nowMs); err != nil {
		return err
	}
	return em.emitSignal(cs, e, protocol.SignalPresenceActive, nowMs)
}

// EmitEnd emits typing_stopped and presence_idle after delivery.
func (em *Emitter) EmitEnd(cs *channelstore.Store, e event.InboundEvent, nowMs uint64) error {
	if err := em.emitSignal(cs, e, protocol.SignalTypingStopped, nowMs); err != nil {
		return err
	}
	return em.emitSignal(cs, e, protocol.SignalPresenceIdle, nowMs)
}

func (em *Emitter) emitSignal(cs *channelstore.Store, e event.InboundEvent, signal string, nowMs uint64) error {
	already, err := logContainsSignal(cs, e.Key(), signal)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	entry := channelstore.LogEntry{
		TimestampMs: nowMs,
		Direction:   channelstore.DirectionOutbound,
		EventKey:    e.Key(),
		Source:      "telemetry",
		Payload: map[string]any{
			"schema": protocol.SchemaTelemetryLifecycle,
			"signal": signal,
		},
	}
	if err := cs.AppendLogEntry(entry); err != nil {
		return err
	}

	counters := em.store.Counters()
	transport := string(e.Transport)
	switch signal {
	case protocol.SignalTypingStarted, protocol.SignalTypingStopped:
		counters.TypingEventsEmitted++
		if counters.TypingByTransport == nil {
			counters.TypingByTransport = make(map[string]uint64)
		}
		counters.TypingByTransport[transport]++
	case protocol.SignalPresenceActive, protocol.SignalPresenceIdle:
		counters.PresenceEventsEmitted++
		if counters.PresenceByTransport == nil {
			counters.PresenceByTransport = make(map[string]uint64)
		}
		counters.PresenceByTransport[transport]++
	}
	em.store.MarkDirty()
	return nil
}

func logContainsSignal(cs *channelstore.Store, eventKey, signal string) (bool, error) {
	entries, _, err := cs.LoadLogEntries()
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.EventKey != eventKey {
			continue
		}
		if s, _ := entry.Payload["signal"].(string); s == signal {
			return true, nil
		}
	}
	return false, nil
}

// RecordUsage accumulates a usage summary for a successful delivery into
// the durable counters (totals plus per-transport). Cost comes from
// metadata.usage_cost_micros, or round(metadata.usage_cost_usd · 1e6) as
// fallback. Summaries live in counters and the cycle report, not the
// channel log, so log entry counts stay delivery-shaped.
func (em *Emitter) RecordUsage(e event.InboundEvent, responseChars, chunks int) error {
	if !em.cfg.UsageSummaryEnabled {
		return nil
	}

	costMicros := costMicrosFromMetadata(e)
	counters := em.store.Counters()
	counters.UsageSummaryRecords++
	counters.ResponseCharsTotal += uint64(responseChars)
	counters.ChunksTotal += uint64(chunks)
	counters.EstimatedCostMicrosTotal += costMicros
	if counters.UsageByTransport == nil {
		counters.UsageByTransport = make(map[string]uint64)
	}
	counters.UsageByTransport[string(e.Transport)]++
	em.store.MarkDirty()
	return nil
}

func costMicrosFromMetadata(e event.InboundEvent) uint64 {
	if v := e.Meta("usage_cost_micros"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	if v := e.Meta("usage_cost_usd"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return uint64(math.Round(f * 1e6))
		}
	}
	return 0
}
