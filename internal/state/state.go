// Package state owns the process-wide durable state of one runtime
// instance: the processed-event LRU, per-session counters, telemetry
// counters, the transport-health snapshot, and scan cursors. The state
// file is rewritten atomically and only when something changed.
package state

// SchemaVersion is the current state.json schema. A mismatch on load
// resets state rather than guessing at a migration.
const SchemaVersion = 3

// HealthState classifies the runtime's recent behavior.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailing  HealthState = "failing"
)

// HealthSnapshot is the per-cycle transport health record.
type HealthSnapshot struct {
	UpdatedUnixMs        uint64      `json:"updated_unix_ms"`
	CycleDurationMs      uint64      `json:"cycle_duration_ms"`
	QueueDepth           int         `json:"queue_depth"`
	ActiveRuns           int         `json:"active_runs"`
	FailureStreak        int         `json:"failure_streak"`
	LastCycleDiscovered  int         `json:"last_cycle_discovered"`
	LastCycleProcessed   int         `json:"last_cycle_processed"`
	LastCycleCompleted   int         `json:"last_cycle_completed"`
	LastCycleFailed      int         `json:"last_cycle_failed"`
	LastCycleDuplicates  int         `json:"last_cycle_duplicates"`
	State                HealthState `json:"state"`
	Reason               string      `json:"reason"`
	Recommendation       string      `json:"recommendation"`
}

// TelemetryCounters accumulate across the life of a state directory.
type TelemetryCounters struct {
	TypingEventsEmitted      uint64            `json:"typing_events_emitted"`
	PresenceEventsEmitted    uint64            `json:"presence_events_emitted"`
	UsageSummaryRecords      uint64            `json:"usage_summary_records"`
	ResponseCharsTotal       uint64            `json:"response_chars_total"`
	ChunksTotal              uint64            `json:"chunks_total"`
	EstimatedCostMicrosTotal uint64            `json:"estimated_cost_micros_total"`
	TypingByTransport        map[string]uint64 `json:"typing_by_transport,omitempty"`
	PresenceByTransport      map[string]uint64 `json:"presence_by_transport,omitempty"`
	UsageByTransport         map[string]uint64 `json:"usage_by_transport,omitempty"`
}

// TelemetryPolicy records the emission policy active when counters were
// written, so operators can interpret historical numbers.
type TelemetryPolicy struct {
	TypingPresenceEnabled      bool `json:"typing_presence_enabled"`
	TypingPresenceMinRespChars int  `json:"typing_presence_min_response_chars"`
	UsageSummaryEnabled        bool `json:"usage_summary_enabled"`
}

// EventOutcome is the terminal disposition of one event.
type EventOutcome string

const (
	OutcomeProcessed EventOutcome = "processed"
	OutcomeDenied    EventOutcome = "denied"
	OutcomeFailed    EventOutcome = "failed"
	OutcomeReset     EventOutcome = "reset"
)

// SessionStats tracks per-session activity.
type SessionStats struct {
	EventsProcessed uint64 `json:"events_processed"`
	EventsDenied    uint64 `json:"events_denied"`
	EventsFailed    uint64 `json:"events_failed"`
	EventsReset     uint64 `json:"events_reset"`
	RunsStarted     uint64 `json:"runs_started"`
	RunsFinished    uint64 `json:"runs_finished"`
	LastEventUnixMs uint64 `json:"last_event_unix_ms"`
}

// RuntimeState is the serialized form of state.json.
type RuntimeState struct {
	SchemaVersion      int                     `json:"schema_version"`
	ProcessedEventKeys []string                `json:"processed_event_keys"`
	Health             *HealthSnapshot         `json:"health,omitempty"`
	Telemetry          TelemetryCounters       `json:"telemetry"`
	TelemetryPolicy    TelemetryPolicy         `json:"telemetry_policy"`
	PerSessionStats    map[string]SessionStats `json:"per_session_stats,omitempty"`
	ScanCursors        map[string]string       `json:"scan_cursors,omitempty"`
}

func newRuntimeState() RuntimeState {
	return RuntimeState{
		SchemaVersion:   SchemaVersion,
		PerSessionStats: make(map[string]SessionStats),
		ScanCursors:     make(map[string]string),
	}
}
