package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/njfio/tau/internal/state"
)

const (
	runtimeEventsFile  = "runtime-events.jsonl"
	inboundStreamFile  = "inbound-events.jsonl"
	outboundStreamFile = "outbound-events.jsonl"
)

// CycleReport is one runtime-events.jsonl line: the complete accounting of
// a poll cycle.
type CycleReport struct {
	TimestampUnixMs uint64            `json:"timestamp_unix_ms"`
	CycleDurationMs uint64            `json:"cycle_duration_ms"`
	HealthState     state.HealthState `json:"health_state"`
	HealthReason    string            `json:"health_reason"`
	ReasonCodes     []string          `json:"reason_codes"`

	DiscoveredEvents int `json:"discovered_events"`
	QueuedEvents     int `json:"queued_events"`
	BacklogEvents    int `json:"backlog_events"`
	CompletedEvents  int `json:"completed_events"`
	FailedEvents     int `json:"failed_events"`
	DuplicateSkips   int `json:"duplicate_skips"`

	TransientFailures int `json:"transient_failures"`
	RetryAttempts     int `json:"retry_attempts"`

	PolicyChecked  int `json:"policy_checked"`
	PolicyEnforced int `json:"policy_enforced"`
	PolicyAllowed  int `json:"policy_allowed"`
	PolicyDenied   int `json:"policy_denied"`

	TypingEventsEmitted   int `json:"typing_events_emitted"`
	PresenceEventsEmitted int `json:"presence_events_emitted"`
	UsageSummaryRecords   int `json:"usage_summary_records"`
	UsageResponseChars    int `json:"usage_response_chars"`
	UsageChunks           int `json:"usage_chunks"`
}

// appendReport writes one report line to runtime-events.jsonl.
func appendReport(stateDir string, report *CycleReport) error {
	return appendLine(filepath.Join(stateDir, runtimeEventsFile), report)
}

// appendGithubStream mirrors GitHub-flavor events to the flat
// inbound/outbound streams alongside the per-channel logs.
func appendGithubStream(stateDir, file string, record any) error {
	return appendLine(filepath.Join(stateDir, file), record)
}

func appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return nil
}
