package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const stateFile = "state.json"

// Store wraps RuntimeState with mutators that track dirtiness so the
// runtime can skip the atomic rewrite when nothing changed.
type Store struct {
	dir          string
	processedCap int
	state        RuntimeState
	processed    map[string]struct{} // mirror of ProcessedEventKeys for O(1) lookup
	dirty        bool
}

// Load reads state.json from dir, or returns a fresh default when the file
// is absent, unreadable, or carries a different schema version. A schema
// mismatch is logged and the old state dropped.
func Load(dir string, processedCap int) (*Store, error) {
	s := &Store{
		dir:          dir,
		processedCap: processedCap,
		state:        newRuntimeState(),
		processed:    make(map[string]struct{}),
	}

	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var loaded RuntimeState
	if err := json.Unmarshal(data, &loaded); err != nil {
		slog.Warn("state file unreadable, starting fresh", "dir", dir, "error", err)
		return s, nil
	}
	if loaded.SchemaVersion != SchemaVersion {
		slog.Warn("state schema mismatch, dropping state",
			"found", loaded.SchemaVersion, "want", SchemaVersion)
		return s, nil
	}

	if loaded.PerSessionStats == nil {
		loaded.PerSessionStats = make(map[string]SessionStats)
	}
	if loaded.ScanCursors == nil {
		loaded.ScanCursors = make(map[string]string)
	}
	s.state = loaded
	for _, key := range loaded.ProcessedEventKeys {
		s.processed[key] = struct{}{}
	}
	return s, nil
}

// Dirty reports whether any mutator changed state since the last save.
func (s *Store) Dirty() bool { return s.dirty }

// IsProcessed reports whether the event key is in the processed window.
func (s *Store) IsProcessed(key string) bool {
	_, ok := s.processed[key]
	return ok
}

// MarkProcessed inserts key into the LRU ring, evicting the oldest entry
// on overflow. Returns true if the key was newly inserted.
func (s *Store) MarkProcessed(key string) bool {
	if s.IsProcessed(key) {
		return false
	}
	s.state.ProcessedEventKeys = append(s.state.ProcessedEventKeys, key)
	s.processed[key] = struct{}{}
	for s.processedCap > 0 && len(s.state.ProcessedEventKeys) > s.processedCap {
		oldest := s.state.ProcessedEventKeys[0]
		s.state.ProcessedEventKeys = s.state.ProcessedEventKeys[1:]
		delete(s.processed, oldest)
	}
	s.dirty = true
	return true
}

// ProcessedEventTail returns up to n most recent processed keys, newest
// last. Used for replay hints in status output.
func (s *Store) ProcessedEventTail(n int) []string {
	keys := s.state.ProcessedEventKeys
	if n <= 0 || n >= len(keys) {
		out := make([]string, len(keys))
		copy(out, keys)
		return out
	}
	out := make([]string, n)
	copy(out, keys[len(keys)-n:])
	return out
}

// ProcessedCount returns the number of keys in the window.
func (s *Store) ProcessedCount() int { return len(s.state.ProcessedEventKeys) }

// RecordEventOutcome bumps per-session counters for one terminal outcome.
func (s *Store) RecordEventOutcome(sessionKey string, outcome EventOutcome, nowMs uint64) {
	stats := s.state.PerSessionStats[sessionKey]
	switch outcome {
	case OutcomeProcessed:
		stats.EventsProcessed++
	case OutcomeDenied:
		stats.EventsDenied++
	case OutcomeFailed:
		stats.EventsFailed++
	case OutcomeReset:
		stats.EventsReset++
	}
	stats.LastEventUnixMs = nowMs
	s.state.PerSessionStats[sessionKey] = stats
	s.dirty = true
}

// RecordRunStarted bumps the per-session run-start counter.
func (s *Store) RecordRunStarted(sessionKey string) {
	stats := s.state.PerSessionStats[sessionKey]
	stats.RunsStarted++
	s.state.PerSessionStats[sessionKey] = stats
	s.dirty = true
}

// RecordRunFinished bumps the per-session run-finish counter.
func (s *Store) RecordRunFinished(sessionKey string) {
	stats := s.state.PerSessionStats[sessionKey]
	stats.RunsFinished++
	s.state.PerSessionStats[sessionKey] = stats
	s.dirty = true
}

// SessionStatsFor returns a copy of the stats for one session key.
func (s *Store) SessionStatsFor(sessionKey string) SessionStats {
	return s.state.PerSessionStats[sessionKey]
}

// UpdateHealth replaces the transport-health snapshot. Returns true when
// the snapshot differed from the stored one.
func (s *Store) UpdateHealth(snapshot HealthSnapshot) bool {
	if s.state.Health != nil && *s.state.Health == snapshot {
		return false
	}
	s.state.Health = &snapshot
	s.dirty = true
	return true
}

// Health returns the last stored snapshot, or nil before the first cycle.
func (s *Store) Health() *HealthSnapshot { return s.state.Health }

// Counters returns a pointer to the telemetry counters for in-place
// mutation by the telemetry emitter; callers must call MarkDirty after
// changing anything.
func (s *Store) Counters() *TelemetryCounters { return &s.state.Telemetry }

// SetTelemetryPolicy records the active emission policy.
func (s *Store) SetTelemetryPolicy(p TelemetryPolicy) {
	if s.state.TelemetryPolicy == p {
		return
	}
	s.state.TelemetryPolicy = p
	s.dirty = true
}

// SetScanCursor stores a per-source discovery cursor.
func (s *Store) SetScanCursor(source, cursor string) {
	if s.state.ScanCursors[source] == cursor {
		return
	}
	s.state.ScanCursors[source] = cursor
	s.dirty = true
}

// ScanCursor returns the stored cursor for a source, "" when unset.
func (s *Store) ScanCursor(source string) string { return s.state.ScanCursors[source] }

// MarkDirty flags the state for rewrite at the end of the cycle.
func (s *Store) MarkDirty() { s.dirty = true }

// Save writes state.json atomically (temp file, fsync, rename) and clears
// the dirty flag. A no-op when nothing changed.
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(s.dir, stateFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	s.dirty = false
	return nil
}
