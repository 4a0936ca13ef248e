// Package ingress discovers inbound events from the configured sources:
// a fixture file, a live NDJSON drop directory, and a WhatsApp bridge
// WebSocket. Sources are polled once per cycle; the processed-event window
// keeps rediscovery idempotent.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/njfio/tau/internal/event"
)

// Source is one event discovery origin.
type Source interface {
	Name() string
	Discover(ctx context.Context) ([]event.InboundEvent, error)
}

// FixtureSource replays a fixture file each cycle. Deduplication happens
// downstream, so rereading the same file is harmless.
type FixtureSource struct {
	path string
}

// NewFixtureSource creates a source for a fixture path.
func NewFixtureSource(path string) *FixtureSource {
	return &FixtureSource{path: path}
}

func (s *FixtureSource) Name() string { return "fixture:" + s.path }

// fixtureDoc accepts either a bare event array or a wrapped document.
type fixtureDoc struct {
	SchemaVersion uint32               `json:"schema_version"`
	Events        []event.InboundEvent `json:"events"`
}

// Discover parses the fixture. Events failing validation are dropped
// without an error; an error is returned only when the file cannot be
// read or parsed.
func (s *FixtureSource) Discover(context.Context) ([]event.InboundEvent, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var events []event.InboundEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var doc fixtureDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse fixture: %w", err)
		}
		events = doc.Events
	}

	valid := events[:0]
	for _, e := range events {
		if e.SchemaVersion == 0 {
			e.SchemaVersion = event.SchemaVersion
		}
		if err := e.Validate(); err != nil {
			continue
		}
		valid = append(valid, e)
	}
	return valid, nil
}
