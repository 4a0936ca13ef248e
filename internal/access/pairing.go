package access

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"

	"github.com/njfio/tau/pkg/protocol"
)

// Pairing is one actor↔channel pairing grant.
type Pairing struct {
	Channel       string `json:"channel"` // "{transport}:{conversation_id}"
	ActorID       string `json:"actor_id"`
	ExpiresUnixMs uint64 `json:"expires_unix_ms,omitempty"` // 0 = never
}

// Expired reports whether the pairing has lapsed at nowMs.
func (p Pairing) Expired(nowMs uint64) bool {
	return p.ExpiresUnixMs != 0 && p.ExpiresUnixMs <= nowMs
}

// PairingFile is the pairing/allowlist registry document.
type PairingFile struct {
	SchemaVersion int                 `json:"schema_version"`
	Strict        bool                `json:"strict,omitempty"`
	Allowlist     map[string][]string `json:"allowlist,omitempty"` // channel key → actor IDs
	Pairings      []Pairing           `json:"pairings,omitempty"`
}

// LoadPairingFile parses the registry. A missing file yields an empty,
// non-strict registry.
func LoadPairingFile(path string) (*PairingFile, error) {
	if path == "" {
		return &PairingFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PairingFile{}, nil
		}
		return nil, fmt.Errorf("read pairing registry: %w", err)
	}
	var f PairingFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pairing registry: %w", err)
	}
	return &f, nil
}

// InAllowlist reports whether actor is listed for the channel key.
func (f *PairingFile) InAllowlist(channelKey, actorID string) bool {
	for _, a := range f.Allowlist[channelKey] {
		if a == actorID {
			return true
		}
	}
	return false
}

// HasPairing reports whether actor holds an unexpired pairing for the
// channel key.
func (f *PairingFile) HasPairing(channelKey, actorID string, nowMs uint64) bool {
	for _, p := range f.Pairings {
		if p.Channel == channelKey && p.ActorID == actorID && !p.Expired(nowMs) {
			return true
		}
	}
	return false
}

// evalPairing applies the second layer for allowFrom modes beyond "any".
func evalPairing(reg *PairingFile, mode AllowFrom, channelKey, actorID string, nowMs uint64) Decision {
	if reg.Strict && strings.TrimSpace(actorID) == "" {
		return Deny(protocol.DenyActorIDMissing)
	}

	inAllow := reg.InAllowlist(channelKey, actorID)
	paired := reg.HasPairing(channelKey, actorID, nowMs)

	switch {
	case inAllow && paired:
		return Allow(protocol.AllowAllowlistAndPairing)
	case inAllow:
		return Allow(protocol.AllowAllowlist)
	case paired:
		if mode == AllowFromAllowlistOnly {
			// Pairing alone never satisfies allowlist_only, regardless of
			// mention gating. Reason-code priority frozen here.
			return Deny(protocol.DenyChannelPolicyAllowlistOnly)
		}
		return Allow(protocol.AllowPairing)
	default:
		return Deny(protocol.DenyActorNotPairedOrAllowlisted)
	}
}
