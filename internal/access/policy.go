// Package access evaluates layered access for inbound events: channel
// policy, then pairing/allowlist, then RBAC. Denials are values carrying
// stable reason codes; the first deny wins.
package access

import (
	"fmt"
	"os"

	"github.com/titanous/json5"

	"github.com/njfio/tau/pkg/protocol"
)

// GatePolicy gates a whole conversation class (DMs or groups).
type GatePolicy string

const (
	GateAllow GatePolicy = "allow"
	GateDeny  GatePolicy = "deny"
)

// AllowFrom controls which actors pass once the conversation class is open.
type AllowFrom string

const (
	AllowFromAny               AllowFrom = "any"
	AllowFromAllowlistOrPairing AllowFrom = "allowlist_or_pairing"
	AllowFromAllowlistOnly     AllowFrom = "allowlist_only"
)

// ChannelPolicy is one per-channel (or default) policy block.
type ChannelPolicy struct {
	DMPolicy       GatePolicy `json:"dmPolicy"`
	AllowFrom      AllowFrom  `json:"allowFrom"`
	GroupPolicy    GatePolicy `json:"groupPolicy"`
	RequireMention bool       `json:"requireMention"`
}

func (p ChannelPolicy) withDefaults() ChannelPolicy {
	if p.DMPolicy == "" {
		p.DMPolicy = GateAllow
	}
	if p.GroupPolicy == "" {
		p.GroupPolicy = GateAllow
	}
	if p.AllowFrom == "" {
		p.AllowFrom = AllowFromAny
	}
	return p
}

// Permissive reports whether no rule beyond "allow anyone" applies.
func (p ChannelPolicy) Permissive() bool {
	p = p.withDefaults()
	return p.DMPolicy == GateAllow && p.GroupPolicy == GateAllow &&
		p.AllowFrom == AllowFromAny && !p.RequireMention
}

// PolicyFile is the channel-policy document, keyed by
// "{transport}:{conversation_id}" with a default fallback.
type PolicyFile struct {
	SchemaVersion int                      `json:"schema_version"`
	DefaultPolicy ChannelPolicy            `json:"defaultPolicy"`
	Channels      map[string]ChannelPolicy `json:"channels,omitempty"`
}

// PolicyFor returns the effective policy for a channel key.
func (f *PolicyFile) PolicyFor(channelKey string) ChannelPolicy {
	if f == nil {
		return ChannelPolicy{}.withDefaults()
	}
	if p, ok := f.Channels[channelKey]; ok {
		return p.withDefaults()
	}
	return f.DefaultPolicy.withDefaults()
}

// LoadPolicyFile parses a channel-policy JSON5 file. A missing file yields
// a nil (fully permissive) policy.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read channel policy: %w", err)
	}
	var f PolicyFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channel policy: %w", err)
	}
	return &f, nil
}

// Decision is one layer's (or the final) allow/deny outcome.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reason_code"`
}

// Allow and Deny are decision constructors.
func Allow(reason string) Decision { return Decision{Allowed: true, ReasonCode: reason} }
func Deny(reason string) Decision  { return Decision{Allowed: false, ReasonCode: reason} }

// evalChannelPolicy applies the first layer. isDirect classifies the
// conversation; mentioned reports whether the event body mentions the bot.
func evalChannelPolicy(p ChannelPolicy, isDirect, mentioned bool) Decision {
	p = p.withDefaults()
	if isDirect && p.DMPolicy == GateDeny {
		return Deny(protocol.DenyChannelPolicyDM)
	}
	if !isDirect && p.GroupPolicy == GateDeny {
		return Deny(protocol.DenyChannelPolicyGroup)
	}
	if p.RequireMention && !mentioned {
		return Deny(protocol.DenyChannelPolicyMentionRequired)
	}
	if p.AllowFrom == AllowFromAny {
		return Allow(protocol.AllowChannelPolicyAllowFromAny)
	}
	if isDirect {
		return Allow(protocol.AllowChannelPolicyDM)
	}
	return Allow(protocol.AllowChannelPolicyGroup)
}
