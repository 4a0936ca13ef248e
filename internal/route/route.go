// Package route maps inbound events to (role, session_key) pairs through
// wildcard bindings and an orchestrator route table. Every resolution
// appends a trace line to route-traces.jsonl.
package route

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// Phase is the orchestrator stage an event is routed for.
type Phase string

const (
	PhasePlanner       Phase = "planner"
	PhaseDelegatedStep Phase = "delegated_step"
	PhaseReview        Phase = "review"
)

// Wildcard matches any value in a binding field.
const Wildcard = "*"

// Binding is one route matcher. Any match field may be the wildcard.
type Binding struct {
	BindingID          string `json:"binding_id"`
	Transport          string `json:"transport"`
	AccountID          string `json:"account_id"`
	ConversationID     string `json:"conversation_id"`
	ActorID            string `json:"actor_id"`
	Phase              Phase  `json:"phase"`
	CategoryHint       string `json:"category_hint,omitempty"`
	SessionKeyTemplate string `json:"session_key_template"`
}

// Specificity counts non-wildcard match fields; higher wins.
func (b Binding) Specificity() int {
	n := 0
	for _, f := range []string{b.Transport, b.AccountID, b.ConversationID, b.ActorID, string(b.Phase)} {
		if f != Wildcard && f != "" {
			n++
		}
	}
	return n
}

func fieldMatches(pattern, value string) bool {
	return pattern == Wildcard || pattern == "" || pattern == value
}

// Matches reports whether the binding applies to the given event facts.
func (b Binding) Matches(transport, accountID, conversationID, actorID string, phase Phase) bool {
	return fieldMatches(b.Transport, transport) &&
		fieldMatches(b.AccountID, accountID) &&
		fieldMatches(b.ConversationID, conversationID) &&
		fieldMatches(b.ActorID, actorID) &&
		fieldMatches(string(b.Phase), string(phase))
}

// RouteEntry maps (phase, category) to a role with fallbacks.
type RouteEntry struct {
	Phase         Phase    `json:"phase"`
	Category      string   `json:"category,omitempty"` // "" = any category
	Role          string   `json:"role"`
	FallbackRoles []string `json:"fallback_roles,omitempty"`
}

// Table is the orchestrator route table.
type Table struct {
	DefaultCategory string              `json:"default_category,omitempty"`
	Roles           map[string]struct{} `json:"-"`
	RoleNames       []string            `json:"roles"`
	Routes          []RouteEntry        `json:"routes"`
}

// lookup returns the route entry for (phase, category), falling back to a
// category-agnostic entry for the phase.
func (t *Table) lookup(phase Phase, category string) *RouteEntry {
	var anyCat *RouteEntry
	for i := range t.Routes {
		r := &t.Routes[i]
		if r.Phase != phase {
			continue
		}
		if r.Category == category && category != "" {
			return r
		}
		if r.Category == "" && anyCat == nil {
			anyCat = r
		}
	}
	return anyCat
}

// roleExists reports whether the table declares the role.
func (t *Table) roleExists(role string) bool {
	_, ok := t.Roles[role]
	return ok
}

// BindingsFile is the on-disk bindings + route-table document.
type BindingsFile struct {
	SchemaVersion int       `json:"schema_version"`
	Bindings      []Binding `json:"bindings"`
	RouteTable    Table     `json:"route_table"`
}

// LoadBindingsFile parses a JSON5 bindings document. A missing path yields
// nil, which the resolver treats as defaults-only.
func LoadBindingsFile(path string) (*BindingsFile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read route bindings: %w", err)
	}
	var f BindingsFile
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse route bindings: %w", err)
	}
	f.RouteTable.Roles = make(map[string]struct{}, len(f.RouteTable.RoleNames))
	for _, r := range f.RouteTable.RoleNames {
		f.RouteTable.Roles[r] = struct{}{}
	}
	return &f, nil
}

// ExpandSessionKey substitutes {role}, {account}, {conversation} into a
// session key template.
func ExpandSessionKey(template, role, account, conversation string) string {
	r := strings.NewReplacer(
		"{role}", role,
		"{account}", account,
		"{conversation}", conversation,
	)
	return r.Replace(template)
}
