package route

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/pkg/protocol"
)

const (
	defaultRole     = "assistant"
	defaultTemplate = "{role}:{account}:{conversation}"
	traceFile       = "route-traces.jsonl"
)

// Decision is the outcome of resolving one event.
type Decision struct {
	BindingID         string   `json:"binding_id"`
	Matched           bool     `json:"matched"`
	MatchSpecificity  int      `json:"match_specificity"`
	Phase             Phase    `json:"phase"`
	AccountID         string   `json:"account_id"`
	RequestedCategory string   `json:"requested_category,omitempty"`
	SelectedCategory  string   `json:"selected_category,omitempty"`
	SelectedRole      string   `json:"selected_role"`
	FallbackRoles     []string `json:"fallback_roles,omitempty"`
	AttemptRoles      []string `json:"attempt_roles"`
	SessionKey        string   `json:"session_key"`
}

// Resolver picks the most specific matching binding and consults the
// route table for the role. With no bindings file it resolves everything
// to the default role and template.
type Resolver struct {
	bindings  *BindingsFile
	accountID string
	stateDir  string
}

// NewResolver builds a resolver. bindings may be nil; accountID names the
// bot account this runtime serves; stateDir receives route-traces.jsonl.
func NewResolver(bindings *BindingsFile, accountID, stateDir string) *Resolver {
	if accountID == "" {
		accountID = "default"
	}
	return &Resolver{bindings: bindings, accountID: accountID, stateDir: stateDir}
}

// Resolve maps an event to a route decision. The phase defaults to
// planner; events may request a category via metadata.
func (r *Resolver) Resolve(e event.InboundEvent) Decision {
	phase := Phase(e.Meta("phase"))
	switch phase {
	case PhasePlanner, PhaseDelegatedStep, PhaseReview:
	default:
		phase = PhasePlanner
	}
	requested := e.Meta("category")

	d := Decision{
		Phase:             phase,
		AccountID:         r.accountID,
		RequestedCategory: requested,
		SelectedRole:      defaultRole,
	}

	template := defaultTemplate
	categoryHint := ""

	if r.bindings != nil {
		best := -1
		for i := range r.bindings.Bindings {
			b := &r.bindings.Bindings[i]
			if !b.Matches(string(e.Transport), r.accountID, e.ConversationID, e.ActorID, phase) {
				continue
			}
			// Highest specificity wins; ties keep declaration order.
			if s := b.Specificity(); s > best {
				best = s
				d.BindingID = b.BindingID
				d.Matched = true
				d.MatchSpecificity = s
				if b.SessionKeyTemplate != "" {
					template = b.SessionKeyTemplate
				}
				categoryHint = b.CategoryHint
			}
		}

		category := requested
		if category == "" {
			category = categoryHint
		}
		if category == "" {
			category = r.bindings.RouteTable.DefaultCategory
		}

		if entry := r.bindings.RouteTable.lookup(phase, category); entry != nil {
			d.SelectedCategory = category
			d.FallbackRoles = entry.FallbackRoles
			for _, role := range append([]string{entry.Role}, entry.FallbackRoles...) {
				d.AttemptRoles = append(d.AttemptRoles, role)
				if r.bindings.RouteTable.roleExists(role) {
					d.SelectedRole = role
					break
				}
			}
		}
	}

	if len(d.AttemptRoles) == 0 {
		d.AttemptRoles = []string{d.SelectedRole}
	}
	d.SessionKey = ExpandSessionKey(template, d.SelectedRole, r.accountID, e.ConversationID)
	return d
}

// traceRecord is one route-traces.jsonl line.
type traceRecord struct {
	RecordType       string   `json:"record_type"`
	TimestampMs      uint64   `json:"timestamp_ms"`
	EventKey         string   `json:"event_key"`
	BindingID        string   `json:"binding_id,omitempty"`
	Matched          bool     `json:"matched"`
	MatchSpecificity int      `json:"match_specificity"`
	Phase            Phase    `json:"phase"`
	SelectedRole     string   `json:"selected_role"`
	FallbackRoles    []string `json:"fallback_roles,omitempty"`
	AttemptRoles     []string `json:"attempt_roles"`
	SessionKey       string   `json:"session_key"`
}

// AppendTrace records a resolution in route-traces.jsonl.
func (r *Resolver) AppendTrace(d Decision, eventKey string, nowMs uint64) error {
	rec := traceRecord{
		RecordType:       protocol.RecordRouteTrace,
		TimestampMs:      nowMs,
		EventKey:         eventKey,
		BindingID:        d.BindingID,
		Matched:          d.Matched,
		MatchSpecificity: d.MatchSpecificity,
		Phase:            d.Phase,
		SelectedRole:     d.SelectedRole,
		FallbackRoles:    d.FallbackRoles,
		AttemptRoles:     d.AttemptRoles,
		SessionKey:       d.SessionKey,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal route trace: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(r.stateDir, traceFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open route traces: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append route trace: %w", err)
	}
	return nil
}
