package access

import (
	"strings"

	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/pkg/protocol"
)

// AccessDecision is the layered result for one event.
type AccessDecision struct {
	PolicyChannel     string    `json:"policy_channel"`
	ChannelPolicyEval Decision  `json:"channel_policy_eval"`
	PairingDecision   *Decision `json:"pairing_decision,omitempty"`
	Final             Decision  `json:"final_decision"`
	PairingChecked    bool      `json:"pairing_checked"`
	PolicyEnforced    bool      `json:"policy_enforced"`
}

// Evaluator applies channel policy and pairing layers per event; RBAC is
// checked separately once the requested action is known.
type Evaluator struct {
	policies   *PolicyFile
	pairingPath string
	botMention string
	rbac       RBACEvaluator
}

// NewEvaluator builds an evaluator. policies may be nil (permissive);
// pairingPath is re-read per evaluation so registry edits take effect
// between cycles; botMention is the handle that satisfies requireMention
// (default "tau").
func NewEvaluator(policies *PolicyFile, pairingPath, botMention string, rbac RBACEvaluator) *Evaluator {
	if botMention == "" {
		botMention = "tau"
	}
	if rbac == nil {
		rbac = AllowAllRBAC{}
	}
	return &Evaluator{policies: policies, pairingPath: pairingPath, botMention: botMention, rbac: rbac}
}

// Evaluate runs the channel-policy and pairing layers for one event.
// The first deny wins; a tentative channel-policy allow carries through
// to the final decision when no later layer objects.
func (ev *Evaluator) Evaluate(e event.InboundEvent, nowMs uint64) AccessDecision {
	channelKey := string(e.Transport) + ":" + e.ConversationID
	policy := ev.policies.PolicyFor(channelKey)

	d := AccessDecision{
		PolicyChannel:  channelKey,
		PolicyEnforced: !policy.Permissive(),
	}

	mentioned := strings.Contains(e.Text, "@"+ev.botMention)
	d.ChannelPolicyEval = evalChannelPolicy(policy, e.IsDirect(), mentioned)
	if !d.ChannelPolicyEval.Allowed {
		d.Final = d.ChannelPolicyEval
		return d
	}

	if policy.withDefaults().AllowFrom == AllowFromAny {
		d.Final = d.ChannelPolicyEval
		return d
	}

	d.PairingChecked = true
	reg, err := LoadPairingFile(ev.pairingPath)
	if err != nil {
		pd := Deny(protocol.DenyPolicyEvaluationError)
		d.PairingDecision = &pd
		d.Final = pd
		return d
	}
	pd := evalPairing(reg, policy.withDefaults().AllowFrom, channelKey, e.ActorID, nowMs)
	d.PairingDecision = &pd
	d.Final = pd
	return d
}

// CheckRBAC authorizes the principal for an action. The bool is the
// decision; a non-nil error means the policy could not be evaluated and
// the event must be recorded as Failed with rbac_policy_error.
func (ev *Evaluator) CheckRBAC(e event.InboundEvent, action string) (bool, error) {
	return ev.rbac.Authorize(Principal(string(e.Transport), e.ActorID), action)
}

// OperatorScope reports whether the final decision grants operator-scope
// commands (auth, doctor): only explicit allowlist membership qualifies.
func OperatorScope(d AccessDecision) bool {
	switch d.Final.ReasonCode {
	case protocol.AllowAllowlist, protocol.AllowAllowlistAndPairing:
		return true
	}
	return false
}
