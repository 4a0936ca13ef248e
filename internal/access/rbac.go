package access

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// RBACEvaluator is the narrow contract the runtime consumes. Authorize
// errors mean the policy could not be evaluated (load/parse failure) and
// are recorded as Failed outcomes, never as denials.
type RBACEvaluator interface {
	Authorize(principal, action string) (bool, error)
}

// AllowAllRBAC permits every action; the default when no policy file is
// configured.
type AllowAllRBAC struct{}

func (AllowAllRBAC) Authorize(string, string) (bool, error) { return true, nil }

// RBACRule matches a principal pattern to permitted actions. "*" matches
// anything; a trailing "*" in an action is a prefix match.
type RBACRule struct {
	Principal string   `json:"principal"`
	Actions   []string `json:"actions"`
	Effect    string   `json:"effect"` // "allow" (default) or "deny"
}

// FileRBAC is a file-backed RBAC policy, lazily loaded so per-event
// evaluation sees load failures as errors rather than denials.
type FileRBAC struct {
	path  string
	rules []RBACRule
	loaded bool
}

// NewFileRBAC creates a file-backed evaluator for path.
func NewFileRBAC(path string) *FileRBAC {
	return &FileRBAC{path: path}
}

type rbacFile struct {
	SchemaVersion int        `json:"schema_version"`
	Rules         []RBACRule `json:"rules"`
}

// Authorize evaluates rules in order; the first match wins. No match
// denies.
func (r *FileRBAC) Authorize(principal, action string) (bool, error) {
	if !r.loaded {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return false, fmt.Errorf("read rbac policy: %w", err)
		}
		var f rbacFile
		if err := json5.Unmarshal(data, &f); err != nil {
			return false, fmt.Errorf("parse rbac policy: %w", err)
		}
		r.rules = f.Rules
		r.loaded = true
	}

	for _, rule := range r.rules {
		if !matchPattern(rule.Principal, principal) {
			continue
		}
		for _, a := range rule.Actions {
			if matchPattern(a, action) {
				return rule.Effect != "deny", nil
			}
		}
	}
	return false, nil
}

func matchPattern(pattern, value string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Principal builds the RBAC principal for an event actor.
func Principal(transport, actorID string) string {
	return transport + ":" + actorID
}

// CommandAction builds the RBAC action string for a /tau command name, or
// the prompt-run action when name is empty.
func CommandAction(name string) string {
	if name == "" {
		return "command:/tau-run"
	}
	return "command:/tau-" + name
}
