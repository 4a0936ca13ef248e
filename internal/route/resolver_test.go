package route

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/njfio/tau/internal/event"
)

func testBindings() *BindingsFile {
	f := &BindingsFile{
		Bindings: []Binding{
			{BindingID: "catch-all", Transport: "*", AccountID: "*", ConversationID: "*", ActorID: "*",
				Phase: "*", SessionKeyTemplate: "{role}:{account}:{conversation}"},
			{BindingID: "tg-chat", Transport: "telegram", AccountID: "*", ConversationID: "chat-1", ActorID: "*",
				Phase: "*", SessionKeyTemplate: "tg:{role}:{conversation}"},
			{BindingID: "tg-chat-actor", Transport: "telegram", AccountID: "*", ConversationID: "chat-1",
				ActorID: "vip", Phase: "*", CategoryHint: "coding", SessionKeyTemplate: "vip:{role}:{conversation}"},
		},
		RouteTable: Table{
			DefaultCategory: "general",
			RoleNames:       []string{"assistant", "coder"},
			Routes: []RouteEntry{
				{Phase: PhasePlanner, Category: "general", Role: "assistant"},
				{Phase: PhasePlanner, Category: "coding", Role: "coder", FallbackRoles: []string{"assistant"}},
				{Phase: PhaseReview, Role: "reviewer", FallbackRoles: []string{"assistant"}},
			},
		},
	}
	f.RouteTable.Roles = map[string]struct{}{"assistant": {}, "coder": {}}
	return f
}

func ev(tr event.Transport, conv, actor string, meta map[string]string) event.InboundEvent {
	return event.InboundEvent{Transport: tr, Kind: event.KindMessage, EventID: "e",
		ConversationID: conv, ActorID: actor, Metadata: meta}
}

func TestSpecificityOrdering(t *testing.T) {
	r := NewResolver(testBindings(), "acct", t.TempDir())

	tests := []struct {
		name        string
		e           event.InboundEvent
		wantBinding string
		wantSpec    int
	}{
		{"wildcard only", ev(event.TransportDiscord, "other", "u", nil), "catch-all", 0},
		{"transport+conversation", ev(event.TransportTelegram, "chat-1", "u", nil), "tg-chat", 2},
		{"most specific actor", ev(event.TransportTelegram, "chat-1", "vip", nil), "tg-chat-actor", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Resolve(tt.e)
			if !d.Matched || d.BindingID != tt.wantBinding || d.MatchSpecificity != tt.wantSpec {
				t.Errorf("got binding=%s spec=%d matched=%v", d.BindingID, d.MatchSpecificity, d.Matched)
			}
		})
	}
}

func TestRoleSelectionAndFallback(t *testing.T) {
	r := NewResolver(testBindings(), "acct", t.TempDir())

	// Category hint from the binding selects the coder role.
	d := r.Resolve(ev(event.TransportTelegram, "chat-1", "vip", nil))
	if d.SelectedRole != "coder" || d.SelectedCategory != "coding" {
		t.Errorf("vip: role=%s category=%s", d.SelectedRole, d.SelectedCategory)
	}
	if d.SessionKey != "vip:coder:chat-1" {
		t.Errorf("session key = %s", d.SessionKey)
	}

	// Review phase routes to a role missing from the table; fallback wins.
	d = r.Resolve(ev(event.TransportTelegram, "chat-1", "u", map[string]string{"phase": "review"}))
	if d.SelectedRole != "assistant" {
		t.Errorf("fallback role = %s", d.SelectedRole)
	}
	if len(d.AttemptRoles) != 2 || d.AttemptRoles[0] != "reviewer" || d.AttemptRoles[1] != "assistant" {
		t.Errorf("attempt roles = %v", d.AttemptRoles)
	}
}

func TestRequestedCategoryOverridesHint(t *testing.T) {
	r := NewResolver(testBindings(), "acct", t.TempDir())
	d := r.Resolve(ev(event.TransportTelegram, "chat-1", "vip", map[string]string{"category": "general"}))
	if d.SelectedRole != "assistant" || d.RequestedCategory != "general" {
		t.Errorf("role=%s requested=%s", d.SelectedRole, d.RequestedCategory)
	}
}

func TestNilBindingsDefaults(t *testing.T) {
	r := NewResolver(nil, "", t.TempDir())
	d := r.Resolve(ev(event.TransportWhatsApp, "551234:user-7", "user-7", nil))
	if d.Matched {
		t.Error("no bindings should mean unmatched")
	}
	if d.SelectedRole != "assistant" {
		t.Errorf("role = %s", d.SelectedRole)
	}
	if d.SessionKey != "assistant:default:551234:user-7" {
		t.Errorf("session key = %s", d.SessionKey)
	}
}

func TestAppendTrace(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(testBindings(), "acct", dir)
	d := r.Resolve(ev(event.TransportTelegram, "chat-1", "u", nil))
	if err := r.AppendTrace(d, "telegram:chat-1:message:e", 42); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "route-traces.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("no trace line written")
	}
	var rec map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["record_type"] != "multi_channel_route_trace_v1" {
		t.Errorf("record_type = %v", rec["record_type"])
	}
	if rec["session_key"] != d.SessionKey {
		t.Errorf("session_key = %v", rec["session_key"])
	}
}
