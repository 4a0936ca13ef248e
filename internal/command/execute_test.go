package command

import (
	"strings"
	"testing"

	"github.com/njfio/tau/internal/access"
	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/internal/prompt"
	"github.com/njfio/tau/internal/state"
	"github.com/njfio/tau/pkg/protocol"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	st, err := state.Load(t.TempDir(), 100)
	if err != nil {
		t.Fatal(err)
	}
	cs, err := channelstore.Open(t.TempDir(), "telegram", "assistant:default:chat-1")
	if err != nil {
		t.Fatal(err)
	}
	return &Env{
		Event: event.InboundEvent{
			Transport: event.TransportTelegram, Kind: event.KindCommand,
			EventID: "tg-1", ConversationID: "chat-1", ActorID: "u1",
		},
		SessionKey: "assistant:default:chat-1",
		Access:     access.AccessDecision{Final: access.Allow(protocol.AllowAllowlist)},
		NowMs:      1000,
		State:      st,
		Store:      cs,
		Registry:   prompt.NewRegistry(),
		Canvas:     NoCanvas{},
		Auth:       EnvAuth{},
		Doctor:     StoreDoctor{StateDir: t.TempDir()},
		Demos:      NewDemoIndex(),
	}
}

func mustParse(t *testing.T, text string) *Command {
	t.Helper()
	cmd, perr := Parse(text)
	if perr != nil {
		t.Fatalf("Parse(%q): %v", text, perr)
	}
	return cmd
}

func TestHelp(t *testing.T) {
	r := Execute(mustParse(t, "/tau help"), testEnv(t))
	if r.Status != "ok" || !strings.Contains(r.Text, "/tau status") {
		t.Errorf("result = %+v", r)
	}
	if r.Payload()["schema"] != "multi_channel_tau_command_v1" {
		t.Errorf("payload = %v", r.Payload())
	}
}

func TestStatusAndHealth(t *testing.T) {
	env := testEnv(t)
	env.State.RecordEventOutcome(env.SessionKey, state.OutcomeProcessed, 5)
	env.State.UpdateHealth(state.HealthSnapshot{State: state.HealthDegraded, Reason: "retries occurred",
		Recommendation: "watch the next cycles"})

	r := Execute(mustParse(t, "/tau status"), env)
	if r.Status != "ok" || !strings.Contains(r.Text, "processed=1") {
		t.Errorf("status = %+v", r)
	}

	r = Execute(mustParse(t, "/tau health"), env)
	if !strings.Contains(r.Text, "health: degraded") || !strings.Contains(r.Text, "retries occurred") {
		t.Errorf("health = %q", r.Text)
	}
}

func TestChatLifecycle(t *testing.T) {
	env := testEnv(t)
	_ = env.Store.AppendContextEntry(channelstore.ContextEntry{TimestampMs: 1, Role: "user", Text: "deploy the api"})
	_ = env.Store.AppendContextEntry(channelstore.ContextEntry{TimestampMs: 2, Role: "assistant", Text: "deploying now"})

	r := Execute(mustParse(t, "/tau chat status"), env)
	if !strings.Contains(r.Text, "2 context entries") {
		t.Errorf("chat status = %q", r.Text)
	}

	r = Execute(mustParse(t, "/tau chat search deploy --role user"), env)
	if !strings.Contains(r.Text, "1 matches") || !strings.Contains(r.Text, "deploy the api") {
		t.Errorf("search = %q", r.Text)
	}

	r = Execute(mustParse(t, "/tau chat export"), env)
	if r.Status != "ok" {
		t.Fatalf("export = %+v", r)
	}
	artifacts, _ := env.Store.ListActiveArtifacts(env.NowMs)
	if len(artifacts) != 1 || artifacts[0].ArtifactType != "chat-export" {
		t.Errorf("export artifact = %+v", artifacts)
	}

	// Reset clears context and reports the dedicated reset outcome.
	r = Execute(mustParse(t, "/tau chat reset"), env)
	if r.Outcome != state.OutcomeReset {
		t.Errorf("reset outcome = %s", r.Outcome)
	}
	entries, _, _ := env.Store.LoadContextEntries()
	if len(entries) != 0 {
		t.Errorf("context after reset = %d entries", len(entries))
	}
}

func TestCompactThenSummary(t *testing.T) {
	env := testEnv(t)
	_ = env.Store.AppendContextEntry(channelstore.ContextEntry{TimestampMs: 7, Role: "user", Text: "x"})

	r := Execute(mustParse(t, "/tau compact"), env)
	if r.Status != "ok" || !strings.Contains(r.Text, "1 context entries through 7") {
		t.Errorf("compact = %+v", r)
	}

	r = Execute(mustParse(t, "/tau chat summary"), env)
	if !strings.Contains(r.Text, "1 context entries through 7") {
		t.Errorf("summary = %q", r.Text)
	}
}

func TestArtifactCommands(t *testing.T) {
	env := testEnv(t)
	rec, _ := env.Store.WriteTextArtifact("run-1", "chat-reply", channelstore.VisibilityPrivate, 0, "md", "body", env.NowMs)
	_, _ = env.Store.WriteTextArtifact("run-2", "chat-reply", channelstore.VisibilityPrivate, 0, "md", "old", env.NowMs)

	r := Execute(mustParse(t, "/tau artifacts"), env)
	if !strings.Contains(r.Text, "2 active artifacts") {
		t.Errorf("list = %q", r.Text)
	}

	r = Execute(mustParse(t, "/tau artifacts run-1"), env)
	if !strings.Contains(r.Text, "1 active artifacts") || !strings.Contains(r.Text, rec.ID) {
		t.Errorf("filtered = %q", r.Text)
	}

	r = Execute(mustParse(t, "/tau artifacts show "+rec.ID), env)
	if !strings.Contains(r.Text, rec.ChecksumSHA256) {
		t.Errorf("show = %q", r.Text)
	}

	r = Execute(mustParse(t, "/tau artifacts show nope"), env)
	if r.Status != "error" || r.ReasonCode != protocol.CommandInvalidArgs {
		t.Errorf("missing show = %+v", r)
	}
}

func TestOperatorScopeGate(t *testing.T) {
	env := testEnv(t)
	env.Access = access.AccessDecision{Final: access.Allow(protocol.AllowChannelPolicyAllowFromAny)}

	for _, text := range []string{"/tau auth matrix", "/tau doctor"} {
		r := Execute(mustParse(t, text), env)
		if r.Status != "denied" || r.ReasonCode != protocol.CommandRBACDenied {
			t.Errorf("%s = %+v", text, r)
		}
		if r.Outcome != state.OutcomeDenied {
			t.Errorf("%s outcome = %s", text, r.Outcome)
		}
	}

	// Allowlisted caller passes.
	env.Access = access.AccessDecision{Final: access.Allow(protocol.AllowAllowlistAndPairing)}
	r := Execute(mustParse(t, "/tau doctor"), env)
	if r.Status != "ok" {
		t.Errorf("doctor = %+v", r)
	}
}

func TestStopCancelsActiveRun(t *testing.T) {
	env := testEnv(t)

	r := Execute(mustParse(t, "/tau stop"), env)
	if r.Status != "ok" || !strings.Contains(r.Text, "no active run") {
		t.Errorf("idle stop = %+v", r)
	}

	run := env.Registry.TryStart("telegram:chat-1", "run-9", "ek", 0, nil)
	r = Execute(mustParse(t, "/tau stop"), env)
	if !strings.Contains(r.Text, "run-9") {
		t.Errorf("stop = %+v", r)
	}
	if !run.Cancelled() {
		t.Error("cancel flag not set")
	}
}

func TestCanvasDelegation(t *testing.T) {
	env := testEnv(t)
	r := Execute(mustParse(t, "/tau canvas draw circle"), env)
	if r.Status != "error" || !strings.Contains(r.Text, "canvas") {
		t.Errorf("no backend = %+v", r)
	}
}

func TestDemoIndex(t *testing.T) {
	env := testEnv(t)

	r := Execute(mustParse(t, "/tau demo-index list"), env)
	if !strings.Contains(r.Text, "chunking") || !strings.Contains(r.Text, "retry-backoff") {
		t.Errorf("list = %q", r.Text)
	}

	r = Execute(mustParse(t, "/tau demo-index run --only chunking,bogus"), env)
	if !strings.Contains(r.Text, "chunking: ok") || !strings.Contains(r.Text, "bogus: unknown demo") {
		t.Errorf("run = %q", r.Text)
	}
	if !strings.Contains(r.Text, "ran 1/3 demos") {
		t.Errorf("run tally = %q", r.Text)
	}

	r = Execute(mustParse(t, "/tau demo-index report"), env)
	if !strings.Contains(r.Text, "3/3 passing") {
		t.Errorf("report = %q", r.Text)
	}

	// Demos are deterministic: two runs render identically.
	a := Execute(mustParse(t, "/tau demo-index run"), env).Text
	b := Execute(mustParse(t, "/tau demo-index run"), env).Text
	if a != b {
		t.Error("demo runs not deterministic")
	}
}

func TestSummarizeSynthesizesPrompt(t *testing.T) {
	env := testEnv(t)
	_ = env.Store.AppendContextEntry(channelstore.ContextEntry{TimestampMs: 1, Role: "user", Text: "ship it"})

	r := Execute(mustParse(t, "/tau summarize release risks"), env)
	if r.Status != "ok" || r.PromptText == "" {
		t.Fatalf("summarize = %+v", r)
	}
	if !strings.Contains(r.PromptText, "focusing on release risks") || !strings.Contains(r.PromptText, "ship it") {
		t.Errorf("prompt = %q", r.PromptText)
	}

	// Empty context answers directly instead of prompting.
	env2 := testEnv(t)
	r = Execute(mustParse(t, "/tau summarize"), env2)
	if r.PromptText != "" || !strings.Contains(r.Text, "nothing to summarize") {
		t.Errorf("empty = %+v", r)
	}
}

func TestRejectedResult(t *testing.T) {
	_, perr := Parse("/tau frobnicate")
	r := RejectedResult(perr)
	if r.Status != "error" || r.ReasonCode != protocol.CommandUnknown {
		t.Errorf("rejected = %+v", r)
	}
	if !strings.Contains(r.Text, "/tau help") {
		t.Errorf("guidance missing: %q", r.Text)
	}
}
