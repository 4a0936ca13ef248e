package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/event"
)

type stubClient struct {
	resp    *Response
	err     error
	gotReq  Request
	blockOn context.Context
}

func (s *stubClient) Complete(ctx context.Context, req Request) (*Response, error) {
	s.gotReq = req
	if s.blockOn != nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.resp, s.err
}

func testEvent() event.InboundEvent {
	return event.InboundEvent{
		Transport: event.TransportTelegram, Kind: event.KindMessage,
		EventID: "tg-1", ConversationID: "chat-1", ActorID: "u1",
		Text: "what is the status?",
	}
}

func promptCfg() config.PromptConfig {
	return config.PromptConfig{Model: "test-model", TurnTimeoutMs: 5000, LineageCap: 3}
}

func TestRunCompletes(t *testing.T) {
	store, _ := channelstore.Open(t.TempDir(), "telegram", "assistant:default:chat-1")
	_ = store.AppendContextEntry(channelstore.ContextEntry{TimestampMs: 1, Role: "user", Text: "older"})
	_ = store.AppendContextEntry(channelstore.ContextEntry{TimestampMs: 2, Role: "assistant", Text: "reply"})

	client := &stubClient{resp: &Response{Text: "all good", InputTokens: 10, OutputTokens: 5, FinishReason: "stop"}}
	runner := NewRunner(client, promptCfg())

	reg := NewRegistry()
	run := reg.TryStart("telegram:chat-1", "run-1", "ek", 100, nil)
	report := runner.Run(context.Background(), run, testEvent(), "assistant:default:chat-1", store, 100)

	if report.Status != RunCompleted {
		t.Fatalf("status = %s (%s)", report.Status, report.Error)
	}
	if report.AssistantReply != "all good" {
		t.Errorf("reply = %q", report.AssistantReply)
	}
	if report.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d", report.Usage.TotalTokens)
	}

	// Lineage precedes the user turn.
	msgs := client.gotReq.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[0].Text != "older" || msgs[2].Text != "what is the status?" {
		t.Errorf("message order wrong: %+v", msgs)
	}

	// Assistant reply persisted as artifact.
	active, _ := store.ListActiveArtifacts(100)
	if len(active) != 1 || active[0].ArtifactType != "chat-reply" {
		t.Errorf("artifacts = %+v", active)
	}
}

func TestLineageCap(t *testing.T) {
	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	for i := 0; i < 10; i++ {
		_ = store.AppendContextEntry(channelstore.ContextEntry{TimestampMs: uint64(i), Role: "user", Text: "t"})
	}
	client := &stubClient{resp: &Response{Text: "ok"}}
	runner := NewRunner(client, promptCfg())
	reg := NewRegistry()
	run := reg.TryStart("k", "run-1", "ek", 0, nil)

	runner.Run(context.Background(), run, testEvent(), "s", store, 0)
	// 3 lineage entries (cap) + 1 user turn.
	if got := len(client.gotReq.Messages); got != 4 {
		t.Errorf("messages = %d, want 4", got)
	}
}

func TestRunFailure(t *testing.T) {
	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	client := &stubClient{err: errors.New("provider exploded")}
	runner := NewRunner(client, promptCfg())
	reg := NewRegistry()
	run := reg.TryStart("k", "run-1", "ek", 0, nil)

	report := runner.Run(context.Background(), run, testEvent(), "s", store, 0)
	if report.Status != RunFailed || report.Error == "" {
		t.Errorf("report = %+v", report)
	}
}

func TestRunCancellation(t *testing.T) {
	store, _ := channelstore.Open(t.TempDir(), "telegram", "s")
	client := &stubClient{blockOn: context.Background()}
	runner := NewRunner(client, promptCfg())

	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	run := reg.TryStart("k", "run-1", "ek", 0, cancel)
	run.Cancel()

	report := runner.Run(ctx, run, testEvent(), "s", store, 0)
	if report.Status != RunCancelled {
		t.Errorf("status = %s, want cancelled", report.Status)
	}
}

func TestSingleRunInvariant(t *testing.T) {
	reg := NewRegistry()
	if run := reg.TryStart("telegram:chat-1", "run-1", "ek1", 0, nil); run == nil {
		t.Fatal("first start refused")
	}
	if run := reg.TryStart("telegram:chat-1", "run-2", "ek2", 0, nil); run != nil {
		t.Fatal("second start for same conversation must be refused")
	}
	if run := reg.TryStart("telegram:chat-2", "run-3", "ek3", 0, nil); run == nil {
		t.Fatal("different conversation must be allowed")
	}
	if got := reg.ActiveCount(); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}
}

func TestDrainFinished(t *testing.T) {
	reg := NewRegistry()
	reg.TryStart("a", "run-1", "ek1", 0, nil)
	reg.TryStart("b", "run-2", "ek2", 0, nil)

	if got := reg.DrainFinished(); len(got) != 0 {
		t.Fatalf("premature drain: %v", got)
	}

	reg.Complete("a", &Report{RunID: "run-1", Status: RunCompleted})
	reports := reg.DrainFinished()
	if len(reports) != 1 || reports[0].RunID != "run-1" {
		t.Fatalf("drained = %+v", reports)
	}
	if reg.ActiveCount() != 1 {
		t.Errorf("active after drain = %d, want 1", reg.ActiveCount())
	}
	if reg.Active("a") != nil {
		t.Error("conversation a should be released")
	}
}

func TestUserTurnWithAttachments(t *testing.T) {
	e := testEvent()
	e.Attachments = []event.Attachment{{URL: "https://x/img.png", ContentType: "image/png", Caption: "screenshot"}}
	got := userTurn(e)
	want := "what is the status?\n[attachment image/png: https://x/img.png — screenshot]"
	if got != want {
		t.Errorf("userTurn = %q, want %q", got, want)
	}
}
