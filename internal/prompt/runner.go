package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/event"
)

// artifactRetentionDays bounds how long assistant-reply artifacts live.
const artifactRetentionDays = 30

// Runner executes prompt runs against the LLM client.
type Runner struct {
	client Client
	cfg    config.PromptConfig
}

// NewRunner builds a runner for the configured model and timeouts.
func NewRunner(client Client, cfg config.PromptConfig) *Runner {
	return &Runner{client: client, cfg: cfg}
}

// Run executes one prompt turn for an event. It loads the capped session
// lineage from the channel store, composes the request, executes under the
// turn timeout, persists the assistant reply as an artifact, and returns a
// report. Cancellation is observed through run.Cancelled plus the context
// wired to it by the caller.
func (r *Runner) Run(ctx context.Context, run *ActiveRun, e event.InboundEvent, sessionKey string, store *channelstore.Store, nowMs uint64) *Report {
	report := &Report{
		RunID:      run.RunID,
		EventKey:   run.EventKey,
		SessionKey: sessionKey,
		Model:      r.cfg.Model,
	}

	lineage, invalid, err := store.LoadContextEntries()
	if err != nil {
		report.Status = RunFailed
		report.Error = fmt.Sprintf("load lineage: %v", err)
		return report
	}
	if invalid > 0 {
		slog.Warn("lineage contains invalid lines", "session_key", sessionKey, "invalid", invalid)
	}
	if cap := r.cfg.LineageCap; cap > 0 && len(lineage) > cap {
		lineage = lineage[len(lineage)-cap:]
	}

	req := Request{Model: r.cfg.Model, System: r.cfg.SystemPrompt}
	for _, entry := range lineage {
		req.Messages = append(req.Messages, Message{Role: entry.Role, Text: entry.Text})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Text: userTurn(e)})

	timeout := time.Duration(r.cfg.TurnTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := r.client.Complete(runCtx, req)
	report.Usage.DurationMs = uint64(time.Since(started).Milliseconds())

	if run.Cancelled() || errors.Is(err, context.Canceled) {
		// Cooperative cancellation: the in-flight request is dropped and
		// the run is terminal but not a failure.
		report.Status = RunCancelled
		return report
	}
	if err != nil {
		report.Status = RunFailed
		report.Error = err.Error()
		return report
	}

	report.Status = RunCompleted
	report.AssistantReply = resp.Text
	report.Usage.InputTokens = resp.InputTokens
	report.Usage.OutputTokens = resp.OutputTokens
	report.Usage.TotalTokens = resp.InputTokens + resp.OutputTokens
	report.Usage.FinishReason = resp.FinishReason
	if resp.Model != "" {
		report.Model = resp.Model
	}
	for _, a := range e.Attachments {
		report.Attachments = append(report.Attachments, a.URL)
	}

	if _, err := store.WriteTextArtifact(run.RunID, replyArtifactType(e.Transport),
		channelstore.VisibilityPrivate, artifactRetentionDays, "md", resp.Text, nowMs); err != nil {
		slog.Warn("failed to persist assistant reply artifact", "run_id", run.RunID, "error", err)
	}
	return report
}

// userTurn renders the event text plus a media summary for the user turn.
func userTurn(e event.InboundEvent) string {
	if len(e.Attachments) == 0 {
		return e.Text
	}
	var b strings.Builder
	b.WriteString(e.Text)
	for _, a := range e.Attachments {
		b.WriteString("\n[attachment")
		if a.ContentType != "" {
			b.WriteString(" " + a.ContentType)
		}
		b.WriteString(": " + a.URL)
		if a.Caption != "" {
			b.WriteString(" — " + a.Caption)
		}
		b.WriteString("]")
	}
	return b.String()
}

func replyArtifactType(t event.Transport) string {
	if t == event.TransportGithub {
		return "github-issue-reply"
	}
	return "chat-reply"
}
