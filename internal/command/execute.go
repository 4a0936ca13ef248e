package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/njfio/tau/internal/access"
	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/internal/prompt"
	"github.com/njfio/tau/internal/state"
	"github.com/njfio/tau/pkg/protocol"
)

// Env is everything a command execution may touch.
type Env struct {
	Event      event.InboundEvent
	SessionKey string
	Access     access.AccessDecision
	NowMs      uint64

	State    *state.Store
	Store    *channelstore.Store
	Registry *prompt.Registry

	Canvas CanvasService
	Auth   AuthService
	Doctor DoctorService
	Demos  *DemoIndex
}

// Result is the deterministic outcome of one command execution.
type Result struct {
	Command    string
	Status     string // "ok", "error", "denied"
	ReasonCode string
	Text       string

	// Outcome recorded in per-session stats. ChatReset uses the dedicated
	// reset outcome instead of processed.
	Outcome state.EventOutcome

	// PromptText, when set, asks the runtime to enqueue an LLM run with
	// this synthesized prompt instead of replying directly.
	PromptText string
}

// Payload renders the structured payload attached to the outbound reply.
func (r *Result) Payload() map[string]any {
	return map[string]any{
		"schema":      protocol.SchemaTauCommand,
		"command":     r.Command,
		"status":      r.Status,
		"reason_code": r.ReasonCode,
	}
}

func ok(cmd *Command, text string) *Result {
	return &Result{Command: commandLabel(cmd), Status: "ok", ReasonCode: protocol.CommandOK,
		Text: text, Outcome: state.OutcomeProcessed}
}

func failure(cmd *Command, reason, text string) *Result {
	return &Result{Command: commandLabel(cmd), Status: "error", ReasonCode: reason,
		Text: text, Outcome: state.OutcomeFailed}
}

func commandLabel(cmd *Command) string {
	if cmd == nil {
		return ""
	}
	if cmd.Sub != "" {
		return string(cmd.Name) + " " + cmd.Sub
	}
	return string(cmd.Name)
}

// RejectedResult renders the reply for a command that failed parsing.
func RejectedResult(perr *ParseError) *Result {
	return &Result{
		Command:    "",
		Status:     "error",
		ReasonCode: perr.ReasonCode,
		Text:       fmt.Sprintf("command rejected (%s): %s\nUse `/tau help` for usage.", perr.ReasonCode, perr.Detail),
		Outcome:    state.OutcomeFailed,
	}
}

// Execute dispatches a parsed command.
func Execute(cmd *Command, env *Env) *Result {
	// Operator-scope commands require explicit allowlist membership.
	if cmd.Name == CmdAuth || cmd.Name == CmdDoctor {
		if !access.OperatorScope(env.Access) {
			return &Result{
				Command:    commandLabel(cmd),
				Status:     "denied",
				ReasonCode: protocol.CommandRBACDenied,
				Text:       fmt.Sprintf("`/tau %s` is operator-scoped; your access (%s) does not qualify.", cmd.Name, env.Access.Final.ReasonCode),
				Outcome:    state.OutcomeDenied,
			}
		}
	}

	switch cmd.Name {
	case CmdHelp:
		return ok(cmd, helpText)
	case CmdStatus:
		return execStatus(cmd, env)
	case CmdHealth:
		return execHealth(cmd, env)
	case CmdCompact:
		return execCompact(cmd, env)
	case CmdStop:
		return execStop(cmd, env)
	case CmdChat:
		return execChat(cmd, env)
	case CmdArtifacts:
		return execArtifacts(cmd, env)
	case CmdAuth:
		return execAuth(cmd, env)
	case CmdDoctor:
		return execDoctor(cmd, env)
	case CmdCanvas:
		return execCanvas(cmd, env)
	case CmdDemoIndex:
		return execDemoIndex(cmd, env)
	case CmdSummarize:
		return execSummarize(cmd, env)
	default:
		return failure(cmd, protocol.CommandUnknown, "unknown command")
	}
}

const helpText = `tau commands:
  /tau [help]                      this help
  /tau status                      runtime and session status
  /tau health                      transport health snapshot
  /tau compact                     compact the session context
  /tau stop                        cancel the active run for this conversation
  /tau chat <start|resume|reset|export|status|summary|replay|show [N]|search <q> [--role R] [--limit N]>
  /tau artifacts [--purge|<run_id>]
  /tau artifacts show <artifact_id>
  /tau auth status [openai|anthropic|google]   (operator)
  /tau auth matrix                             (operator)
  /tau doctor [--online]                       (operator)
  /tau canvas <subcommand ...>
  /tau demo-index <list|run [--only <csv>] [--timeout-seconds N]|report>
  /tau summarize [focus ...]`

func execStatus(cmd *Command, env *Env) *Result {
	stats := env.State.SessionStatsFor(env.SessionKey)
	tail := env.State.ProcessedEventTail(3)

	var b strings.Builder
	fmt.Fprintf(&b, "session %s\n", env.SessionKey)
	fmt.Fprintf(&b, "processed=%d denied=%d failed=%d reset=%d runs=%d/%d\n",
		stats.EventsProcessed, stats.EventsDenied, stats.EventsFailed, stats.EventsReset,
		stats.RunsFinished, stats.RunsStarted)
	fmt.Fprintf(&b, "processed window: %d keys", env.State.ProcessedCount())
	if len(tail) > 0 {
		fmt.Fprintf(&b, " (recent: %s)", strings.Join(tail, ", "))
	}
	fmt.Fprintf(&b, "\nactive runs: %d", env.Registry.ActiveCount())
	return ok(cmd, b.String())
}

func execHealth(cmd *Command, env *Env) *Result {
	h := env.State.Health()
	if h == nil {
		return ok(cmd, "health: no cycle recorded yet")
	}
	text := fmt.Sprintf("health: %s\nreason: %s\nrecommendation: %s\nlast cycle: discovered=%d processed=%d completed=%d failed=%d duplicates=%d\nfailure streak: %d, queue depth: %d",
		h.State, h.Reason, h.Recommendation,
		h.LastCycleDiscovered, h.LastCycleProcessed, h.LastCycleCompleted, h.LastCycleFailed, h.LastCycleDuplicates,
		h.FailureStreak, h.QueueDepth)
	return ok(cmd, text)
}

func execCompact(cmd *Command, env *Env) *Result {
	entries, _, err := env.Store.LoadContextEntries()
	if err != nil {
		return failure(cmd, protocol.EventProcessingFailed, "compact failed: could not read context")
	}
	if len(entries) == 0 {
		return ok(cmd, "nothing to compact: context is empty")
	}
	last := entries[len(entries)-1]
	summary := fmt.Sprintf("%d context entries through %d", len(entries), last.TimestampMs)
	if err := env.Store.SaveMemory(channelstore.Memory{UpdatedUnixMs: env.NowMs, Summary: summary}); err != nil {
		return failure(cmd, protocol.EventProcessingFailed, "compact failed: could not write memory")
	}
	return ok(cmd, "compacted: "+summary)
}

func execStop(cmd *Command, env *Env) *Result {
	conversationKey := string(env.Event.Transport) + ":" + env.Event.ConversationID
	run := env.Registry.Active(conversationKey)
	if run == nil {
		return ok(cmd, "no active run for this conversation")
	}
	run.Cancel()
	return ok(cmd, fmt.Sprintf("cancellation requested for run %s", run.RunID))
}

func execChat(cmd *Command, env *Env) *Result {
	switch cmd.Sub {
	case "start", "resume":
		entries, _, err := env.Store.LoadContextEntries()
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "could not read session context")
		}
		verb := "started"
		if cmd.Sub == "resume" {
			verb = "resumed"
		}
		return ok(cmd, fmt.Sprintf("session %s %s (%d context entries)", env.SessionKey, verb, len(entries)))

	case "reset":
		if err := env.Store.ResetContext(); err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "reset failed")
		}
		r := ok(cmd, fmt.Sprintf("session %s reset", env.SessionKey))
		r.Outcome = state.OutcomeReset
		return r

	case "export":
		entries, _, err := env.Store.LoadContextEntries()
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "export failed: could not read context")
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "export failed: could not encode context")
		}
		rec, err := env.Store.WriteTextArtifact("", "chat-export", channelstore.VisibilityPrivate, 7, "json", string(data), env.NowMs)
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "export failed: could not write artifact")
		}
		return ok(cmd, fmt.Sprintf("exported %d entries as artifact %s", len(entries), rec.ID))

	case "status":
		entries, invalid, err := env.Store.LoadContextEntries()
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "could not read session context")
		}
		text := fmt.Sprintf("session %s: %d context entries", env.SessionKey, len(entries))
		if invalid > 0 {
			text += fmt.Sprintf(" (%d invalid lines)", invalid)
		}
		return ok(cmd, text)

	case "summary":
		mem, err := env.Store.LoadMemory()
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "could not read session memory")
		}
		if mem == nil {
			return ok(cmd, "no summary recorded; run `/tau compact` first")
		}
		return ok(cmd, "summary: "+mem.Summary)

	case "replay", "show":
		limit := cmd.Limit
		if limit <= 0 {
			limit = 10
		}
		entries, _, err := env.Store.LoadContextEntries()
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "could not read session context")
		}
		if len(entries) == 0 {
			return ok(cmd, "context is empty")
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		return ok(cmd, renderContext(entries))

	case "search":
		query := strings.Join(cmd.Args, " ")
		entries, _, err := env.Store.LoadContextEntries()
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "could not read session context")
		}
		var hits []channelstore.ContextEntry
		for _, e := range entries {
			if cmd.Role != "" && e.Role != cmd.Role {
				continue
			}
			if !strings.Contains(strings.ToLower(e.Text), strings.ToLower(query)) {
				continue
			}
			hits = append(hits, e)
			if len(hits) >= cmd.Limit {
				break
			}
		}
		if len(hits) == 0 {
			return ok(cmd, fmt.Sprintf("no matches for %q", query))
		}
		return ok(cmd, fmt.Sprintf("%d matches for %q:\n%s", len(hits), query, renderContext(hits)))
	}
	return failure(cmd, protocol.CommandUnknown, "unknown chat subcommand")
}

func renderContext(entries []channelstore.ContextEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%d] %s: %s\n", e.TimestampMs, e.Role, e.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func execArtifacts(cmd *Command, env *Env) *Result {
	switch {
	case cmd.Purge:
		purged, invalid, err := env.Store.PurgeExpiredArtifacts(env.NowMs)
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "purge failed")
		}
		return ok(cmd, fmt.Sprintf("purged %d expired artifacts (%d invalid index rows dropped)", purged, invalid))

	case cmd.Sub == "show":
		id := cmd.Args[0]
		records, _, err := env.Store.LoadArtifactRecordsTolerant()
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "could not read artifact index")
		}
		for _, rec := range records {
			if rec.ID != id {
				continue
			}
			return ok(cmd, fmt.Sprintf("artifact %s\ntype: %s, visibility: %s, run: %s\nbytes: %d, sha256: %s\ncreated: %d, expires: %d",
				rec.ID, rec.ArtifactType, rec.Visibility, rec.RunID,
				rec.Bytes, rec.ChecksumSHA256, rec.CreatedUnixMs, rec.ExpiresUnixMs))
		}
		return failure(cmd, protocol.CommandInvalidArgs, fmt.Sprintf("artifact %s not found", id))

	default:
		records, err := env.Store.ListActiveArtifacts(env.NowMs)
		if err != nil {
			return failure(cmd, protocol.EventProcessingFailed, "could not read artifact index")
		}
		if len(cmd.Args) == 1 {
			runID := cmd.Args[0]
			filtered := records[:0]
			for _, rec := range records {
				if rec.RunID == runID {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		if len(records) == 0 {
			return ok(cmd, "no active artifacts")
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d active artifacts:\n", len(records))
		for _, rec := range records {
			fmt.Fprintf(&b, "  %s  %-20s %6d bytes  run=%s\n", rec.ID, rec.ArtifactType, rec.Bytes, rec.RunID)
		}
		return ok(cmd, strings.TrimRight(b.String(), "\n"))
	}
}

func execAuth(cmd *Command, env *Env) *Result {
	var (
		text string
		err  error
	)
	if cmd.Sub == "matrix" {
		text, err = env.Auth.Matrix()
	} else {
		provider := ""
		if len(cmd.Args) == 1 {
			provider = cmd.Args[0]
		}
		text, err = env.Auth.Status(provider)
	}
	if err != nil {
		return failure(cmd, protocol.EventProcessingFailed, "auth diagnostics failed: "+err.Error())
	}
	return ok(cmd, text)
}

func execDoctor(cmd *Command, env *Env) *Result {
	text, err := env.Doctor.Diagnose(cmd.Online)
	if err != nil {
		return failure(cmd, protocol.EventProcessingFailed, "doctor failed: "+err.Error())
	}
	return ok(cmd, text)
}

func execCanvas(cmd *Command, env *Env) *Result {
	text, err := env.Canvas.Execute(cmd.Sub, cmd.Args)
	if err != nil {
		return failure(cmd, protocol.EventProcessingFailed, "canvas failed: "+err.Error())
	}
	return ok(cmd, text)
}

func execDemoIndex(cmd *Command, env *Env) *Result {
	switch cmd.Sub {
	case "list":
		return ok(cmd, env.Demos.List())
	case "run":
		return ok(cmd, env.Demos.Run(cmd.Only))
	case "report":
		return ok(cmd, env.Demos.Report())
	}
	return failure(cmd, protocol.CommandUnknown, "unknown demo-index subcommand")
}

func execSummarize(cmd *Command, env *Env) *Result {
	entries, _, err := env.Store.LoadContextEntries()
	if err != nil {
		return failure(cmd, protocol.EventProcessingFailed, "could not read session context")
	}
	if len(entries) == 0 {
		return ok(cmd, "nothing to summarize: context is empty")
	}

	var b strings.Builder
	b.WriteString("Summarize the following conversation")
	if len(cmd.Args) > 0 {
		b.WriteString(", focusing on " + strings.Join(cmd.Args, " "))
	}
	b.WriteString(":\n\n")
	b.WriteString(renderContext(entries))

	r := ok(cmd, "")
	r.PromptText = b.String()
	return r
}
