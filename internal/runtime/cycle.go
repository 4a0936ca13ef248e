package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/njfio/tau/internal/access"
	"github.com/njfio/tau/internal/channelstore"
	"github.com/njfio/tau/internal/command"
	"github.com/njfio/tau/internal/event"
	"github.com/njfio/tau/internal/outbound"
	"github.com/njfio/tau/internal/prompt"
	"github.com/njfio/tau/internal/route"
	"github.com/njfio/tau/internal/state"
	"github.com/njfio/tau/pkg/protocol"
)

// cycleStats accumulates the counters of one cycle.
type cycleStats struct {
	discovered, queued, backlog          int
	completed, failed, duplicates        int
	transientFailures, retryAttempts     int
	policyChecked, policyEnforced        int
	policyAllowed, policyDenied          int
	reasonCodes                          map[string]struct{}
}

func (s *cycleStats) reason(code string) {
	if s.reasonCodes == nil {
		s.reasonCodes = make(map[string]struct{})
	}
	s.reasonCodes[code] = struct{}{}
}

func (s *cycleStats) sortedReasons() []string {
	codes := make([]string, 0, len(s.reasonCodes))
	for c := range s.reasonCodes {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// pendingRun carries the per-event context a prompt goroutine's report is
// finished with on the main loop.
type pendingRun struct {
	event    event.InboundEvent
	store    *channelstore.Store
	decision route.Decision
	extra    map[string]any
}

// RunCycle executes one full poll cycle.
func (r *Runtime) RunCycle(ctx context.Context) (*CycleReport, error) {
	now := r.now()
	nowMs := uint64(now.UnixMilli())
	cycleStart := time.Now()

	ctx, span := r.spanForCycle(ctx)
	defer span.End()

	if err := r.lock.Touch(); err != nil {
		slog.Warn("could not refresh state lock", "error", err)
	}

	counterBase := snapshotCounters(r.st)
	stats := &cycleStats{}

	// 1. Discover.
	var events []event.InboundEvent
	for _, src := range r.sources {
		found, err := src.Discover(ctx)
		if err != nil {
			slog.Warn("event discovery failed", "source", src.Name(), "error", err)
			stats.reason(protocol.EventProcessingFailed)
			continue
		}
		events = append(events, found...)
	}
	stats.discovered = len(events)

	// 2. Order and apply backpressure.
	event.SortEvents(events)
	if len(events) > r.cfg.QueueLimit {
		stats.backlog = len(events) - r.cfg.QueueLimit
		events = events[:r.cfg.QueueLimit]
		stats.reason(protocol.QueueBackpressure)
	}
	stats.queued = len(events)

	// 3. Process in order; prompt runs fan out per conversation.
	pending := make(map[string]*pendingRun)
	var wg sync.WaitGroup
	for _, e := range events {
		r.processEvent(ctx, e, nowMs, stats, pending, &wg)
	}

	// 4. Drain finished runs. Runs spawned this cycle are joined here;
	// they never survive a restart.
	wg.Wait()
	for _, report := range r.registry.DrainFinished() {
		r.finishRun(ctx, report, pending, stats, nowMs)
	}

	r.maybePurgeArtifacts(now)

	// 5. Health classification and cycle report.
	streak := 0
	if prev := r.st.Health(); prev != nil {
		streak = prev.FailureStreak
	}
	if stats.failed > 0 {
		streak++
	} else {
		streak = 0
	}
	snap := state.HealthSnapshot{
		UpdatedUnixMs:       nowMs,
		CycleDurationMs:     uint64(time.Since(cycleStart).Milliseconds()),
		QueueDepth:          stats.backlog,
		ActiveRuns:          r.registry.ActiveCount(),
		FailureStreak:       streak,
		LastCycleDiscovered: stats.discovered,
		LastCycleProcessed:  stats.queued,
		LastCycleCompleted:  stats.completed,
		LastCycleFailed:     stats.failed,
		LastCycleDuplicates: stats.duplicates,
	}
	classifyHealth(&snap, stats.retryAttempts)
	r.st.UpdateHealth(snap)

	counterNow := snapshotCounters(r.st)
	report := &CycleReport{
		TimestampUnixMs:       nowMs,
		CycleDurationMs:       snap.CycleDurationMs,
		HealthState:           snap.State,
		HealthReason:          snap.Reason,
		ReasonCodes:           stats.sortedReasons(),
		DiscoveredEvents:      stats.discovered,
		QueuedEvents:          stats.queued,
		BacklogEvents:         stats.backlog,
		CompletedEvents:       stats.completed,
		FailedEvents:          stats.failed,
		DuplicateSkips:        stats.duplicates,
		TransientFailures:     stats.transientFailures,
		RetryAttempts:         stats.retryAttempts,
		PolicyChecked:         stats.policyChecked,
		PolicyEnforced:        stats.policyEnforced,
		PolicyAllowed:         stats.policyAllowed,
		PolicyDenied:          stats.policyDenied,
		TypingEventsEmitted:   int(counterNow.typing - counterBase.typing),
		PresenceEventsEmitted: int(counterNow.presence - counterBase.presence),
		UsageSummaryRecords:   int(counterNow.usage - counterBase.usage),
		UsageResponseChars:    int(counterNow.chars - counterBase.chars),
		UsageChunks:           int(counterNow.chunks - counterBase.chunks),
	}
	annotateCycleSpan(span, report)

	// 6. Persist state iff dirty, then append the cycle report.
	if err := r.st.Save(); err != nil {
		return nil, err
	}
	if err := appendReport(r.cfg.StateDir, report); err != nil {
		return nil, err
	}
	return report, nil
}

type counterSnapshot struct {
	typing, presence, usage, chars, chunks uint64
}

func snapshotCounters(st *state.Store) counterSnapshot {
	c := st.Counters()
	return counterSnapshot{
		typing:   c.TypingEventsEmitted,
		presence: c.PresenceEventsEmitted,
		usage:    c.UsageSummaryRecords,
		chars:    c.ResponseCharsTotal,
		chunks:   c.ChunksTotal,
	}
}

// processEvent runs steps access → route → dispatch for one event.
func (r *Runtime) processEvent(ctx context.Context, e event.InboundEvent, nowMs uint64, stats *cycleStats, pending map[string]*pendingRun, wg *sync.WaitGroup) {
	key := e.Key()
	if r.st.IsProcessed(key) {
		stats.duplicates++
		return
	}

	decision := r.resolver.Resolve(e)
	cs, err := channelstore.Open(r.cfg.StateDir, string(e.Transport), decision.SessionKey)
	if err != nil {
		slog.Error("channel store unavailable", "event_key", key, "error", err)
		stats.failed++
		stats.reason(protocol.EventProcessingFailed)
		return
	}

	stats.policyChecked++
	ad := r.evaluator.Evaluate(e, nowMs)
	if ad.PolicyEnforced {
		stats.policyEnforced++
	}

	r.appendInbound(cs, e, ad, nowMs)

	if !ad.Final.Allowed {
		stats.policyDenied++
		stats.reason(ad.Final.ReasonCode)
		r.appendOutboundStatus(cs, e, protocol.OutboundStatusDenied, ad.Final.ReasonCode, accessExtra(ad), nowMs)
		r.st.MarkProcessed(key)
		r.st.RecordEventOutcome(decision.SessionKey, state.OutcomeDenied, nowMs)
		return
	}
	stats.policyAllowed++

	if err := r.resolver.AppendTrace(decision, key, nowMs); err != nil {
		slog.Warn("route trace append failed", "event_key", key, "error", err)
	}

	extra := accessExtra(ad)

	if command.IsCommand(e.Text, "tau") {
		r.processCommand(ctx, e, decision, ad, cs, extra, nowMs, stats, pending, wg)
		return
	}

	// RBAC for prompt runs.
	allowed, rbacErr := r.evaluator.CheckRBAC(e, access.CommandAction(""))
	if rbacErr != nil {
		slog.Error("rbac policy unavailable", "event_key", key, "error", rbacErr)
		stats.failed++
		stats.reason(protocol.RBACPolicyError)
		r.appendOutboundStatus(cs, e, protocol.OutboundStatusFailed, protocol.RBACPolicyError, extra, nowMs)
		r.st.MarkProcessed(key)
		r.st.RecordEventOutcome(decision.SessionKey, state.OutcomeFailed, nowMs)
		return
	}
	if !allowed {
		stats.policyDenied++
		stats.reason(protocol.DenyRBAC)
		r.appendOutboundStatus(cs, e, protocol.OutboundStatusDenied, protocol.DenyRBAC, extra, nowMs)
		r.st.MarkProcessed(key)
		r.st.RecordEventOutcome(decision.SessionKey, state.OutcomeDenied, nowMs)
		return
	}

	r.enqueuePromptRun(ctx, e, e.Text, decision, cs, extra, nowMs, stats, pending, wg)
}

// enqueuePromptRun starts an ActiveRun for the event's conversation, or
// rejects when one is in flight.
func (r *Runtime) enqueuePromptRun(ctx context.Context, e event.InboundEvent, promptText string, decision route.Decision, cs *channelstore.Store, extra map[string]any, nowMs uint64, stats *cycleStats, pending map[string]*pendingRun, wg *sync.WaitGroup) {
	key := e.Key()

	if failures, retries, terminal := r.simulateTransient(e); failures > 0 || terminal {
		stats.transientFailures += failures
		stats.retryAttempts += retries
		if terminal {
			stats.failed++
			stats.reason(protocol.EventProcessingFailed)
			r.appendOutboundStatus(cs, e, protocol.OutboundStatusFailed, protocol.EventProcessingFailed, extra, nowMs)
			r.st.MarkProcessed(key)
			r.st.RecordEventOutcome(decision.SessionKey, state.OutcomeFailed, nowMs)
			return
		}
	}

	conversationKey := string(e.Transport) + ":" + e.ConversationID
	runCtx, cancel := context.WithCancel(ctx)
	runID := uuid.NewString()
	run := r.registry.TryStart(conversationKey, runID, key, nowMs, cancel)
	if run == nil {
		cancel()
		stats.reason(protocol.RunAlreadyActive)
		r.appendOutboundText(cs, e, protocol.OutboundStatusRejected, protocol.RunAlreadyActive,
			"A run is already active for this conversation. Use `/tau stop` first.", extra, nowMs)
		r.st.MarkProcessed(key)
		r.st.RecordEventOutcome(decision.SessionKey, state.OutcomeProcessed, nowMs)
		stats.completed++
		return
	}

	r.st.RecordRunStarted(decision.SessionKey)
	runEvent := e
	runEvent.Text = promptText
	pending[runID] = &pendingRun{event: e, store: cs, decision: decision, extra: extra}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		report := r.runner.Run(runCtx, run, runEvent, decision.SessionKey, cs, nowMs)
		report.ConversationKey = conversationKey
		r.registry.Complete(conversationKey, report)
	}()
}

// finishRun records a drained run's completion: context entries, outbound
// delivery with telemetry, counters, and the processed mark.
func (r *Runtime) finishRun(ctx context.Context, report *prompt.Report, pending map[string]*pendingRun, stats *cycleStats, nowMs uint64) {
	p, ok := pending[report.RunID]
	if !ok {
		slog.Warn("finished run without pending context", "run_id", report.RunID)
		return
	}
	delete(pending, report.RunID)

	e, cs := p.event, p.store
	key := report.EventKey
	r.st.RecordRunFinished(p.decision.SessionKey)

	switch report.Status {
	case prompt.RunCompleted:
		r.appendContextPair(cs, e.Text, report.AssistantReply, nowMs)
		if r.deliverReply(ctx, e, cs, report.AssistantReply, p.extra, nowMs, stats) {
			r.st.MarkProcessed(key)
			r.st.RecordEventOutcome(p.decision.SessionKey, state.OutcomeProcessed, nowMs)
			stats.completed++
		} else {
			r.st.MarkProcessed(key)
			r.st.RecordEventOutcome(p.decision.SessionKey, state.OutcomeFailed, nowMs)
			stats.failed++
		}

	case prompt.RunCancelled:
		stats.reason(protocol.RunCancelled)
		r.appendOutboundStatus(cs, e, protocol.OutboundStatusRejected, protocol.RunCancelled, p.extra, nowMs)
		r.st.MarkProcessed(key)
		r.st.RecordEventOutcome(p.decision.SessionKey, state.OutcomeProcessed, nowMs)
		stats.completed++

	default: // RunFailed
		stats.failed++
		stats.reason(protocol.EventProcessingFailed)
		r.appendOutboundStatus(cs, e, protocol.OutboundStatusFailed, protocol.EventProcessingFailed, p.extra, nowMs)
		r.st.MarkProcessed(key)
		r.st.RecordEventOutcome(p.decision.SessionKey, state.OutcomeFailed, nowMs)
	}
}

// processCommand executes a parsed /tau command synchronously.
func (r *Runtime) processCommand(ctx context.Context, e event.InboundEvent, decision route.Decision, ad access.AccessDecision, cs *channelstore.Store, extra map[string]any, nowMs uint64, stats *cycleStats, pending map[string]*pendingRun, wg *sync.WaitGroup) {
	key := e.Key()

	cmd, perr := command.Parse(e.Text)
	var result *command.Result
	if perr != nil {
		result = command.RejectedResult(perr)
	} else {
		allowed, rbacErr := r.evaluator.CheckRBAC(e, access.CommandAction(string(cmd.Name)))
		if rbacErr != nil {
			slog.Error("rbac policy unavailable", "event_key", key, "error", rbacErr)
			stats.failed++
			stats.reason(protocol.RBACPolicyError)
			r.appendOutboundStatus(cs, e, protocol.OutboundStatusFailed, protocol.RBACPolicyError, extra, nowMs)
			r.st.MarkProcessed(key)
			r.st.RecordEventOutcome(decision.SessionKey, state.OutcomeFailed, nowMs)
			return
		}
		if !allowed {
			result = &command.Result{
				Command:    string(cmd.Name),
				Status:     "denied",
				ReasonCode: protocol.CommandRBACDenied,
				Text:       "You are not authorized for `/tau " + string(cmd.Name) + "`.",
				Outcome:    state.OutcomeDenied,
			}
		} else {
			result = command.Execute(cmd, &command.Env{
				Event:      e,
				SessionKey: decision.SessionKey,
				Access:     ad,
				NowMs:      nowMs,
				State:      r.st,
				Store:      cs,
				Registry:   r.registry,
				Canvas:     r.canvas,
				Auth:       r.auth,
				Doctor:     r.doctor,
				Demos:      r.demos,
			})
		}
	}

	// Summarize hands its synthesized prompt to the runner instead of
	// replying directly.
	if result.PromptText != "" {
		r.enqueuePromptRun(ctx, e, result.PromptText, decision, cs, extra, nowMs, stats, pending, wg)
		return
	}

	cmdExtra := mergeMaps(result.Payload(), extra)
	if !r.deliverReply(ctx, e, cs, result.Text, cmdExtra, nowMs, stats) {
		r.st.MarkProcessed(key)
		r.st.RecordEventOutcome(decision.SessionKey, state.OutcomeFailed, nowMs)
		stats.failed++
		return
	}

	stats.reason(result.ReasonCode)
	r.st.MarkProcessed(key)
	r.st.RecordEventOutcome(decision.SessionKey, result.Outcome, nowMs)
	if result.Outcome == state.OutcomeFailed {
		stats.failed++
	} else {
		stats.completed++
	}
}

// deliverReply runs the telemetry lifecycle around an outbound delivery.
// Returns false when delivery terminally failed.
func (r *Runtime) deliverReply(ctx context.Context, e event.InboundEvent, cs *channelstore.Store, text string, extra map[string]any, nowMs uint64, stats *cycleStats) bool {
	chars := len([]rune(text))
	signal := r.emitter.ShouldSignal(e, chars)
	if signal {
		if err := r.emitter.EmitStart(cs, e, nowMs); err != nil {
			slog.Warn("telemetry start failed", "event_key", e.Key(), "error", err)
		}
	}

	delivery, err := r.dispatcher.Deliver(ctx, e, text, cs, nowMs, extra)
	if err != nil {
		slog.Error("delivery error", "event_key", e.Key(), "error", err)
		stats.reason(protocol.EventProcessingFailed)
		return false
	}
	stats.retryAttempts += delivery.RetryAttempts
	stats.transientFailures += delivery.RetryAttempts

	if signal {
		if err := r.emitter.EmitEnd(cs, e, nowMs); err != nil {
			slog.Warn("telemetry end failed", "event_key", e.Key(), "error", err)
		}
	}

	if delivery.Failed {
		stats.reason(delivery.ReasonCode)
		return false
	}

	if err := r.emitter.RecordUsage(e, chars, delivery.ChunkCount); err != nil {
		slog.Warn("usage summary failed", "event_key", e.Key(), "error", err)
	}

	if e.Transport == event.TransportGithub {
		r.appendGithubOutbound(e, text, nowMs)
	}
	return true
}

// simulateTransient consumes metadata.simulate_transient_failures against
// the retry budget. terminal is true when the simulated failures exceed
// the available retries.
func (r *Runtime) simulateTransient(e event.InboundEvent) (failures, retries int, terminal bool) {
	n, err := strconv.Atoi(e.Meta("simulate_transient_failures"))
	if err != nil || n <= 0 {
		return 0, 0, false
	}
	budget := r.cfg.Retry.MaxAttempts - 1
	if n <= budget {
		for attempt := 1; attempt <= n; attempt++ {
			// The schedule is computed so simulated retries exercise the
			// same deterministic delays as real ones.
			_ = outbound.RetryDelay(r.cfg.Retry.BaseDelayMs, r.cfg.Retry.JitterMs, attempt, e.Key())
		}
		return n, n, false
	}
	return budget, budget, true
}

// appendInbound logs the inbound event with its access payload, once.
func (r *Runtime) appendInbound(cs *channelstore.Store, e event.InboundEvent, ad access.AccessDecision, nowMs uint64) {
	entries, _, err := cs.LoadLogEntries()
	if err == nil {
		for _, entry := range entries {
			if entry.Direction == channelstore.DirectionInbound && entry.EventKey == e.Key() {
				return
			}
		}
	}

	payload := map[string]any{
		"text":           e.Text,
		"actor_id":       e.ActorID,
		"policy_channel": ad.PolicyChannel,
		"policy": map[string]any{
			"reason_code": ad.ChannelPolicyEval.ReasonCode,
			"enforced":    ad.PolicyEnforced,
		},
	}
	if ad.PairingDecision != nil {
		payload["pairing"] = map[string]any{"reason_code": ad.PairingDecision.ReasonCode}
	}
	entry := channelstore.LogEntry{
		TimestampMs: nowMs,
		Direction:   channelstore.DirectionInbound,
		EventKey:    e.Key(),
		Source:      "runtime",
		Payload:     payload,
	}
	if err := cs.AppendLogEntry(entry); err != nil {
		slog.Error("inbound log append failed", "event_key", e.Key(), "error", err)
	}

	if e.Transport == event.TransportGithub {
		rec := map[string]any{
			"timestamp_ms": nowMs,
			"event_key":    e.Key(),
			"event_kind":   e.Kind,
			"actor_id":     e.ActorID,
			"text":         e.Text,
		}
		if err := appendGithubStream(r.cfg.StateDir, inboundStreamFile, rec); err != nil {
			slog.Warn("inbound stream append failed", "error", err)
		}
	}
}

func (r *Runtime) appendGithubOutbound(e event.InboundEvent, text string, nowMs uint64) {
	rec := map[string]any{
		"timestamp_ms": nowMs,
		"event_key":    e.Key(),
		"text":         text,
	}
	if err := appendGithubStream(r.cfg.StateDir, outboundStreamFile, rec); err != nil {
		slog.Warn("outbound stream append failed", "error", err)
	}
}

// appendOutboundStatus writes a status-only outbound entry (denials,
// failures, rejections), idempotently per (event, status).
func (r *Runtime) appendOutboundStatus(cs *channelstore.Store, e event.InboundEvent, status, reasonCode string, extra map[string]any, nowMs uint64) {
	r.appendOutboundText(cs, e, status, reasonCode, "", extra, nowMs)
}

func (r *Runtime) appendOutboundText(cs *channelstore.Store, e event.InboundEvent, status, reasonCode, text string, extra map[string]any, nowMs uint64) {
	if already, err := cs.LogContainsOutboundStatus(e.Key(), status); err == nil && already {
		return
	}
	payload := map[string]any{
		"status":      status,
		"reason_code": reasonCode,
	}
	if text != "" {
		payload["text"] = text
	}
	payload = mergeMaps(payload, extra)
	entry := channelstore.LogEntry{
		TimestampMs: nowMs,
		Direction:   channelstore.DirectionOutbound,
		EventKey:    e.Key(),
		Source:      "runtime",
		Payload:     payload,
	}
	if err := cs.AppendLogEntry(entry); err != nil {
		slog.Error("outbound log append failed", "event_key", e.Key(), "error", err)
	}
}

// appendContextPair records the user turn and assistant reply, skipping
// entries a replayed cycle already wrote.
func (r *Runtime) appendContextPair(cs *channelstore.Store, userText, assistantText string, nowMs uint64) {
	if ok, err := cs.ContextContainsEntry("user", userText); err == nil && !ok {
		if err := cs.AppendContextEntry(channelstore.ContextEntry{TimestampMs: nowMs, Role: "user", Text: userText}); err != nil {
			slog.Error("context append failed", "role", "user", "error", err)
		}
	}
	if ok, err := cs.ContextContainsEntry("assistant", assistantText); err == nil && !ok {
		if err := cs.AppendContextEntry(channelstore.ContextEntry{TimestampMs: nowMs, Role: "assistant", Text: assistantText}); err != nil {
			slog.Error("context append failed", "role", "assistant", "error", err)
		}
	}
}

// accessExtra renders the payload fields every outbound entry for this
// event carries.
func accessExtra(ad access.AccessDecision) map[string]any {
	extra := map[string]any{
		"policy": map[string]any{
			"reason_code": ad.Final.ReasonCode,
			"enforced":    ad.PolicyEnforced,
		},
	}
	if ad.PairingDecision != nil {
		extra["pairing"] = map[string]any{"reason_code": ad.PairingDecision.ReasonCode}
	}
	return extra
}

func mergeMaps(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if _, taken := dst[k]; !taken {
			dst[k] = v
		}
	}
	return dst
}

// allChannelStores opens every channel record under the state directory.
func allChannelStores(stateDir string) ([]*channelstore.Store, error) {
	var stores []*channelstore.Store
	channelsDir := filepath.Join(stateDir, "channels")
	transports, err := os.ReadDir(channelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, t := range transports {
		if !t.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(channelsDir, t.Name()))
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			if !sess.IsDir() {
				continue
			}
			cs, err := channelstore.Open(stateDir, t.Name(), sess.Name())
			if err != nil {
				continue
			}
			stores = append(stores, cs)
		}
	}
	return stores, nil
}
