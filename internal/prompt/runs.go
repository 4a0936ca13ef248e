package prompt

import (
	"sync"
)

// RunStatus is the terminal disposition of a prompt run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Report is the record of one finished prompt run.
type Report struct {
	RunID          string    `json:"run_id"`
	EventKey       string    `json:"event_key"`
	SessionKey     string    `json:"session_key"`
	ConversationKey string   `json:"conversation_key"`
	Model          string    `json:"model"`
	Status         RunStatus `json:"status"`
	AssistantReply string    `json:"assistant_reply,omitempty"`
	Error          string    `json:"error,omitempty"`
	Usage          Usage     `json:"usage"`
	Attachments    []string  `json:"downloaded_attachments,omitempty"`
}

// ActiveRun is one in-flight LLM-driven task tied to a conversation.
// At most one exists per conversation key.
type ActiveRun struct {
	RunID         string
	EventKey      string
	StartedUnixMs uint64

	cancelMu  sync.Mutex
	cancelled bool
	onCancel  func()

	done chan *Report
}

// Cancel sets the cooperative cancel flag and fires the registered hook.
// Safe to call more than once.
func (r *ActiveRun) Cancel() {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	if r.onCancel != nil {
		r.onCancel()
	}
}

// Cancelled reports whether the cancel flag is set.
func (r *ActiveRun) Cancelled() bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.cancelled
}

// Registry tracks active runs by conversation key and collects their
// completions for the runtime to drain.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*ActiveRun
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*ActiveRun)}
}

// TryStart registers a run for the conversation key. Returns nil when a
// run is already active for that conversation.
func (g *Registry) TryStart(conversationKey, runID, eventKey string, nowMs uint64, onCancel func()) *ActiveRun {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.runs[conversationKey]; exists {
		return nil
	}
	run := &ActiveRun{
		RunID:         runID,
		EventKey:      eventKey,
		StartedUnixMs: nowMs,
		onCancel:      onCancel,
		done:          make(chan *Report, 1),
	}
	g.runs[conversationKey] = run
	return run
}

// Active returns the run for a conversation key, nil when none.
func (g *Registry) Active(conversationKey string) *ActiveRun {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs[conversationKey]
}

// ActiveCount returns the number of in-flight runs.
func (g *Registry) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runs)
}

// Complete hands the run's report to the registry. Called from the run's
// goroutine; the conversation is released when DrainFinished collects it.
func (g *Registry) Complete(conversationKey string, report *Report) {
	g.mu.Lock()
	run, ok := g.runs[conversationKey]
	g.mu.Unlock()
	if !ok {
		return
	}
	run.done <- report
}

// DrainFinished collects reports from runs that have completed and removes
// them from the registry. Non-blocking.
func (g *Registry) DrainFinished() []*Report {
	g.mu.Lock()
	defer g.mu.Unlock()

	var reports []*Report
	for key, run := range g.runs {
		select {
		case report := <-run.done:
			reports = append(reports, report)
			delete(g.runs, key)
		default:
		}
	}
	return reports
}

// CancelAll sets every active run's cancel flag. Used on shutdown.
func (g *Registry) CancelAll() {
	g.mu.Lock()
	runs := make([]*ActiveRun, 0, len(g.runs))
	for _, r := range g.runs {
		runs = append(runs, r)
	}
	g.mu.Unlock()
	for _, r := range runs {
		r.Cancel()
	}
}
