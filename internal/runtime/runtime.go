// Package runtime orchestrates the per-cycle event pipeline: discovery,
// ordering, deduplication, access evaluation, routing, command dispatch or
// prompt execution, outbound delivery, telemetry, health classification,
// and durable state persistence.
package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/njfio/tau/internal/access"
	"github.com/njfio/tau/internal/command"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/ingress"
	"github.com/njfio/tau/internal/outbound"
	"github.com/njfio/tau/internal/prompt"
	"github.com/njfio/tau/internal/route"
	"github.com/njfio/tau/internal/state"
	"github.com/njfio/tau/internal/telemetry"
)

// Options bundle the collaborators the runtime consumes through narrow
// interfaces. Zero values fall back to built-in defaults.
type Options struct {
	Sources   []ingress.Source
	Evaluator *access.Evaluator
	Resolver  *route.Resolver
	Client    prompt.Client
	Canvas    command.CanvasService
	Auth      command.AuthService
	Doctor    command.DoctorService

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Runtime is one runtime instance owning a state directory.
type Runtime struct {
	cfg        *config.Config
	st         *state.Store
	lock       *state.Lock
	sources    []ingress.Source
	evaluator  *access.Evaluator
	resolver   *route.Resolver
	dispatcher *outbound.Dispatcher
	emitter    *telemetry.Emitter
	runner     *prompt.Runner
	registry   *prompt.Registry
	demos      *command.DemoIndex
	canvas     command.CanvasService
	auth       command.AuthService
	doctor     command.DoctorService
	tracer     trace.Tracer
	now        func() time.Time
}

// New assembles a runtime over a locked state directory.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lock, err := state.AcquireLock(cfg.StateDir,
		time.Duration(cfg.SessionLockWaitMs)*time.Millisecond,
		time.Duration(cfg.SessionLockStaleMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}

	st, err := state.Load(cfg.StateDir, cfg.ProcessedEventCap)
	if err != nil {
		lock.Release()
		return nil, err
	}

	adapters := []outbound.Adapter{
		outbound.NewTelegramAdapter(cfg.Transports.Telegram),
		outbound.NewDiscordAdapter(cfg.Transports.Discord),
		outbound.NewWhatsAppAdapter(cfg.Transports.WhatsApp),
	}

	r := &Runtime{
		cfg:        cfg,
		st:         st,
		lock:       lock,
		sources:    opts.Sources,
		evaluator:  opts.Evaluator,
		resolver:   opts.Resolver,
		dispatcher: outbound.NewDispatcher(cfg.Outbound, cfg.Retry, adapters),
		emitter:    telemetry.NewEmitter(cfg.Telemetry, st),
		registry:   prompt.NewRegistry(),
		demos:      command.NewDemoIndex(),
		canvas:     opts.Canvas,
		auth:       opts.Auth,
		doctor:     opts.Doctor,
		tracer:     otel.Tracer("tau/runtime"),
		now:        opts.Now,
	}
	client := opts.Client
	if client == nil {
		client = prompt.EchoClient{}
	}
	r.runner = prompt.NewRunner(client, cfg.Prompt)
	if cfg.Ingress.LiveDir != "" {
		// The dir source persists its line cursors in runtime state.
		r.sources = append(r.sources, ingress.NewDirSource(cfg.Ingress.LiveDir, st))
	}
	if r.evaluator == nil {
		r.evaluator = access.NewEvaluator(nil, "", "tau", nil)
	}
	if r.resolver == nil {
		r.resolver = route.NewResolver(nil, "", cfg.StateDir)
	}
	if r.canvas == nil {
		r.canvas = command.NoCanvas{}
	}
	if r.auth == nil {
		r.auth = command.EnvAuth{}
	}
	if r.doctor == nil {
		r.doctor = command.StoreDoctor{StateDir: cfg.StateDir}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Close releases the state directory lock.
func (r *Runtime) Close() error {
	r.registry.CancelAll()
	return r.lock.Release()
}

// Registry exposes the active-run registry (used by tests and status).
func (r *Runtime) Registry() *prompt.Registry { return r.registry }

// State exposes the durable state store.
func (r *Runtime) State() *state.Store { return r.st }

// Run executes cycles on the poll interval until ctx ends or SIGINT
// arrives. Ingress file writes cut the wait short.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wake <-chan struct{}
	if r.cfg.Ingress.LiveDir != "" {
		ch, err := ingress.Watch(ctx, r.cfg.Ingress.LiveDir)
		if err != nil {
			slog.Warn("ingress watcher unavailable, relying on polling", "error", err)
		} else {
			wake = ch
		}
	}

	slog.Info("runtime started", "state_dir", r.cfg.StateDir, "poll_interval", r.cfg.PollInterval())
	for {
		if _, err := r.RunCycle(ctx); err != nil {
			return err
		}

		timer := time.NewTimer(r.cfg.PollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("runtime stopping")
			return nil
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

// RunOnce executes exactly one cycle.
func (r *Runtime) RunOnce(ctx context.Context) (*CycleReport, error) {
	return r.RunCycle(ctx)
}

// maybePurgeArtifacts runs the scheduled artifact purge when the cron
// expression is due at now.
func (r *Runtime) maybePurgeArtifacts(now time.Time) {
	expr := r.cfg.Maintenance.PurgeSchedule
	if expr == "" {
		return
	}
	gron := gronx.New()
	due, err := gron.IsDue(expr, now)
	if err != nil {
		slog.Warn("invalid purge schedule", "expr", expr, "error", err)
		return
	}
	if !due {
		return
	}

	nowMs := uint64(now.UnixMilli())
	stores, err := allChannelStores(r.cfg.StateDir)
	if err != nil {
		slog.Warn("purge scan failed", "error", err)
		return
	}
	total := 0
	for _, cs := range stores {
		purged, _, err := cs.PurgeExpiredArtifacts(nowMs)
		if err != nil {
			slog.Warn("artifact purge failed", "dir", cs.Dir(), "error", err)
			continue
		}
		total += purged
	}
	if total > 0 {
		slog.Info("scheduled artifact purge", "purged", total)
	}
}

func (r *Runtime) spanForCycle(ctx context.Context) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "runtime.cycle")
}

func annotateCycleSpan(span trace.Span, report *CycleReport) {
	span.SetAttributes(
		attribute.Int("tau.discovered", report.DiscoveredEvents),
		attribute.Int("tau.completed", report.CompletedEvents),
		attribute.Int("tau.failed", report.FailedEvents),
		attribute.Int("tau.duplicates", report.DuplicateSkips),
		attribute.String("tau.health", string(report.HealthState)),
	)
}
