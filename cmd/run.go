package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/njfio/tau/internal/access"
	"github.com/njfio/tau/internal/config"
	"github.com/njfio/tau/internal/ingress"
	"github.com/njfio/tau/internal/route"
	"github.com/njfio/tau/internal/runtime"
	"github.com/njfio/tau/internal/telemetry"
)

var (
	flagFixture       string
	flagStateDir      string
	flagQueueLimit    int
	flagProcessedCap  int
	flagRetryMax      int
	flagRetryBaseMs   int
	flagRetryJitterMs int
	flagOutboundMode  string
	flagMaxChars      int
	flagHTTPTimeoutMs int
	flagOnce          bool
	flagChannelPolicy string
	flagPairingFile   string
	flagRBACFile      string
	flagBindingsFile  string
	flagAccountID     string
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the multi-channel runtime loop",
		Run: func(cmd *cobra.Command, args []string) {
			runRuntime(cmd, flagOnce)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flagFixture, "multi-channel-fixture", "", "fixture file of inbound events")
	f.StringVar(&flagStateDir, "multi-channel-state-dir", "", "state directory (overrides config)")
	f.IntVar(&flagQueueLimit, "multi-channel-queue-limit", 0, "max events per cycle")
	f.IntVar(&flagProcessedCap, "multi-channel-processed-event-cap", 0, "processed-event window size")
	f.IntVar(&flagRetryMax, "multi-channel-retry-max-attempts", 0, "delivery retry attempts")
	f.IntVar(&flagRetryBaseMs, "multi-channel-retry-base-delay-ms", -1, "retry base delay (ms)")
	f.IntVar(&flagRetryJitterMs, "multi-channel-retry-jitter-ms", -1, "retry jitter bound (ms)")
	f.StringVar(&flagOutboundMode, "multi-channel-outbound-mode", "", "dry_run, provider, or channel_store")
	f.IntVar(&flagMaxChars, "multi-channel-outbound-max-chars", 0, "max chars per outbound chunk")
	f.IntVar(&flagHTTPTimeoutMs, "multi-channel-outbound-http-timeout-ms", 0, "outbound HTTP timeout (ms)")
	f.BoolVar(&flagOnce, "once", false, "run exactly one cycle and exit")
	f.StringVar(&flagChannelPolicy, "channel-policy", "", "channel policy JSON5 file")
	f.StringVar(&flagPairingFile, "pairing-file", "", "pairing/allowlist registry file")
	f.StringVar(&flagRBACFile, "rbac-file", "", "RBAC policy file")
	f.StringVar(&flagBindingsFile, "route-bindings", "", "route bindings JSON5 file")
	f.StringVar(&flagAccountID, "account-id", "", "bot account id for route bindings")
	return cmd
}

func runRuntime(cmd *cobra.Command, once bool) {
	cfg, err := buildConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without export", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(ctx)

	opts, err := buildOptions(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	rt, err := runtime.New(cfg, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup error:", err)
		os.Exit(1)
	}
	defer rt.Close()

	if once {
		report, err := rt.RunOnce(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cycle error:", err)
			os.Exit(1)
		}
		cmd.Printf("cycle complete: discovered=%d completed=%d failed=%d duplicates=%d health=%s\n",
			report.DiscoveredEvents, report.CompletedEvents, report.FailedEvents,
			report.DuplicateSkips, report.HealthState)
		return
	}

	if err := rt.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "runtime error:", err)
		os.Exit(1)
	}
}

func buildConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	if flagFixture != "" {
		cfg.FixturePath = flagFixture
	}
	if flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	if flagQueueLimit > 0 {
		cfg.QueueLimit = flagQueueLimit
	}
	if flagProcessedCap > 0 {
		cfg.ProcessedEventCap = flagProcessedCap
	}
	if flagRetryMax > 0 {
		cfg.Retry.MaxAttempts = flagRetryMax
	}
	if flagRetryBaseMs >= 0 {
		cfg.Retry.BaseDelayMs = flagRetryBaseMs
	}
	if flagRetryJitterMs >= 0 {
		cfg.Retry.JitterMs = flagRetryJitterMs
	}
	if flagOutboundMode != "" {
		cfg.Outbound.Mode = config.OutboundMode(flagOutboundMode)
	}
	if flagMaxChars > 0 {
		cfg.Outbound.MaxChars = flagMaxChars
	}
	if flagHTTPTimeoutMs > 0 {
		cfg.Outbound.HTTPTimeoutMs = flagHTTPTimeoutMs
	}

	return cfg, cfg.Validate()
}

func buildOptions(ctx context.Context, cfg *config.Config) (runtime.Options, error) {
	var opts runtime.Options

	if cfg.FixturePath != "" {
		opts.Sources = append(opts.Sources, ingress.NewFixtureSource(cfg.FixturePath))
	}
	if cfg.Ingress.BridgeURL != "" {
		bridge := ingress.NewBridgeSource(cfg.Ingress.BridgeURL, cfg.Transports.WhatsApp.PhoneNumberID)
		if err := bridge.Start(ctx); err != nil {
			return opts, err
		}
		opts.Sources = append(opts.Sources, bridge)
	}

	policies, err := access.LoadPolicyFile(flagChannelPolicy)
	if err != nil {
		return opts, err
	}
	var rbac access.RBACEvaluator
	if flagRBACFile != "" {
		rbac = access.NewFileRBAC(flagRBACFile)
	}
	opts.Evaluator = access.NewEvaluator(policies, flagPairingFile, "tau", rbac)

	bindings, err := route.LoadBindingsFile(flagBindingsFile)
	if err != nil {
		return opts, err
	}
	opts.Resolver = route.NewResolver(bindings, flagAccountID, cfg.StateDir)

	return opts, nil
}
