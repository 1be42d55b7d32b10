package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/johnstryder/agentgateway/internal/agent"
	"github.com/johnstryder/agentgateway/internal/banner"
	"github.com/johnstryder/agentgateway/internal/cli"
	"github.com/johnstryder/agentgateway/internal/config"
	actx "github.com/johnstryder/agentgateway/internal/context"
	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/gateway"
	"github.com/johnstryder/agentgateway/internal/memory"
	"github.com/johnstryder/agentgateway/internal/orchestrator"
	"github.com/johnstryder/agentgateway/internal/platform/discord"
	"github.com/johnstryder/agentgateway/internal/platform/misskey"
	"github.com/johnstryder/agentgateway/internal/retry"
	"github.com/johnstryder/agentgateway/internal/router"
	"github.com/johnstryder/agentgateway/internal/scheduler"
	"github.com/johnstryder/agentgateway/internal/security"
	"github.com/johnstryder/agentgateway/internal/session"
	"github.com/johnstryder/agentgateway/internal/skills"
	"github.com/johnstryder/agentgateway/internal/workspace"
)

const defaultSessionTTL = 10 * time.Minute

// buildMeta holds version and build metadata (injectable via ldflags).
type buildMeta struct {
	Version string
	GoOS    string
	GoArch  string
}

func newBuildMeta(version, goos, goarch string) buildMeta {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	return buildMeta{Version: version, GoOS: goos, GoArch: goarch}
}

func (m buildMeta) String() string {
	return fmt.Sprintf("agentgateway %s %s/%s", m.Version, m.GoOS, m.GoArch)
}

func newRootCommand(bm buildMeta) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentgateway",
		Short: "Conversational agent gateway",
		Long:  "agentgateway bridges chat platforms to an external reasoning agent over the Agent Client Protocol.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), bm.String())
				return nil
			}
			return runDaemon(cmd, args, daemonShutdownCh)
		},
	}
	root.Flags().BoolP("version", "V", false, "print version and build metadata")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check config and paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			fix, _ := cmd.Flags().GetBool("fix")
			checkArgs := []string{"agentgateway", "check"}
			if fix {
				checkArgs = append(checkArgs, "--fix")
			}
			code := cli.RunCheck(checkArgs, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if code != 0 {
				return exitCodeErr(code)
			}
			return nil
		},
	}
	checkCmd.Flags().Bool("fix", false, "write default config if missing")
	root.AddCommand(checkCmd)

	return root
}

// runDaemon wires every component into a running gateway and blocks until
// shutdownCh closes (tests) or a shutdown signal arrives (production).
func runDaemon(cmd *cobra.Command, args []string, shutdownCh <-chan struct{}) error {
	euidGetter := security.EffectiveUIDGetter()
	if daemonEUIDGetter != nil {
		euidGetter = daemonEUIDGetter
	}
	if err := security.RequireNonRoot(euidGetter); err != nil {
		return err
	}
	version := getVersion()
	banner.Startup(version, nil)

	logger := slog.Default()

	cfgPath := os.Getenv("AGENTGATEWAY_CONFIG")
	if cfgPath == "" {
		cfgPath = "agentgateway.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("  (no config file; nothing started — run `agentgateway check --fix`)")
		if shutdownCh != nil {
			<-shutdownCh
			return nil
		}
		daemonWaitForShutdown()
		return nil
	}

	d, err := buildDaemon(cfg, logger)
	if err != nil {
		fmt.Fprintf(gatewayBindErrWriter, "  startup: %v\n", err)
		return err
	}
	daemonForTest = d

	d.start()
	fmt.Printf("  listen %s\n  ready.\n", d.gatewayAddr())

	if shutdownCh != nil {
		<-shutdownCh
		d.stop()
		return nil
	}
	daemonWaitForShutdown()
	d.stop()
	return nil
}

// daemon bundles every running subsystem so runDaemon's start/stop is one
// call each, regardless of which platforms or scheduled jobs are configured.
type daemon struct {
	cancel      context.CancelFunc
	cronEngine  *scheduler.RobfigCronEngine
	sweeper     *session.Registry
	promptCache *actx.PromptCache
	gatewayCh   chan struct{}
	gatewaySrv  *gateway.Server
	adapters    map[string]domain.PlatformAdapter
}

func (d *daemon) gatewayAddr() string {
	if d.gatewaySrv == nil {
		return "(gateway disabled)"
	}
	for i := 0; i < 50; i++ {
		if a := d.gatewaySrv.Addr(); a != "" {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	return "(gateway failed to bind)"
}

func (d *daemon) start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for name, adapter := range d.adapters {
		a := adapter
		platformName := name
		go func() {
			if err := a.Connect(ctx); err != nil && ctx.Err() == nil {
				slog.Default().Error("platform adapter connect failed", "platform", platformName, "error", err)
			}
		}()
	}
	d.cronEngine.Start()
	if d.gatewaySrv != nil {
		d.gatewayCh = make(chan struct{})
		go func() { _ = d.gatewaySrv.Run(d.gatewayCh) }()
	}
}

func (d *daemon) stop() {
	d.cancel()
	for _, adapter := range d.adapters {
		_ = adapter.Disconnect()
	}
	d.cronEngine.Stop()
	if d.gatewayCh != nil {
		close(d.gatewayCh)
	}
	if d.promptCache != nil {
		_ = d.promptCache.Stop()
	}
}

// buildDaemon constructs every subsystem from cfg without starting anything,
// so tests can assert on wiring before start() is ever called.
func buildDaemon(cfg *domain.Config, logger *slog.Logger) (*daemon, error) {
	workspaces := workspace.NewManager(cfg.Workspace.RepoRoot, cfg.Workspace.WorkspacesDir)
	memStore := memory.NewStore(cfg.Context.MemoryMaxChars)

	promptCache := actx.NewPromptCache(cfg.Context.SystemPromptPath, logger)
	if err := promptCache.Start(); err != nil {
		logger.Warn("prompt cache watch failed, falling back to uncached reads", "error", err)
	}

	assembler := actx.NewAssembler(actx.Config{
		RecentMessageLimit:  cfg.Context.RecentMessageLimit,
		RelatedMessageLimit: cfg.Context.RelatedMessageLimit,
		TokenLimit:          cfg.Context.TokenLimit,
	}, promptCache, memStore)

	sessions := session.NewRegistry(defaultSessionTTL, session.WithLogger(logger))
	cronEngine := scheduler.NewRobfigCronEngine()
	if err := sessions.StartSweeper(cronEngine); err != nil {
		return nil, fmt.Errorf("session sweeper: %w", err)
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		return nil, err
	}

	skillRegistry := buildSkills(cfg, adapters, memStore, sessions)

	orch := orchestrator.New(orchestrator.Config{
		Agent: agent.Config{
			Command:         cfg.Agent.Command,
			Args:            cfg.Agent.Args,
			Provider:        cfg.Agent.Provider,
			GithubToken:     cfg.Agent.GithubToken,
			GeminiAPIKey:    cfg.Agent.GeminiAPIKey,
			ShutdownWaitMs:  cfg.Agent.ShutdownWaitMs,
			PromptTimeoutMs: cfg.Agent.PromptTimeoutMs,
			ExtraEnv:        cfg.Agent.ExtraEnv,
		},
		SkillsDir:         cfg.Agent.SkillsDir,
		Model:             cfg.Agent.Model,
		DefaultTimeoutMs:  cfg.Agent.PromptTimeoutMs,
		ContextTokenLimit: cfg.Context.TokenLimit,
	}, workspaces, assembler, sessions, skillRegistry, adapters, logger)

	r := router.New(orch.Handle, router.WithLogger(logger))
	for _, adapter := range adapters {
		adapter.OnEvent(func(event domain.NormalizedEvent) {
			go func() {
				if err := r.Dispatch(context.Background(), event); err != nil {
					logger.Warn("dispatch failed", "error", err)
				}
			}()
		})
	}

	if err := registerScheduledJobs(cfg, cronEngine, r, logger); err != nil {
		return nil, err
	}

	var gw *gateway.Server
	gw, err = gateway.NewServer(&cfg.Gateway, sessions, skillRegistry, logger)
	if err != nil {
		logger.Error("gateway server disabled", "error", err)
		gw = nil
	}

	return &daemon{
		cronEngine:  cronEngine,
		sweeper:     sessions,
		promptCache: promptCache,
		gatewaySrv:  gw,
		adapters:    adapters,
	}, nil
}

func buildAdapters(cfg *domain.Config, logger *slog.Logger) (map[string]domain.PlatformAdapter, error) {
	adapters := make(map[string]domain.PlatformAdapter)
	retryCfg := domainRetryToRetryConfig(cfg.Retry)

	if dc := cfg.Platforms.Discord; dc != nil {
		token := dc.BotToken
		if token == "" {
			token = os.Getenv("DISCORD_BOT_TOKEN")
		}
		session, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, fmt.Errorf("discord session: %w", err)
		}
		adapters["discord"] = discord.New(session, discord.Config{
			CommandPrefix:    dc.CommandPrefix,
			AllowDM:          dc.AllowDM,
			MaxMessageLength: dc.MaxMessageLength,
			Retry:            retryCfg,
		}, logger)
	}

	if mc := cfg.Platforms.Misskey; mc != nil {
		token := mc.Token
		if token == "" {
			token = os.Getenv("MISSKEY_TOKEN")
		}
		adapters["misskey"] = misskey.New(websocket.DefaultDialer, misskey.Config{
			InstanceURL:      mc.InstanceURL,
			Token:            token,
			CommandPrefix:    mc.CommandPrefix,
			AllowDM:          mc.AllowDM,
			MaxMessageLength: mc.MaxMessageLength,
			Retry:            retryCfg,
		}, logger)
	}

	return adapters, nil
}

func domainRetryToRetryConfig(rc domain.RetryConfig) retry.Config {
	cfg := retry.DefaultConfig()
	if rc.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	if rc.Multiplier > 0 {
		cfg.Multiplier = rc.Multiplier
	}
	if rc.JitterFraction > 0 {
		cfg.JitterFraction = rc.JitterFraction
	}
	cfg.MaxAttempts = rc.MaxAttempts
	return cfg
}

// buildSkills registers one handler per skill named in §4.5. fetch-context
// and send-reply share one routingAdapter over every configured platform
// adapter, since a *skills.Registry is shared across every platform.
func buildSkills(cfg *domain.Config, adapters map[string]domain.PlatformAdapter, memStore domain.MemoryStore, marker skills.ReplyMarker) *skills.Registry {
	route := &routingAdapter{adapters: adapters}
	return skills.NewRegistry(
		skills.NewFetchContext(route),
		skills.NewMemorySave(memStore),
		skills.NewMemoryPatch(memStore),
		skills.NewMemorySearch(memStore),
		skills.NewSendReply(route, marker),
	)
}

// routingAdapter implements domain.PlatformAdapter by forwarding every call
// to the first adapter that iteration over the adapters map yields. The
// session's platform is not consulted, so with more than one platform
// configured, which adapter receives a call is not defined.
type routingAdapter struct {
	adapters map[string]domain.PlatformAdapter
}

func (r *routingAdapter) resolve(channelID string) domain.PlatformAdapter {
	// Skills receive a channel id scoped to one platform adapter at a time
	// via the calling session; with a single adapter configured this is
	// unambiguous. Multi-platform skill routing is out of scope for the
	// HTTP gateway surface, which already carries the session's platform.
	for _, a := range r.adapters {
		return a
	}
	return nil
}

func (r *routingAdapter) Connect(ctx context.Context) error { return nil }
func (r *routingAdapter) Disconnect() error                 { return nil }
func (r *routingAdapter) OnEvent(func(domain.NormalizedEvent)) {}

func (r *routingAdapter) SendReply(ctx context.Context, channelID, content, replyTo string) error {
	a := r.resolve(channelID)
	if a == nil {
		return fmt.Errorf("routingAdapter: no platform adapter configured")
	}
	return a.SendReply(ctx, channelID, content, replyTo)
}

func (r *routingAdapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.PlatformMessage, error) {
	a := r.resolve(channelID)
	if a == nil {
		return nil, fmt.Errorf("routingAdapter: no platform adapter configured")
	}
	return a.FetchRecent(ctx, channelID, limit)
}

func (r *routingAdapter) SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]domain.PlatformMessage, error) {
	a := r.resolve(channelID)
	if a == nil {
		return nil, fmt.Errorf("routingAdapter: no platform adapter configured")
	}
	return a.SearchRelated(ctx, guildID, channelID, query, limit)
}

func (r *routingAdapter) GetUsername(ctx context.Context, userID string) (string, error) {
	a := r.resolve("")
	if a == nil {
		return "", fmt.Errorf("routingAdapter: no platform adapter configured")
	}
	return a.GetUsername(ctx, userID)
}

func (r *routingAdapter) IsSelf(userID string) bool {
	a := r.resolve("")
	return a != nil && a.IsSelf(userID)
}

func (r *routingAdapter) Capabilities() domain.Capabilities {
	a := r.resolve("")
	if a == nil {
		return domain.Capabilities{}
	}
	return a.Capabilities()
}

func (r *routingAdapter) ConnectionStatus() domain.ConnectionStatus {
	a := r.resolve("")
	if a == nil {
		return domain.ConnectionDisconnected
	}
	return a.ConnectionStatus()
}

var _ domain.PlatformAdapter = (*routingAdapter)(nil)

// registerScheduledJobs wires each configured cron job (§12) to dispatch a
// Platform: "system" normalized event through the router, so a scheduled
// prompt runs the full Session Orchestrator pipeline exactly like a
// platform-originated message.
func registerScheduledJobs(cfg *domain.Config, engine *scheduler.RobfigCronEngine, r *router.Router, logger *slog.Logger) error {
	if len(cfg.Scheduler) == 0 {
		return nil
	}
	sched := scheduler.NewScheduler(engine, func(ctx context.Context, job scheduler.Job) error {
		event := domain.NormalizedEvent{
			Platform:  "system",
			ChannelID: job.ID,
			MessageID: job.ID + "-" + time.Now().UTC().Format(time.RFC3339Nano),
			Content:   job.Prompt,
			Timestamp: time.Now().UTC(),
		}
		return r.Dispatch(ctx, event)
	}, scheduler.WithLogger(logger))

	for _, j := range cfg.Scheduler {
		prompt, err := os.ReadFile(j.PromptPath)
		if err != nil {
			return fmt.Errorf("scheduled job %q: read prompt: %w", j.ID, err)
		}
		if err := sched.AddJob(scheduler.Job{
			ID:       j.ID,
			Name:     j.ID,
			CronExpr: j.CronExpr,
			Prompt:   strings.TrimSpace(string(prompt)),
		}); err != nil {
			return fmt.Errorf("scheduled job %q: %w", j.ID, err)
		}
	}
	return nil
}

func getVersion() string {
	if version != "" {
		return version
	}
	b, err := os.ReadFile("VERSION")
	if err != nil {
		return "dev"
	}
	return strings.TrimSpace(string(b))
}

// version is set at build time via ldflags, e.g.:
//
//	go build -ldflags "-X main.version=1.0.0" -o agentgateway ./cmd/agentgateway
var version string

// daemonShutdownCh is set by tests to unblock runDaemon without signals. Production leaves it nil.
var daemonShutdownCh <-chan struct{}

// daemonEUIDGetter, when non-nil, replaces security.EffectiveUIDGetter() in runDaemon's root check. Production leaves it nil.
var daemonEUIDGetter func() int

// daemonWaitForShutdown is set by init in main_signal*.go so tests can inject a no-op.
var daemonWaitForShutdown func()

// daemonForTest is set once buildDaemon succeeds so tests can inspect wiring.
var daemonForTest *daemon

// gatewayBindErrWriter is where startup errors are written. Tests may override; production uses os.Stderr.
var gatewayBindErrWriter interface{ Write([]byte) (int, error) } = os.Stderr

// exitCodeErr carries an exit code for the process. When returned from a command, runApp exits with that code.
type exitCodeErr int

func (e exitCodeErr) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e exitCodeErr) ExitCode() int { return int(e) }

// runApp runs the root command with the given args and returns the exit code (0, 1, or 2).
func runApp(args []string) int {
	bm := newBuildMeta(version, "", "")
	if bm.Version == "" {
		bm.Version = getVersion()
	}
	root := newRootCommand(bm)
	root.SetArgs(args[1:])
	if err := root.Execute(); err != nil {
		if err == security.ErrRunningAsRoot {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if ec, ok := err.(interface{ ExitCode() int }); ok {
			return ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
