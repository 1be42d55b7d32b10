package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultRetryConfigForTest() retry.Config {
	return retry.DefaultConfig()
}

func testConfig(t *testing.T) *domain.Config {
	t.Helper()
	root := t.TempDir()
	return &domain.Config{
		Gateway:   domain.GatewayConfig{Host: "127.0.0.1", Port: 0},
		Workspace: domain.WorkspaceConfig{RepoRoot: root, WorkspacesDir: "workspaces"},
		Agent: domain.AgentConfig{
			Command:         "true",
			Provider:        "copilot",
			SkillsDir:       filepath.Join(root, "skills"),
			PromptTimeoutMs: 1000,
			ShutdownWaitMs:  100,
		},
		Context: domain.ContextConfig{
			RecentMessageLimit:  20,
			RelatedMessageLimit: 10,
			MemoryMaxChars:      2000,
			TokenLimit:          8000,
			SystemPromptPath:    filepath.Join(root, "system-prompt.md"),
		},
		Retry: domain.RetryConfig{
			InitialBackoffMs: 1000,
			MaxBackoffMs:     60000,
			Multiplier:       2,
			JitterFraction:   0.1,
		},
	}
}

func TestBuildDaemon_WithNoPlatformsConfigured_ShouldBuildWithEmptyAdapters(t *testing.T) {
	cfg := testConfig(t)
	d, err := buildDaemon(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
	if d == nil {
		t.Fatal("expected non-nil daemon")
	}
	if len(d.adapters) != 0 {
		t.Fatalf("expected no adapters, got %d", len(d.adapters))
	}
	if d.cronEngine == nil {
		t.Fatal("expected a cron engine")
	}
	if d.promptCache == nil {
		t.Fatal("expected a prompt cache")
	}
}

func TestBuildDaemon_WithDiscordConfigured_ShouldRegisterDiscordAdapter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Platforms.Discord = &domain.DiscordConfig{
		BotToken:         "test-token",
		CommandPrefix:    "!",
		MaxMessageLength: 2000,
	}
	d, err := buildDaemon(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
	if _, ok := d.adapters["discord"]; !ok {
		t.Fatal("expected a discord adapter to be registered")
	}
}

func TestBuildDaemon_WithMisskeyConfigured_ShouldRegisterMisskeyAdapter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Platforms.Misskey = &domain.MisskeyConfig{
		InstanceURL:      "https://misskey.example",
		Token:            "test-token",
		MaxMessageLength: 3000,
	}
	d, err := buildDaemon(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
	if _, ok := d.adapters["misskey"]; !ok {
		t.Fatal("expected a misskey adapter to be registered")
	}
}

func TestBuildDaemon_WithScheduledJobWhosePromptIsMissing_ShouldError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler = []domain.ScheduledJob{
		{ID: "job-1", CronExpr: "*/5 * * * *", PromptPath: filepath.Join(t.TempDir(), "missing.md")},
	}
	if _, err := buildDaemon(cfg, discardLogger()); err == nil {
		t.Fatal("expected an error for a missing scheduled job prompt file")
	}
}

func TestBuildDaemon_WithScheduledJob_ShouldRegisterWithoutError(t *testing.T) {
	cfg := testConfig(t)
	promptPath := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(promptPath, []byte("daily check-in"), 0644); err != nil {
		t.Fatalf("write prompt fixture: %v", err)
	}
	cfg.Scheduler = []domain.ScheduledJob{
		{ID: "job-1", CronExpr: "*/5 * * * *", PromptPath: promptPath},
	}
	if _, err := buildDaemon(cfg, discardLogger()); err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
}

func TestRoutingAdapter_WhenNoAdaptersConfigured_ShouldReturnErrors(t *testing.T) {
	r := &routingAdapter{adapters: map[string]domain.PlatformAdapter{}}
	if err := r.SendReply(nil, "c", "hi", ""); err == nil {
		t.Fatal("expected an error with no adapters configured")
	}
	if status := r.ConnectionStatus(); status != domain.ConnectionDisconnected {
		t.Fatalf("expected ConnectionDisconnected, got %v", status)
	}
	if r.IsSelf("u1") {
		t.Fatal("expected IsSelf to be false with no adapters")
	}
}

func TestDomainRetryToRetryConfig_WhenZeroValued_ShouldFallBackToDefaults(t *testing.T) {
	cfg := domainRetryToRetryConfig(domain.RetryConfig{})
	def := defaultRetryConfigForTest()
	if cfg.InitialBackoff != def.InitialBackoff || cfg.MaxBackoff != def.MaxBackoff {
		t.Fatalf("expected defaults to be preserved for zero fields, got %+v", cfg)
	}
}

func TestDomainRetryToRetryConfig_WhenSet_ShouldOverrideDefaults(t *testing.T) {
	cfg := domainRetryToRetryConfig(domain.RetryConfig{
		InitialBackoffMs: 500,
		MaxBackoffMs:     5000,
		Multiplier:       3,
		JitterFraction:   0.25,
		MaxAttempts:      7,
	})
	if cfg.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("expected 500ms initial backoff, got %v", cfg.InitialBackoff)
	}
	if cfg.MaxAttempts != 7 {
		t.Fatalf("expected MaxAttempts 7, got %d", cfg.MaxAttempts)
	}
}

func TestExitCodeErr_ShouldReportItsOwnExitCode(t *testing.T) {
	var err error = exitCodeErr(3)
	ec, ok := err.(interface{ ExitCode() int })
	if !ok {
		t.Fatal("expected exitCodeErr to implement ExitCode()")
	}
	if ec.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %d", ec.ExitCode())
	}
}

func TestGetVersion_WhenNoOverrideOrFile_ShouldReturnDev(t *testing.T) {
	old := version
	version = ""
	defer func() { version = old }()

	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	_ = os.Chdir(dir)

	if v := getVersion(); v != "dev" {
		t.Fatalf("expected dev, got %q", v)
	}
}

func TestRunApp_WhenCheckSucceeds_ShouldReturnZero(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	_ = os.Chdir(dir)

	if code := runApp([]string{"agentgateway", "check"}); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}
