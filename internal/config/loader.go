package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// marshalIndent and writeFile are used by WriteDefault and Save; tests may replace to force errors.
var (
	marshalIndent = json.MarshalIndent
	writeFile     = os.WriteFile
)

// WriteDefault writes a default Config to path (e.g. agentgateway.json). Parent dirs are not created.
func WriteDefault(path string) error {
	cfg := &domain.Config{
		Gateway: domain.GatewayConfig{Host: "127.0.0.1", Port: 3001},
		Workspace: domain.WorkspaceConfig{
			RepoRoot:      ".",
			WorkspacesDir: "workspaces",
		},
		Platforms: domain.PlatformsConfig{},
		Agent: domain.AgentConfig{
			Command:         "copilot",
			Provider:        "copilot",
			SkillsDir:       "skills",
			PromptTimeoutMs: 120000,
			ShutdownWaitMs:  2000,
		},
		Context: domain.ContextConfig{
			RecentMessageLimit:  20,
			RelatedMessageLimit: 10,
			MemoryMaxChars:      2000,
			TokenLimit:          8000,
			SystemPromptPath:    "system-prompt.md",
		},
		Retry: domain.RetryConfig{
			InitialBackoffMs: 1000,
			MaxBackoffMs:     60000,
			Multiplier:       2,
			JitterFraction:   0.10,
		},
	}
	data, err := marshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, data, 0644)
}

// Load reads path (e.g. agentgateway.json), unmarshals into domain.Config, and
// cleans all path fields to mitigate path traversal. Returns error if the
// file is missing or invalid JSON.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	var c domain.Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	CleanPaths(&c)
	return &c, nil
}

// CleanPaths applies filepath.Clean to all path fields in cfg to prevent path traversal.
func CleanPaths(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	if cfg.Workspace.RepoRoot != "" {
		cfg.Workspace.RepoRoot = filepath.Clean(cfg.Workspace.RepoRoot)
	}
	if cfg.Workspace.WorkspacesDir != "" {
		cfg.Workspace.WorkspacesDir = filepath.Clean(cfg.Workspace.WorkspacesDir)
	}
	if cfg.Agent.SkillsDir != "" {
		cfg.Agent.SkillsDir = filepath.Clean(cfg.Agent.SkillsDir)
	}
	if cfg.Context.SystemPromptPath != "" {
		cfg.Context.SystemPromptPath = filepath.Clean(cfg.Context.SystemPromptPath)
	}
}

// Save writes cfg to path as JSON, creating parent directories as needed.
func Save(path string, cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("config save: nil config")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config save mkdir: %w", err)
	}
	data, err := marshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config save marshal: %w", err)
	}
	if err = writeFile(path, data, 0644); err != nil {
		err = fmt.Errorf("config save write: %w", err)
	}
	if err != nil {
		return err
	}
	return nil
}
