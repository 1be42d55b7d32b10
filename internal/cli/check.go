package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/johnstryder/agentgateway/internal/config"
)

const checkCmd = "check"

// defaultConfigPath is used when AGENTGATEWAY_CONFIG is unset.
const defaultConfigPath = "agentgateway.json"

// CheckOptions holds options for the check command.
type CheckOptions struct {
	Fix bool // if true, write default config when missing
}

// RunCheck runs the check subcommand: checks config and the filesystem
// paths it names (workspace root, skills dir); optionally
// repairs. Returns an exit code.
func RunCheck(args []string, stdout, stderr io.Writer) int {
	opts := parseCheckOptions(args)
	cfgPath := defaultConfigPath
	if p := os.Getenv("AGENTGATEWAY_CONFIG"); p != "" {
		cfgPath = p
	}

	note := func(section, message string) {
		fmt.Fprintf(stdout, "  [%s] %s\n", section, message)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			note("Config", fmt.Sprintf("No config at %s.", cfgPath))
			if opts.Fix {
				if writeErr := writeDefaultConfig(cfgPath); writeErr != nil {
					fmt.Fprintf(stderr, "  failed to write default config: %v\n", writeErr)
					return 1
				}
				note("Config", fmt.Sprintf("Wrote default config to %s.", cfgPath))
			} else {
				note("Config", fmt.Sprintf("Run with --fix to create a default %s.", defaultConfigPath))
			}
		} else {
			note("Config", err.Error())
			return 1
		}
	} else {
		note("Config", fmt.Sprintf("Loaded %s.", cfgPath))
		note("Gateway", fmt.Sprintf("host=%s port=%d", cfg.Gateway.Host, cfg.Gateway.Port))

		if cfg.Workspace.RepoRoot != "" {
			if err := ensureDir(cfg.Workspace.RepoRoot, "workspace.repoRoot"); err != nil {
				note("Paths", err.Error())
			} else {
				note("Paths", fmt.Sprintf("workspace.repoRoot %s ok.", cfg.Workspace.RepoRoot))
			}
		}
		if cfg.Agent.SkillsDir != "" {
			if err := ensureDir(cfg.Agent.SkillsDir, "agent.skillsDir"); err != nil {
				note("Paths", err.Error())
			} else {
				note("Paths", fmt.Sprintf("agent.skillsDir %s ok.", cfg.Agent.SkillsDir))
			}
		}
		if cfg.Agent.Command == "" {
			note("Agent", "agent.command is empty; the gateway cannot spawn a reasoning agent without it.")
		}
	}

	fmt.Fprintln(stdout, "  Check complete.")
	return 0
}

func parseCheckOptions(args []string) CheckOptions {
	var opts CheckOptions
	for _, a := range args {
		if a == "--fix" || a == "-fix" {
			opts.Fix = true
			break
		}
	}
	return opts
}

func ensureDir(dir, label string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(abs, 0755); mkErr != nil {
				return fmt.Errorf("%s %q: mkdir failed: %w", label, abs, mkErr)
			}
			return nil
		}
		return fmt.Errorf("%s %q: %w", label, abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s %q: not a directory", label, abs)
	}
	return nil
}

func writeDefaultConfig(path string) error {
	return config.WriteDefault(path)
}
