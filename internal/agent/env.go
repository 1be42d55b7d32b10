package agent

import (
	"os"
	"strings"
)

// inheritedEnvKeys are passed through from the host process's environment
// into the agent subprocess unchanged.
var inheritedEnvKeys = []string{"PATH", "HOME"}

// buildEnv constructs a curated subprocess environment: the inherited keys,
// whichever per-agent secret is configured (GITHUB_TOKEN or GEMINI_API_KEY),
// plus any operator-configured extra variables — never the full host
// environment.
func buildEnv(githubToken, geminiAPIKey string, extra map[string]string) []string {
	env := make([]string, 0, len(inheritedEnvKeys)+2+len(extra))
	for _, key := range inheritedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if githubToken != "" {
		env = append(env, "GITHUB_TOKEN="+githubToken)
	}
	if geminiAPIKey != "" {
		env = append(env, "GEMINI_API_KEY="+geminiAPIKey)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// envValue looks up a key within a built environment slice, used by tests.
func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}
