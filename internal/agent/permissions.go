package agent

import (
	"path/filepath"
	"strings"
)

// PermissionPolicy decides whether a tool call invoked by the agent
// subprocess is auto-approved (§4.8 requestPermission).
type PermissionPolicy struct {
	skillNames      map[string]struct{}
	skillsDir       string
	skillScriptPath string
}

// NewPermissionPolicy builds a policy over the given registered skill names,
// the well-known skills directory, and the script path our own skill
// scripts are invoked through.
func NewPermissionPolicy(skillNames []string, skillsDir, skillScriptPath string) *PermissionPolicy {
	names := make(map[string]struct{}, len(skillNames))
	for _, n := range skillNames {
		names[n] = struct{}{}
	}
	return &PermissionPolicy{
		skillNames:      names,
		skillsDir:       cleanDir(skillsDir),
		skillScriptPath: skillScriptPath,
	}
}

// Allow reports whether a tool call should be auto-approved.
func (p *PermissionPolicy) Allow(toolName string, rawInput map[string]interface{}) bool {
	if _, ok := p.skillNames[toolName]; ok {
		return true
	}
	if path, ok := stringField(rawInput, "path"); ok {
		return p.isUnderSkillsDir(path)
	}
	if cmd, ok := stringField(rawInput, "command"); ok {
		return p.referencesSkillScript(cmd)
	}
	if raw, ok := rawInput["commands"]; ok {
		return p.allCommandsReferenceSkillScript(raw)
	}
	return false
}

func (p *PermissionPolicy) isUnderSkillsDir(path string) bool {
	if p.skillsDir == "" {
		return false
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return false
	}
	rel, err := filepath.Rel(p.skillsDir, clean)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (p *PermissionPolicy) referencesSkillScript(command string) bool {
	if p.skillScriptPath == "" {
		return false
	}
	return strings.Contains(command, p.skillScriptPath)
}

func (p *PermissionPolicy) allCommandsReferenceSkillScript(raw interface{}) bool {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return false
	}
	for _, item := range list {
		cmd, ok := item.(string)
		if !ok || !p.referencesSkillScript(cmd) {
			return false
		}
	}
	return true
}

func cleanDir(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Clean(dir)
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
