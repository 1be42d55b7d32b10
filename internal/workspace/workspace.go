// Package workspace resolves normalized events to isolated per-conversation
// working directories and enforces the filesystem boundary around them (§4.1).
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// ErrBoundaryViolation is returned when a resolved target path escapes a
// workspace's directory tree, including via a symlink.
var ErrBoundaryViolation = errors.New("workspace: path resolves outside workspace boundary")

// Manager computes workspace keys, creates their directories idempotently,
// and validates that candidate paths stay inside a workspace's boundary.
type Manager struct {
	repoRoot      string
	workspacesDir string
}

// NewManager creates a Manager rooted at repoRoot/workspacesDir.
func NewManager(repoRoot, workspacesDir string) *Manager {
	return &Manager{repoRoot: repoRoot, workspacesDir: workspacesDir}
}

// GetOrCreate resolves the workspace for a normalized event, creating its
// directory (and ancestors) if this is the first time it is seen. Calling
// this repeatedly with the same event components yields the same path.
func (m *Manager) GetOrCreate(event domain.NormalizedEvent) (domain.Workspace, error) {
	ws := m.workspaceFor(event.Platform, event.UserID, event.ChannelID, event.IsDM)
	if err := os.MkdirAll(ws.Path, 0755); err != nil {
		return domain.Workspace{}, fmt.Errorf("workspace: mkdir %q: %w", ws.Path, err)
	}
	return ws, nil
}

// GetPath returns the filesystem path for a workspace key without creating
// anything on disk.
func (m *Manager) GetPath(key string) string {
	return filepath.Join(m.repoRoot, m.workspacesDir, filepath.FromSlash(key))
}

func (m *Manager) workspaceFor(platform, userID, channelID string, isDM bool) domain.Workspace {
	key := fmt.Sprintf("%s/%s/%s", platform, userID, channelID)
	return domain.Workspace{
		Key:  key,
		Path: m.GetPath(key),
		IsDM: isDM,
		Components: domain.WorkspaceComponents{
			Platform: platform, UserID: userID, ChannelID: channelID,
		},
	}
}

// ValidateInside reports whether path resolves (symlinks followed) to a
// location inside ws.Path. Unlike a boolean-returning helper, callers that
// need a hard failure on escape should use RequireInside.
func (m *Manager) ValidateInside(ws domain.Workspace, path string) (bool, error) {
	resolvedRoot, err := resolveExisting(ws.Path)
	if err != nil {
		return false, fmt.Errorf("workspace: resolve root %q: %w", ws.Path, err)
	}
	resolvedTarget, err := resolveNearest(path)
	if err != nil {
		return false, fmt.Errorf("workspace: resolve target %q: %w", path, err)
	}
	rel, err := filepath.Rel(resolvedRoot, resolvedTarget)
	if err != nil {
		return false, nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

// RequireInside validates path is inside ws.Path and returns
// ErrBoundaryViolation (never a quiet false) when it is not.
func (m *Manager) RequireInside(ws domain.Workspace, path string) error {
	ok, err := m.ValidateInside(ws, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBoundaryViolation, path)
	}
	return nil
}

// resolveExisting resolves an absolute, symlink-free form of a path that is
// expected to already exist (the workspace root, created by GetOrCreate).
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// resolveNearest resolves a target path that may not exist yet (a file the
// agent wants to write): it walks up to the nearest existing ancestor,
// resolves that ancestor's symlinks, then re-appends the non-existent tail.
func resolveNearest(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	parent := filepath.Dir(abs)
	tail := filepath.Base(abs)
	for {
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			return filepath.Join(resolved, tail), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		if parent == filepath.Dir(parent) {
			return "", err
		}
		tail = filepath.Join(filepath.Base(parent), tail)
		parent = filepath.Dir(parent)
	}
}
