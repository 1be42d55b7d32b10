package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/johnstryder/agentgateway/internal/domain"
)

func TestGetOrCreate_ShouldComputeKeyAndCreateDirectory(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "workspaces")
	ev := domain.NormalizedEvent{Platform: "discord", UserID: "123", ChannelID: "456", IsDM: true}

	ws, err := m.GetOrCreate(ev)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if ws.Key != "discord/123/456" {
		t.Errorf("key: want discord/123/456, got %q", ws.Key)
	}
	if info, err := os.Stat(ws.Path); err != nil || !info.IsDir() {
		t.Errorf("expected directory at %q, stat err=%v", ws.Path, err)
	}
	if !ws.IsDM {
		t.Error("expected IsDM true")
	}
}

func TestGetOrCreate_CalledTwice_ShouldYieldSamePath(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "workspaces")
	ev := domain.NormalizedEvent{Platform: "discord", UserID: "1", ChannelID: "2"}

	a, err := m.GetOrCreate(ev)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.GetOrCreate(ev)
	if err != nil {
		t.Fatal(err)
	}
	if a.Path != b.Path {
		t.Errorf("expected idempotent path, got %q then %q", a.Path, b.Path)
	}
}

func TestGetPath_TwoDistinctKeys_ShouldNeverShareAPath(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "workspaces")
	p1 := m.GetPath("discord/1/2")
	p2 := m.GetPath("discord/1/3")
	if p1 == p2 {
		t.Errorf("distinct keys produced the same path: %q", p1)
	}
}

func TestValidateInside_WhenPathIsInsideWorkspace_ShouldReturnTrue(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "workspaces")
	ev := domain.NormalizedEvent{Platform: "discord", UserID: "1", ChannelID: "2"}
	ws, err := m.GetOrCreate(ev)
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(ws.Path, "notes.md")
	ok, err := m.ValidateInside(ws, target)
	if err != nil {
		t.Fatalf("ValidateInside: %v", err)
	}
	if !ok {
		t.Error("expected path inside workspace to validate true")
	}
}

func TestValidateInside_WhenPathEscapesViaTraversal_ShouldReturnFalse(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "workspaces")
	ev := domain.NormalizedEvent{Platform: "discord", UserID: "1", ChannelID: "2"}
	ws, err := m.GetOrCreate(ev)
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(ws.Path, "..", "..", "etc", "passwd")
	ok, err := m.ValidateInside(ws, target)
	if err != nil {
		t.Fatalf("ValidateInside: %v", err)
	}
	if ok {
		t.Error("expected traversal path to validate false")
	}
}

func TestValidateInside_WhenPathEscapesViaSymlink_ShouldReturnFalse(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "workspaces")
	ev := domain.NormalizedEvent{Platform: "discord", UserID: "1", ChannelID: "2"}
	ws, err := m.GetOrCreate(ev)
	if err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	link := filepath.Join(ws.Path, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks not supported on this filesystem")
	}
	target := filepath.Join(link, "secret.txt")
	ok, err := m.ValidateInside(ws, target)
	if err != nil {
		t.Fatalf("ValidateInside: %v", err)
	}
	if ok {
		t.Error("expected symlink escape to validate false")
	}
}

func TestRequireInside_WhenPathEscapes_ShouldReturnBoundaryViolationError(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "workspaces")
	ev := domain.NormalizedEvent{Platform: "discord", UserID: "1", ChannelID: "2"}
	ws, err := m.GetOrCreate(ev)
	if err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(ws.Path, "..", "..", "outside.txt")
	err = m.RequireInside(ws, target)
	if err == nil {
		t.Fatal("expected boundary violation error")
	}
}
