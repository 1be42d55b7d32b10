package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johnstryder/agentgateway/internal/agent"
	actx "github.com/johnstryder/agentgateway/internal/context"
	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/session"
	"github.com/johnstryder/agentgateway/internal/workspace"
)

type fakeAdapter struct {
	mu      sync.Mutex
	replies []string
}

func (f *fakeAdapter) Connect(ctx context.Context) error            { return nil }
func (f *fakeAdapter) Disconnect() error                            { return nil }
func (f *fakeAdapter) OnEvent(handler func(domain.NormalizedEvent)) {}
func (f *fakeAdapter) SendReply(ctx context.Context, channelID, content, replyTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, content)
	return nil
}
func (f *fakeAdapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.PlatformMessage, error) {
	return nil, nil
}
func (f *fakeAdapter) SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]domain.PlatformMessage, error) {
	return nil, nil
}
func (f *fakeAdapter) GetUsername(ctx context.Context, userID string) (string, error) { return "", nil }
func (f *fakeAdapter) IsSelf(userID string) bool                                      { return false }
func (f *fakeAdapter) Capabilities() domain.Capabilities                              { return domain.Capabilities{} }
func (f *fakeAdapter) ConnectionStatus() domain.ConnectionStatus                      { return domain.ConnectionConnected }

func (f *fakeAdapter) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func (f *fakeAdapter) lastReply() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

var _ domain.PlatformAdapter = (*fakeAdapter)(nil)

type fakeMemory struct{}

func (fakeMemory) Add(ws domain.Workspace, content string, v domain.Visibility, i domain.Importance) (domain.MemoryEvent, error) {
	return domain.MemoryEvent{}, nil
}
func (fakeMemory) Patch(ws domain.Workspace, targetID string, changes domain.MemoryChanges) (domain.PatchEvent, error) {
	return domain.PatchEvent{}, nil
}
func (fakeMemory) Important(ws domain.Workspace) ([]domain.ResolvedMemory, error) { return nil, nil }
func (fakeMemory) Search(ws domain.Workspace, query string, limit int) ([]domain.ResolvedMemory, error) {
	return nil, nil
}

var _ domain.MemoryStore = (fakeMemory{})

type fakeSkills struct {
	names []string
}

func (f fakeSkills) Has(name string) bool {
	for _, n := range f.names {
		if n == name {
			return true
		}
	}
	return false
}
func (f fakeSkills) Names() []string { return f.names }

// fakeConnector implements domain.AgentConnector. promptFn, when set, can
// observe/mark session state via the closed-over SessionStore and id.
type fakeConnector struct {
	connectErr    error
	newSessionErr error
	setModelErr   error
	promptFn      func() error
	disconnects   int32
	lastPrompt    string
}

func (c *fakeConnector) Connect(ctx context.Context) error { return c.connectErr }
func (c *fakeConnector) NewSession(ctx context.Context, workspacePath string) (string, error) {
	if c.newSessionErr != nil {
		return "", c.newSessionErr
	}
	return "agent-sess-1", nil
}
func (c *fakeConnector) SetModel(ctx context.Context, sessionID, model string) error {
	return c.setModelErr
}
func (c *fakeConnector) Prompt(ctx context.Context, sessionID, text string) error {
	c.lastPrompt = text
	if c.promptFn != nil {
		return c.promptFn()
	}
	return nil
}
func (c *fakeConnector) Cancel(sessionID string) {}
func (c *fakeConnector) Disconnect(ctx context.Context) error {
	atomic.AddInt32(&c.disconnects, 1)
	return nil
}

var _ domain.AgentConnector = (*fakeConnector)(nil)

func newTestOrchestrator(t *testing.T, adapter domain.PlatformAdapter, skills SkillDispatcher) (*Orchestrator, *session.Registry) {
	t.Helper()
	repoRoot := t.TempDir()
	ws := workspace.NewManager(repoRoot, "workspaces")
	prompt := actx.NewPromptCache(repoRoot+"/nonexistent-system-prompt.md", nil)
	assembler := actx.NewAssembler(actx.Config{TokenLimit: 4000}, prompt, fakeMemory{})
	sessions := session.NewRegistry(time.Minute)

	cfg := Config{
		Agent:             agent.Config{},
		SkillsDir:         "/work/.skills",
		Model:             "",
		DefaultTimeoutMs:  30000,
		ContextTokenLimit: 4000,
	}
	o := New(cfg, ws, assembler, sessions, skills, map[string]domain.PlatformAdapter{"discord": adapter}, nil)
	return o, sessions
}

func testEvent() domain.NormalizedEvent {
	return domain.NormalizedEvent{
		Platform:  "discord",
		ChannelID: "chan-1",
		UserID:    "user-1",
		MessageID: "msg-1",
		Username:  "alice",
		Content:   "hello there",
		Timestamp: time.Now(),
	}
}

// capturingStore wraps a SessionStore (here, the real *session.Registry)
// so the test can learn which session id Handle registered, letting the fake
// connector's Prompt mark that session's reply state — simulating the agent
// calling send-reply through the gateway mid-turn.
type capturingStore struct {
	*session.Registry
	mu       sync.Mutex
	lastID   string
}

func (c *capturingStore) Register(sess domain.Session) *domain.Session {
	stored := c.Registry.Register(sess)
	c.mu.Lock()
	c.lastID = stored.ID
	c.mu.Unlock()
	return stored
}

func (c *capturingStore) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

func TestHandle_WhenReplySent_ReturnsSuccessWithoutApology(t *testing.T) {
	adapter := &fakeAdapter{}
	skills := fakeSkills{names: []string{"send-reply", "memory-save"}}
	o, realSessions := newTestOrchestrator(t, adapter, skills)
	store := &capturingStore{Registry: realSessions}
	o.sessions = store

	conn := &fakeConnector{}
	conn.promptFn = func() error {
		store.MarkReplySent(store.currentID())
		return nil
	}
	o.WithConnectorFactory(func(agent.Config, string, domain.RequestPermissionFunc, domain.SessionUpdateFunc, *slog.Logger) domain.AgentConnector {
		return conn
	})

	if err := o.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("Handle: unexpected error: %v", err)
	}
	if adapter.replyCount() != 0 {
		t.Fatalf("expected no apology dispatch, got replies %v", adapter.replies)
	}
	if atomic.LoadInt32(&conn.disconnects) != 1 {
		t.Fatalf("expected exactly one Disconnect call, got %d", conn.disconnects)
	}
}

func TestHandle_WhenPromptEndsCleanlyWithoutReply_DispatchesApology(t *testing.T) {
	adapter := &fakeAdapter{}
	skills := fakeSkills{names: []string{"send-reply"}}
	o, _ := newTestOrchestrator(t, adapter, skills)

	conn := &fakeConnector{}
	o.WithConnectorFactory(func(agent.Config, string, domain.RequestPermissionFunc, domain.SessionUpdateFunc, *slog.Logger) domain.AgentConnector {
		return conn
	})

	if err := o.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("Handle: unexpected error: %v", err)
	}
	if adapter.replyCount() != 1 {
		t.Fatalf("expected exactly one apology dispatch, got %v", adapter.replies)
	}
	if adapter.lastReply() != apologyText {
		t.Fatalf("expected apology text %q, got %q", apologyText, adapter.lastReply())
	}
}

func TestHandle_WhenPromptCancelled_ReturnsErrorWithoutApology(t *testing.T) {
	adapter := &fakeAdapter{}
	skills := fakeSkills{names: []string{"send-reply"}}
	o, _ := newTestOrchestrator(t, adapter, skills)

	conn := &fakeConnector{promptFn: func() error { return context.Canceled }}
	o.WithConnectorFactory(func(agent.Config, string, domain.RequestPermissionFunc, domain.SessionUpdateFunc, *slog.Logger) domain.AgentConnector {
		return conn
	})

	err := o.Handle(context.Background(), testEvent())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if adapter.replyCount() != 0 {
		t.Fatalf("expected no apology dispatch on cancellation, got %v", adapter.replies)
	}
}

func TestHandle_WhenPromptErrors_DispatchesApologyAndReturnsError(t *testing.T) {
	adapter := &fakeAdapter{}
	skills := fakeSkills{names: []string{"send-reply"}}
	o, _ := newTestOrchestrator(t, adapter, skills)

	boom := errors.New("boom")
	conn := &fakeConnector{promptFn: func() error { return boom }}
	o.WithConnectorFactory(func(agent.Config, string, domain.RequestPermissionFunc, domain.SessionUpdateFunc, *slog.Logger) domain.AgentConnector {
		return conn
	})

	err := o.Handle(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected an error")
	}
	if adapter.replyCount() != 1 || adapter.lastReply() != apologyText {
		t.Fatalf("expected apology dispatch, got %v", adapter.replies)
	}
}

func TestHandle_WhenConnectFails_DispatchesApologyAndReturnsError(t *testing.T) {
	adapter := &fakeAdapter{}
	skills := fakeSkills{names: []string{"send-reply"}}
	o, _ := newTestOrchestrator(t, adapter, skills)

	conn := &fakeConnector{connectErr: errors.New("spawn failed")}
	o.WithConnectorFactory(func(agent.Config, string, domain.RequestPermissionFunc, domain.SessionUpdateFunc, *slog.Logger) domain.AgentConnector {
		return conn
	})

	err := o.Handle(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected an error")
	}
	if adapter.replyCount() != 1 {
		t.Fatalf("expected apology dispatch on connect failure, got %v", adapter.replies)
	}
	if atomic.LoadInt32(&conn.disconnects) != 0 {
		t.Fatalf("expected no Disconnect call when Connect itself failed, got %d", conn.disconnects)
	}
}

func TestHandle_WhenPlatformUnregistered_ReturnsError(t *testing.T) {
	adapter := &fakeAdapter{}
	skills := fakeSkills{names: []string{"send-reply"}}
	o, _ := newTestOrchestrator(t, adapter, skills)

	event := testEvent()
	event.Platform = "unknown-platform"
	if err := o.Handle(context.Background(), event); err == nil {
		t.Fatal("expected an error for an unregistered platform")
	}
}

func TestBuildPrompt_NamesSendReplyAsTerminalAndListsOtherSkills(t *testing.T) {
	adapter := &fakeAdapter{}
	skills := fakeSkills{names: []string{"send-reply", "memory-save", "memory-search"}}
	o, _ := newTestOrchestrator(t, adapter, skills)

	conn := &fakeConnector{}
	o.WithConnectorFactory(func(agent.Config, string, domain.RequestPermissionFunc, domain.SessionUpdateFunc, *slog.Logger) domain.AgentConnector {
		return conn
	})

	if err := o.Handle(context.Background(), testEvent()); err != nil {
		t.Fatalf("Handle: unexpected error: %v", err)
	}

	prompt := conn.lastPrompt
	for _, want := range []string{"# System Instructions", "# Context and Message", "# Instructions", "send-reply", "memory-save", "memory-search"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}
