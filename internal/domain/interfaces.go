package domain

import (
	"context"
	"time"
)

// PlatformAdapter is the contract every concrete platform integration
// (Discord, Misskey) implements (§4.3).
type PlatformAdapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	OnEvent(handler func(NormalizedEvent))
	SendReply(ctx context.Context, channelID, content string, replyTo string) error
	FetchRecent(ctx context.Context, channelID string, limit int) ([]PlatformMessage, error)
	SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]PlatformMessage, error)
	GetUsername(ctx context.Context, userID string) (string, error)
	IsSelf(userID string) bool
	Capabilities() Capabilities
	ConnectionStatus() ConnectionStatus
}

// MemoryStore persists memory and patch events for a workspace (§4.2).
type MemoryStore interface {
	Add(workspace Workspace, content string, visibility Visibility, importance Importance) (MemoryEvent, error)
	Patch(workspace Workspace, targetID string, changes MemoryChanges) (PatchEvent, error)
	Important(workspace Workspace) ([]ResolvedMemory, error)
	Search(workspace Workspace, query string, limit int) ([]ResolvedMemory, error)
}

// ContextFetcher is the subset of adapter capability the Context Assembler
// needs, so it can be exercised with a fake in tests.
type ContextFetcher interface {
	FetchRecent(ctx context.Context, channelID string, limit int) ([]PlatformMessage, error)
	SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]PlatformMessage, error)
	Capabilities() Capabilities
}

// SkillHandler executes one named skill's parameters against a session.
type SkillHandler interface {
	Name() string
	Execute(ctx context.Context, sess *Session, params map[string]interface{}) SkillResult
}

// AgentConnector owns an external reasoning-agent subprocess and speaks the
// client side of the Agent Client Protocol (§4.8).
type AgentConnector interface {
	Connect(ctx context.Context) error
	NewSession(ctx context.Context, workspacePath string) (string, error)
	SetModel(ctx context.Context, sessionID, model string) error
	Prompt(ctx context.Context, sessionID, text string) error
	Cancel(sessionID string)
	Disconnect(ctx context.Context) error
}

// RequestPermissionFunc decides whether a tool call invoked by the agent is
// auto-approved.
type RequestPermissionFunc func(toolName string, rawInput map[string]interface{}) bool

// SessionUpdateFunc is the log-only sink for agent-side session updates.
type SessionUpdateFunc func(update SessionUpdate)

// SessionUpdate is a notification the agent subprocess sends during a prompt.
type SessionUpdate struct {
	Kind      string // raw ACP sessionUpdate value, e.g. "agent_message_chunk" | "tool_call" | "tool_call_update" | "plan"
	ToolID    string
	ToolName  string
	Status    string
	Text      string
	Timestamp time.Time
}
