package domain

import "time"

// =============================================================================
// Core Configuration
// =============================================================================

// Config is the top-level configuration for the agent gateway daemon.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Workspace WorkspaceConfig `json:"workspace"`
	Platforms PlatformsConfig `json:"platforms"`
	Agent     AgentConfig     `json:"agent"`
	Context   ContextConfig   `json:"context"`
	Retry     RetryConfig     `json:"retry"`
	Scheduler []ScheduledJob  `json:"scheduler,omitempty"`
}

// RetryConfig controls reconnect backoff for platform adapters.
type RetryConfig struct {
	InitialBackoffMs int     `json:"initialBackoffMs"` // base delay, e.g. 1000
	MaxBackoffMs     int     `json:"maxBackoffMs"`      // cap, e.g. 60000
	Multiplier       float64 `json:"multiplier"`        // e.g. 2.0
	JitterFraction   float64 `json:"jitterFraction"`    // e.g. 0.10
	MaxAttempts      int     `json:"maxAttempts"`       // 0 = infinite
}

// GatewayConfig configures the loopback-only Skill HTTP Gateway (§4.7).
type GatewayConfig struct {
	Host string `json:"host"` // must resolve to a loopback address
	Port int    `json:"port"` // default 3001
}

// WorkspaceConfig configures the Workspace Manager (§4.1).
type WorkspaceConfig struct {
	RepoRoot      string `json:"repoRoot"`      // filesystem root all workspaces live under
	WorkspacesDir string `json:"workspacesDir"` // subdirectory name, e.g. "workspaces"
}

// PlatformsConfig holds per-platform adapter settings.
type PlatformsConfig struct {
	Discord *DiscordConfig `json:"discord,omitempty"`
	Misskey *MisskeyConfig `json:"misskey,omitempty"`
}

// DiscordConfig configures the Discord platform adapter.
type DiscordConfig struct {
	BotToken         string   `json:"botToken,omitempty"` // falls back to DISCORD_BOT_TOKEN
	CommandPrefix    string   `json:"commandPrefix"`
	AllowDM          bool     `json:"allowDm"`
	MaxMessageLength int      `json:"maxMessageLength"`
	ChannelAllowlist []string `json:"channelAllowlist,omitempty"`
}

// MisskeyConfig configures the Misskey platform adapter.
type MisskeyConfig struct {
	InstanceURL      string `json:"instanceUrl"`
	Token            string `json:"token,omitempty"` // falls back to MISSKEY_TOKEN
	CommandPrefix    string `json:"commandPrefix"`
	AllowDM          bool   `json:"allowDm"`
	MaxMessageLength int    `json:"maxMessageLength"`
}

// AgentConfig configures the Agent Connector's subprocess (§4.8).
type AgentConfig struct {
	Command          string            `json:"command"`
	Args             []string          `json:"args,omitempty"`
	Provider         string            `json:"provider"` // "copilot" | "gemini"
	Model            string            `json:"model,omitempty"`
	GithubToken      string            `json:"githubToken,omitempty"` // falls back to GITHUB_TOKEN
	GeminiAPIKey     string            `json:"geminiApiKey,omitempty"` // falls back to GEMINI_API_KEY
	SkillsDir        string            `json:"skillsDir"`
	PromptTimeoutMs  int               `json:"promptTimeoutMs"`
	ShutdownWaitMs   int               `json:"shutdownWaitMs"` // bounded SIGTERM wait, ~2s
	ExtraEnv         map[string]string `json:"extraEnv,omitempty"`
}

// ContextConfig configures the Context Assembler (§4.4).
type ContextConfig struct {
	RecentMessageLimit int    `json:"recentMessageLimit"` // default 20
	RelatedMessageLimit int   `json:"relatedMessageLimit"` // default 10
	MemoryMaxChars     int    `json:"memoryMaxChars"`
	TokenLimit         int    `json:"tokenLimit"`
	SystemPromptPath   string `json:"systemPromptPath"`
}

// ScheduledJob configures a cron-triggered scheduled system event (§12).
type ScheduledJob struct {
	ID       string `json:"id"`
	CronExpr string `json:"cronExpr"`
	PromptPath string `json:"promptPath"` // Markdown file with optional YAML frontmatter
}

// =============================================================================
// Workspace (§3, §4.1)
// =============================================================================

// WorkspaceComponents are the three identity parts of a workspace key.
type WorkspaceComponents struct {
	Platform  string `json:"platform"`
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
}

// Workspace is an isolated per-conversation working directory.
type Workspace struct {
	Key        string              `json:"key"`  // "{platform}/{user_id}/{channel_id}"
	Path       string              `json:"path"` // resolved absolute filesystem path
	IsDM       bool                `json:"isDm"`
	Components WorkspaceComponents `json:"components"`
}

// =============================================================================
// Memory Log (§3, §4.2)
// =============================================================================

// Visibility controls who can see a memory event.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Importance ranks a memory event for retrieval priority.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceNormal Importance = "normal"
)

// MemoryEvent is an append-only record created by the memory-save skill.
type MemoryEvent struct {
	Type       string     `json:"type"` // always "memory"
	ID         string     `json:"id"`
	TS         time.Time  `json:"ts"`
	Enabled    bool       `json:"enabled"`
	Visibility Visibility `json:"visibility"`
	Importance Importance `json:"importance"`
	Content    string     `json:"content"`
}

// MemoryChanges is the mutable subset of a memory event a patch may alter.
type MemoryChanges struct {
	Enabled    *bool       `json:"enabled,omitempty"`
	Visibility *Visibility `json:"visibility,omitempty"`
	Importance *Importance `json:"importance,omitempty"`
}

// PatchEvent toggles metadata of a prior memory event without altering content.
type PatchEvent struct {
	Type     string        `json:"type"` // always "patch"
	TargetID string        `json:"targetId"`
	TS       time.Time     `json:"ts"`
	Changes  MemoryChanges `json:"changes"`
}

// ResolvedMemory is the logical, folded view of a memory event plus its patches.
type ResolvedMemory struct {
	ID         string     `json:"id"`
	TS         time.Time  `json:"ts"`
	Enabled    bool       `json:"enabled"`
	Visibility Visibility `json:"visibility"`
	Importance Importance `json:"importance"`
	Content    string     `json:"content"`
}

// =============================================================================
// Messaging Protocol (§3)
// =============================================================================

// NormalizedEvent is the platform-agnostic representation of an incoming message.
type NormalizedEvent struct {
	Platform  string    `json:"platform"`
	ChannelID string    `json:"channelId"`
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	IsDM      bool      `json:"isDm"`
	GuildID   string    `json:"guildId,omitempty"` // empty if none
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PlatformMessage is a historical record returned by adapter history/search.
type PlatformMessage struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsBot     bool      `json:"isBot"`
}

// Capabilities describes what a platform adapter supports.
type Capabilities struct {
	FetchHistory     bool `json:"fetchHistory"`
	Search           bool `json:"search"`
	DM               bool `json:"dm"`
	Guild            bool `json:"guild"`
	Reactions        bool `json:"reactions"`
	MaxMessageLength int  `json:"maxMessageLength"`
}

// ConnectionStatus is the adapter's current connectivity state.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
)

// =============================================================================
// Session (§3, §4.6)
// =============================================================================

// Session is the ephemeral record binding one agent invocation to one
// workspace and one platform event.
type Session struct {
	ID           string
	Platform     string
	ChannelID    string
	UserID       string
	Workspace    Workspace
	TriggerEvent NormalizedEvent
	StartedAt    time.Time
	TimeoutMs    int
	ReplySent    bool
}

// =============================================================================
// Assembled context (§3, §4.4)
// =============================================================================

// AssembledContext is the result of merging system prompt, memories, and
// recent/related history for one prompt.
type AssembledContext struct {
	SystemPrompt      string
	ImportantMemories []ResolvedMemory
	RecentMessages    []PlatformMessage
	RelatedMessages   []PlatformMessage
	TriggerMessage    NormalizedEvent
	EstimatedTokens   int
	AssembledAt       time.Time
}

// FormattedContext is the output of Context Assembler's format step.
type FormattedContext struct {
	SystemMessage   string
	UserMessage     string
	EstimatedTokens int
}

// =============================================================================
// Skill results (§4.5)
// =============================================================================

// SkillResult is the uniform result shape every skill handler returns.
type SkillResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
