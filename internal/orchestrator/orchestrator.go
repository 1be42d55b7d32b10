// Package orchestrator implements the Session Orchestrator (§4.9): the
// per-event pipeline that resolves a workspace, assembles context, builds
// the agent's prompt, drives one subprocess turn through the Agent
// Connector, and always tears the session back down afterward.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnstryder/agentgateway/internal/agent"
	actx "github.com/johnstryder/agentgateway/internal/context"
	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/injection"
	"github.com/johnstryder/agentgateway/internal/session"
	"github.com/johnstryder/agentgateway/internal/workspace"
)

// apologyText is the literal user-visible text dispatched when a prompt
// turn ends without the agent ever calling send-reply (§4.9 step 6).
const apologyText = "I encountered an issue processing your message. Please try again."

const defaultDisconnectWait = 2 * time.Second

// SkillDispatcher is the subset of *skills.Registry the orchestrator needs:
// it lists registered skill names for the prompt's `# Instructions` section
// and for the agent connector's auto-approval policy.
type SkillDispatcher interface {
	Has(name string) bool
	Names() []string
}

// SessionStore is the subset of *session.Registry the orchestrator needs,
// broken out so tests can substitute a fake that observes reply-state
// transitions without a real gateway in front of it.
type SessionStore interface {
	Register(sess domain.Session) *domain.Session
	Get(id string) (domain.Session, bool)
	MarkReplySent(id string) bool
	Remove(id string)
}

// ConnectorFactory builds the agent connector for one orchestration. Tests
// substitute a fake; production wiring uses agent.New via NewConnectorFactory.
type ConnectorFactory func(cfg agent.Config, workspacePath string, onPermission domain.RequestPermissionFunc, onUpdate domain.SessionUpdateFunc, logger *slog.Logger) domain.AgentConnector

// NewConnectorFactory returns the production ConnectorFactory, backed by
// the real subprocess-spawning internal/agent.Connector.
func NewConnectorFactory() ConnectorFactory {
	return func(cfg agent.Config, workspacePath string, onPermission domain.RequestPermissionFunc, onUpdate domain.SessionUpdateFunc, logger *slog.Logger) domain.AgentConnector {
		return agent.New(cfg, workspacePath, onPermission, onUpdate, logger)
	}
}

// Config bundles the orchestrator's per-event tunables, sourced from
// domain.AgentConfig and domain.ContextConfig.
type Config struct {
	Agent             agent.Config
	SkillsDir         string
	SkillScriptPath   string // defaults to filepath.Join(SkillsDir, "run.sh") when empty
	Model             string
	DefaultTimeoutMs  int
	ContextTokenLimit int
}

// Orchestrator ties the workspace manager, context assembler, skill
// dispatcher, session registry, and agent connector into the pipeline
// described at §4.9.
type Orchestrator struct {
	cfg          Config
	workspaces   *workspace.Manager
	assembler    *actx.Assembler
	sessions     SessionStore
	skills       SkillDispatcher
	adapters     map[string]domain.PlatformAdapter
	newConnector ConnectorFactory
	logger       *slog.Logger
}

// New builds an Orchestrator. adapters must contain one entry per platform
// name the router will ever hand it a NormalizedEvent for.
func New(cfg Config, workspaces *workspace.Manager, assembler *actx.Assembler, sessions SessionStore, skills SkillDispatcher, adapters map[string]domain.PlatformAdapter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SkillScriptPath == "" && cfg.SkillsDir != "" {
		cfg.SkillScriptPath = cfg.SkillsDir + "/run.sh"
	}
	return &Orchestrator{
		cfg:          cfg,
		workspaces:   workspaces,
		assembler:    assembler,
		sessions:     sessions,
		skills:       skills,
		adapters:     adapters,
		newConnector: NewConnectorFactory(),
		logger:       logger,
	}
}

// WithConnectorFactory overrides how agent connectors are constructed.
// Intended for tests; returns the Orchestrator for chaining.
func (o *Orchestrator) WithConnectorFactory(f ConnectorFactory) *Orchestrator {
	o.newConnector = f
	return o
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

// Handle runs one normalized event through the full §4.9 pipeline. The
// returned error is informational: every outcome, including a failed
// prompt, has already had its user-visible consequence (apology dispatched
// or withheld) resolved before Handle returns.
func (o *Orchestrator) Handle(ctx context.Context, event domain.NormalizedEvent) error {
	injection.LogIfDetected(o.log(), "event.content", event.Content)

	adapter, ok := o.adapters[event.Platform]
	if !ok {
		return fmt.Errorf("orchestrator: no adapter registered for platform %q", event.Platform)
	}

	// Step 1: resolve workspace, creating its directory if missing.
	ws, err := o.workspaces.GetOrCreate(event)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve workspace: %w", err)
	}

	// Step 2: assemble context.
	assembled, err := o.assembler.Assemble(ctx, event, ws, adapter)
	if err != nil {
		o.log().Error("orchestrator: context assembly failed", "workspace", ws.Key, "error", err)
		return fmt.Errorf("orchestrator: assemble context: %w", err)
	}
	formatted := actx.Format(assembled, o.cfg.ContextTokenLimit)

	// Step 3: build the prompt.
	prompt := o.buildPrompt(formatted)

	// Step 4: register a session with timeout_ms and the adapter reference
	// (the adapter is looked up by platform at dispatch time rather than
	// stored on the session, since domain.Session carries only the platform
	// name).
	sess := domain.Session{
		ID:           session.NewID(),
		Platform:     event.Platform,
		ChannelID:    event.ChannelID,
		UserID:       event.UserID,
		Workspace:    ws,
		TriggerEvent: event,
		TimeoutMs:    o.cfg.DefaultTimeoutMs,
	}
	registered := o.sessions.Register(sess)
	defer o.sessions.Remove(registered.ID)

	// Step 5: construct the agent connector, connect, create session, set
	// model. A fresh session.Registry entry always starts ReplySent=false,
	// which is exactly "clear any pre-existing reply-state for
	// (workspace_key, channel_id)" — there is no prior state to clear
	// because this orchestration owns a brand-new session id.
	onUpdate := o.sessionUpdateSink(registered.ID)
	policy := agent.NewPermissionPolicy(o.skills.Names(), o.cfg.SkillsDir, o.cfg.SkillScriptPath)
	connector := o.newConnector(o.cfg.Agent, ws.Path, policy.Allow, onUpdate, o.log())

	if err := connector.Connect(ctx); err != nil {
		o.log().Error("orchestrator: agent connect failed", "session_id", registered.ID, "error", err)
		o.dispatchApology(ctx, adapter, registered)
		return fmt.Errorf("orchestrator: agent connect: %w", err)
	}
	defer o.disconnect(connector, registered.ID)

	agentSessionID, err := connector.NewSession(ctx, ws.Path)
	if err != nil {
		o.log().Error("orchestrator: agent new session failed", "session_id", registered.ID, "error", err)
		o.dispatchApology(ctx, adapter, registered)
		return fmt.Errorf("orchestrator: agent new session: %w", err)
	}

	if o.cfg.Model != "" {
		if err := connector.SetModel(ctx, agentSessionID, o.cfg.Model); err != nil {
			o.log().Error("orchestrator: set model failed", "session_id", registered.ID, "model", o.cfg.Model, "error", err)
			o.dispatchApology(ctx, adapter, registered)
			return fmt.Errorf("orchestrator: set model: %w", err)
		}
	}

	// Step 6: send the prompt and observe the outcome.
	promptErr := connector.Prompt(ctx, agentSessionID, prompt)
	current, _ := o.sessions.Get(registered.ID)

	switch {
	case promptErr == nil:
		if current.ReplySent {
			return nil // reply was sent: success
		}
		// Prompt ended cleanly without a reply: dispatch the apology.
		o.dispatchApology(ctx, adapter, registered)
		return nil

	case errors.Is(promptErr, context.Canceled):
		// Cancelled: failure, no dispatch.
		return promptErr

	default:
		o.log().Error("orchestrator: prompt failed", "session_id", registered.ID, "error", promptErr)
		if !current.ReplySent {
			o.dispatchApology(ctx, adapter, registered)
		}
		return promptErr
	}
}

// disconnect always runs (step 7), bounded by ShutdownWaitMs; any error is
// logged but never propagated (§4.8).
func (o *Orchestrator) disconnect(connector domain.AgentConnector, sessionID string) {
	wait := defaultDisconnectWait
	if o.cfg.Agent.ShutdownWaitMs > 0 {
		wait = time.Duration(o.cfg.Agent.ShutdownWaitMs) * time.Millisecond
	}
	dctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := connector.Disconnect(dctx); err != nil {
		o.log().Warn("orchestrator: agent disconnect error", "session_id", sessionID, "error", err)
	}
}

// dispatchApology sends the fixed user-visible failure message directly
// through the platform adapter, bypassing the send-reply skill's
// single-reply bookkeeping since the orchestrator, not the agent, is the
// one concluding this interaction failed.
func (o *Orchestrator) dispatchApology(ctx context.Context, adapter domain.PlatformAdapter, sess *domain.Session) {
	if err := adapter.SendReply(ctx, sess.Workspace.Components.ChannelID, apologyText, sess.TriggerEvent.MessageID); err != nil {
		o.log().Error("orchestrator: apology dispatch failed", "session_id", sess.ID, "error", err)
	}
}

// sessionUpdateSink is the log-only `sessionUpdate` callback (§4.8): failed
// tool calls log at error with the tool id and status, everything else logs
// at debug.
func (o *Orchestrator) sessionUpdateSink(sessionID string) domain.SessionUpdateFunc {
	return func(u domain.SessionUpdate) {
		if (u.Kind == "tool_call" || u.Kind == "tool_call_update") && strings.EqualFold(u.Status, "failed") {
			o.log().Error("agent tool call failed", "session_id", sessionID, "tool_id", u.ToolID, "tool_name", u.ToolName, "status", u.Status)
			return
		}
		o.log().Debug("agent session update", "session_id", sessionID, "kind", u.Kind, "tool_id", u.ToolID, "tool_name", u.ToolName, "status", u.Status)
	}
}

// buildPrompt assembles the full prompt text per §4.9 step 3: System
// Instructions, the assembled system message, Context and Message, the
// assembled user message, then Instructions naming send-reply as the
// required terminal skill and listing the rest.
func (o *Orchestrator) buildPrompt(formatted domain.FormattedContext) string {
	var b strings.Builder
	b.WriteString("# System Instructions\n\n")
	b.WriteString(formatted.SystemMessage)
	b.WriteString("\n\n# Context and Message\n\n")
	b.WriteString(formatted.UserMessage)
	b.WriteString("\n\n# Instructions\n\n")
	b.WriteString("Use the available skills to satisfy this request. `send-reply` is the ")
	b.WriteString("required terminal skill: call it exactly once, at the end, to deliver ")
	b.WriteString("your response to the user. No other skill sends a visible reply.\n")

	other := otherSkillNames(o.skills.Names())
	if len(other) > 0 {
		b.WriteString("\nOther available skills: ")
		b.WriteString(strings.Join(other, ", "))
		b.WriteString(".\n")
	}
	return b.String()
}

func otherSkillNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "send-reply" {
			continue
		}
		out = append(out, n)
	}
	return out
}
