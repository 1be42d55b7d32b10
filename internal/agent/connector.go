package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/workspace"
)

// Errors surfaced at spawn time when a provider's credential is absent from
// both config and the environment (§6 "Environment inheritance").
var (
	ErrGithubTokenMissing = errors.New("GitHub token not configured: set agent.githubToken or GITHUB_TOKEN")
	ErrGeminiKeyMissing   = errors.New("Gemini API key not configured: set agent.geminiApiKey or GEMINI_API_KEY")
)

const protocolVersion = 1

// Config configures one Connector's subprocess and protocol behavior.
type Config struct {
	Command         string
	Args            []string
	Provider        string // "copilot" | "gemini"
	GithubToken     string
	GeminiAPIKey    string
	ShutdownWaitMs  int
	PromptTimeoutMs int
	ExtraEnv        map[string]string
}

// Connector implements domain.AgentConnector: it owns one agent subprocess
// and speaks the client side of the Agent Client Protocol over its stdio.
type Connector struct {
	cfg           Config
	workspacePath string
	onPermission  domain.RequestPermissionFunc
	onUpdate      domain.SessionUpdateFunc
	logger        *slog.Logger
	spawn         SpawnFunc
	boundary      *workspace.Manager

	mu      sync.Mutex
	proc    Process
	writer  *framedWriter
	nextID  int64
	pending map[int64]chan rpcMessage
	done    chan struct{}
	doneErr error

	agentCaps json.RawMessage
}

// New builds a Connector bound to workspacePath (used both as the spawned
// subprocess's cwd and, later, the cwd argument to newSession).
func New(cfg Config, workspacePath string, onPermission domain.RequestPermissionFunc, onUpdate domain.SessionUpdateFunc, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:           cfg,
		workspacePath: workspacePath,
		onPermission:  onPermission,
		onUpdate:      onUpdate,
		logger:        logger,
		spawn:         defaultSpawn,
		boundary:      workspace.NewManager("", ""),
		pending:       make(map[int64]chan rpcMessage),
	}
}

// resolveCredential picks the connector's provider-specific subprocess env.
func (c *Connector) resolveCredential() (githubToken, geminiKey string, err error) {
	switch c.cfg.Provider {
	case "gemini":
		key := c.cfg.GeminiAPIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			return "", "", ErrGeminiKeyMissing
		}
		return "", key, nil
	default: // "copilot" and unset both use GITHUB_TOKEN
		token := c.cfg.GithubToken
		if token == "" {
			token = os.Getenv("GITHUB_TOKEN")
		}
		if token == "" {
			return "", "", ErrGithubTokenMissing
		}
		return token, "", nil
	}
}

// Connect spawns the subprocess and performs the initialize handshake.
// Errors at any point here tear the process back down (§4.8 step 1).
func (c *Connector) Connect(ctx context.Context) error {
	githubToken, geminiKey, err := c.resolveCredential()
	if err != nil {
		return err
	}
	env := buildEnv(githubToken, geminiKey, c.cfg.ExtraEnv)

	proc, err := c.spawn(c.cfg.Command, c.cfg.Args, c.workspacePath, env)
	if err != nil {
		return fmt.Errorf("spawn agent subprocess: %w", err)
	}

	c.mu.Lock()
	c.proc = proc
	c.writer = newFramedWriter(proc.Stdin())
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.drainStderr(proc.Stderr())
	go c.readLoop(proc.Stdout())

	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]interface{}{
			"fs": map[string]interface{}{
				"readTextFile":  true,
				"writeTextFile": true,
			},
			"terminal": false,
		},
	}
	var result struct {
		AgentCapabilities json.RawMessage `json:"agentCapabilities"`
	}
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		c.killAndWait()
		return fmt.Errorf("agent initialize failed: %w", err)
	}
	c.agentCaps = result.AgentCapabilities
	return nil
}

// NewSession sends the newSession RPC, with workspacePath as the session's
// cwd (a protocol-level value distinct from the subprocess cwd set at spawn,
// even though both carry the same path).
func (c *Connector) NewSession(ctx context.Context, workspacePath string) (string, error) {
	params := map[string]interface{}{
		"cwd":        workspacePath,
		"mcpServers": []interface{}{},
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.call(ctx, "newSession", params, &result); err != nil {
		return "", fmt.Errorf("agent newSession failed: %w", err)
	}
	return result.SessionID, nil
}

func (c *Connector) SetModel(ctx context.Context, sessionID, model string) error {
	params := map[string]interface{}{
		"sessionId": sessionID,
		"modelId":   model,
	}
	if err := c.call(ctx, "setSessionModel", params, nil); err != nil {
		return fmt.Errorf("agent setSessionModel failed: %w", err)
	}
	return nil
}

// Prompt sends the prompt RPC and blocks until the agent reports completion.
// The reply itself is driven by sessionUpdate/skill callbacks during this
// window, not by the return value.
func (c *Connector) Prompt(ctx context.Context, sessionID, text string) error {
	params := map[string]interface{}{
		"sessionId": sessionID,
		"prompt": []map[string]interface{}{
			{"type": "text", "text": text},
		},
	}
	if c.cfg.PromptTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.PromptTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	if err := c.call(ctx, "prompt", params, nil); err != nil {
		return fmt.Errorf("agent prompt failed: %w", err)
	}
	return nil
}

// Cancel sends a fire-and-forget cancel notification; it does not wait for
// the agent's acknowledgement.
func (c *Connector) Cancel(sessionID string) {
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return
	}
	msg := rpcMessage{JSONRPC: "2.0", Method: "cancel"}
	msg.Params, _ = json.Marshal(map[string]interface{}{"sessionId": sessionID})
	if err := writer.writeJSON(msg); err != nil {
		c.logger.Warn("agent cancel notification failed", "session_id", sessionID, "error", err)
	}
}

// Disconnect sends SIGTERM and waits up to ShutdownWaitMs for exit; any
// error during the wait is logged but never propagated (§4.8).
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return nil
	}
	if err := proc.Signal(terminateSignal); err != nil {
		c.logger.Warn("agent SIGTERM failed", "error", err)
	}

	waitMs := c.cfg.ShutdownWaitMs
	if waitMs <= 0 {
		waitMs = 2000
	}
	waitDone := make(chan error, 1)
	go func() { waitDone <- proc.Wait() }()

	select {
	case err := <-waitDone:
		if err != nil {
			c.logger.Warn("agent process exited with error", "error", err)
		}
	case <-time.After(time.Duration(waitMs) * time.Millisecond):
		c.logger.Warn("agent process did not exit within shutdown deadline")
	}

	c.mu.Lock()
	c.proc = nil
	c.writer = nil
	c.mu.Unlock()
	return nil
}

func (c *Connector) killAndWait() {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return
	}
	_ = proc.Signal(terminateSignal)
	_ = proc.Wait()
}

// call issues a request and blocks for its matching response, honoring ctx
// cancellation and subprocess death.
func (c *Connector) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	writer := c.writer
	done := c.done
	c.mu.Unlock()

	msg := rpcMessage{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.forgetPending(id)
			return err
		}
		msg.Params = raw
	}
	if err := writer.writeJSON(msg); err != nil {
		c.forgetPending(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.forgetPending(id)
		return ctx.Err()
	case <-done:
		c.forgetPending(id)
		if c.doneErr != nil {
			return c.doneErr
		}
		return errors.New("agent subprocess exited")
	}
}

func (c *Connector) forgetPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop dispatches every frame from the agent's stdout: responses to our
// own calls, and incoming requests/notifications (the client-role methods).
func (c *Connector) readLoop(r io.Reader) {
	err := readFrames(r, func(msg rpcMessage) error {
		if msg.Method == "" {
			c.routeResponse(msg)
			return nil
		}
		c.handleIncoming(msg)
		return nil
	})

	c.mu.Lock()
	c.doneErr = err
	pending := c.pending
	c.pending = make(map[int64]chan rpcMessage)
	doneCh := c.done
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if doneCh != nil {
		close(doneCh)
	}
}

func (c *Connector) routeResponse(msg rpcMessage) {
	if msg.ID == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// handleIncoming dispatches a request or notification from the agent to the
// corresponding client-role callback, responding for requests (ID != nil).
func (c *Connector) handleIncoming(msg rpcMessage) {
	switch msg.Method {
	case "requestPermission":
		c.handleRequestPermission(msg)
	case "sessionUpdate":
		c.handleSessionUpdate(msg)
	case "readTextFile":
		c.handleReadTextFile(msg)
	case "writeTextFile":
		c.handleWriteTextFile(msg)
	default:
		if msg.ID != nil {
			c.respondError(*msg.ID, -32601, "method not found: "+msg.Method)
		}
	}
}

type toolCallInfo struct {
	ToolCallID string                 `json:"toolCallId"`
	Title      string                 `json:"title"`
	Kind       string                 `json:"kind"`
	RawInput   map[string]interface{} `json:"rawInput"`
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"` // "allow_once" | "allow_always" | "reject_once" | "reject_always"
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  toolCallInfo       `json:"toolCall"`
	Options   []permissionOption `json:"options"`
}

func (c *Connector) handleRequestPermission(msg rpcMessage) {
	var params requestPermissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		if msg.ID != nil {
			c.respondError(*msg.ID, -32602, "invalid requestPermission params")
		}
		return
	}

	toolName := params.ToolCall.Title
	if s, ok := params.ToolCall.RawInput["skill"].(string); ok && s != "" {
		toolName = s
	}
	allow := c.onPermission != nil && c.onPermission(toolName, params.ToolCall.RawInput)

	var optionID string
	found := false
	for _, opt := range params.Options {
		if allow && isAllowKind(opt.Kind) {
			optionID, found = opt.OptionID, true
			break
		}
		if !allow && isRejectKind(opt.Kind) {
			optionID, found = opt.OptionID, true
			break
		}
	}

	outcome := map[string]interface{}{"outcome": "cancelled"}
	if found {
		outcome = map[string]interface{}{"outcome": "selected", "optionId": optionID}
	}
	if msg.ID != nil {
		c.respondResult(*msg.ID, map[string]interface{}{"outcome": outcome})
	}
}

func isAllowKind(kind string) bool {
	return kind == "allow_once" || kind == "allow_always"
}

func isRejectKind(kind string) bool {
	return kind == "reject_once" || kind == "reject_always"
}

type sessionUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       *struct {
			Text string `json:"text"`
		} `json:"content,omitempty"`
		ToolCallID string `json:"toolCallId,omitempty"`
		Title      string `json:"title,omitempty"`
		Status     string `json:"status,omitempty"`
	} `json:"update"`
}

func (c *Connector) handleSessionUpdate(msg rpcMessage) {
	var payload sessionUpdatePayload
	if err := json.Unmarshal(msg.Params, &payload); err != nil {
		c.logger.Warn("malformed sessionUpdate from agent", "error", err)
		return
	}

	update := domain.SessionUpdate{
		Kind:      payload.Update.SessionUpdate,
		ToolID:    payload.Update.ToolCallID,
		ToolName:  payload.Update.Title,
		Status:    payload.Update.Status,
		Timestamp: time.Now(),
	}
	if payload.Update.Content != nil {
		update.Text = payload.Update.Content.Text
	}

	if update.Status == "failed" {
		c.logger.Error("agent tool call failed", "tool_id", update.ToolID, "status", update.Status)
	}
	if c.onUpdate != nil {
		c.onUpdate(update)
	}
}

type textFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

func (c *Connector) handleReadTextFile(msg rpcMessage) {
	var params textFileParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respondError(derefID(msg.ID), -32602, "invalid readTextFile params")
		return
	}
	if !c.pathInsideWorkspace(params.Path) {
		c.respondError(derefID(msg.ID), -32001, "access denied: path outside workspace")
		return
	}
	data, err := os.ReadFile(params.Path)
	if err != nil {
		c.respondError(derefID(msg.ID), -32002, err.Error())
		return
	}
	c.respondResult(derefID(msg.ID), map[string]interface{}{"content": string(data)})
}

func (c *Connector) handleWriteTextFile(msg rpcMessage) {
	var params textFileParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.respondError(derefID(msg.ID), -32602, "invalid writeTextFile params")
		return
	}
	if !c.pathInsideWorkspace(params.Path) {
		c.respondError(derefID(msg.ID), -32001, "access denied: path outside workspace")
		return
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		c.respondError(derefID(msg.ID), -32002, err.Error())
		return
	}
	c.respondResult(derefID(msg.ID), map[string]interface{}{})
}

func (c *Connector) pathInsideWorkspace(path string) bool {
	ok, err := c.boundary.ValidateInside(domain.Workspace{Path: c.workspacePath}, path)
	if err != nil {
		c.logger.Warn("path boundary check failed", "path", path, "error", err)
		return false
	}
	return ok
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func (c *Connector) respondResult(id int64, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("marshal callback result failed", "error", err)
		return
	}
	msg := rpcMessage{JSONRPC: "2.0", ID: &id, Result: raw}
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return
	}
	if err := writer.writeJSON(msg); err != nil {
		c.logger.Warn("write callback response failed", "error", err)
	}
}

func (c *Connector) respondError(id int64, code int, message string) {
	msg := rpcMessage{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: code, Message: message}}
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return
	}
	if err := writer.writeJSON(msg); err != nil {
		c.logger.Warn("write callback error failed", "error", err)
	}
}

func (c *Connector) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.logger.Warn("agent stderr", "line", line)
	}
}
