// Package misskey implements the Platform Adapter contract (§4.3) over a
// Misskey instance: an outbound gorilla/websocket streaming client for
// inbound events and the stdlib net/http REST API for replies and search.
package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/platform"
	"github.com/johnstryder/agentgateway/internal/retry"
)

// Dialer abstracts websocket.Dialer for testability.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Config configures the Misskey adapter.
type Config struct {
	InstanceURL      string // e.g. https://misskey.example
	Token            string
	CommandPrefix    string
	AllowDM          bool
	MaxMessageLength int
	Retry            retry.Config
}

// streamEnvelope mirrors Misskey's streaming protocol message shape:
// {"type":"channel","body":{"id":"...","type":"mention","body":{...note...}}}
type streamEnvelope struct {
	Type string `json:"type"`
	Body struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Body json.RawMessage `json:"body"`
	} `json:"body"`
}

type noteBody struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
	VisibleUser string    `json:"visibility"`
	UserID      string    `json:"userId,omitempty"`
	User        struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// Adapter implements domain.PlatformAdapter for a Misskey instance.
type Adapter struct {
	dialer Dialer
	client *http.Client
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	selfID   string
	status   domain.ConnectionStatus
	handlers []platform.EventHandler
}

// New constructs a Misskey adapter. dialer must not be nil.
func New(dialer Dialer, cfg Config, logger *slog.Logger) *Adapter {
	if dialer == nil {
		panic("misskey: dialer must not be nil")
	}
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 3000
	}
	return &Adapter{
		dialer: dialer,
		client: &http.Client{Timeout: 15 * time.Second},
		cfg:    cfg,
		logger: platform.Log(logger),
		status: domain.ConnectionDisconnected,
	}
}

// Connect dials the streaming endpoint and subscribes to the main channel,
// reconnecting with backoff on failure per §4.3.
func (a *Adapter) Connect(ctx context.Context) error {
	a.setStatus(domain.ConnectionConnecting)
	err := platform.RunWithReconnect(ctx, a.cfg.Retry, func(ctx context.Context) error {
		return a.dialOnce(ctx)
	})
	if err != nil {
		a.setStatus(domain.ConnectionDisconnected)
		return fmt.Errorf("misskey: connect: %w", err)
	}
	if data, err := a.post(ctx, "/api/i", nil); err == nil {
		var me struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(data, &me) == nil {
			a.mu.Lock()
			a.selfID = me.ID
			a.mu.Unlock()
		}
	}
	a.setStatus(domain.ConnectionConnected)
	go a.readLoop()
	return nil
}

func (a *Adapter) dialOnce(ctx context.Context) error {
	streamURL := strings.Replace(a.cfg.InstanceURL, "http", "ws", 1) + "/streaming?i=" + a.cfg.Token
	conn, _, err := a.dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		a.logger.Warn("misskey: dial attempt failed", "error", err)
		return err
	}
	sub := map[string]interface{}{
		"type": "connect",
		"body": map[string]interface{}{"channel": "main", "id": "agentgateway-main"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return nil
}

// Disconnect closes the streaming connection.
func (a *Adapter) Disconnect() error {
	a.setStatus(domain.ConnectionDisconnected)
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// OnEvent registers a handler invoked for every normalized event emitted.
func (a *Adapter) OnEvent(handler func(domain.NormalizedEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

// SendReply posts a reply note via notes/create, truncated to the max
// message length and restricted to the original note's visibility scope
// when replying (§4.3's per-message privacy rule).
func (a *Adapter) SendReply(ctx context.Context, channelID, content string, replyTo string) error {
	truncated := platform.TruncateReply(content, a.cfg.MaxMessageLength)
	body := map[string]interface{}{"text": truncated}
	if replyTo != "" {
		body["replyId"] = replyTo
	}
	_, err := a.post(ctx, "/api/notes/create", body)
	if err != nil {
		return fmt.Errorf("misskey: send reply: %w", err)
	}
	return nil
}

// FetchRecent returns up to limit recent notes in channelID (a user id in
// Misskey's model) via notes/timeline-style lookup.
func (a *Adapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.PlatformMessage, error) {
	body := map[string]interface{}{"userId": channelID, "limit": limit}
	data, err := a.post(ctx, "/api/users/notes", body)
	if err != nil {
		return nil, fmt.Errorf("misskey: fetch recent: %w", err)
	}
	return parseNotes(data)
}

// SearchRelated searches notes by text query, restricted to a user scope
// when channelID identifies one (notes/search).
func (a *Adapter) SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]domain.PlatformMessage, error) {
	body := map[string]interface{}{"query": query, "limit": limit}
	if channelID != "" {
		body["userId"] = channelID
	}
	data, err := a.post(ctx, "/api/notes/search", body)
	if err != nil {
		return nil, fmt.Errorf("misskey: search related: %w", err)
	}
	return parseNotes(data)
}

// GetUsername resolves a user id to its username via users/show.
func (a *Adapter) GetUsername(ctx context.Context, userID string) (string, error) {
	data, err := a.post(ctx, "/api/users/show", map[string]interface{}{"userId": userID})
	if err != nil {
		return "", fmt.Errorf("misskey: get username: %w", err)
	}
	var u struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return "", fmt.Errorf("misskey: parse username: %w", err)
	}
	return u.Username, nil
}

// IsSelf reports whether userID is this bot's own account.
func (a *Adapter) IsSelf(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID != "" && a.selfID == userID
}

// Capabilities describes what this adapter supports.
func (a *Adapter) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		FetchHistory:     true,
		Search:           true,
		DM:               true,
		Guild:            true,
		Reactions:        true,
		MaxMessageLength: a.cfg.MaxMessageLength,
	}
}

// ConnectionStatus reports the current streaming connection state.
func (a *Adapter) ConnectionStatus() domain.ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) setStatus(s domain.ConnectionStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Adapter) readLoop() {
	for {
		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()
		if conn == nil {
			return
		}
		var env streamEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			a.logger.Warn("misskey: stream read error", "error", err)
			return
		}
		a.handleEnvelope(env)
	}
}

func (a *Adapter) handleEnvelope(env streamEnvelope) {
	if env.Type != "channel" {
		return
	}
	switch env.Body.Type {
	case "mention", "note":
		var n noteBody
		if err := json.Unmarshal(env.Body.Body, &n); err != nil {
			return
		}
		a.emitNote(n, env.Body.Type == "mention")
	}
}

func (a *Adapter) emitNote(n noteBody, mentioned bool) {
	if a.IsSelf(n.User.ID) {
		return
	}
	isDM := n.VisibleUser == "specified"
	gate := platform.Gate{AllowDM: a.cfg.AllowDM, CommandPrefix: a.cfg.CommandPrefix}
	if !gate.ShouldEmit(isDM, mentioned, n.Text) {
		return
	}

	ev := domain.NormalizedEvent{
		Platform:  "misskey",
		ChannelID: n.User.ID,
		UserID:    n.User.ID,
		MessageID: n.ID,
		IsDM:      isDM,
		Username:  n.User.Username,
		Content:   strings.TrimSpace(n.Text),
		Timestamp: n.CreatedAt,
	}

	a.mu.RLock()
	handlers := make([]platform.EventHandler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (a *Adapter) post(ctx context.Context, path string, body map[string]interface{}) ([]byte, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	body["i"] = a.cfg.Token
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.InstanceURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("misskey: %s returned status %d: %s", path, resp.StatusCode, string(data))
	}
	return data, nil
}

func parseNotes(data []byte) ([]domain.PlatformMessage, error) {
	var notes []noteBody
	if err := json.Unmarshal(data, &notes); err != nil {
		return nil, fmt.Errorf("misskey: parse notes: %w", err)
	}
	out := make([]domain.PlatformMessage, len(notes))
	for i, n := range notes {
		out[i] = domain.PlatformMessage{
			MessageID: n.ID,
			UserID:    n.User.ID,
			Username:  n.User.Username,
			Content:   n.Text,
			Timestamp: n.CreatedAt,
		}
	}
	return out, nil
}

var _ domain.PlatformAdapter = (*Adapter)(nil)
