// Package discord implements the Platform Adapter contract (§4.3) over
// Discord's gateway and REST APIs via bwmarrin/discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/platform"
	"github.com/johnstryder/agentgateway/internal/retry"
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// Session abstracts the discordgo.Session surface this adapter needs, so
// tests can substitute a fake.
type Session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID, content string) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string) ([]*discordgo.Message, error)
	User(userID string) (*discordgo.User, error)
}

// Config configures the Discord adapter.
type Config struct {
	CommandPrefix    string
	AllowDM          bool
	MaxMessageLength int
	Retry            retry.Config
}

// Adapter implements domain.PlatformAdapter for Discord.
type Adapter struct {
	session Session
	cfg     Config
	logger  *slog.Logger

	mu       sync.RWMutex
	selfID   string
	status   domain.ConnectionStatus
	handlers []platform.EventHandler
}

// New constructs a Discord adapter. session must not be nil.
func New(session Session, cfg Config, logger *slog.Logger) *Adapter {
	if session == nil {
		panic("discord: session must not be nil")
	}
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 2000
	}
	return &Adapter{
		session: session,
		cfg:     cfg,
		logger:  platform.Log(logger),
		status:  domain.ConnectionDisconnected,
	}
}

// Connect opens the Discord gateway connection, reconnecting with backoff
// on failure per §4.3.
func (a *Adapter) Connect(ctx context.Context) error {
	a.setStatus(domain.ConnectionConnecting)
	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleReady)

	err := platform.RunWithReconnect(ctx, a.cfg.Retry, func(ctx context.Context) error {
		if openErr := a.session.Open(); openErr != nil {
			a.logger.Warn("discord: connect attempt failed", "error", openErr)
			return openErr
		}
		return nil
	})
	if err != nil {
		a.setStatus(domain.ConnectionDisconnected)
		return fmt.Errorf("discord: connect: %w", err)
	}
	a.setStatus(domain.ConnectionConnected)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (a *Adapter) Disconnect() error {
	a.setStatus(domain.ConnectionDisconnected)
	return a.session.Close()
}

// OnEvent registers a handler invoked for every normalized event emitted.
func (a *Adapter) OnEvent(handler func(domain.NormalizedEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

// SendReply truncates content to the adapter's max message length and
// threads it to replyTo when provided (§4.3).
func (a *Adapter) SendReply(ctx context.Context, channelID, content string, replyTo string) error {
	truncated := platform.TruncateReply(content, a.cfg.MaxMessageLength)
	var err error
	if replyTo != "" {
		ref := &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
		_, err = a.session.ChannelMessageSendReply(channelID, truncated, ref)
	} else {
		_, err = a.session.ChannelMessageSend(channelID, truncated)
	}
	if err != nil {
		return fmt.Errorf("discord: send reply: %w", err)
	}
	return nil
}

// FetchRecent returns up to limit recent messages from channelID, oldest
// first, via Discord's message history endpoint.
func (a *Adapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]domain.PlatformMessage, error) {
	msgs, err := a.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("discord: fetch recent: %w", err)
	}
	out := make([]domain.PlatformMessage, len(msgs))
	for i, m := range msgs {
		// Discord returns newest-first; reverse into chronological order.
		src := msgs[len(msgs)-1-i]
		out[i] = domain.PlatformMessage{
			MessageID: src.ID,
			UserID:    authorID(src),
			Username:  authorName(src),
			Content:   src.Content,
			Timestamp: src.Timestamp,
			IsBot:     src.Author != nil && src.Author.Bot,
		}
	}
	return out, nil
}

// SearchRelated is unsupported by the Discord REST API; Capabilities
// advertises Search=false so callers should not invoke this.
func (a *Adapter) SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]domain.PlatformMessage, error) {
	return nil, errors.New("discord: message search is not supported")
}

// GetUsername resolves a user id to its display username.
func (a *Adapter) GetUsername(ctx context.Context, userID string) (string, error) {
	u, err := a.session.User(userID)
	if err != nil {
		return "", fmt.Errorf("discord: get username: %w", err)
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
		Search:           false,
		DM:               true,
		Guild:            true,
		Reactions:        true,
		MaxMessageLength: a.cfg.MaxMessageLength,
	}
}

// ConnectionStatus reports the current gateway connection state.
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

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.mu.Lock()
		a.selfID = r.User.ID
		a.mu.Unlock()
	}
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if a.IsSelf(m.Author.ID) {
		return
	}

	isDM := m.GuildID == ""
	mentioned := false
	var mentionToken string
	for _, u := range m.Mentions {
		if a.selfIDMatches(u.ID) {
			mentioned = true
			mentionToken = fmt.Sprintf("<@%s>", u.ID)
			break
		}
	}

	gate := platform.Gate{AllowDM: a.cfg.AllowDM, CommandPrefix: a.cfg.CommandPrefix}
	if !gate.ShouldEmit(isDM, mentioned, m.Content) {
		return
	}

	content := m.Content
	if mentioned {
		content = platform.StripMention(content, mentionToken)
		content = mentionPattern.ReplaceAllString(content, "")
		content = strings.TrimSpace(content)
	}

	ev := domain.NormalizedEvent{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		MessageID: m.ID,
		IsDM:      isDM,
		GuildID:   m.GuildID,
		Username:  m.Author.Username,
		Content:   content,
		Timestamp: messageTimestamp(m),
	}

	a.mu.RLock()
	handlers := make([]platform.EventHandler, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (a *Adapter) selfIDMatches(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID == id
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

func authorName(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.Username
}

func messageTimestamp(m *discordgo.MessageCreate) time.Time {
	if m.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return m.Timestamp
}

var _ domain.PlatformAdapter = (*Adapter)(nil)
