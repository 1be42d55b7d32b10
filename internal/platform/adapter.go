// Package platform defines the shared adapter contract (§4.3) and the
// reconnect/truncation/gating helpers every concrete adapter composes with.
package platform

import (
	"context"
	"log/slog"
	"strings"

	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/retry"
)

// EventHandler receives a normalized event emitted by an adapter.
type EventHandler func(domain.NormalizedEvent)

// Gate decides, given a raw inbound message's properties, whether the
// adapter should emit a normalized event for it (§4.3 responsibilities).
type Gate struct {
	AllowDM       bool
	CommandPrefix string
}

// ShouldEmit reports whether a message should become a normalized event:
// a DM when DMs are allowed, a direct mention, or a command-prefixed message.
func (g Gate) ShouldEmit(isDM, isMentioned bool, content string) bool {
	if isDM {
		return g.AllowDM
	}
	if isMentioned {
		return true
	}
	if g.CommandPrefix != "" && strings.HasPrefix(content, g.CommandPrefix) {
		return true
	}
	return false
}

// StripMention removes a single occurrence of token from content (used to
// strip the bot's own mention before emitting a normalized event) and trims
// the surrounding whitespace left behind.
func StripMention(content, token string) string {
	if token == "" {
		return content
	}
	stripped := strings.Replace(content, token, "", 1)
	return strings.TrimSpace(stripped)
}

// TruncateReply truncates content to maxLen-3 runes and appends "..." when
// it overflows maxLen, per §4.3's reply-truncation rule. maxLen<=3 disables
// truncation (treated as unbounded).
func TruncateReply(content string, maxLen int) string {
	if maxLen <= 3 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen-3]) + "..."
}

// Log returns l if non-nil, otherwise the default slog logger. Adapters use
// this accessor so a nil logger passed through options never panics.
func Log(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// ConnectFunc dials the underlying platform connection once.
type ConnectFunc = retry.ConnectFunc

// RunWithReconnect drives connect with the given retry.Config's backoff
// sequence until it succeeds, ctx is cancelled, or a configured max-attempts
// cap is hit. Adapters call this from their Connect implementation.
func RunWithReconnect(ctx context.Context, cfg retry.Config, connect ConnectFunc) error {
	return retry.NewReconnector(cfg).Run(ctx, connect)
}

// Adapter is an alias for domain.PlatformAdapter, kept local so adapter
// packages can refer to platform.Adapter without importing domain directly
// for this one type.
type Adapter = domain.PlatformAdapter
