package skills

import (
	"context"
	"log/slog"
	"strings"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// ReplyMarker records that a session's single allowed reply has been sent,
// atomically refusing a second attempt. Backed by the session registry.
type ReplyMarker interface {
	MarkReplySent(sessionID string) bool
}

// SendReply implements the send-reply skill (§4.5). It enforces the
// single-reply-per-interaction rule and forwards the message to the adapter
// passed to NewSendReply, addressed to the triggering session's channel.
type SendReply struct {
	adapter domain.PlatformAdapter
	marker  ReplyMarker
}

// NewSendReply constructs the send-reply handler.
func NewSendReply(adapter domain.PlatformAdapter, marker ReplyMarker) *SendReply {
	return &SendReply{adapter: adapter, marker: marker}
}

// Name returns the skill's route name.
func (h *SendReply) Name() string { return "send-reply" }

// Execute validates parameters, enforces single-reply, and sends the message.
func (h *SendReply) Execute(ctx context.Context, sess *domain.Session, params map[string]interface{}) domain.SkillResult {
	message, present := stringParam(params, "message")
	if !present {
		return domain.SkillResult{Success: false, Error: errMissingMessage}
	}
	if strings.TrimSpace(message) == "" {
		return domain.SkillResult{Success: false, Error: errEmptyMessage}
	}

	ok, nonEmpty := attachmentsOK(params)
	if !ok {
		return domain.SkillResult{Success: false, Error: errInvalidAttachments}
	}
	if nonEmpty {
		slog.Warn("send-reply: attachments are ignored")
	}

	if sess == nil {
		return domain.SkillResult{Success: false, Error: errReplyAlreadySent}
	}
	if h.marker != nil && !h.marker.MarkReplySent(sess.ID) {
		return domain.SkillResult{Success: false, Error: errReplyAlreadySent}
	}

	if err := h.adapter.SendReply(ctx, sess.Workspace.Components.ChannelID, message, sess.TriggerEvent.MessageID); err != nil {
		return domain.SkillResult{Success: false, Error: err.Error()}
	}
	return domain.SkillResult{Success: true}
}

var _ domain.SkillHandler = (*SendReply)(nil)
