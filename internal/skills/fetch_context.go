package skills

import (
	"context"

	"github.com/johnstryder/agentgateway/internal/domain"
)

const (
	fetchTypeRecentMessages = "recent_messages"
	fetchTypeSearchMessages = "search_messages"
	fetchTypeUserInfo       = "user_info"
)

// FetchContext implements the fetch-context skill (§4.5).
type FetchContext struct {
	adapter domain.PlatformAdapter
}

// NewFetchContext constructs the fetch-context handler.
func NewFetchContext(adapter domain.PlatformAdapter) *FetchContext {
	return &FetchContext{adapter: adapter}
}

// Name returns the skill's route name.
func (h *FetchContext) Name() string { return "fetch-context" }

// Execute validates the requested type and dispatches to the matching adapter call.
func (h *FetchContext) Execute(ctx context.Context, sess *domain.Session, params map[string]interface{}) domain.SkillResult {
	kind, ok := nonEmptyStringParam(params, "type")
	if !ok {
		return domain.SkillResult{Success: false, Error: errMissingType}
	}

	limit := 20
	if _, present := params["limit"]; present {
		n, isNumber := numberParam(params, "limit")
		if !isNumber || n <= 0 || n != float64(int(n)) {
			return domain.SkillResult{Success: false, Error: errInvalidLimit}
		}
		limit = int(n)
	}

	var channelID, guildID, userID string
	if sess != nil {
		channelID = sess.Workspace.Components.ChannelID
		guildID = sess.TriggerEvent.GuildID
		userID = sess.Workspace.Components.UserID
	}

	switch kind {
	case fetchTypeRecentMessages:
		msgs, err := h.adapter.FetchRecent(ctx, channelID, limit)
		if err != nil {
			return domain.SkillResult{Success: false, Error: err.Error()}
		}
		return domain.SkillResult{Success: true, Data: msgs}

	case fetchTypeSearchMessages:
		query, ok := nonEmptyStringParam(params, "query")
		if !ok {
			return domain.SkillResult{Success: false, Error: errMissingSearchQuery}
		}
		if !h.adapter.Capabilities().Search {
			return domain.SkillResult{Success: false, Error: errSearchUnsupported}
		}
		msgs, err := h.adapter.SearchRelated(ctx, guildID, channelID, query, limit)
		if err != nil {
			return domain.SkillResult{Success: false, Error: err.Error()}
		}
		return domain.SkillResult{Success: true, Data: msgs}

	case fetchTypeUserInfo:
		username, err := h.adapter.GetUsername(ctx, userID)
		if err != nil {
			return domain.SkillResult{Success: false, Error: err.Error()}
		}
		isDM := sess != nil && sess.Workspace.IsDM
		platform := ""
		if sess != nil {
			platform = sess.Platform
		}
		return domain.SkillResult{Success: true, Data: map[string]interface{}{
			"userId":   userID,
			"username": username,
			"platform": platform,
			"isDm":     isDM,
		}}

	default:
		return domain.SkillResult{Success: false, Error: errInvalidType}
	}
}

var _ domain.SkillHandler = (*FetchContext)(nil)
