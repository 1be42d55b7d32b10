package skills

import (
	"context"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// MemorySave implements the memory-save skill (§4.5).
type MemorySave struct {
	store domain.MemoryStore
}

// NewMemorySave constructs the memory-save handler.
func NewMemorySave(store domain.MemoryStore) *MemorySave {
	return &MemorySave{store: store}
}

// Name returns the skill's route name.
func (h *MemorySave) Name() string { return "memory-save" }

// Execute validates parameters and appends a memory event.
func (h *MemorySave) Execute(ctx context.Context, sess *domain.Session, params map[string]interface{}) domain.SkillResult {
	content, ok := nonEmptyStringParam(params, "content")
	if !ok {
		return domain.SkillResult{Success: false, Error: errMissingContent}
	}

	visibility := domain.VisibilityPublic
	if raw, present := params["visibility"]; present {
		s, isString := raw.(string)
		if !isString || (s != string(domain.VisibilityPublic) && s != string(domain.VisibilityPrivate)) {
			return domain.SkillResult{Success: false, Error: errInvalidVisibility}
		}
		visibility = domain.Visibility(s)
	}

	importance := domain.ImportanceNormal
	if raw, present := params["importance"]; present {
		s, isString := raw.(string)
		if !isString || (s != string(domain.ImportanceHigh) && s != string(domain.ImportanceNormal)) {
			return domain.SkillResult{Success: false, Error: errInvalidImportance}
		}
		importance = domain.Importance(s)
	}

	if visibility == domain.VisibilityPrivate && sess != nil && !sess.Workspace.IsDM {
		return domain.SkillResult{Success: false, Error: errPrivateNonDM}
	}

	ws := domain.Workspace{}
	if sess != nil {
		ws = sess.Workspace
	}
	ev, err := h.store.Add(ws, content, visibility, importance)
	if err != nil {
		return domain.SkillResult{Success: false, Error: err.Error()}
	}
	return domain.SkillResult{Success: true, Data: ev}
}

var _ domain.SkillHandler = (*MemorySave)(nil)
