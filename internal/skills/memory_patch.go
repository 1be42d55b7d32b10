package skills

import (
	"context"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// MemoryPatch implements the memory-patch skill (§4.5).
type MemoryPatch struct {
	store domain.MemoryStore
}

// NewMemoryPatch constructs the memory-patch handler.
func NewMemoryPatch(store domain.MemoryStore) *MemoryPatch {
	return &MemoryPatch{store: store}
}

// Name returns the skill's route name.
func (h *MemoryPatch) Name() string { return "memory-patch" }

// Execute validates parameters and appends a patch event for an existing memory.
func (h *MemoryPatch) Execute(ctx context.Context, sess *domain.Session, params map[string]interface{}) domain.SkillResult {
	memoryID, ok := nonEmptyStringParam(params, "memory_id")
	if !ok {
		return domain.SkillResult{Success: false, Error: errMissingMemoryID}
	}

	var changes domain.MemoryChanges
	provided := false

	if raw, present := params["enabled"]; present {
		b, isBool := raw.(bool)
		if !isBool {
			return domain.SkillResult{Success: false, Error: errInvalidEnabled}
		}
		changes.Enabled = &b
		provided = true
	}

	if raw, present := params["visibility"]; present {
		s, isString := raw.(string)
		if !isString || (s != string(domain.VisibilityPublic) && s != string(domain.VisibilityPrivate)) {
			return domain.SkillResult{Success: false, Error: errInvalidVisibility}
		}
		v := domain.Visibility(s)
		changes.Visibility = &v
		provided = true
	}

	if raw, present := params["importance"]; present {
		s, isString := raw.(string)
		if !isString || (s != string(domain.ImportanceHigh) && s != string(domain.ImportanceNormal)) {
			return domain.SkillResult{Success: false, Error: errInvalidImportance}
		}
		i := domain.Importance(s)
		changes.Importance = &i
		provided = true
	}

	if !provided {
		return domain.SkillResult{Success: false, Error: errNoPatchFields}
	}

	ws := domain.Workspace{}
	if sess != nil {
		ws = sess.Workspace
	}
	ev, err := h.store.Patch(ws, memoryID, changes)
	if err != nil {
		return domain.SkillResult{Success: false, Error: err.Error()}
	}
	return domain.SkillResult{Success: true, Data: ev}
}

var _ domain.SkillHandler = (*MemoryPatch)(nil)
