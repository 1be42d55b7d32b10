package skills

import (
	"context"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// MemorySearch implements the memory-search skill (§4.5).
type MemorySearch struct {
	store domain.MemoryStore
}

// NewMemorySearch constructs the memory-search handler.
func NewMemorySearch(store domain.MemoryStore) *MemorySearch {
	return &MemorySearch{store: store}
}

// Name returns the skill's route name.
func (h *MemorySearch) Name() string { return "memory-search" }

// Execute validates parameters and returns matching resolved memories.
func (h *MemorySearch) Execute(ctx context.Context, sess *domain.Session, params map[string]interface{}) domain.SkillResult {
	query, ok := nonEmptyStringParam(params, "query")
	if !ok {
		return domain.SkillResult{Success: false, Error: "Missing or invalid 'query' parameter"}
	}

	limit := 10
	if _, present := params["limit"]; present {
		n, isNumber := numberParam(params, "limit")
		if !isNumber || n <= 0 || n != float64(int(n)) {
			return domain.SkillResult{Success: false, Error: errInvalidLimit}
		}
		limit = int(n)
	}

	ws := domain.Workspace{}
	if sess != nil {
		ws = sess.Workspace
	}
	results, err := h.store.Search(ws, query, limit)
	if err != nil {
		return domain.SkillResult{Success: false, Error: err.Error()}
	}
	return domain.SkillResult{Success: true, Data: results}
}

var _ domain.SkillHandler = (*MemorySearch)(nil)
