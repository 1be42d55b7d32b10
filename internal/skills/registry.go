package skills

import (
	"context"
	"fmt"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// Registry dispatches skill invocations by name (§4.5, §4.7).
type Registry struct {
	handlers map[string]domain.SkillHandler
}

// NewRegistry builds a registry from the given handlers, keyed by their own Name().
func NewRegistry(handlers ...domain.SkillHandler) *Registry {
	r := &Registry{handlers: make(map[string]domain.SkillHandler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Name()] = h
	}
	return r
}

// Dispatch runs the named skill, or reports it unknown.
func (r *Registry) Dispatch(ctx context.Context, name string, sess *domain.Session, params map[string]interface{}) domain.SkillResult {
	h, ok := r.handlers[name]
	if !ok {
		return domain.SkillResult{Success: false, Error: fmt.Sprintf("Unknown skill '%s'", name)}
	}
	return h.Execute(ctx, sess, params)
}

// Has reports whether name is a registered skill.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered skill names, for schema advertisement.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
