// Package router implements the Event Router / Message Handler (§4.10): it
// deduplicates concurrent deliveries of the same platform message and
// dispatches normalized events to predicate-based routes, falling back to
// the Session Orchestrator by default.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// ErrDuplicateEvent is the sentinel wrapped into the error Dispatch returns
// when a second concurrent delivery of the same {platform}:{message_id} key
// arrives while the first is still in flight. It is deliberately
// non-retryable: the event is a collision with work already underway, not a
// transient failure, so the caller must not resubmit it.
var ErrDuplicateEvent = errors.New("router: duplicate event")

// Handler processes one normalized event and reports how it went.
type Handler func(ctx context.Context, event domain.NormalizedEvent) error

// Predicate decides whether a Route applies to an event.
type Predicate func(event domain.NormalizedEvent) bool

// Route pairs a predicate with the handler that runs when it matches. Routes
// are evaluated in registration order; the first match wins.
type Route struct {
	Name      string
	Predicate Predicate
	Handler   Handler
}

// Router maintains the in-process active-event set and the ordered list of
// predicate-based routes described at §4.10. Unlike queue.LaneQueue, which
// serializes same-key work by making later callers wait, Router admits a
// key at most once: a concurrent second delivery is rejected outright, not
// queued behind the first.
type Router struct {
	mu      sync.Mutex
	active  map[string]struct{}
	routes  []Route
	handler Handler // default handler, invoked when no route matches
	logger  *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a structured logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRoutes appends predicate-based routes ahead of the default handler.
func WithRoutes(routes ...Route) Option {
	return func(r *Router) {
		r.routes = append(r.routes, routes...)
	}
}

// New builds a Router whose default handler runs for any event matching no
// registered route. defaultHandler must not be nil; in production it is the
// Session Orchestrator's Handle method.
func New(defaultHandler Handler, opts ...Option) *Router {
	if defaultHandler == nil {
		panic("router: default handler must not be nil")
	}
	r := &Router{
		active:  make(map[string]struct{}),
		handler: defaultHandler,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// AddRoute appends one more route after construction, e.g. from main once
// every dependency a route closure needs has been wired.
func (r *Router) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// eventKey is the in-process duplicate-suppression key (§4.10, §5, §8).
func eventKey(event domain.NormalizedEvent) string {
	return event.Platform + ":" + event.MessageID
}

// admit adds key to the active set, reporting false if it was already
// present — a concurrent dispatch of the same event is in flight.
func (r *Router) admit(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[key]; exists {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

// release frees key once its dispatch has concluded, so a later, distinct
// delivery that happens to reuse the same message id is not permanently
// blocked.
func (r *Router) release(key string) {
	r.mu.Lock()
	delete(r.active, key)
	r.mu.Unlock()
}

// Dispatch admits event for processing, rejecting a concurrent duplicate
// non-retryably (errors.Is(err, ErrDuplicateEvent)), then runs it through
// the first matching Route or, absent a match, the default handler.
func (r *Router) Dispatch(ctx context.Context, event domain.NormalizedEvent) error {
	key := eventKey(event)
	if !r.admit(key) {
		r.log().Warn("router: rejected duplicate event", "key", key)
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, key)
	}
	defer r.release(key)

	handler := r.resolve(event)
	if err := handler(ctx, event); err != nil {
		r.log().Warn("router: handler returned error", "key", key, "error", err)
		return err
	}
	return nil
}

// resolve returns the handler for the first matching route, or the default
// handler if none match.
func (r *Router) resolve(event domain.NormalizedEvent) Handler {
	r.mu.Lock()
	routes := make([]Route, len(r.routes))
	copy(routes, r.routes)
	r.mu.Unlock()

	for _, route := range routes {
		if route.Predicate != nil && route.Predicate(event) {
			return route.Handler
		}
	}
	return r.handler
}

// ActiveCount reports how many events are currently admitted and in flight.
func (r *Router) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// =============================================================================
// Common predicates (§4.10: "DM vs guild, platform, keyword contains")
// =============================================================================

// IsDM matches direct-message events.
func IsDM(event domain.NormalizedEvent) bool { return event.IsDM }

// IsGuild matches events that carry a guild id.
func IsGuild(event domain.NormalizedEvent) bool { return event.GuildID != "" }

// Platform matches events from exactly the named platform.
func Platform(name string) Predicate {
	return func(event domain.NormalizedEvent) bool { return event.Platform == name }
}

// ContentContains matches events whose content contains substr
// (case-insensitive).
func ContentContains(substr string) Predicate {
	lower := strings.ToLower(substr)
	return func(event domain.NormalizedEvent) bool {
		return strings.Contains(strings.ToLower(event.Content), lower)
	}
}
