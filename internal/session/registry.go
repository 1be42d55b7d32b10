package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/scheduler"
)

// defaultSweepSpec matches every 60 seconds, per §4.6.
const defaultSweepSpec = "@every 60s"

// Option is a functional option for configuring a Registry.
type Option func(*Registry)

// WithLogger sets a structured logger for the Registry. If l is nil it is
// ignored and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSweepSpec overrides the cron expression used by StartSweeper.
func WithSweepSpec(spec string) Option {
	return func(r *Registry) {
		if spec != "" {
			r.sweepSpec = spec
		}
	}
}

// Registry tracks in-flight sessions, enforces the single-reply rule, and
// expires sessions that outlive their timeout (§4.6).
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	ttl       time.Duration
	logger    *slog.Logger
	sweepSpec string
	engine    scheduler.CronEngine
	entryID   int
	hasEntry  bool
}

// NewRegistry builds a Registry whose sessions expire ttl after StartedAt
// if the default TimeoutMs isn't set on the individual session.
func NewRegistry(ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*domain.Session),
		ttl:       ttl,
		sweepSpec: defaultSweepSpec,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// NewID generates a session identifier in the "sess_" namespace.
func NewID() string {
	return fmt.Sprintf("sess_%s", uuid.New().String())
}

// Register adds sess to the registry, stamping StartedAt if unset, and
// returns the stored pointer.
func (r *Registry) Register(sess domain.Session) *domain.Session {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	stored := sess
	r.mu.Lock()
	r.sessions[stored.ID] = &stored
	r.mu.Unlock()
	r.log().Info("session registered", "session_id", stored.ID, "platform", stored.Platform)
	return &stored
}

// Get returns the session with the given id, or false if absent or expired.
func (r *Registry) Get(id string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	timeout := r.ttl
	if sess.TimeoutMs > 0 {
		timeout = time.Duration(sess.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 && time.Since(sess.StartedAt) > timeout {
		delete(r.sessions, id)
		return domain.Session{}, false
	}
	return *sess, true
}

// MarkReplySent atomically flips ReplySent from false to true, returning
// false if a reply was already sent for this session (satisfies
// skills.ReplyMarker).
func (r *Registry) MarkReplySent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok || sess.ReplySent {
		return false
	}
	sess.ReplySent = true
	return true
}

// Remove deletes a session from the registry, e.g. once its orchestration
// has fully torn down.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepExpired removes sessions whose per-session timeout (or, if unset,
// the registry's default ttl) has elapsed since StartedAt, returning how
// many were removed.
func (r *Registry) SweepExpired() int {
	now := time.Now()
	removed := 0
	r.mu.Lock()
	for id, sess := range r.sessions {
		timeout := r.ttl
		if sess.TimeoutMs > 0 {
			timeout = time.Duration(sess.TimeoutMs) * time.Millisecond
		}
		if timeout <= 0 {
			continue
		}
		if now.Sub(sess.StartedAt) > timeout {
			delete(r.sessions, id)
			removed++
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.log().Info("expired sessions swept", "count", removed)
	}
	return removed
}

// StartSweeper registers a periodic expiry sweep on engine. Calling it twice
// without StopSweeper in between is a no-op on the second call.
func (r *Registry) StartSweeper(engine scheduler.CronEngine) error {
	r.mu.Lock()
	if r.hasEntry {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	id, err := engine.AddFunc(r.sweepSpec, func() { r.SweepExpired() })
	if err != nil {
		return fmt.Errorf("session: failed to register sweep job: %w", err)
	}
	r.mu.Lock()
	r.engine = engine
	r.entryID = id
	r.hasEntry = true
	r.mu.Unlock()
	return nil
}

// StopSweeper unregisters the periodic sweep, if one was started.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasEntry {
		return
	}
	r.engine.Remove(r.entryID)
	r.hasEntry = false
}
