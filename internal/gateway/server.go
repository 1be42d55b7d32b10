package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johnstryder/agentgateway/internal/domain"
)

// ErrInvalidPort is returned when the gateway port is not in 0..65535.
var ErrInvalidPort = errors.New("gateway port must be 0-65535")

// ErrNonLoopbackHost is returned when the configured bind host does not
// resolve to a loopback address (§4.7: the gateway never binds externally).
var ErrNonLoopbackHost = errors.New("gateway host must resolve to a loopback address")

const (
	skillPathPrefix     = "/api/skill/"
	errReplyAlreadySent = "Reply already sent for this session"
)

var skillNamePattern = regexp.MustCompile(`^[a-z-]+$`)

// SessionLookup is the subset of the session registry the gateway needs.
type SessionLookup interface {
	Get(id string) (domain.Session, bool)
	MarkReplySent(id string) bool
}

// SkillDispatcher executes a named skill and reports whether a name is known.
type SkillDispatcher interface {
	Dispatch(ctx context.Context, name string, sess *domain.Session, params map[string]interface{}) domain.SkillResult
	Has(name string) bool
}

type skillRequest struct {
	SessionID  string                 `json:"sessionId"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Server is the loopback-only Skill HTTP Gateway (§4.7): a single
// `POST /api/skill/{name}` route that lets the externally-spawned agent
// subprocess invoke skills over HTTP in addition to the ACP callback path.
type Server struct {
	cfg      *domain.GatewayConfig
	sessions SessionLookup
	skills   SkillDispatcher
	logger   *slog.Logger

	server      *http.Server
	addr        string
	addrMu      sync.RWMutex
	listenErr   error
	listenErrMu sync.Mutex
}

// NewServer builds a gateway server. Port 0 means pick a random port.
// Returns ErrInvalidPort for an out-of-range port, or ErrNonLoopbackHost if
// the configured host isn't loopback.
func NewServer(cfg *domain.GatewayConfig, sessions SessionLookup, skills SkillDispatcher, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = &domain.GatewayConfig{Host: "127.0.0.1", Port: 3001}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	if err := validateLoopbackHost(cfg.Host); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, sessions: sessions, skills: skills, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc(skillPathPrefix, s.handleSkill)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func validateLoopbackHost(host string) error {
	if host == "" || host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return ErrNonLoopbackHost
	}
	return nil
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Addr returns the bound address (e.g. "127.0.0.1:3001") after Run has
// started. Empty before Run.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// ListenErr returns the error from the initial Listen in Run, if any.
func (s *Server) ListenErr() error {
	s.listenErrMu.Lock()
	defer s.listenErrMu.Unlock()
	return s.listenErr
}

// Handler returns the HTTP handler, for testing without binding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// netListen is the function used to listen; tests may replace it to force errors.
var netListen = func(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// serverShutdown is the function used to shut down the server; tests may replace it.
var serverShutdown = func(srv *http.Server, ctx context.Context) error {
	return srv.Shutdown(ctx)
}

// Run listens on the configured loopback host:port and serves until shutdown
// is closed. Returns nil once cleanly shut down.
func (s *Server) Run(shutdown <-chan struct{}) error {
	host := s.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))
	ln, err := netListen("tcp", addr)
	if err != nil {
		s.listenErrMu.Lock()
		s.listenErr = err
		s.listenErrMu.Unlock()
		return err
	}
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	s.log().Info("skill gateway listening", "addr", s.addr)

	done := make(chan error, 1)
	go func() {
		done <- s.server.Serve(ln)
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := serverShutdown(s.server, ctx); err != nil {
		return err
	}
	<-done
	return nil
}

func (s *Server) handleSkill(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeResult(w, http.StatusMethodNotAllowed, domain.SkillResult{Success: false, Error: "Method not allowed"})
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.log().Error("skill handler panicked", "recover", rec)
			writeResult(w, http.StatusInternalServerError, domain.SkillResult{Success: false, Error: fmt.Sprintf("%v", rec)})
		}
	}()

	name := strings.TrimPrefix(r.URL.Path, skillPathPrefix)
	if name == "" || !skillNamePattern.MatchString(name) {
		writeResult(w, http.StatusNotFound, domain.SkillResult{Success: false, Error: "Not found"})
		return
	}

	var req skillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeResult(w, http.StatusBadRequest, domain.SkillResult{Success: false, Error: "Missing sessionId"})
		return
	}

	sess, ok := s.sessions.Get(req.SessionID)
	if !ok {
		writeResult(w, http.StatusUnauthorized, domain.SkillResult{Success: false, Error: "Invalid or expired session"})
		return
	}

	if !s.skills.Has(name) {
		writeResult(w, http.StatusNotFound, domain.SkillResult{Success: false, Error: fmt.Sprintf("Unknown skill: %s", name)})
		return
	}

	if name == "send-reply" && sess.ReplySent {
		writeResult(w, http.StatusConflict, domain.SkillResult{Success: false, Error: errReplyAlreadySent})
		return
	}

	result := s.skills.Dispatch(r.Context(), name, &sess, req.Parameters)
	if !result.Success {
		writeResult(w, http.StatusBadRequest, result)
		return
	}
	if name == "send-reply" {
		s.sessions.MarkReplySent(req.SessionID)
	}
	writeResult(w, http.StatusOK, result)
}

func writeResult(w http.ResponseWriter, status int, result domain.SkillResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && isLocalhostOrigin(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
