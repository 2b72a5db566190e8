package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-gateway-auth/instrumentation"
	"github.com/giantswarm/mcp-gateway-auth/security"
)

// Defaults applied by NewRegistry.
const (
	DefaultTimeout         = 30 * time.Minute
	DefaultMaxSessions     = 10000
	DefaultCleanupInterval = time.Minute
)

var (
	// ErrCapacity is wrapped by *CapacityError.
	ErrCapacity = errors.New("session capacity reached")

	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// CapacityError is returned by Create when the registry is full. Existing
// sessions are never evicted to make room.
type CapacityError struct {
	Limit   int
	Current int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session capacity reached: %d of %d sessions in use", e.Current, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// Config configures a Registry.
type Config struct {
	// Timeout is the idle time after which a session expires (default: 30m).
	Timeout time.Duration `yaml:"timeout"`

	// MaxSessions bounds the number of live sessions (default: 10000).
	MaxSessions int `yaml:"maxSessions"`

	// CleanupInterval is how often expired sessions are swept, independent
	// of Timeout (default: 1m).
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// Session is the server-side record of one client connection.
type Session struct {
	ID string
	// Conn is the connection handle, typically a server.ClientSession.
	Conn         any
	CreatedAt    time.Time
	LastActivity time.Time
	Metadata     map[string]any
}

// ClientSession returns Conn as an MCP client session.
func (s *Session) ClientSession() (server.ClientSession, bool) {
	cs, ok := s.Conn.(server.ClientSession)
	return cs, ok
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Active   int   `json:"active"`
	Max      int   `json:"max"`
	Created  int64 `json:"created"`
	Removed  int64 `json:"removed"`
	Expired  int64 `json:"expired"`
	Rejected int64 `json:"rejected"`
}

// Registry is a bounded map of sessions with sliding idle expiry. Expired
// sessions disappear lazily on Get and Has and proactively on a single
// cleanup ticker.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	config   Config
	stats    Stats

	onExpire func(*Session)

	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRegistry creates a registry and starts its cleanup ticker. Call
// Shutdown to stop it.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		sessions: make(map[string]*Session),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.stats.Max = cfg.MaxSessions
	go r.cleanupLoop()
	return r
}

// SetClock replaces the clock used for expiry decisions.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetAuditor enables audit records for rejected sessions.
func (r *Registry) SetAuditor(aud *security.Auditor) {
	r.auditor = aud
}

// SetInstrumentation enables session metrics and registers the active
// session gauge.
func (r *Registry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.metrics = inst.Metrics()
	if err := inst.RegisterSessionCallback(func() int64 {
		r.mu.Lock()
		defer r.mu.Unlock()
		return int64(len(r.sessions))
	}); err != nil {
		r.logger.Warn("Failed to register session gauge", "error", err)
	}
}

// OnExpire sets a hook called, outside the registry lock, for every session
// removed by expiry or Shutdown. It is not called for Remove.
func (r *Registry) OnExpire(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.config
}

// Create registers a session for conn with a new random id.
func (r *Registry) Create(conn any, metadata map[string]any) (*Session, error) {
	return r.CreateWithID(uuid.NewString(), conn, metadata)
}

// CreateWithID registers a session under an id chosen by the caller, such as
// the MCP session id. It fails with *CapacityError when the registry is full.
func (r *Registry) CreateWithID(id string, conn any, metadata map[string]any) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}

	r.mu.Lock()
	now := r.now()
	var expired []*Session
	if existing, ok := r.sessions[id]; ok && r.expiredLocked(existing, now) {
		r.removeExpiredLocked(id)
		expired = append(expired, existing)
	}
	// Expired sessions must not count against capacity.
	if len(r.sessions) >= r.config.MaxSessions {
		expired = append(expired, r.sweepLocked(now)...)
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		r.notifyExpired(expired)
		return nil, fmt.Errorf("session %q already exists", id)
	}
	if len(r.sessions) >= r.config.MaxSessions {
		r.stats.Rejected++
		current := len(r.sessions)
		r.mu.Unlock()
		r.notifyExpired(expired)

		r.metrics.RecordSessionRejected(context.Background())
		r.auditor.LogSessionCapacityExceeded(r.config.MaxSessions, current)
		return nil, &CapacityError{Limit: r.config.MaxSessions, Current: current}
	}

	s := &Session{
		ID:           id,
		Conn:         conn,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     maps.Clone(metadata),
	}
	r.sessions[id] = s
	r.stats.Created++
	out := *s
	r.mu.Unlock()
	r.notifyExpired(expired)

	r.metrics.RecordSessionCreated(context.Background())
	r.logger.Debug("Session created", "session_id", id)
	return &out, nil
}

// Get returns a snapshot of the session and slides its expiry.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	now := r.now()
	if r.expiredLocked(s, now) {
		r.removeExpiredLocked(id)
		r.mu.Unlock()
		r.notifyExpired([]*Session{s})
		return nil, false
	}
	s.LastActivity = now
	out := *s
	r.mu.Unlock()
	return &out, true
}

// Touch slides the expiry of a live session.
func (r *Registry) Touch(id string) error {
	if _, ok := r.Get(id); !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Has reports whether a live session exists without sliding its expiry.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if r.expiredLocked(s, r.now()) {
		r.removeExpiredLocked(id)
		r.mu.Unlock()
		r.notifyExpired([]*Session{s})
		return false
	}
	r.mu.Unlock()
	return true
}

// Remove deletes a session and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	r.stats.Removed++
	r.logger.Debug("Session removed", "session_id", id)
	return true
}

// Cleanup removes every expired session and returns how many were removed.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	expired := r.sweepLocked(r.now())
	r.mu.Unlock()

	r.notifyExpired(expired)
	if len(expired) > 0 {
		r.metrics.RecordSessionsExpired(context.Background(), len(expired))
		r.logger.Debug("Expired sessions removed", "count", len(expired))
	}
	return len(expired)
}

// Statistics returns a snapshot of the registry counters.
func (r *Registry) Statistics() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.Active = len(r.sessions)
	return st
}

// Shutdown stops the cleanup ticker and drops every session. It is
// idempotent.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done

		r.mu.Lock()
		all := make([]*Session, 0, len(r.sessions))
		for _, s := range r.sessions {
			all = append(all, s)
		}
		clear(r.sessions)
		r.mu.Unlock()

		r.notifyExpired(all)
		r.logger.Debug("Session registry shut down", "sessions_dropped", len(all))
	})
}

// Hooks returns MCP server hooks that register every MCP client session
// and drop it when the client goes away. Sessions rejected for capacity are
// logged; the MCP server keeps running.
func (r *Registry) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		if _, err := r.CreateWithID(cs.SessionID(), cs, nil); err != nil {
			r.logger.Warn("Failed to register MCP session", "session_id", cs.SessionID(), "error", err)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		r.Remove(cs.SessionID())
	})
	return hooks
}

func (r *Registry) expiredLocked(s *Session, now time.Time) bool {
	return now.Sub(s.LastActivity) > r.config.Timeout
}

func (r *Registry) removeExpiredLocked(id string) {
	delete(r.sessions, id)
	r.stats.Expired++
}

func (r *Registry) sweepLocked(now time.Time) []*Session {
	var expired []*Session
	for id, s := range r.sessions {
		if r.expiredLocked(s, now) {
			r.removeExpiredLocked(id)
			expired = append(expired, s)
		}
	}
	return expired
}

func (r *Registry) notifyExpired(sessions []*Session) {
	if len(sessions) == 0 {
		return
	}
	r.mu.Lock()
	hook := r.onExpire
	r.mu.Unlock()
	if hook == nil {
		return
	}
	for _, s := range sessions {
		hook(s)
	}
}

func (r *Registry) cleanupLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Cleanup()
		case <-r.stop:
			return
		}
	}
}
