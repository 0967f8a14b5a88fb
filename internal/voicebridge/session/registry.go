package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
)

const (
	// DefaultInactivityTimeout closes a session without activity
	DefaultInactivityTimeout = 5 * time.Minute
	// DefaultStaleThreshold is the idle age at which the sweep closes a session
	DefaultStaleThreshold = 10 * time.Minute
	// DefaultCloseTimeout bounds the wait for sockets during Close
	DefaultCloseTimeout = 5 * time.Second

	// MinUserIDLen and MaxUserIDLen bound accepted user ids
	MinUserIDLen = 3
	MaxUserIDLen = 20
)

// Socket is a message-framed connection owned by a session
type Socket interface {
	WriteJSON(v any) error
	IsOpen() bool
	Close() error
	// Done is closed once the socket is fully closed
	Done() <-chan struct{}
}

// CallServerCloser releases the call server bound to a session
type CallServerCloser interface {
	CloseCallServer(correlationID string, persistent bool) bool
}

// Config holds registry settings
type Config struct {
	InactivityTimeout time.Duration
	StaleThreshold    time.Duration
	CloseTimeout      time.Duration
	CallServers       CallServerCloser
	Metrics           *metrics.Collector
	// OnClosed runs once per session after it was removed
	OnClosed func(id string)
}

// Session is one control-plane connection and the call resources tied to it
type Session struct {
	ID        string
	CreatedAt time.Time

	lifecycle *fsm.FSM

	mu           sync.Mutex
	control      Socket
	upstream     Socket
	userID       string
	params       *CallParams
	callPort     int
	lastActivity time.Time
	timer        *time.Timer
}

// Info is a snapshot of a session
type Info struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	UserID       string    `json:"userId,omitempty"`
	CallPort     int       `json:"callPort,omitempty"`
	HasUpstream  bool      `json:"hasUpstream"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Registry tracks control-plane sessions and tears them down exactly once
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
}

// NewRegistry creates a session registry
func NewRegistry(cfg Config) *Registry {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// Register creates a session for control and starts its inactivity timer
func (r *Registry) Register(control Socket) string {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		lifecycle:    newLifecycle(),
		control:      control,
		lastActivity: now,
	}

	id := s.ID
	s.timer = time.AfterFunc(r.cfg.InactivityTimeout, func() {
		slog.Info("[Registry] Inactivity timeout, closing session", "session_id", id)
		r.Close(id)
	})

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.cfg.Metrics.SessionOpened()
	slog.Info("[Registry] Session registered", "session_id", id)
	return id
}

func (r *Registry) get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// active returns the session if it exists and is not closing
func (r *Registry) active(id, op string) *Session {
	s := r.get(id)
	if s == nil {
		slog.Warn("[Registry] Unknown session", "session_id", id, "op", op)
		return nil
	}
	if !s.lifecycle.Is(StateActive) {
		slog.Warn("[Registry] Session is closing", "session_id", id, "op", op)
		return nil
	}
	return s
}

// UpdateActivity refreshes the activity time and restarts the inactivity timer
func (r *Registry) UpdateActivity(id string) bool {
	s := r.active(id, "update_activity")
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.timer.Reset(r.cfg.InactivityTimeout)
	s.mu.Unlock()
	return true
}

// SetUpstreamVoiceSocket stores sock as the session's upstream connection,
// closing any previous one first. A closing session rejects and closes sock.
func (r *Registry) SetUpstreamVoiceSocket(id string, sock Socket) bool {
	s := r.active(id, "set_upstream")
	if s == nil {
		if sock != nil {
			sock.Close()
		}
		return false
	}

	s.mu.Lock()
	prior := s.upstream
	s.upstream = sock
	s.mu.Unlock()

	if prior != nil && prior != sock && prior.IsOpen() {
		slog.Info("[Registry] Closing previous upstream socket", "session_id", id)
		prior.Close()
	}
	return true
}

// ClearUpstreamVoiceSocket forgets sock if it is still the session's upstream
func (r *Registry) ClearUpstreamVoiceSocket(id string, sock Socket) {
	s := r.get(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.upstream == sock {
		s.upstream = nil
	}
	s.mu.Unlock()
}

// SetIdentity stores the authenticated user id for the session
func (r *Registry) SetIdentity(id, userID string) bool {
	userID = strings.TrimSpace(userID)
	if len(userID) < MinUserIDLen || len(userID) > MaxUserIDLen {
		slog.Warn("[Registry] Rejecting user id with invalid length", "session_id", id, "length", len(userID))
		return false
	}
	s := r.active(id, "set_identity")
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	return true
}

// Identity returns the user id, empty until resolved
func (r *Registry) Identity(id string) string {
	s := r.get(id)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetCallParams stores the parameters of the session's next call
func (r *Registry) SetCallParams(id string, params CallParams) bool {
	s := r.active(id, "set_call_params")
	if s == nil {
		return false
	}
	s.mu.Lock()
	p := params
	s.params = &p
	s.mu.Unlock()
	return true
}

// CallParams returns the stored call parameters
func (r *Registry) CallParams(id string) (CallParams, bool) {
	s := r.get(id)
	if s == nil {
		return CallParams{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return CallParams{}, false
	}
	return *s.params, true
}

// AttachCallServer records the ephemeral call server port owned by the session
func (r *Registry) AttachCallServer(id string, port int) bool {
	s := r.active(id, "attach_call_server")
	if s == nil {
		return false
	}
	s.mu.Lock()
	s.callPort = port
	s.mu.Unlock()
	return true
}

// DetachCallServer clears the call server association without closing it.
// Nothing changes if the session has since attached a different port.
func (r *Registry) DetachCallServer(id string, port int) {
	s := r.get(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.callPort == port {
		s.callPort = 0
	}
	s.mu.Unlock()
}

// SendControlMessage sends a status envelope to the session's control socket
func (r *Registry) SendControlMessage(id, kind string, payload any, requestID string) bool {
	return r.send(id, "send_status", newStatus(kind, payload, requestID))
}

// SendLog sends a log envelope to the session's control socket
func (r *Registry) SendLog(id, level, message string) bool {
	return r.send(id, "send_log", newLog(level, message))
}

// Ping sends a keep-alive message to the session's control socket
func (r *Registry) Ping(id string) bool {
	return r.send(id, "ping", Ping{Type: "ping"})
}

// Forward implements logger.Forwarder
func (r *Registry) Forward(id string, level slog.Level, message string) {
	r.SendLog(id, strings.ToLower(level.String()), message)
}

func (r *Registry) send(id, op string, msg any) bool {
	s := r.active(id, op)
	if s == nil {
		return false
	}

	s.mu.Lock()
	control := s.control
	s.mu.Unlock()

	if control == nil || !control.IsOpen() {
		slog.Warn("[Registry] Control socket not open, scheduling close", "session_id", id, "op", op)
		go r.Close(id)
		return false
	}
	if err := control.WriteJSON(msg); err != nil {
		slog.Warn("[Registry] Control send failed, scheduling close", "session_id", id, "op", op, "error", err)
		go r.Close(id)
		return false
	}
	return true
}

// Close tears the session down once: it marks the session closing, stops
// the inactivity timer, closes the upstream and control sockets, releases
// the call server, waits for both sockets, then removes the session.
// Concurrent and repeated calls return false.
func (r *Registry) Close(id string) bool {
	s := r.get(id)
	if s == nil {
		slog.Debug("[Registry] Close for unknown session", "session_id", id)
		return false
	}
	if !transition(s.lifecycle, eventClose) {
		slog.Debug("[Registry] Session already closing", "session_id", id)
		return false
	}

	s.mu.Lock()
	s.timer.Stop()
	upstream := s.upstream
	control := s.control
	port := s.callPort
	s.upstream = nil
	s.callPort = 0
	s.mu.Unlock()

	slog.Info("[Registry] Closing session", "session_id", id, "call_port", port)

	var waits []<-chan struct{}
	if upstream != nil {
		upstream.Close()
		waits = append(waits, upstream.Done())
	}
	if r.cfg.CallServers != nil && r.cfg.CallServers.CloseCallServer(id, false) {
		slog.Info("[Registry] Released call server", "session_id", id)
	}
	if control != nil {
		control.Close()
		waits = append(waits, control.Done())
	}

	deadline := time.NewTimer(r.cfg.CloseTimeout)
	defer deadline.Stop()
	for _, done := range waits {
		select {
		case <-done:
		case <-deadline.C:
			slog.Warn("[Registry] Timed out waiting for sockets to close", "session_id", id)
		}
	}

	transition(s.lifecycle, eventFinish)

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.cfg.Metrics.SessionClosed()
	slog.Info("[Registry] Session closed", "session_id", id)

	if r.cfg.OnClosed != nil {
		r.cfg.OnClosed(id)
	}
	return true
}

// CleanupStale closes sessions idle past the stale threshold or whose
// control socket is no longer open. Returns the number of closes started.
func (r *Registry) CleanupStale() int {
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if !s.lifecycle.Is(StateActive) {
			continue
		}
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		open := s.control != nil && s.control.IsOpen()
		s.mu.Unlock()
		if idle > r.cfg.StaleThreshold || !open {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		slog.Info("[Registry] Closing stale session", "session_id", id)
		go r.Close(id)
	}
	return len(stale)
}

// RunStaleSweep calls CleanupStale every interval until ctx is done
func (r *Registry) RunStaleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.CleanupStale(); n > 0 {
				slog.Info("[Registry] Stale sweep", "closed", n)
			}
		}
	}
}

// CloseAll closes every session and waits for the closes to finish
func (r *Registry) CloseAll() {
	ids := r.IDs()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Close(id)
		}(id)
	}
	wg.Wait()
}

// State returns the lifecycle state of a session
func (r *Registry) State(id string) (string, bool) {
	s := r.get(id)
	if s == nil {
		return "", false
	}
	return s.lifecycle.Current(), true
}

// Get returns a snapshot of a session
func (r *Registry) Get(id string) (Info, bool) {
	s := r.get(id)
	if s == nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		State:        s.lifecycle.Current(),
		UserID:       s.userID,
		CallPort:     s.callPort,
		HasUpstream:  s.upstream != nil,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}, true
}

// IDs returns the ids of all registered sessions
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
