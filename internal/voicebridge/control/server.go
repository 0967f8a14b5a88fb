package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
	"github.com/sebas/voicebridge/internal/voicebridge/pbx"
	"github.com/sebas/voicebridge/internal/voicebridge/portpool"
	"github.com/sebas/voicebridge/internal/voicebridge/session"
	"github.com/sebas/voicebridge/internal/voicebridge/wsconn"
)

const (
	defaultKeepAlive        = 30 * time.Second
	defaultOriginateTimeout = 45 * time.Second
	maxChannelLen           = 32
)

// Sessions is the subset of the session registry used by the control plane
type Sessions interface {
	Register(control session.Socket) string
	Identity(id string) string
	SetIdentity(id, userID string) bool
	SetCallParams(id string, params session.CallParams) bool
	AttachCallServer(id string, port int) bool
	DetachCallServer(id string, port int)
	SendControlMessage(id, kind string, payload any, requestID string) bool
	UpdateActivity(id string) bool
	Ping(id string) bool
	Close(id string) bool
	Count() int
}

// CallServers creates and closes the audio socket servers for calls
type CallServers interface {
	CreateCallServer(correlationID string, port int) (int, error)
	CloseCallServer(correlationID string, persistent bool) bool
	Lookup(correlationID string) (portpool.Info, bool)
	List() []portpool.Info
	Pool() *portpool.PortPool
}

// Calls ends bridged calls on request
type Calls interface {
	EndCall(correlationID string) bool
	ActiveCalls() int
}

// IdentityResolver maps a client session token to a user id
type IdentityResolver interface {
	UserForToken(ctx context.Context, token string) (string, error)
}

// Config holds control server settings
type Config struct {
	Addr string
	// AudioHost is the address the PBX connects back to
	AudioHost         string
	KeepAliveInterval time.Duration
	OriginateTimeout  time.Duration
}

// Server is the client-facing control plane: a WebSocket endpoint plus a
// small HTTP API.
type Server struct {
	cfg        Config
	sessions   Sessions
	servers    CallServers
	calls      Calls
	originator pbx.Originator
	identities IdentityResolver
	metrics    *metrics.Collector

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
	stopping   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a control server. identities and m may be nil.
func NewServer(cfg Config, sessions Sessions, servers CallServers, calls Calls, originator pbx.Originator, identities IdentityResolver, m *metrics.Collector) *Server {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAlive
	}
	if cfg.OriginateTimeout <= 0 {
		cfg.OriginateTimeout = defaultOriginateTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		sessions:   sessions,
		servers:    servers,
		calls:      calls,
		originator: originator,
		identities: identities,
		metrics:    m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes of the control plane
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	slog.Info("[Control] Starting control server", "addr", listener.Addr().String())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[Control] Server error", "error", err)
		}
	}()
	return nil
}

// Stop refuses new clients and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.stopping.Store(true)
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- WebSocket ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "Shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Control] Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := wsconn.New(ws, 0)
	id := s.sessions.Register(conn)
	slog.Info("[Control] Client connected", "session_id", id, "remote", clientIP(r))
	s.sessions.SendControlMessage(id, "connected", "WebSocket connection established", "")

	go s.keepAlive(id, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if wsconn.IsUnexpectedClose(err) {
				slog.Warn("[Control] Connection error", "session_id", id, "error", err)
			} else {
				slog.Info("[Control] Client disconnected", "session_id", id)
			}
			s.sessions.Close(id)
			return
		}
		s.sessions.UpdateActivity(id)
		s.handleMessage(id, data)
	}
}

func (s *Server) keepAlive(id string, conn *wsconn.Conn) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.sessions.Ping(id) {
				return
			}
		}
	}
}

// Message is a client request
type Message struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	session.CallParams
}

func (s *Server) handleMessage(id string, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("[Control] Error parsing message", "session_id", id, "error", err)
		s.sessions.SendControlMessage(id, "error", "Error in message", "")
		return
	}

	if msg.SessionID != "" {
		s.resolveIdentity(id, msg.SessionID)
	}

	switch msg.Action {
	case "ping":
		s.sessions.SendControlMessage(id, "pong", "Connection alive", msg.RequestID)
	case "start_call":
		s.startCall(id, msg)
	case "end_call":
		s.endCall(id, msg)
	default:
		slog.Debug("[Control] Unknown action", "session_id", id, "action", msg.Action)
		s.sessions.SendControlMessage(id, "error", "Unknown action: "+msg.Action, msg.RequestID)
	}
}

func (s *Server) resolveIdentity(id, token string) {
	if s.identities == nil || s.sessions.Identity(id) != "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	userID, err := s.identities.UserForToken(ctx, token)
	if err != nil {
		slog.Warn("[Control] Could not resolve client identity", "session_id", id, "error", err)
		return
	}
	if s.sessions.SetIdentity(id, userID) {
		slog.Info("[Control] Client identified", "session_id", id, "user_id", userID)
	}
}

func (s *Server) startCall(id string, msg Message) {
	params := msg.CallParams
	params.Channel = strings.TrimPrefix(strings.TrimSpace(params.Channel), "+")
	if params.Channel == "" {
		s.sessions.SendControlMessage(id, "error", "Failed to start call: channel is required", msg.RequestID)
		return
	}
	if !isDialable(params.Channel) {
		slog.Warn("[Control] Rejecting channel that is not a dialable number", "session_id", id)
		s.sessions.SendControlMessage(id, "error", "Failed to start call: channel must be a phone number", msg.RequestID)
		return
	}
	if info, busy := s.servers.Lookup(id); busy {
		slog.Warn("[Control] Call already in progress", "session_id", id, "port", info.Port)
		s.sessions.SendControlMessage(id, "error", "Failed to start call: call already in progress", msg.RequestID)
		return
	}

	slog.Info("[Control] Starting call", logger.ClientKey, id, "channel", params.Channel)

	if !s.sessions.SetCallParams(id, params) {
		return
	}

	port, err := s.servers.CreateCallServer(id, 0)
	if err != nil {
		slog.Error("[Control] Failed to create call server", "session_id", id, "error", err)
		s.sessions.SendControlMessage(id, "error", "Failed to start call: "+err.Error(), msg.RequestID)
		return
	}
	s.sessions.AttachCallServer(id, port)

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OriginateTimeout)
		defer cancel()

		err := s.originator.Originate(ctx, pbx.OriginateRequest{
			Number:        params.Channel,
			CorrelationID: id,
			Host:          s.cfg.AudioHost,
			Port:          port,
		})
		if err != nil {
			s.metrics.OriginateFailure()
			slog.Error("[Control] Call could not be originated", logger.ClientKey, id, "port", port, "error", err)
			s.servers.CloseCallServer(id, false)
			s.sessions.DetachCallServer(id, port)
			s.sessions.SendControlMessage(id, "error", "Error: "+err.Error(), msg.RequestID)
			return
		}
		s.sessions.SendControlMessage(id, "start_call", "Call started successfully", msg.RequestID)
	}()
}

func (s *Server) endCall(id string, msg Message) {
	if s.calls.EndCall(id) {
		s.sessions.SendControlMessage(id, "end_call", "Call ended", msg.RequestID)
		return
	}
	if info, ok := s.servers.Lookup(id); ok && s.servers.CloseCallServer(id, false) {
		s.sessions.DetachCallServer(id, info.Port)
		s.sessions.SendControlMessage(id, "end_call", "Call cancelled", msg.RequestID)
		return
	}
	s.sessions.SendControlMessage(id, "error", "No active call", msg.RequestID)
}

// --- HTTP API ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.stopping.Load() {
		status = "stopping"
	}
	s.writeJSON(w, map[string]interface{}{
		"status": status,
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pool := s.servers.Pool()
	minPort, maxPort := pool.Range()
	s.writeJSON(w, map[string]interface{}{
		"active_sessions": s.sessions.Count(),
		"active_calls":    s.calls.ActiveCalls(),
		"call_servers":    s.servers.List(),
		"ports_allocated": pool.Allocated(),
		"ports_available": pool.Available(),
		"port_range":      fmt.Sprintf("%d-%d", minPort, maxPort),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("[Control] Failed to encode response", "error", err)
	}
}

// isDialable reports whether channel holds only digits, '*' and '#'
func isDialable(channel string) bool {
	if len(channel) > maxChannelLen {
		return false
	}
	for _, c := range channel {
		if (c < '0' || c > '9') && c != '*' && c != '#' {
			return false
		}
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
