package portpool

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Call is one accepted audio socket connection on a call server
type Call struct {
	CorrelationID string
	Port          int
	Persistent    bool
	Conn          net.Conn
	AcceptedAt    time.Time

	server *CallServer
}

// Handler runs a call for the lifetime of its connection.
// HandleCall owns call.Conn and must close it before returning.
type Handler interface {
	HandleCall(ctx context.Context, call *Call)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, call *Call)

// HandleCall calls f(ctx, call)
func (f HandlerFunc) HandleCall(ctx context.Context, call *Call) {
	f(ctx, call)
}

// CallServer binds one port to one listening socket and one correlation id.
// It serves at most one connection at a time.
type CallServer struct {
	correlationID string
	port          int
	persistent    bool
	listener      net.Listener
	createdAt     time.Time

	busy   atomic.Bool
	closed atomic.Bool
	calls  atomic.Int64

	mu   sync.Mutex
	conn net.Conn

	closeOnce sync.Once
	release   func(port int)
	wg        sync.WaitGroup
}

// Info is a snapshot of a call server
type Info struct {
	CorrelationID string    `json:"correlationId"`
	Port          int       `json:"port"`
	Persistent    bool      `json:"persistent"`
	Busy          bool      `json:"busy"`
	Calls         int64     `json:"calls"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s *CallServer) info() Info {
	return Info{
		CorrelationID: s.correlationID,
		Port:          s.port,
		Persistent:    s.persistent,
		Busy:          s.busy.Load(),
		Calls:         s.calls.Load(),
		CreatedAt:     s.createdAt,
	}
}

func (s *CallServer) serve(ctx context.Context, handler func() Handler) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("[CallServer] Accept failed", "port", s.port, "error", err)
			return
		}

		if !s.busy.CompareAndSwap(false, true) {
			slog.Warn("[CallServer] Rejecting connection, call already active",
				"port", s.port,
				"correlation_id", s.correlationID,
				"remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.calls.Add(1)

		slog.Info("[CallServer] Stream connected",
			"port", s.port,
			"correlation_id", s.correlationID,
			"remote", conn.RemoteAddr().String())

		call := &Call{
			CorrelationID: s.correlationID,
			Port:          s.port,
			Persistent:    s.persistent,
			Conn:          conn,
			AcceptedAt:    time.Now(),
			server:        s,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				s.conn = nil
				s.mu.Unlock()
				s.busy.Store(false)
			}()

			h := handler()
			if h == nil {
				slog.Warn("[CallServer] No call handler registered, dropping connection", "port", s.port)
				conn.Close()
				return
			}
			h.HandleCall(ctx, call)
		}()
	}
}

// shutdown closes the listener and any active connection, then releases the
// port. Safe to call more than once.
func (s *CallServer) shutdown() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.listener.Close()

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()

		if s.release != nil {
			s.release(s.port)
		}
		slog.Info("[CallServer] Server closed",
			"port", s.port,
			"correlation_id", s.correlationID,
			"persistent", s.persistent)
	})
}
