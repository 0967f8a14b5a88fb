package portpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Config holds the call server manager configuration
type Config struct {
	BindAddr string
	MinPort  int
	MaxPort  int
}

// Manager owns the port pool and the per-call audio socket servers.
// At most one CallServer is bound to a correlation id at any time.
type Manager struct {
	mu      sync.Mutex
	pool    *PortPool
	servers map[string]*CallServer // correlationID -> server
	byPort  map[int]*CallServer

	bindAddr string

	handlerMu sync.RWMutex
	handler   Handler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a call server manager
func NewManager(cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pool:     NewPortPool(cfg.MinPort, cfg.MaxPort),
		servers:  make(map[string]*CallServer),
		byPort:   make(map[int]*CallServer),
		bindAddr: cfg.BindAddr,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetHandler registers the handler run for every accepted connection
func (m *Manager) SetHandler(h Handler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

func (m *Manager) currentHandler() Handler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Pool exposes the underlying port pool
func (m *Manager) Pool() *PortPool {
	return m.pool
}

// CreateCallServer binds a listening socket for correlationID and returns its port.
// With port == 0 an ephemeral port is allocated from the pool; otherwise the
// given port is bound as a persistent server and fails with ErrPortInUse if
// taken. Creating again for an id bound to an ephemeral server allocates a
// fresh port and closes the previous server.
func (m *Manager) CreateCallServer(correlationID string, port int) (int, error) {
	persistent := port != 0

	m.mu.Lock()

	prior := m.servers[correlationID]
	if prior != nil && prior.persistent {
		m.mu.Unlock()
		if persistent && prior.port == port {
			return port, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrCorrelationInUse, correlationID)
	}

	if persistent {
		if err := m.pool.Reserve(port); err != nil {
			m.mu.Unlock()
			return 0, err
		}
	} else {
		allocated, err := m.pool.Allocate()
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		port = allocated
	}

	addr := net.JoinHostPort(m.bindAddr, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		m.pool.Release(port)
		m.mu.Unlock()
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &CallServer{
		correlationID: correlationID,
		port:          port,
		persistent:    persistent,
		listener:      listener,
		createdAt:     time.Now(),
		release:       m.pool.Release,
	}

	if prior != nil {
		delete(m.byPort, prior.port)
	}
	m.servers[correlationID] = srv
	m.byPort[port] = srv
	m.mu.Unlock()

	if prior != nil {
		slog.Warn("[PortPool] Replacing call server for correlation id",
			"correlation_id", correlationID,
			"old_port", prior.port,
			"new_port", port)
		prior.shutdown()
	}

	srv.wg.Add(1)
	go srv.serve(m.ctx, m.currentHandler)

	slog.Info("[PortPool] Call server listening",
		"correlation_id", correlationID,
		"port", port,
		"persistent", persistent)

	return port, nil
}

// CloseCallServer ends the server bound to correlationID. Ephemeral servers
// are closed and their port released; with persistent set the server keeps
// listening and only its current call association is cleared.
// Returns false if no server is bound.
func (m *Manager) CloseCallServer(correlationID string, persistent bool) bool {
	m.mu.Lock()
	srv, ok := m.servers[correlationID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if persistent {
		m.mu.Unlock()
		slog.Info("[PortPool] Server recycled", "correlation_id", correlationID, "port", srv.port)
		return true
	}
	m.detachLocked(srv)
	m.mu.Unlock()

	srv.shutdown()
	return true
}

// EndCall releases the server that accepted call, honoring its persistence.
// It never touches a server that has since replaced it.
func (m *Manager) EndCall(call *Call) {
	if call == nil || call.server == nil {
		return
	}
	srv := call.server
	if srv.persistent {
		slog.Info("[PortPool] Server recycled", "correlation_id", srv.correlationID, "port", srv.port)
		return
	}

	m.mu.Lock()
	m.detachLocked(srv)
	m.mu.Unlock()

	srv.shutdown()
}

func (m *Manager) detachLocked(srv *CallServer) {
	if m.servers[srv.correlationID] == srv {
		delete(m.servers, srv.correlationID)
	}
	if m.byPort[srv.port] == srv {
		delete(m.byPort, srv.port)
	}
}

// CloseAll closes every server, persistent ones included, and waits up to
// timeout for running calls to return.
func (m *Manager) CloseAll(timeout time.Duration) {
	m.mu.Lock()
	servers := make([]*CallServer, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.servers = make(map[string]*CallServer)
	m.byPort = make(map[int]*CallServer)
	m.mu.Unlock()

	slog.Info("[PortPool] Closing all call servers", "count", len(servers))

	for _, srv := range servers {
		srv.shutdown()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		for _, srv := range servers {
			srv.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("[PortPool] Timed out waiting for calls to finish")
	}
}

// Lookup returns a snapshot of the server bound to correlationID
func (m *Manager) Lookup(correlationID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[correlationID]
	if !ok {
		return Info{}, false
	}
	return srv.info(), true
}

// LookupPort returns a snapshot of the server listening on port
func (m *Manager) LookupPort(port int) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.byPort[port]
	if !ok {
		return Info{}, false
	}
	return srv.info(), true
}

// List returns snapshots of all servers ordered by port
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, srv.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Count returns the number of bound servers
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}
