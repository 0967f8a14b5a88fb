package portpool

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolExhausted is returned when every port in the range is allocated
	ErrPoolExhausted = errors.New("no ports available in pool")
	// ErrPortInUse is returned when a specific port is already allocated or reserved
	ErrPortInUse = errors.New("port already in use")
	// ErrCorrelationInUse is returned when a persistent server already owns the correlation id
	ErrCorrelationInUse = errors.New("correlation id already bound to a persistent server")
)

// PortPool manages the TCP ports handed out to per-call audio socket servers.
// Allocate always returns the lowest free port in the range.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[int]bool // port -> allocated
	reserved  map[int]bool // explicitly reserved (persistent) ports
}

// NewPortPool creates a new port pool covering minPort..maxPort inclusive.
func NewPortPool(minPort, maxPort int) *PortPool {
	if maxPort < minPort {
		minPort, maxPort = maxPort, minPort
	}
	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[int]bool),
		reserved:  make(map[int]bool),
	}
}

// Allocate returns the lowest free port or ErrPoolExhausted.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.minPort; port <= p.maxPort; port++ {
		if !p.allocated[port] && !p.reserved[port] {
			p.allocated[port] = true
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w (range %d-%d)", ErrPoolExhausted, p.minPort, p.maxPort)
}

// Reserve marks a specific port as used for a persistent server.
// The port may lie outside the allocation range.
func (p *PortPool) Reserve(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated[port] || p.reserved[port] {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	p.reserved[port] = true
	return nil
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.allocated, port)
	delete(p.reserved, port)
}

// InUse reports whether a port is allocated or reserved
func (p *PortPool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated[port] || p.reserved[port]
}

// Available returns the number of free ports in the range.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := 0
	for port := p.minPort; port <= p.maxPort; port++ {
		if !p.allocated[port] && !p.reserved[port] {
			free++
		}
	}
	return free
}

// Allocated returns the number of ports in use, reserved ports included.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated) + len(p.reserved)
}

// Range returns the configured allocation range
func (p *PortPool) Range() (int, int) {
	return p.minPort, p.maxPort
}
