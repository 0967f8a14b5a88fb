package agentsync

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sebas/voicebridge/internal/voicebridge/directory"
)

// AgentSource lists the remote agents that should have a persistent port
type AgentSource interface {
	ActiveAgents(ctx context.Context) ([]directory.RemoteAgent, error)
}

// Servers creates and removes persistent call servers
type Servers interface {
	CreateCallServer(correlationID string, port int) (int, error)
	CloseCallServer(correlationID string, persistent bool) bool
}

// Syncer keeps one persistent call server per active remote agent
type Syncer struct {
	source  AgentSource
	servers Servers

	mu      sync.Mutex
	managed map[int]string // port -> agent id
}

// New creates a syncer
func New(source AgentSource, servers Servers) *Syncer {
	return &Syncer{
		source:  source,
		servers: servers,
		managed: make(map[int]string),
	}
}

// Sync opens servers for new agents and closes servers of agents that are no
// longer active. A failed listing leaves the current servers untouched.
func (s *Syncer) Sync(ctx context.Context) error {
	agents, err := s.source.ActiveAgents(ctx)
	if err != nil {
		slog.Warn("[AgentSync] Failed to list remote agents", "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := make(map[int]bool, len(agents))
	for _, a := range agents {
		active[a.Port] = true
		if _, ok := s.managed[a.Port]; ok {
			s.managed[a.Port] = a.AgentID
			continue
		}

		if _, err := s.servers.CreateCallServer(strconv.Itoa(a.Port), a.Port); err != nil {
			slog.Warn("[AgentSync] Failed to open persistent port",
				"port", a.Port,
				"agent_id", a.AgentID,
				"error", err)
			continue
		}
		s.managed[a.Port] = a.AgentID
		slog.Info("[AgentSync] Persistent port opened", "port", a.Port, "agent_id", a.AgentID)
	}

	for port, agentID := range s.managed {
		if active[port] {
			continue
		}
		s.servers.CloseCallServer(strconv.Itoa(port), false)
		delete(s.managed, port)
		slog.Info("[AgentSync] Persistent port closed", "port", port, "agent_id", agentID)
	}
	return nil
}

// Run syncs once, then every interval until ctx is done
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	s.Sync(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

// Ports returns the persistent ports currently managed
func (s *Syncer) Ports() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.managed))
	for k, v := range s.managed {
		out[k] = v
	}
	return out
}
