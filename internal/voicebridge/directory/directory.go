package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrNotFound is returned when a lookup has no match
var ErrNotFound = errors.New("not found")

// RemoteAgent is a voice agent bound to a persistent audio socket port
type RemoteAgent struct {
	Port       int
	AgentID    string
	UserStart  string
	CampaignID string
	ServerIP   string
	ConfExten  string
}

// Variables returns the agent attributes passed to the conversation
func (a RemoteAgent) Variables() map[string]string {
	vars := map[string]string{"agent_id": a.AgentID}
	if a.CampaignID != "" {
		vars["campaign_id"] = a.CampaignID
	}
	if a.UserStart != "" {
		vars["remote_agent"] = a.UserStart
	}
	return vars
}

// Directory resolves persistent agents and control-plane identities
type Directory interface {
	ActiveAgents(ctx context.Context) ([]RemoteAgent, error)
	AgentByPort(ctx context.Context, port int) (RemoteAgent, error)
	UserForToken(ctx context.Context, token string) (string, error)
	Close()
}

// Static is an in-memory directory, typically built from configuration
type Static struct {
	mu     sync.RWMutex
	agents map[int]RemoteAgent
	tokens map[string]string
}

// NewStatic creates a directory holding agents
func NewStatic(agents ...RemoteAgent) *Static {
	s := &Static{
		agents: make(map[int]RemoteAgent),
		tokens: make(map[string]string),
	}
	for _, a := range agents {
		s.agents[a.Port] = a
	}
	return s
}

// ParsePersistentPorts parses "port=agentId,port=agentId" into agents
func ParsePersistentPorts(spec string) ([]RemoteAgent, error) {
	var agents []RemoteAgent
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		portStr, agentID, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(agentID) == "" {
			return nil, fmt.Errorf("invalid persistent port entry %q", entry)
		}
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in entry %q", entry)
		}
		agents = append(agents, RemoteAgent{Port: port, AgentID: strings.TrimSpace(agentID)})
	}
	return agents, nil
}

// SetAgents replaces the active agent set
func (s *Static) SetAgents(agents ...RemoteAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = make(map[int]RemoteAgent, len(agents))
	for _, a := range agents {
		s.agents[a.Port] = a
	}
}

// AddToken maps a session token to a user id
func (s *Static) AddToken(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
}

// ActiveAgents implements Directory
func (s *Static) ActiveAgents(ctx context.Context) ([]RemoteAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteAgent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// AgentByPort implements Directory
func (s *Static) AgentByPort(ctx context.Context, port int) (RemoteAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[port]
	if !ok {
		return RemoteAgent{}, fmt.Errorf("agent for port %d: %w", port, ErrNotFound)
	}
	return a, nil
}

// UserForToken implements Directory
func (s *Static) UserForToken(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.tokens[token]
	if !ok {
		return "", fmt.Errorf("session token: %w", ErrNotFound)
	}
	return user, nil
}

// Close implements Directory
func (s *Static) Close() {}
