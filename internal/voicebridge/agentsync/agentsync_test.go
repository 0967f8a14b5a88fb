package agentsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/voicebridge/directory"
)

type fakeServers struct {
	mu      sync.Mutex
	open    map[string]int
	failFor map[int]bool
	closed  []string
}

func newFakeServers() *fakeServers {
	return &fakeServers{open: make(map[string]int), failFor: make(map[int]bool)}
}

func (f *fakeServers) CreateCallServer(id string, port int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[port] {
		return 0, fmt.Errorf("port %d busy", port)
	}
	f.open[id] = port
	return port, nil
}

func (f *fakeServers) CloseCallServer(id string, persistent bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	_, ok := f.open[id]
	delete(f.open, id)
	return ok
}

type failingSource struct{}

func (failingSource) ActiveAgents(ctx context.Context) ([]directory.RemoteAgent, error) {
	return nil, errors.New("database down")
}

func TestSyncOpensAndClosesPorts(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewStatic(
		directory.RemoteAgent{Port: 15081, AgentID: "a"},
		directory.RemoteAgent{Port: 15082, AgentID: "b"},
	)
	servers := newFakeServers()
	s := New(dir, servers)

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, map[string]int{"15081": 15081, "15082": 15082}, servers.open)
	assert.Equal(t, map[int]string{15081: "a", 15082: "b"}, s.Ports())

	// unchanged agents are not recreated
	require.NoError(t, s.Sync(ctx))
	assert.Empty(t, servers.closed)

	dir.SetAgents(
		directory.RemoteAgent{Port: 15082, AgentID: "b2"},
		directory.RemoteAgent{Port: 15083, AgentID: "c"},
	)
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, []string{"15081"}, servers.closed)
	assert.Equal(t, map[int]string{15082: "b2", 15083: "c"}, s.Ports())
}

func TestSyncSkipsPortsThatFailToOpen(t *testing.T) {
	dir := directory.NewStatic(directory.RemoteAgent{Port: 15081, AgentID: "a"})
	servers := newFakeServers()
	servers.failFor[15081] = true
	s := New(dir, servers)

	require.NoError(t, s.Sync(context.Background()))
	assert.Empty(t, s.Ports())

	servers.failFor[15081] = false
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, map[int]string{15081: "a"}, s.Ports())
}

func TestSyncKeepsServersWhenListingFails(t *testing.T) {
	servers := newFakeServers()
	s := New(failingSource{}, servers)
	s.managed[15081] = "a"

	assert.Error(t, s.Sync(context.Background()))
	assert.Empty(t, servers.closed)
	assert.Len(t, s.Ports(), 1)
}
