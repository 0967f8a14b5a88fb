package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	mu       sync.Mutex
	sent     []any
	open     bool
	failSend error
	closes   atomic.Int32
	done     chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{open: true, done: make(chan struct{})}
}

func (f *fakeSocket) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSocket) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeSocket) Close() error {
	f.closes.Add(1)
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSocket) Done() <-chan struct{} {
	return f.done
}

func (f *fakeSocket) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeCloser struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeCloser) CloseCallServer(correlationID string, persistent bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, correlationID)
	return true
}

func (c *fakeCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestRegisterAndSend(t *testing.T) {
	r := NewRegistry(Config{})
	ctrl := newFakeSocket()

	id := r.Register(ctrl)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{id}, r.IDs())

	assert.True(t, r.SendControlMessage(id, "connected", "Connection established", "req-1"))
	assert.True(t, r.SendLog(id, "info", "hello"))
	assert.True(t, r.Ping(id))

	msgs := ctrl.messages()
	require.Len(t, msgs, 3)

	status := msgs[0].(Status)
	assert.Equal(t, "status", status.Type)
	assert.Equal(t, "connected", status.Status)
	assert.Equal(t, "req-1", status.RequestID)
	assert.NotEmpty(t, status.Timestamp)

	log := msgs[1].(Log)
	assert.Equal(t, "log", log.Type)
	assert.Equal(t, "info", log.LogType)
	assert.Equal(t, Ping{Type: "ping"}, msgs[2])

	r.CloseAll()
}

func TestConcurrentCloseRunsOnce(t *testing.T) {
	var closedEvents atomic.Int32
	closer := &fakeCloser{}
	r := NewRegistry(Config{
		CallServers: closer,
		OnClosed:    func(string) { closedEvents.Add(1) },
	})

	ctrl := newFakeSocket()
	upstream := newFakeSocket()
	id := r.Register(ctrl)
	require.True(t, r.AttachCallServer(id, 15052))
	require.True(t, r.SetUpstreamVoiceSocket(id, upstream))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Close(id) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), closedEvents.Load())
	assert.Equal(t, 1, closer.count())
	assert.Equal(t, int32(1), upstream.closes.Load())
	assert.Equal(t, int32(1), ctrl.closes.Load())
	assert.Equal(t, 0, r.Count())

	assert.False(t, r.Close(id))
}

func TestDetachIgnoresReplacedPort(t *testing.T) {
	closer := &fakeCloser{}
	r := NewRegistry(Config{CallServers: closer})
	id := r.Register(newFakeSocket())

	require.True(t, r.AttachCallServer(id, 15052))
	require.True(t, r.AttachCallServer(id, 15053))

	r.DetachCallServer(id, 15052)
	info, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 15053, info.CallPort)

	r.DetachCallServer(id, 15053)
	info, _ = r.Get(id)
	assert.Zero(t, info.CallPort)
	r.CloseAll()
}

func TestCloseReleasesServerWithoutAttachedPort(t *testing.T) {
	closer := &fakeCloser{}
	r := NewRegistry(Config{CallServers: closer})
	id := r.Register(newFakeSocket())

	require.True(t, r.AttachCallServer(id, 15052))
	r.DetachCallServer(id, 15052)

	require.True(t, r.Close(id))
	assert.Equal(t, 1, closer.count())
	closer.mu.Lock()
	assert.Equal(t, []string{id}, closer.calls)
	closer.mu.Unlock()
}

func TestClosingSessionRejectsSendsAndActivity(t *testing.T) {
	r := NewRegistry(Config{CloseTimeout: 200 * time.Millisecond})

	ctrl := newFakeSocket()
	// Done never fires, so Close stays in its drain phase until the timeout
	ctrl.once.Do(func() {})

	id := r.Register(ctrl)

	closed := make(chan struct{})
	go func() {
		r.Close(id)
		close(closed)
	}()

	require.Eventually(t, func() bool {
		state, _ := r.State(id)
		return state == StateClosing
	}, time.Second, 2*time.Millisecond)

	assert.False(t, r.SendControlMessage(id, "x", nil, ""))
	assert.False(t, r.UpdateActivity(id))
	assert.False(t, r.SetCallParams(id, CallParams{Channel: "123"}))

	late := newFakeSocket()
	assert.False(t, r.SetUpstreamVoiceSocket(id, late))
	assert.Equal(t, int32(1), late.closes.Load())

	<-closed
	_, ok := r.State(id)
	assert.False(t, ok)
}

func TestUnknownSessionIsNeutral(t *testing.T) {
	r := NewRegistry(Config{})

	assert.False(t, r.SendLog("missing", "info", "x"))
	assert.False(t, r.UpdateActivity("missing"))
	assert.False(t, r.Close("missing"))
	_, ok := r.CallParams("missing")
	assert.False(t, ok)
	assert.Empty(t, r.Identity("missing"))
}

func TestSendFailureSchedulesClose(t *testing.T) {
	r := NewRegistry(Config{})
	ctrl := newFakeSocket()
	ctrl.failSend = errors.New("write: broken pipe")

	id := r.Register(ctrl)
	assert.False(t, r.SendLog(id, "info", "x"))

	require.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNonOpenSocketSchedulesClose(t *testing.T) {
	r := NewRegistry(Config{})
	ctrl := newFakeSocket()
	id := r.Register(ctrl)

	ctrl.mu.Lock()
	ctrl.open = false
	ctrl.mu.Unlock()

	assert.False(t, r.Ping(id))
	require.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInactivityTimeoutClosesSession(t *testing.T) {
	closed := make(chan string, 1)
	r := NewRegistry(Config{
		InactivityTimeout: 50 * time.Millisecond,
		OnClosed:          func(id string) { closed <- id },
	})

	id := r.Register(newFakeSocket())

	select {
	case got := <-closed:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("session not closed after inactivity")
	}
}

func TestActivityDefersInactivityTimeout(t *testing.T) {
	r := NewRegistry(Config{InactivityTimeout: 80 * time.Millisecond})
	id := r.Register(newFakeSocket())
	defer r.CloseAll()

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		require.True(t, r.UpdateActivity(id))
	}
	assert.Equal(t, 1, r.Count())
}

func TestCleanupStale(t *testing.T) {
	r := NewRegistry(Config{StaleThreshold: 20 * time.Millisecond})

	stale := r.Register(newFakeSocket())
	time.Sleep(40 * time.Millisecond)
	fresh := r.Register(newFakeSocket())

	assert.Equal(t, 1, r.CleanupStale())
	require.Eventually(t, func() bool { return r.Count() == 1 }, time.Second, 5*time.Millisecond)

	_, ok := r.Get(stale)
	assert.False(t, ok)
	_, ok = r.Get(fresh)
	assert.True(t, ok)

	r.CloseAll()
}

func TestSetUpstreamClosesPrevious(t *testing.T) {
	r := NewRegistry(Config{})
	id := r.Register(newFakeSocket())
	defer r.CloseAll()

	first := newFakeSocket()
	second := newFakeSocket()
	require.True(t, r.SetUpstreamVoiceSocket(id, first))
	require.True(t, r.SetUpstreamVoiceSocket(id, second))

	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, int32(0), second.closes.Load())

	r.ClearUpstreamVoiceSocket(id, first)
	info, _ := r.Get(id)
	assert.True(t, info.HasUpstream)

	r.ClearUpstreamVoiceSocket(id, second)
	info, _ = r.Get(id)
	assert.False(t, info.HasUpstream)
}

func TestIdentityAndCallParams(t *testing.T) {
	r := NewRegistry(Config{})
	id := r.Register(newFakeSocket())
	defer r.CloseAll()

	assert.False(t, r.SetIdentity(id, "ab"))
	assert.False(t, r.SetIdentity(id, "abcdefghijklmnopqrstu"))
	assert.True(t, r.SetIdentity(id, "va196001"))
	assert.Equal(t, "va196001", r.Identity(id))

	_, ok := r.CallParams(id)
	assert.False(t, ok)

	params := CallParams{Channel: "4912345", Prompt: "Be brief", DynamicVariables: map[string]string{"lead_id": "42"}}
	require.True(t, r.SetCallParams(id, params))
	got, ok := r.CallParams(id)
	require.True(t, ok)
	assert.Equal(t, params, got)
}
