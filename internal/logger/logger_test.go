package logger

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingForwarder struct {
	mu    sync.Mutex
	lines []string
	ids   []string
}

func (f *recordingForwarder) Forward(clientID string, level slog.Level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, clientID)
	f.lines = append(f.lines, level.String()+" "+message)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, ParseLevel(" INFO "))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelDebug, ParseLevel("nonsense"))
}

func TestHandlerFormatsAndFilters(t *testing.T) {
	SetLevel("info")
	t.Cleanup(func() { SetLevel("debug") })

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))

	log.Debug("[Test] hidden")
	log.With("port", 15052).Info("[Test] Listening", "persistent", true)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] [Test] Listening port=15052 persistent=true\n")
	assert.Equal(t, "info", GetLevel())
}

func TestClientRecordsAreForwarded(t *testing.T) {
	f := &recordingForwarder{}
	SetForwarder(f)
	t.Cleanup(func() { SetForwarder(nil) })

	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf))

	log.Info("[Test] Not for clients")
	log.Warn("Call connected", ClientKey, "session-1")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.lines, 1)
	assert.Equal(t, "session-1", f.ids[0])
	assert.Equal(t, "WARN Call connected", f.lines[0])
	assert.Contains(t, buf.String(), "client=session-1")
}
