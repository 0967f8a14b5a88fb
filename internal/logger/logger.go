package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ClientKey marks a record as belonging to a control-plane session. Records
// carrying it are also delivered to that session through the Forwarder.
const ClientKey = "client"

// Forwarder delivers log lines to a connected client
type Forwarder interface {
	Forward(clientID string, level slog.Level, message string)
}

var (
	globalLevel  = slog.LevelDebug
	forwarder    Forwarder
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// SetForwarder registers the client log forwarder. Pass nil to remove it.
func SetForwarder(f Forwarder) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	forwarder = f
}

func currentForwarder() Forwarder {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return forwarder
}

// customHandler writes "[15:04:05] [LEVEL] message k=v" lines to every output
type customHandler struct {
	outs  []io.Writer
	attrs []slog.Attr
	mu    *sync.Mutex
}

// Handle implements slog.Handler
func (h *customHandler) Handle(ctx context.Context, record slog.Record) error {
	handlerMutex.RLock()
	if record.Level < globalLevel {
		handlerMutex.RUnlock()
		return nil
	}
	handlerMutex.RUnlock()

	var clientID string
	var attrs []string
	collect := func(a slog.Attr) bool {
		if a.Key == ClientKey {
			clientID = a.Value.String()
		}
		attrs = append(attrs, a.Key+"="+a.Value.String())
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	record.Attrs(collect)

	message := record.Message
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	line := "[" + record.Time.Format("15:04:05") + "] [" + strings.ToUpper(record.Level.String()) + "] " + message + "\n"
	h.mu.Lock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	h.mu.Unlock()

	if clientID != "" {
		if f := currentForwarder(); f != nil {
			f.Forward(clientID, record.Level, record.Message)
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &customHandler{outs: h.outs, attrs: merged, mu: h.mu}
}

// WithGroup implements slog.Handler
func (h *customHandler) WithGroup(name string) slog.Handler {
	return h
}

// Enabled implements slog.Handler
func (h *customHandler) Enabled(ctx context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// NewHandler creates the line handler writing to outputs
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &customHandler{outs: outputs, mu: &sync.Mutex{}}
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}
