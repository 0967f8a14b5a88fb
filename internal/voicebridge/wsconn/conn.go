package wsconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds every write on the connection
const DefaultWriteTimeout = 5 * time.Second

// ErrClosed is returned for writes after Close
var ErrClosed = errors.New("websocket connection closed")

// State is the connection state
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Conn wraps a gorilla connection with serialized, deadline-bounded writes
// and an idempotent close.
type Conn struct {
	ws           wsConn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	state     atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps ws. A zero writeTimeout uses DefaultWriteTimeout.
func New(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return newConn(ws, writeTimeout)
}

func newConn(ws wsConn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// State returns the current connection state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsOpen reports whether the connection accepts writes
func (c *Conn) IsOpen() bool {
	return c.State() == StateOpen
}

// WriteJSON marshals v and sends it as a text message
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.WriteText(data)
}

// WriteText sends data as a single text message
func (c *Conn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a protocol-level ping frame
func (c *Conn) WritePing() error {
	if !c.IsOpen() {
		return ErrClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// ReadMessage blocks for the next data message. A read error closes the connection.
func (c *Conn) ReadMessage() (int, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		c.Close()
		return 0, nil, err
	}
	return mt, data, nil
}

// Close sends a normal close frame and closes the connection. Safe to call
// more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()

		err = c.ws.Close()
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
	return err
}

// Done is closed once the connection is fully closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsUnexpectedClose reports whether err is a close other than a normal or
// going-away close from the peer.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
