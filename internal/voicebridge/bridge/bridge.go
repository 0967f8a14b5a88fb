package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/voicebridge/internal/logger"
	"github.com/sebas/voicebridge/internal/voicebridge/audiosocket"
	"github.com/sebas/voicebridge/internal/voicebridge/directory"
	"github.com/sebas/voicebridge/internal/voicebridge/metrics"
	"github.com/sebas/voicebridge/internal/voicebridge/playback"
	"github.com/sebas/voicebridge/internal/voicebridge/portpool"
	"github.com/sebas/voicebridge/internal/voicebridge/session"
	"github.com/sebas/voicebridge/internal/voicebridge/voice"
	"github.com/sebas/voicebridge/internal/voicebridge/wsconn"
)

var (
	// ErrHangup ends a call when the PBX sends Terminate or closes the socket
	ErrHangup = errors.New("call hung up by pbx")
	// ErrProtocol ends a call when the PBX reports an error packet
	ErrProtocol = errors.New("audio socket error packet")
	// ErrUpstreamClosed ends a call when the voice service socket closes or fails
	ErrUpstreamClosed = errors.New("upstream voice socket closed")
)

const defaultSocketWriteTimeout = 2 * time.Second

// Connector opens the upstream voice session for a call
type Connector interface {
	Connect(ctx context.Context, agentID string, init voice.InitiationMessage) (*wsconn.Conn, error)
}

// Sessions is the subset of the session registry used by calls
type Sessions interface {
	CallParams(id string) (session.CallParams, bool)
	SetUpstreamVoiceSocket(id string, sock session.Socket) bool
	ClearUpstreamVoiceSocket(id string, sock session.Socket)
	SendControlMessage(id, kind string, payload any, requestID string) bool
	UpdateActivity(id string) bool
	DetachCallServer(id string, port int)
	Close(id string) bool
}

// CallServers releases the server that accepted a call
type CallServers interface {
	EndCall(call *portpool.Call)
}

// AgentLookup resolves the agent bound to a persistent port
type AgentLookup interface {
	AgentByPort(ctx context.Context, port int) (directory.RemoteAgent, error)
}

// Config holds bridge settings
type Config struct {
	DefaultAgentID     string
	FrameSize          int
	FrameInterval      time.Duration
	SocketWriteTimeout time.Duration
}

// Bridge wires accepted audio sockets to upstream voice sessions
type Bridge struct {
	cfg       Config
	connector Connector
	sessions  Sessions
	servers   CallServers
	agents    AgentLookup
	metrics   *metrics.Collector

	mu    sync.RWMutex
	calls map[string]*Call // correlationID -> call
}

// New creates a bridge. agents and m may be nil.
func New(cfg Config, connector Connector, sessions Sessions, servers CallServers, agents AgentLookup, m *metrics.Collector) *Bridge {
	if cfg.SocketWriteTimeout <= 0 {
		cfg.SocketWriteTimeout = defaultSocketWriteTimeout
	}
	return &Bridge{
		cfg:       cfg,
		connector: connector,
		sessions:  sessions,
		servers:   servers,
		agents:    agents,
		metrics:   m,
		calls:     make(map[string]*Call),
	}
}

// CallContext is everything needed to open the upstream session for a call
type CallContext struct {
	CorrelationID    string
	SessionID        string
	AgentID          string
	Prompt           string
	FirstMessage     string
	Language         string
	DynamicVariables map[string]string
}

// Call is one bridged call
type Call struct {
	ID        string
	Context   CallContext
	Port      int
	StartedAt time.Time

	pbx      *portpool.Call
	upstream *wsconn.Conn
	pacer    *playback.Pacer
	identity atomic.Value // string

	formatMu     sync.RWMutex
	outputFormat string
	inputFormat  string

	packetsIn atomic.Int64
	chunksOut atomic.Int64

	teardownOnce sync.Once
}

// Stats is a snapshot of a call's counters
type Stats struct {
	CorrelationID string    `json:"correlationId"`
	Port          int       `json:"port"`
	Identity      string    `json:"identity,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	PacketsIn     int64     `json:"packetsIn"`
	ChunksOut     int64     `json:"chunksOut"`
	FramesSent    int64     `json:"framesSent"`
}

// HandleCall implements portpool.Handler
func (b *Bridge) HandleCall(ctx context.Context, pc *portpool.Call) {
	call := &Call{
		ID:        pc.CorrelationID,
		Port:      pc.Port,
		StartedAt: time.Now(),
		pbx:       pc,
	}

	cc := b.resolve(ctx, pc)
	call.Context = cc

	slog.Info("[Bridge] Setting up call",
		"correlation_id", cc.CorrelationID,
		"port", pc.Port,
		"agent_id", cc.AgentID,
		"persistent", pc.Persistent)

	initMsg := voice.NewInitiation(cc.Prompt, cc.FirstMessage, cc.Language, cc.DynamicVariables)
	upstream, err := b.connector.Connect(ctx, cc.AgentID, initMsg)
	if err != nil {
		b.metrics.UpstreamFailure()
		b.metrics.CallFailed(metrics.OutcomeSetupFailed)
		slog.Error("[Bridge] Failed to open upstream voice session",
			"correlation_id", cc.CorrelationID,
			"error", err)
		b.notify(cc.SessionID, "error", fmt.Sprintf("Failed to connect to voice service: %v", err))
		b.teardown(call, err)
		return
	}
	call.upstream = upstream

	if cc.SessionID != "" && !b.sessions.SetUpstreamVoiceSocket(cc.SessionID, upstream) {
		slog.Warn("[Bridge] Session gone before call started", "correlation_id", cc.CorrelationID)
		b.metrics.CallFailed(metrics.OutcomeSetupFailed)
		b.teardown(call, ErrUpstreamClosed)
		return
	}

	call.pacer = playback.NewPacer(&deadlineWriter{conn: pc.Conn, timeout: b.cfg.SocketWriteTimeout}, playback.Config{
		FrameSize:     b.cfg.FrameSize,
		FrameInterval: b.cfg.FrameInterval,
		OnEvent:       func(ev playback.Event) { b.onPacerEvent(call, ev) },
	})

	b.mu.Lock()
	b.calls[call.ID] = call
	b.mu.Unlock()

	b.metrics.CallStarted()
	slog.Info("[Bridge] Call connected", logger.ClientKey, cc.SessionID, "correlation_id", cc.CorrelationID, "port", pc.Port)

	err = b.relay(ctx, call)
	b.metrics.CallEnded(outcome(err))
	b.teardown(call, err)
}

// resolve builds the call context: session call params for dynamic calls,
// then the agent bound to the port, then the default agent.
func (b *Bridge) resolve(ctx context.Context, pc *portpool.Call) CallContext {
	cc := CallContext{
		CorrelationID:    pc.CorrelationID,
		AgentID:          b.cfg.DefaultAgentID,
		DynamicVariables: map[string]string{},
	}

	if params, ok := b.sessions.CallParams(pc.CorrelationID); ok {
		cc.SessionID = pc.CorrelationID
		if params.AgentID != "" {
			cc.AgentID = params.AgentID
		}
		cc.Prompt = params.Prompt
		cc.FirstMessage = params.FirstMessage
		cc.Language = params.Language
		for k, v := range params.DynamicVariables {
			cc.DynamicVariables[k] = v
		}
		if params.Channel != "" {
			cc.DynamicVariables["called_number"] = params.Channel
		}
	} else if b.agents != nil {
		agent, err := b.agents.AgentByPort(ctx, pc.Port)
		switch {
		case err == nil:
			cc.AgentID = agent.AgentID
			for k, v := range agent.Variables() {
				cc.DynamicVariables[k] = v
			}
		case errors.Is(err, directory.ErrNotFound):
			slog.Debug("[Bridge] No agent bound to port, using default", "port", pc.Port)
		default:
			slog.Warn("[Bridge] Agent lookup failed, using default", "port", pc.Port, "error", err)
		}
	}

	if cc.AgentID != "" {
		cc.DynamicVariables["agent_id"] = cc.AgentID
	}
	return cc
}

// relay runs both directions until either fails, then returns the first error
func (b *Bridge) relay(ctx context.Context, call *Call) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.inbound(call) })
	g.Go(func() error { return b.outbound(call) })
	g.Go(func() error {
		<-gctx.Done()
		call.pbx.Conn.Close()
		call.upstream.Close()
		return nil
	})

	return g.Wait()
}

// inbound relays PBX packets to the voice service
func (b *Bridge) inbound(call *Call) error {
	reader := audiosocket.NewReader(call.pbx.Conn)
	for {
		packets, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: stream ended", ErrHangup)
			}
			return fmt.Errorf("read audio socket: %w", err)
		}

		for _, pkt := range packets {
			call.packetsIn.Add(1)
			b.metrics.PacketReceived(pkt.Kind.String())

			switch pkt.Kind {
			case audiosocket.KindIdentity:
				b.onIdentity(call, pkt)

			case audiosocket.KindAudio:
				audio := fromSlin(call.format(false), pkt.Payload)
				if err := call.upstream.WriteJSON(voice.NewAudioChunk(audio)); err != nil {
					return fmt.Errorf("%w: %v", ErrUpstreamClosed, err)
				}
				call.chunksOut.Add(1)

			case audiosocket.KindTerminate:
				if call.pacer != nil {
					call.pacer.Interrupt()
				}
				slog.Info("[Bridge] Terminate received", "correlation_id", call.ID)
				return ErrHangup

			case audiosocket.KindError:
				if call.pacer != nil {
					call.pacer.Interrupt()
				}
				code, _ := pkt.ErrorCode()
				return fmt.Errorf("%w: code 0x%02x", ErrProtocol, code)
			}
		}
	}
}

func (b *Bridge) onIdentity(call *Call, pkt audiosocket.Packet) {
	token := pkt.Identity()
	call.identity.Store(token)
	if id, ok := pkt.UUID(); ok {
		slog.Info("[Bridge] Call identity", "correlation_id", call.ID, "uuid", id.String(), "token", token)
		return
	}
	slog.Info("[Bridge] Call identity", "correlation_id", call.ID, "token", token)
}

// outbound dispatches voice service messages to the PBX leg and the session
func (b *Bridge) outbound(call *Call) error {
	sessionID := call.Context.SessionID
	for {
		_, data, err := call.upstream.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstreamClosed, err)
		}
		if sessionID != "" {
			b.sessions.UpdateActivity(sessionID)
		}

		ev, err := voice.DecodeEvent(data)
		if err != nil {
			slog.Warn("[Bridge] Dropping malformed upstream message", "correlation_id", call.ID, "error", err)
			continue
		}

		switch e := ev.(type) {
		case voice.AudioEvent:
			call.pacer.Enqueue(toSlin(call.format(true), e.Audio))

		case voice.InterruptionEvent:
			if call.pacer.Interrupt() {
				b.metrics.Interruption()
			}
			slog.Info("[Bridge] Interruption", "correlation_id", call.ID, "event_id", e.EventID)

		case voice.PingEvent:
			if e.EventID == 0 {
				continue
			}
			if err := call.upstream.WriteJSON(voice.NewPong(e.EventID)); err != nil {
				return fmt.Errorf("%w: pong: %v", ErrUpstreamClosed, err)
			}

		case voice.MetadataEvent:
			call.setFormats(e.AgentOutputFormat, e.UserInputFormat)
			slog.Info("[Bridge] Conversation started",
				"correlation_id", call.ID,
				"conversation_id", e.ConversationID,
				"output_format", e.AgentOutputFormat,
				"input_format", e.UserInputFormat)
			b.notify(sessionID, "conversation_started", e.ConversationID)

		case voice.AgentResponseEvent:
			b.notify(sessionID, voice.TypeAgentResponse, e.Text)

		case voice.AgentCorrectionEvent:
			b.notify(sessionID, voice.TypeAgentCorrection, e.Corrected)

		case voice.UserTranscriptEvent:
			b.notify(sessionID, voice.TypeUserTranscript, e.Text)

		case voice.UnknownEvent:
			slog.Debug("[Bridge] Unhandled upstream message", "correlation_id", call.ID, "type", e.Kind)
		}
	}
}

func (b *Bridge) onPacerEvent(call *Call, ev playback.Event) {
	switch ev.Kind {
	case playback.BufferSent:
		b.metrics.FramesSent((ev.Bytes + call.pacer.FrameSize() - 1) / call.pacer.FrameSize())
	case playback.BufferCleared:
		slog.Debug("[Bridge] Playback buffer cleared", "correlation_id", call.ID, "discarded_bytes", ev.Bytes)
	case playback.WriteFailed:
		slog.Warn("[Bridge] Playback to PBX failed", "correlation_id", call.ID, "error", ev.Err)
		call.pbx.Conn.Close()
	}
}

func (b *Bridge) notify(sessionID, kind string, payload any) {
	if sessionID == "" {
		return
	}
	b.sessions.SendControlMessage(sessionID, kind, payload, "")
}

// teardown releases every resource of the call exactly once
func (b *Bridge) teardown(call *Call, cause error) {
	call.teardownOnce.Do(func() {
		if call.pacer != nil {
			call.pacer.Close()
		}
		if call.upstream != nil {
			call.upstream.Close()
		}
		call.pbx.Conn.Close()
		b.servers.EndCall(call.pbx)

		b.mu.Lock()
		if b.calls[call.ID] == call {
			delete(b.calls, call.ID)
		}
		b.mu.Unlock()

		reason := "completed"
		if cause != nil {
			reason = cause.Error()
		}
		slog.Info("[Bridge] Call ended",
			"correlation_id", call.ID,
			"reason", reason,
			"duration", time.Since(call.StartedAt).Round(time.Millisecond),
			"packets_in", call.packetsIn.Load(),
			"chunks_out", call.chunksOut.Load())

		if sessionID := call.Context.SessionID; sessionID != "" {
			if call.upstream != nil {
				b.sessions.ClearUpstreamVoiceSocket(sessionID, call.upstream)
			}
			b.sessions.DetachCallServer(sessionID, call.Port)
			b.notify(sessionID, "call_ended", reason)
			b.sessions.Close(sessionID)
		}
	})
}

// Stats returns a snapshot of every active call
func (b *Bridge) Stats() []Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Stats, 0, len(b.calls))
	for _, c := range b.calls {
		identity, _ := c.identity.Load().(string)
		st := Stats{
			CorrelationID: c.ID,
			Port:          c.Port,
			Identity:      identity,
			StartedAt:     c.StartedAt,
			PacketsIn:     c.packetsIn.Load(),
			ChunksOut:     c.chunksOut.Load(),
		}
		if c.pacer != nil {
			st.FramesSent = c.pacer.FramesSent()
		}
		out = append(out, st)
	}
	return out
}

// ActiveCalls returns the number of calls in the relay phase
func (b *Bridge) ActiveCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.calls)
}

// EndCall hangs up the active call for correlationID. Returns false if none.
func (b *Bridge) EndCall(correlationID string) bool {
	b.mu.RLock()
	call, ok := b.calls[correlationID]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	slog.Info("[Bridge] Ending call on request", "correlation_id", correlationID)
	call.pacer.Interrupt()
	deadline := time.Now().Add(b.cfg.SocketWriteTimeout)
	call.pbx.Conn.SetWriteDeadline(deadline)
	call.pbx.Conn.Write(audiosocket.HangupPacket())
	call.pbx.Conn.Close()
	return true
}

func (c *Call) setFormats(output, input string) {
	c.formatMu.Lock()
	defer c.formatMu.Unlock()
	c.outputFormat = output
	c.inputFormat = input
}

func (c *Call) format(output bool) string {
	c.formatMu.RLock()
	defer c.formatMu.RUnlock()
	if output {
		return c.outputFormat
	}
	return c.inputFormat
}

func outcome(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrHangup):
		return metrics.OutcomeCompleted
	case errors.Is(err, ErrUpstreamClosed):
		return metrics.OutcomeUpstreamError
	default:
		return metrics.OutcomeSocketError
	}
}

// deadlineWriter bounds every write to the PBX socket
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.conn.Write(p)
}
