package playback

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/voicebridge/internal/voicebridge/audiosocket"
)

const (
	// DefaultFrameSize is 20ms of 8kHz 16-bit mono signed linear audio
	DefaultFrameSize = audiosocket.MaxAudioPayload
	// DefaultFrameInterval is slightly under the frame duration so playout never starves
	DefaultFrameInterval = 19 * time.Millisecond
)

// EventKind identifies a pacer notification
type EventKind int

const (
	// BufferSent is emitted after every frame of a buffer has been written
	BufferSent EventKind = iota
	// BufferCleared is emitted when an interrupt discarded queued or in-flight audio
	BufferCleared
	// WriteFailed is emitted when a frame write fails and delivery stops
	WriteFailed
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case BufferSent:
		return "buffer_sent"
	case BufferCleared:
		return "buffer_cleared"
	case WriteFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to Config.OnEvent from the pacer goroutine or from Interrupt
type Event struct {
	Kind  EventKind
	Bytes int
	Err   error
}

// Config controls frame size and cadence
type Config struct {
	FrameSize     int
	FrameInterval time.Duration
	// OnEvent must not call Close.
	OnEvent func(Event)
}

type item struct {
	data []byte
	gen  uint64
}

// Pacer delivers queued audio to a call leg at real-time cadence.
// A single delivery goroutine runs while the queue is non-empty.
type Pacer struct {
	w   io.Writer
	cfg Config

	mu      sync.Mutex
	queue   []item
	sending bool
	closed  bool

	// sendMu is held across the generation check and the frame write
	sendMu sync.Mutex
	gen    atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	framesSent atomic.Int64
	bytesSent  atomic.Int64
}

// NewPacer creates a pacer writing encoded audio packets to w
func NewPacer(w io.Writer, cfg Config) *Pacer {
	if cfg.FrameSize <= 0 || cfg.FrameSize > audiosocket.MaxAudioPayload {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	return &Pacer{
		w:    w,
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Enqueue appends a buffer to the playout queue and starts delivery if idle.
// Returns false once the pacer is closed.
func (p *Pacer) Enqueue(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	data := make([]byte, len(buf))
	copy(data, buf)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	p.queue = append(p.queue, item{data: data, gen: p.gen.Load()})
	if !p.sending {
		p.sending = true
		p.wg.Add(1)
		go p.run()
	}
	return true
}

// Interrupt discards the in-flight buffer and everything queued behind it.
// It returns after any frame currently being written has completed, so no
// frame of the discarded audio is written afterwards. The next Enqueue
// resumes delivery. Returns true if any audio was discarded.
func (p *Pacer) Interrupt() bool {
	p.mu.Lock()
	pending := 0
	for _, it := range p.queue {
		pending += len(it.data)
	}
	active := p.sending || len(p.queue) > 0
	p.queue = nil
	p.gen.Add(1)
	p.mu.Unlock()

	p.sendMu.Lock()
	p.sendMu.Unlock()

	if !active {
		return false
	}

	slog.Debug("[Pacer] Playback interrupted", "discarded_bytes", pending)
	p.emit(Event{Kind: BufferCleared, Bytes: pending})
	return true
}

// FrameSize returns the payload size of each emitted audio packet
func (p *Pacer) FrameSize() int {
	return p.cfg.FrameSize
}

// Pending returns the number of buffers waiting behind the in-flight one
func (p *Pacer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Sending reports whether the delivery goroutine is active
func (p *Pacer) Sending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sending
}

// FramesSent returns the number of frames written so far
func (p *Pacer) FramesSent() int64 {
	return p.framesSent.Load()
}

// BytesSent returns the number of audio payload bytes written so far
func (p *Pacer) BytesSent() int64 {
	return p.bytesSent.Load()
}

// Close stops delivery, drops the queue and waits for the delivery goroutine.
func (p *Pacer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.queue = nil
		p.gen.Add(1)
		p.mu.Unlock()
		close(p.done)
	})
	p.wg.Wait()
}

func (p *Pacer) run() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.sending = false
			p.mu.Unlock()
			return
		}
		it := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		complete, err := p.deliver(it)
		if err != nil {
			p.mu.Lock()
			p.sending = false
			remaining := len(p.queue)
			p.mu.Unlock()

			slog.Warn("[Pacer] Frame write failed, delivery stopped", "error", err, "queued", remaining)
			p.emit(Event{Kind: WriteFailed, Err: err})
			return
		}
		if complete {
			p.emit(Event{Kind: BufferSent, Bytes: len(it.data)})
		}
	}
}

// deliver writes one buffer frame by frame. It returns false without error
// when the buffer was abandoned by Interrupt or Close.
func (p *Pacer) deliver(it item) (bool, error) {
	size := p.cfg.FrameSize
	for off := 0; off < len(it.data); off += size {
		end := off + size
		if end > len(it.data) {
			end = len(it.data)
		}

		frame, err := audiosocket.Encode(audiosocket.KindAudio, it.data[off:end])
		if err != nil {
			return false, err
		}

		p.sendMu.Lock()
		if p.gen.Load() != it.gen {
			p.sendMu.Unlock()
			return false, nil
		}
		_, err = p.w.Write(frame)
		p.sendMu.Unlock()
		if err != nil {
			return false, fmt.Errorf("write audio frame: %w", err)
		}

		p.framesSent.Add(1)
		p.bytesSent.Add(int64(end - off))

		if !p.wait() {
			return false, nil
		}
	}
	return true, nil
}

func (p *Pacer) wait() bool {
	timer := time.NewTimer(p.cfg.FrameInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-p.done:
		return false
	}
}

func (p *Pacer) emit(ev Event) {
	if p.cfg.OnEvent != nil {
		p.cfg.OnEvent(ev)
	}
}
