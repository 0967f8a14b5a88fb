package audiosocket

import (
	"encoding/binary"
	"io"
	"log/slog"
)

// Parse consumes every complete packet in buf, in arrival order.
// Bytes belonging to a trailing partial packet are returned as remainder and
// must be prepended to the next read. Unknown kinds are logged and skipped.
// Returned payloads never alias buf.
func Parse(buf []byte) (packets []Packet, remainder []byte) {
	for len(buf) >= HeaderSize {
		kind := Kind(buf[0])
		length := int(binary.BigEndian.Uint16(buf[1:3]))
		total := HeaderSize + length

		if len(buf) < total {
			break
		}

		if !kind.Known() {
			slog.Warn("[Codec] Unknown packet type, skipping", "type", kind.String(), "length", length)
			buf = buf[total:]
			continue
		}

		payload := make([]byte, length)
		copy(payload, buf[HeaderSize:total])
		packets = append(packets, Packet{Kind: kind, Payload: payload})
		buf = buf[total:]
	}

	if len(buf) > 0 {
		remainder = make([]byte, len(buf))
		copy(remainder, buf)
	}
	return packets, remainder
}

// Encode frames payload as a single packet of the given kind.
// The codec is chunk-size agnostic; callers split audio before framing.
func Encode(kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, HeaderSize+len(payload))
	out[0] = byte(kind)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// HangupPacket returns an encoded terminate packet
func HangupPacket() []byte {
	return []byte{byte(KindTerminate), 0x00, 0x00}
}

// Reader reassembles packets from a byte stream such as a TCP socket
type Reader struct {
	r       io.Reader
	buf     []byte
	pending []byte
}

// NewReader creates a packet reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, 4096),
	}
}

// Next blocks until at least one complete packet is available and returns
// all complete packets buffered so far. It returns io.EOF (or the underlying
// read error) once the stream ends; a trailing partial packet is dropped.
func (pr *Reader) Next() ([]Packet, error) {
	for {
		n, err := pr.r.Read(pr.buf)
		if n > 0 {
			data := append(pr.pending, pr.buf[:n]...)
			packets, rest := Parse(data)
			pr.pending = rest
			if len(packets) > 0 {
				return packets, nil
			}
		}
		if err != nil {
			if len(pr.pending) > 0 {
				slog.Debug("[Codec] Discarding partial packet at end of stream", "bytes", len(pr.pending))
				pr.pending = nil
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes held for an incomplete packet
func (pr *Reader) Buffered() int {
	return len(pr.pending)
}
