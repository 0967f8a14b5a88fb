package audiosocket

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies the type of an AudioSocket packet
type Kind byte

const (
	// KindTerminate signals that the PBX hung up the call (no payload)
	KindTerminate Kind = 0x00
	// KindIdentity carries the call identity token
	KindIdentity Kind = 0x01
	// KindAudio carries raw signed-linear PCM audio
	KindAudio Kind = 0x10
	// KindError carries a one-byte error code
	KindError Kind = 0xff
)

const (
	// HeaderSize is the fixed packet header: [kind:1][length:2 big-endian]
	HeaderSize = 3

	// MaxPayloadSize is the largest payload a 16-bit length field can describe
	MaxPayloadSize = 0xffff

	// MaxAudioPayload caps outbound audio packets (8kHz, 20ms, 16-bit mono)
	MaxAudioPayload = 320

	// IdentityTokenLen is the number of leading identity payload bytes used as the token
	IdentityTokenLen = 9
)

// ErrPayloadTooLarge is returned when a payload cannot be framed in one packet
var ErrPayloadTooLarge = errors.New("audiosocket: payload exceeds 65535 bytes")

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindTerminate:
		return "Terminate"
	case KindIdentity:
		return "Identity"
	case KindAudio:
		return "Audio"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", byte(k))
	}
}

// Known reports whether the kind is part of the protocol
func (k Kind) Known() bool {
	switch k {
	case KindTerminate, KindIdentity, KindAudio, KindError:
		return true
	}
	return false
}

// Packet is one framed AudioSocket message
type Packet struct {
	Kind    Kind
	Payload []byte
}

// Len returns the payload length as carried in the header
func (p Packet) Len() int {
	return len(p.Payload)
}

// Identity returns the fixed-position identity token of an identity packet.
// Shorter payloads yield the whole payload.
func (p Packet) Identity() string {
	if p.Kind != KindIdentity {
		return ""
	}
	n := IdentityTokenLen
	if len(p.Payload) < n {
		n = len(p.Payload)
	}
	return string(p.Payload[:n])
}

// UUID interprets a 16-byte identity payload as a binary UUID
func (p Packet) UUID() (uuid.UUID, bool) {
	if p.Kind != KindIdentity || len(p.Payload) != 16 {
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(p.Payload)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// ErrorCode returns the code of an error packet
func (p Packet) ErrorCode() (byte, bool) {
	if p.Kind != KindError || len(p.Payload) == 0 {
		return 0, false
	}
	return p.Payload[0], true
}
