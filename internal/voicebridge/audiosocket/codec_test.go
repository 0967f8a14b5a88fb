package audiosocket

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, kind Kind, payload []byte) []byte {
	t.Helper()
	b, err := Encode(kind, payload)
	require.NoError(t, err)
	return b
}

func sampleStream(t *testing.T) ([]byte, []Packet) {
	t.Helper()
	want := []Packet{
		{Kind: KindIdentity, Payload: []byte("123456789-extra")},
		{Kind: KindAudio, Payload: bytes.Repeat([]byte{0x11}, 320)},
		{Kind: KindAudio, Payload: bytes.Repeat([]byte{0x22}, 17)},
		{Kind: KindError, Payload: []byte{0x04}},
		{Kind: KindTerminate, Payload: []byte{}},
	}
	var stream []byte
	for _, p := range want {
		stream = append(stream, mustEncode(t, p.Kind, p.Payload)...)
	}
	return stream, want
}

func TestEncodeHeader(t *testing.T) {
	b := mustEncode(t, KindAudio, []byte{1, 2, 3})
	assert.Equal(t, []byte{0x10, 0x00, 0x03, 1, 2, 3}, b)

	assert.Equal(t, []byte{0x00, 0x00, 0x00}, HangupPacket())
}

func TestEncodeParseRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindTerminate, KindIdentity, KindAudio, KindError} {
		payload := []byte{byte(kind), 0xAB, 0xCD}
		if kind == KindTerminate {
			payload = []byte{}
		}

		packets, rest := Parse(mustEncode(t, kind, payload))
		require.Len(t, packets, 1, kind.String())
		assert.Empty(t, rest)
		assert.Equal(t, kind, packets[0].Kind)
		assert.Equal(t, payload, packets[0].Payload)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(KindAudio, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestParseHoldsPartialPacket(t *testing.T) {
	full := mustEncode(t, KindAudio, []byte{9, 8, 7, 6})

	packets, rest := Parse(full[:2])
	assert.Empty(t, packets)
	assert.Equal(t, full[:2], rest)

	packets, rest = Parse(append(rest, full[2:5]...))
	assert.Empty(t, packets)
	assert.Len(t, rest, 5)

	packets, rest = Parse(append(rest, full[5:]...))
	require.Len(t, packets, 1)
	assert.Empty(t, rest)
	assert.Equal(t, []byte{9, 8, 7, 6}, packets[0].Payload)
}

func TestParseChunkingInvariance(t *testing.T) {
	stream, want := sampleStream(t)

	whole, rest := Parse(stream)
	require.Empty(t, rest)
	require.Equal(t, want, whole)

	for _, size := range []int{1, 2, 3, 5, 7, 64, 319, 321} {
		var got []Packet
		var pending []byte
		for off := 0; off < len(stream); off += size {
			end := off + size
			if end > len(stream) {
				end = len(stream)
			}
			var packets []Packet
			packets, pending = Parse(append(pending, stream[off:end]...))
			got = append(got, packets...)
		}
		assert.Empty(t, pending, "chunk size %d", size)
		assert.Equal(t, whole, got, "chunk size %d", size)
	}
}

func TestParseSkipsUnknownKinds(t *testing.T) {
	stream := append(mustEncode(t, Kind(0x42), []byte{1, 2}), mustEncode(t, KindAudio, []byte{3})...)

	packets, rest := Parse(stream)
	assert.Empty(t, rest)
	require.Len(t, packets, 1)
	assert.Equal(t, KindAudio, packets[0].Kind)
}

func TestParsePayloadDoesNotAliasInput(t *testing.T) {
	buf := mustEncode(t, KindAudio, []byte{1, 2, 3})
	packets, _ := Parse(buf)
	buf[3] = 0xFF
	assert.Equal(t, byte(1), packets[0].Payload[0])
}

func TestIdentityToken(t *testing.T) {
	p := Packet{Kind: KindIdentity, Payload: []byte("000123456XYZ")}
	assert.Equal(t, "000123456", p.Identity())

	short := Packet{Kind: KindIdentity, Payload: []byte("42")}
	assert.Equal(t, "42", short.Identity())

	audio := Packet{Kind: KindAudio, Payload: []byte("000123456")}
	assert.Empty(t, audio.Identity())
}

func TestIdentityUUID(t *testing.T) {
	id := uuid.New()
	raw, err := id.MarshalBinary()
	require.NoError(t, err)

	got, ok := Packet{Kind: KindIdentity, Payload: raw}.UUID()
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = Packet{Kind: KindIdentity, Payload: []byte("short")}.UUID()
	assert.False(t, ok)
}

func TestErrorCode(t *testing.T) {
	code, ok := Packet{Kind: KindError, Payload: []byte{0x02}}.ErrorCode()
	assert.True(t, ok)
	assert.Equal(t, byte(0x02), code)

	_, ok = Packet{Kind: KindError}.ErrorCode()
	assert.False(t, ok)
}

// trickleReader returns at most n bytes per Read
type trickleReader struct {
	data []byte
	n    int
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.n
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReaderReassemblesAcrossReads(t *testing.T) {
	stream, want := sampleStream(t)
	reader := NewReader(&trickleReader{data: stream, n: 4})

	var got []Packet
	for {
		packets, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, packets...)
	}
	assert.Equal(t, want, got)
	assert.Zero(t, reader.Buffered())
}

func TestReaderDropsTrailingPartialOnEOF(t *testing.T) {
	full := mustEncode(t, KindAudio, []byte{1, 2, 3, 4})
	reader := NewReader(bytes.NewReader(full[:4]))

	packets, err := reader.Next()
	assert.Empty(t, packets)
	assert.ErrorIs(t, err, io.EOF)
}
