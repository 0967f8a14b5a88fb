package bridge

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/voicebridge/voice"
)

func constantPCM(samples int, v int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestPassThroughFormats(t *testing.T) {
	pcm := constantPCM(160, 1234)
	for _, format := range []string{"", voice.FormatPCM8000, "mp3_44100", "pcm_bogus"} {
		assert.Equal(t, pcm, toSlin(format, pcm), format)
		assert.Equal(t, pcm, fromSlin(format, pcm), format)
	}
}

func TestULawTranscode(t *testing.T) {
	pcm := constantPCM(160, 0)

	encoded := fromSlin(voice.FormatULaw8000, pcm)
	require.Len(t, encoded, 160)

	decoded := toSlin(voice.FormatULaw8000, encoded)
	require.Len(t, decoded, 320)
	for i := 0; i < len(decoded); i += 2 {
		s := int16(binary.LittleEndian.Uint16(decoded[i:]))
		assert.InDelta(t, 0, s, 8)
	}
}

func TestALawTranscode(t *testing.T) {
	encoded := fromSlin("alaw_8000", constantPCM(80, 0))
	require.Len(t, encoded, 80)
	assert.Len(t, toSlin("alaw_8000", encoded), 160)
}

func TestResampleRates(t *testing.T) {
	wide := constantPCM(320, 500)

	narrow := toSlin(voice.FormatPCM16000, wide)
	require.Len(t, narrow, 320)
	for i := 0; i < len(narrow); i += 2 {
		assert.Equal(t, int16(500), int16(binary.LittleEndian.Uint16(narrow[i:])))
	}

	back := fromSlin(voice.FormatPCM16000, narrow)
	assert.Len(t, back, 640)
}

func TestResampleInterpolates(t *testing.T) {
	in := make([]byte, 4)
	binary.LittleEndian.PutUint16(in[0:], uint16(0))
	binary.LittleEndian.PutUint16(in[2:], uint16(1000))

	out := resample(in, 8000, 16000)
	require.Len(t, out, 8)
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(out[0:])))
	assert.Equal(t, int16(500), int16(binary.LittleEndian.Uint16(out[2:])))
	assert.Equal(t, int16(1000), int16(binary.LittleEndian.Uint16(out[4:])))
	assert.Equal(t, int16(1000), int16(binary.LittleEndian.Uint16(out[6:])))
}
