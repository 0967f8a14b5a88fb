package bridge

import (
	"strconv"
	"strings"

	"github.com/zaf/g711"

	"github.com/sebas/voicebridge/internal/voicebridge/voice"
)

// pbxSampleRate is the fixed AudioSocket format: 8kHz 16-bit mono signed linear
const pbxSampleRate = 8000

// toSlin converts upstream agent audio in format to PBX signed linear
func toSlin(format string, audio []byte) []byte {
	switch {
	case format == "" || format == voice.FormatPCM8000:
		return audio
	case format == voice.FormatULaw8000:
		return g711.DecodeUlaw(audio)
	case format == "alaw_8000":
		return g711.DecodeAlaw(audio)
	case strings.HasPrefix(format, "pcm_"):
		if rate := pcmRate(format); rate > 0 {
			return resample(audio, rate, pbxSampleRate)
		}
	}
	return audio
}

// fromSlin converts PBX signed linear to the upstream input format
func fromSlin(format string, pcm []byte) []byte {
	switch {
	case format == "" || format == voice.FormatPCM8000:
		return pcm
	case format == voice.FormatULaw8000:
		return g711.EncodeUlaw(pcm)
	case format == "alaw_8000":
		return g711.EncodeAlaw(pcm)
	case strings.HasPrefix(format, "pcm_"):
		if rate := pcmRate(format); rate > 0 {
			return resample(pcm, pbxSampleRate, rate)
		}
	}
	return pcm
}

func pcmRate(format string) int {
	rate, err := strconv.Atoi(strings.TrimPrefix(format, "pcm_"))
	if err != nil || rate <= 0 {
		return 0
	}
	return rate
}

// resample converts 16-bit little-endian mono PCM between sample rates
// using linear interpolation.
func resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || len(pcm) < 2 {
		return pcm
	}

	inSamples := len(pcm) / 2
	ratio := float64(fromRate) / float64(toRate)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, outSamples*2)

	sample := func(i int) int16 {
		if i >= inSamples {
			i = inSamples - 1
		}
		return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s1 := sample(srcIdx)
		s2 := sample(srcIdx + 1)
		v := int16(float64(s1)*(1-frac) + float64(s2)*frac)

		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
