package voice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAudioEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"audio","audio_event":{"audio_base_64":"AQID","event_id":4}}`))
	require.NoError(t, err)
	assert.Equal(t, AudioEvent{Audio: []byte{1, 2, 3}, EventID: 4}, ev)

	ev, err = DecodeEvent([]byte(`{"type":"audio","audio":{"chunk":"BAU="}}`))
	require.NoError(t, err)
	assert.Equal(t, AudioEvent{Audio: []byte{4, 5}}, ev)

	_, err = DecodeEvent([]byte(`{"type":"audio","audio_event":{"audio_base_64":"!!"}}`))
	assert.Error(t, err)
}

func TestDecodeControlEvents(t *testing.T) {
	tests := []struct {
		raw  string
		want Event
	}{
		{`{"type":"ping","ping_event":{"event_id":7,"ping_ms":30}}`, PingEvent{EventID: 7, PingMS: 30}},
		{`{"type":"interruption","interruption_event":{"event_id":9}}`, InterruptionEvent{EventID: 9}},
		{`{"type":"agent_response","agent_response_event":{"agent_response":"Hello"}}`, AgentResponseEvent{Text: "Hello"}},
		{`{"type":"user_transcript","user_transcription_event":{"user_transcript":"Hi"}}`, UserTranscriptEvent{Text: "Hi"}},
		{
			`{"type":"agent_response_correction","agent_response_correction_event":{"original_agent_response":"a","corrected_agent_response":"b"}}`,
			AgentCorrectionEvent{Original: "a", Corrected: "b"},
		},
		{
			`{"type":"agent_response_correction","correction_event":{"corrected_response":"c"}}`,
			AgentCorrectionEvent{Corrected: "c"},
		},
		{
			`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_1","agent_output_audio_format":"ulaw_8000","user_input_audio_format":"pcm_8000"}}`,
			MetadataEvent{ConversationID: "conv_1", AgentOutputFormat: FormatULaw8000, UserInputFormat: FormatPCM8000},
		},
	}

	for _, tt := range tests {
		ev, err := DecodeEvent([]byte(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, ev)
		assert.Equal(t, tt.want.Type(), ev.Type())
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	raw := `{"type":"vad_score","vad_score_event":{"vad_score":0.9}}`
	ev, err := DecodeEvent([]byte(raw))
	require.NoError(t, err)

	unknown, ok := ev.(UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "vad_score", unknown.Type())
	assert.JSONEq(t, raw, string(unknown.Raw))

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewInitiation(t *testing.T) {
	data, err := json.Marshal(NewInitiation("", "", "", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"conversation_initiation_client_data"}`, string(data))

	msg := NewInitiation("Be brief", "Hello!", "de", map[string]string{"lead_id": "42"})
	data, err = json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"conversation_initiation_client_data",
		"conversation_config_override":{"agent":{"prompt":{"prompt":"Be brief"},"first_message":"Hello!","language":"de"}},
		"dynamic_variables":{"lead_id":"42"}
	}`, string(data))
}

func TestOutboundMessages(t *testing.T) {
	data, err := json.Marshal(NewAudioChunk([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_audio_chunk":"AQID"}`, string(data))

	data, err = json.Marshal(NewPong(7))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","event_id":7}`, string(data))
}
