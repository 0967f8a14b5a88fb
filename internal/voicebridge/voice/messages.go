package voice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Inbound message types
const (
	TypeAudio              = "audio"
	TypeAgentResponse      = "agent_response"
	TypeAgentCorrection    = "agent_response_correction"
	TypeUserTranscript     = "user_transcript"
	TypeInterruption       = "interruption"
	TypePing               = "ping"
	TypeInitiationMetadata = "conversation_initiation_metadata"
)

// Outbound message types
const (
	TypeInitiation = "conversation_initiation_client_data"
	TypePong       = "pong"
)

// Agent output formats announced in the initiation metadata
const (
	FormatPCM8000  = "pcm_8000"
	FormatPCM16000 = "pcm_16000"
	FormatULaw8000 = "ulaw_8000"
)

// Event is a decoded upstream message. The set of implementations is closed.
type Event interface {
	Type() string
}

// AudioEvent is a chunk of agent speech
type AudioEvent struct {
	Audio   []byte
	EventID int
}

// AgentResponseEvent is the text of an agent reply
type AgentResponseEvent struct {
	Text string
}

// AgentCorrectionEvent replaces a reply truncated by an interruption
type AgentCorrectionEvent struct {
	Original  string
	Corrected string
}

// UserTranscriptEvent is the recognized caller speech
type UserTranscriptEvent struct {
	Text string
}

// InterruptionEvent reports that the caller talked over the agent
type InterruptionEvent struct {
	EventID int
}

// PingEvent must be answered with a Pong carrying EventID
type PingEvent struct {
	EventID int
	PingMS  int
}

// MetadataEvent opens the conversation and names the audio formats
type MetadataEvent struct {
	ConversationID    string
	AgentOutputFormat string
	UserInputFormat   string
}

// UnknownEvent carries any message type the bridge does not act on
type UnknownEvent struct {
	Kind string
	Raw  json.RawMessage
}

func (AudioEvent) Type() string           { return TypeAudio }
func (AgentResponseEvent) Type() string   { return TypeAgentResponse }
func (AgentCorrectionEvent) Type() string { return TypeAgentCorrection }
func (UserTranscriptEvent) Type() string  { return TypeUserTranscript }
func (InterruptionEvent) Type() string    { return TypeInterruption }
func (PingEvent) Type() string            { return TypePing }
func (MetadataEvent) Type() string        { return TypeInitiationMetadata }
func (e UnknownEvent) Type() string       { return e.Kind }

// wireMessage is the union of every inbound payload we read
type wireMessage struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`
	Audio *struct {
		Chunk string `json:"chunk"`
	} `json:"audio"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	CorrectionEvent *struct {
		OriginalAgentResponse  string `json:"original_agent_response"`
		CorrectedAgentResponse string `json:"corrected_agent_response"`
		CorrectedResponse      string `json:"corrected_response"`
	} `json:"agent_response_correction_event"`
	LegacyCorrectionEvent *struct {
		CorrectedResponse string `json:"corrected_response"`
	} `json:"correction_event"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	InterruptionEvent *struct {
		EventID int `json:"event_id"`
	} `json:"interruption_event"`

	PingEvent *struct {
		EventID int `json:"event_id"`
		PingMS  int `json:"ping_ms"`
	} `json:"ping_event"`

	MetadataEvent *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
}

// DecodeEvent parses one upstream message
func DecodeEvent(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode upstream message: %w", err)
	}

	switch msg.Type {
	case TypeAudio:
		var encoded string
		var eventID int
		switch {
		case msg.AudioEvent != nil && msg.AudioEvent.AudioBase64 != "":
			encoded = msg.AudioEvent.AudioBase64
			eventID = msg.AudioEvent.EventID
		case msg.Audio != nil:
			encoded = msg.Audio.Chunk
		}
		audio, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode audio payload: %w", err)
		}
		return AudioEvent{Audio: audio, EventID: eventID}, nil

	case TypeAgentResponse:
		ev := AgentResponseEvent{}
		if msg.AgentResponseEvent != nil {
			ev.Text = msg.AgentResponseEvent.AgentResponse
		}
		return ev, nil

	case TypeAgentCorrection:
		ev := AgentCorrectionEvent{}
		if c := msg.CorrectionEvent; c != nil {
			ev.Original = c.OriginalAgentResponse
			ev.Corrected = c.CorrectedAgentResponse
			if ev.Corrected == "" {
				ev.Corrected = c.CorrectedResponse
			}
		} else if c := msg.LegacyCorrectionEvent; c != nil {
			ev.Corrected = c.CorrectedResponse
		}
		return ev, nil

	case TypeUserTranscript:
		ev := UserTranscriptEvent{}
		if msg.UserTranscriptionEvent != nil {
			ev.Text = msg.UserTranscriptionEvent.UserTranscript
		}
		return ev, nil

	case TypeInterruption:
		ev := InterruptionEvent{}
		if msg.InterruptionEvent != nil {
			ev.EventID = msg.InterruptionEvent.EventID
		}
		return ev, nil

	case TypePing:
		ev := PingEvent{}
		if msg.PingEvent != nil {
			ev.EventID = msg.PingEvent.EventID
			ev.PingMS = msg.PingEvent.PingMS
		}
		return ev, nil

	case TypeInitiationMetadata:
		ev := MetadataEvent{}
		if m := msg.MetadataEvent; m != nil {
			ev.ConversationID = m.ConversationID
			ev.AgentOutputFormat = m.AgentOutputAudioFormat
			ev.UserInputFormat = m.UserInputAudioFormat
		}
		return ev, nil

	default:
		return UnknownEvent{Kind: msg.Type, Raw: json.RawMessage(data)}, nil
	}
}

// InitiationMessage starts the conversation and carries per-call overrides
type InitiationMessage struct {
	Type                       string            `json:"type"`
	ConversationConfigOverride *ConfigOverride   `json:"conversation_config_override,omitempty"`
	DynamicVariables           map[string]string `json:"dynamic_variables,omitempty"`
}

// ConfigOverride overrides agent settings for one conversation
type ConfigOverride struct {
	Agent AgentOverride `json:"agent"`
}

// AgentOverride holds the per-call agent fields
type AgentOverride struct {
	Prompt       *PromptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

// PromptOverride replaces the agent system prompt
type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// NewInitiation builds the session start message. Empty overrides are omitted.
func NewInitiation(prompt, firstMessage, language string, vars map[string]string) InitiationMessage {
	msg := InitiationMessage{Type: TypeInitiation}
	if len(vars) > 0 {
		msg.DynamicVariables = vars
	}
	if prompt == "" && firstMessage == "" && language == "" {
		return msg
	}

	override := &ConfigOverride{}
	if prompt != "" {
		override.Agent.Prompt = &PromptOverride{Prompt: prompt}
	}
	override.Agent.FirstMessage = firstMessage
	override.Agent.Language = language
	msg.ConversationConfigOverride = override
	return msg
}

// AudioChunk carries caller audio to the voice service
type AudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// NewAudioChunk base64-encodes pcm for transmission
func NewAudioChunk(pcm []byte) AudioChunk {
	return AudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)}
}

// Pong answers a ping with the same event id
type Pong struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// NewPong answers the ping with eventID
func NewPong(eventID int) Pong {
	return Pong{Type: TypePong, EventID: eventID}
}
