package session

import "time"

// Status is the server->client status envelope
type Status struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   any    `json:"message"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

// Log is the server->client log envelope
type Log struct {
	Type      string `json:"type"`
	LogType   string `json:"logType"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Ping is the server->client keep-alive message
type Ping struct {
	Type string `json:"type"`
}

// CallParams are the per-call settings supplied with start_call
type CallParams struct {
	Channel          string            `json:"channel"`
	AgentID          string            `json:"agent_id,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	FirstMessage     string            `json:"first_message,omitempty"`
	Language         string            `json:"language,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func newStatus(status string, message any, requestID string) Status {
	return Status{
		Type:      "status",
		Status:    status,
		Message:   message,
		Timestamp: timestamp(),
		RequestID: requestID,
	}
}

func newLog(level, message string) Log {
	return Log{
		Type:      "log",
		LogType:   level,
		Message:   message,
		Timestamp: timestamp(),
	}
}
