package server

import "encoding/json"

// Subscriber wire protocol. Every frame is one JSON object with a "type" discriminator.
const (
	MessageTypeLog             = "log"
	MessageTypePlayerEvent     = "player_event"
	MessageTypeCommandResponse = "command_response"
	MessageTypeError           = "error"
	MessageTypePong            = "pong"

	MessageTypeCommand = "command"
	MessageTypePing    = "ping"
)

type logMessage struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

type playerEventMessage struct {
	Type      string            `json:"type"`
	Event     PresenceEventType `json:"event"`
	Player    string            `json:"player"`
	Timestamp string            `json:"timestamp"`
}

type commandResponseMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
}

// inboundMessage is anything a subscriber may send.
type inboundMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

func marshalLogEntry(entry *LogEntry) ([]byte, error) {
	return json.Marshal(&logMessage{
		Type:      MessageTypeLog,
		Timestamp: entry.Timestamp,
		Level:     entry.Level,
		Message:   entry.Message,
	})
}

func marshalPresenceEvent(ev *PresenceEvent) ([]byte, error) {
	return json.Marshal(&playerEventMessage{
		Type:      MessageTypePlayerEvent,
		Event:     ev.Event,
		Player:    ev.Player,
		Timestamp: ev.Timestamp,
	})
}

func marshalCommandResult(res *CommandResult) ([]byte, error) {
	return json.Marshal(&commandResponseMessage{
		Type:    MessageTypeCommandResponse,
		Command: res.Command,
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
	})
}

func marshalError(message string) ([]byte, error) {
	return json.Marshal(&errorMessage{Type: MessageTypeError, Message: message})
}

var pongPayload, _ = json.Marshal(&pongMessage{Type: MessageTypePong})
