// Package protocol defines the JSON frames exchanged with participants.
//
// Every frame is a text WebSocket message shaped as
//
//	{"event": "<name>", "data": <object>}
//
// in both directions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event names.
const (
	EventRegisterAdmin = "register_admin"
	EventRegisterNode  = "register_node"
	EventRunProgram    = "run_program"
)

// Outbound event names.
const (
	EventInitialState   = "initial_state"
	EventLogMessage     = "log_message"
	EventExecuteCommand = "execute_command"
	EventSystemUpdate   = "system_update"
)

// Log message classifications.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

var ErrMissingEvent = errors.New("frame has no event name")

// Frame is the wire envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound payload that knows its event name.
type Message interface {
	Event() string
}

type InitialState struct {
	Message string `json:"message"`
}

func (InitialState) Event() string { return EventInitialState }

type LogMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (LogMessage) Event() string { return EventLogMessage }

type ExecuteCommand struct {
	Command string `json:"command"`
	Target  string `json:"target"`
}

func (ExecuteCommand) Event() string { return EventExecuteCommand }

type SystemUpdate struct {
	Stats     map[string]float64 `json:"stats"`
	NodeCount int                `json:"nodeCount"`
}

func (SystemUpdate) Event() string { return EventSystemUpdate }

func Info(message string) LogMessage  { return LogMessage{Type: LogInfo, Message: message} }
func Warn(message string) LogMessage  { return LogMessage{Type: LogWarn, Message: message} }
func Error(message string) LogMessage { return LogMessage{Type: LogError, Message: message} }

// Encode wraps message in a frame.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, errors.New("nil message")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", message.Event(), err)
	}
	return json.Marshal(Frame{Event: message.Event(), Data: data})
}

// Decode parses a raw text frame. Unknown event names are returned as-is;
// the caller decides whether to ignore them.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	return frame, nil
}

// DecodeMessage turns an outbound frame back into its typed message. Used by
// participant clients.
func DecodeMessage(frame Frame) (Message, error) {
	var target Message
	switch frame.Event {
	case EventInitialState:
		target = &InitialState{}
	case EventLogMessage:
		target = &LogMessage{}
	case EventExecuteCommand:
		target = &ExecuteCommand{}
	case EventSystemUpdate:
		target = &SystemUpdate{}
	default:
		return nil, fmt.Errorf("unknown event %q", frame.Event)
	}
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", frame.Event, err)
		}
	}
	switch value := target.(type) {
	case *InitialState:
		return *value, nil
	case *LogMessage:
		if value.Type == "" {
			value.Type = LogInfo
		}
		return *value, nil
	case *ExecuteCommand:
		return *value, nil
	case *SystemUpdate:
		return *value, nil
	}
	return nil, fmt.Errorf("unknown event %q", frame.Event)
}
