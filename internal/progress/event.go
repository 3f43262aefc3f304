package progress

import (
	"errors"
	"fmt"
)

// Type denotes the kind of milestone represented by an Event.
type Type string

// Supported event types, in rough lifecycle order.
const (
	TypeStatus   Type = "status"
	TypeCaptcha  Type = "captcha"
	TypeSearch   Type = "search"
	TypeResult   Type = "result"
	TypeDetail   Type = "detail"
	TypeSuccess  Type = "success"
	TypeError    Type = "error"
	TypeComplete Type = "complete"
)

// Event is a single progress milestone. It marshals to the wire form
// consumed by streaming clients: {"type":..., "message":..., "data":...}.
type Event struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	// Data carries an optional structured payload; complete events carry
	// the run summary.
	Data any `json:"data,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	switch e.Type {
	case TypeStatus, TypeCaptcha, TypeSearch, TypeResult, TypeDetail,
		TypeSuccess, TypeError, TypeComplete:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// Statusf builds a status event from a format string.
func Statusf(format string, args ...any) Event {
	return Event{Type: TypeStatus, Message: fmt.Sprintf(format, args...)}
}

// Errorf builds an error event from a format string.
func Errorf(format string, args ...any) Event {
	return Event{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// Complete builds the terminal event carrying the run summary.
func Complete(message string, summary any) Event {
	return Event{Type: TypeComplete, Message: message, Data: summary}
}
