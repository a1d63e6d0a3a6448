package agent

import (
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

// Wire event types, one JSON object per NDJSON line.
const (
	EventText     = "text"
	EventToolCall = "tool_call"
	EventDone     = "done"
	EventError    = "error"
)

// Event is one streamed chat event.
type Event struct {
	Type      string            `json:"type"`
	Content   string            `json:"content,omitempty"`
	Record    *tools.CallRecord `json:"record,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Messages  []session.Message `json:"messages,omitempty"`
	Message   string            `json:"message,omitempty"`
}

func textEvent(s string) Event { return Event{Type: EventText, Content: s} }

func toolCallEvent(rec tools.CallRecord) Event { return Event{Type: EventToolCall, Record: &rec} }

func doneEvent(s *session.Session) Event {
	return Event{Type: EventDone, SessionID: s.ID, Messages: s.Messages}
}

// ErrorEvent is the terminal event for a failed turn.
func ErrorEvent(err error) Event { return Event{Type: EventError, Message: err.Error()} }

// Request starts one chat turn.
type Request struct {
	SessionID    string `json:"sessionId,omitempty"`
	Message      string `json:"message"`
	Model        string `json:"model,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	IncludeThink bool   `json:"includeThink,omitempty"`
}
