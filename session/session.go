package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// FunctionCall is the name and JSON-encoded arguments of a requested call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type Message struct {
	Role       string     `json:"role"` // "user", "assistant", "tool", "system"
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// NewMessage returns a message stamped with the current time.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

type Session struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Workspace string            `json:"workspace,omitempty"`
	Messages  []Message         `json:"messages"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New creates an empty session with a fresh id.
func New(workspace string) *Session {
	now := time.Now()
	return &Session{
		ID:        NewID(),
		CreatedAt: now,
		UpdatedAt: now,
		Workspace: workspace,
		Messages:  []Message{},
		Metadata:  map[string]string{},
	}
}

// AddMessage appends a message to the session history.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// NewID generates a session id.
func NewID() string {
	return uuid.NewString()
}

// Store persists sessions. LoadSession returns nil, nil for an unknown id.
// SaveSession replaces the stored message list; the last writer wins.
type Store interface {
	CreateSession(ctx context.Context, workspace string) (*Session, error)
	LoadSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context) ([]*Session, error)
	Close() error
}
