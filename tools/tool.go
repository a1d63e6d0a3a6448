package tools

import (
	"context"
	"fmt"
	"time"
)

// Tool defines the interface for any action the agent can take. The ctx
// passed to Execute is cancelled when the call is cancelled.
type Tool interface {
	Name() string
	Label() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, callID string, params map[string]any, progress ProgressFunc) (Result, error)
}

// ProgressFunc receives partial results while a tool runs.
type ProgressFunc func(Result)

// Result is what a tool hands back to the model. Only the final result of a
// call is authoritative.
type Result struct {
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Status   string `json:"status,omitempty"`
}

func Success(data any) Result {
	return Result{Success: true, Data: data}
}

func Failure(format string, a ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, a...)}
}

// Call states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// CallRecord tracks one tool call through its lifecycle.
type CallRecord struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"toolName"`
	ToolLabel string         `json:"toolLabel"`
	Params    map[string]any `json:"params"`
	Status    string         `json:"status"`
	Result    *Result        `json:"result,omitempty"`
	StartTime time.Time      `json:"startTime"`
	EndTime   *time.Time     `json:"endTime,omitempty"`
}

// Terminal reports whether the record reached a final state.
func (r CallRecord) Terminal() bool {
	switch r.Status {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// FunctionDef is the provider-neutral description of a tool.
type FunctionDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ExecContext carries request scope into tools.
type ExecContext struct {
	Workspace string
	SessionID string
}

type execContextKey struct{}

func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

func ExecContextFrom(ctx context.Context) ExecContext {
	ec, _ := ctx.Value(execContextKey{}).(ExecContext)
	return ec
}
