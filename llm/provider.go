package llm

import (
	"context"
	"strings"
	"time"

	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

// Provider is implemented once per backend family. Stream channels are
// finite, closed by the producer, and not restartable.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []session.Message) (string, error)
	ChatStream(ctx context.Context, messages []session.Message) <-chan StreamChunk
	ChatWithTools(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) (*Response, error)
	ChatStreamWithTools(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) <-chan StreamChunk
	TestConnection(ctx context.Context) ConnectionResult
}

type ResponseType string

const (
	ResponseText      ResponseType = "text"
	ResponseToolCalls ResponseType = "tool_calls"
)

// Response is the result of a tool-augmented call.
type Response struct {
	Type      ResponseType
	Content   string
	ToolCalls []session.ToolCall
}

func newResponse(content string, calls []session.ToolCall) *Response {
	if len(calls) > 0 {
		return &Response{Type: ResponseToolCalls, Content: content, ToolCalls: calls}
	}
	return &Response{Type: ResponseText, Content: content}
}

// StreamChunk carries one of a text fragment, a complete tool-call batch,
// or a terminal error.
type StreamChunk struct {
	Text      string
	ToolCalls []session.ToolCall
	Err       error
}

// ConnectionResult reports a connection latency check. Speed is in seconds.
type ConnectionResult struct {
	Success bool    `json:"success"`
	Speed   float64 `json:"speed"`
	Error   string  `json:"error,omitempty"`
}

const connectionProbeTimeout = 10 * time.Second

// backend is the per-family core; adapter derives the Provider surface
// from it.
type backend interface {
	name() string
	complete(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) (*Response, error)
	// stream calls onText for each text fragment and returns the
	// accumulated response once the backend signals end of stream.
	stream(ctx context.Context, messages []session.Message, defs []tools.FunctionDef, onText func(string) error) (*Response, error)
}

type adapter struct {
	b backend
}

func (a *adapter) Name() string { return a.b.name() }

func (a *adapter) Chat(ctx context.Context, messages []session.Message) (string, error) {
	resp, err := a.b.complete(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (a *adapter) ChatWithTools(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) (*Response, error) {
	return a.b.complete(ctx, messages, defs)
}

func (a *adapter) ChatStream(ctx context.Context, messages []session.Message) <-chan StreamChunk {
	return a.run(ctx, messages, nil)
}

func (a *adapter) ChatStreamWithTools(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) <-chan StreamChunk {
	return a.run(ctx, messages, defs)
}

func (a *adapter) run(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) <-chan StreamChunk {
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		resp, err := a.b.stream(ctx, messages, defs, func(text string) error {
			return send(ctx, ch, StreamChunk{Text: text})
		})
		if err != nil {
			send(ctx, ch, StreamChunk{Err: err})
			return
		}
		if len(resp.ToolCalls) > 0 {
			send(ctx, ch, StreamChunk{ToolCalls: resp.ToolCalls})
		}
	}()
	return ch
}

func (a *adapter) TestConnection(ctx context.Context) ConnectionResult {
	ctx, cancel := context.WithTimeout(ctx, connectionProbeTimeout)
	defer cancel()
	start := time.Now()
	_, err := a.b.complete(ctx, []session.Message{session.NewMessage(session.RoleUser, "Hi")}, nil)
	speed := time.Since(start).Seconds()
	if err != nil {
		return ConnectionResult{Success: false, Speed: speed, Error: err.Error()}
	}
	return ConnectionResult{Success: true, Speed: speed}
}

func send(ctx context.Context, ch chan<- StreamChunk, c StreamChunk) error {
	select {
	case ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitSystem separates system messages from the rolling history.
func splitSystem(messages []session.Message) (string, []session.Message) {
	var system []string
	rest := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
