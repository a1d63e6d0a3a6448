// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"
	"time"

	"github.com/m4xw311/agentd/llm"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

// Step is one scripted provider reply.
type Step struct {
	Text      string
	ToolCalls []session.ToolCall
	Err       error
	// Delay is waited before the reply starts.
	Delay time.Duration
}

func Text(s string) Step { return Step{Text: s} }

func ToolCalls(calls ...session.ToolCall) Step { return Step{ToolCalls: calls} }

func Fail(err error) Step { return Step{Err: err} }

// Call builds a function tool call.
func Call(id, name, args string) session.ToolCall {
	return session.ToolCall{ID: id, Type: "function", Function: session.FunctionCall{Name: name, Arguments: args}}
}

// Provider replays its steps in order, repeating the last one once they
// run out.
type Provider struct {
	// ChunkSize splits streamed text into fragments of this many bytes.
	// Zero sends the text in one fragment.
	ChunkSize int

	name      string
	mu        sync.Mutex
	steps     []Step
	calls     int
	histories [][]session.Message
}

func New(name string, steps ...Step) *Provider {
	return &Provider{name: name, steps: steps}
}

// Calls returns how many provider calls were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Histories returns the message lists passed to each call.
func (p *Provider) Histories() [][]session.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]session.Message, len(p.histories))
	copy(out, p.histories)
	return out
}

func (p *Provider) next(ctx context.Context, messages []session.Message) (Step, error) {
	p.mu.Lock()
	h := make([]session.Message, len(messages))
	copy(h, messages)
	p.histories = append(p.histories, h)
	idx := p.calls
	p.calls++
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	var step Step
	if idx >= 0 {
		step = p.steps[idx]
	}
	p.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return Step{}, ctx.Err()
		}
	}
	return step, step.Err
}

func toResponse(s Step) *llm.Response {
	if len(s.ToolCalls) > 0 {
		return &llm.Response{Type: llm.ResponseToolCalls, Content: s.Text, ToolCalls: s.ToolCalls}
	}
	return &llm.Response{Type: llm.ResponseText, Content: s.Text}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Chat(ctx context.Context, messages []session.Message) (string, error) {
	s, err := p.next(ctx, messages)
	if err != nil {
		return "", err
	}
	return s.Text, nil
}

func (p *Provider) ChatWithTools(ctx context.Context, messages []session.Message, _ []tools.FunctionDef) (*llm.Response, error) {
	s, err := p.next(ctx, messages)
	if err != nil {
		return nil, err
	}
	return toResponse(s), nil
}

func (p *Provider) ChatStream(ctx context.Context, messages []session.Message) <-chan llm.StreamChunk {
	return p.stream(ctx, messages)
}

func (p *Provider) ChatStreamWithTools(ctx context.Context, messages []session.Message, _ []tools.FunctionDef) <-chan llm.StreamChunk {
	return p.stream(ctx, messages)
}

func (p *Provider) stream(ctx context.Context, messages []session.Message) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		send := func(c llm.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s, err := p.next(ctx, messages)
		if err != nil {
			send(llm.StreamChunk{Err: err})
			return
		}
		for _, frag := range split(s.Text, p.ChunkSize) {
			if !send(llm.StreamChunk{Text: frag}) {
				return
			}
		}
		if len(s.ToolCalls) > 0 {
			send(llm.StreamChunk{ToolCalls: s.ToolCalls})
		}
	}()
	return ch
}

func (p *Provider) TestConnection(context.Context) llm.ConnectionResult {
	return llm.ConnectionResult{Success: true}
}

func split(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 || size >= len(s) {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}
