package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

// fakeProvider answers each call with the next scripted step.
type fakeProvider struct {
	name  string
	mu    sync.Mutex
	calls int
	step  func(call int, history []session.Message) (*Response, error)
}

func (f *fakeProvider) next(history []session.Message) (*Response, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.step(n, history)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(ctx context.Context, messages []session.Message) (string, error) {
	resp, err := f.next(messages)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (f *fakeProvider) ChatWithTools(ctx context.Context, messages []session.Message, _ []tools.FunctionDef) (*Response, error) {
	return f.next(messages)
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []session.Message) <-chan StreamChunk {
	return f.stream(ctx, messages)
}

func (f *fakeProvider) ChatStreamWithTools(ctx context.Context, messages []session.Message, _ []tools.FunctionDef) <-chan StreamChunk {
	return f.stream(ctx, messages)
}

func (f *fakeProvider) stream(ctx context.Context, messages []session.Message) <-chan StreamChunk {
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		resp, err := f.next(messages)
		if err != nil {
			send(ctx, ch, StreamChunk{Err: err})
			return
		}
		for _, r := range resp.Content {
			if send(ctx, ch, StreamChunk{Text: string(r)}) != nil {
				return
			}
		}
		if len(resp.ToolCalls) > 0 {
			send(ctx, ch, StreamChunk{ToolCalls: resp.ToolCalls})
		}
	}()
	return ch
}

func (f *fakeProvider) TestConnection(context.Context) ConnectionResult {
	return ConnectionResult{Success: true}
}

// sleepTool waits for the requested number of milliseconds and echoes its
// label back.
type sleepTool struct{}

func (sleepTool) Name() string        { return "sleep" }
func (sleepTool) Label() string       { return "Sleep" }
func (sleepTool) Description() string { return "sleeps" }
func (sleepTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ms":    map[string]any{"type": "number"},
			"label": map[string]any{"type": "string"},
		},
		"required": []any{"ms", "label"},
	}
}

func (sleepTool) Execute(ctx context.Context, _ string, params map[string]any, _ tools.ProgressFunc) (tools.Result, error) {
	ms, _ := params["ms"].(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return tools.Failure("cancelled"), nil
	}
	return tools.Success(params["label"]), nil
}

func testExecutor(t *testing.T) *tools.Executor {
	t.Helper()
	r := tools.NewRegistry()
	if err := r.Register(sleepTool{}); err != nil {
		t.Fatal(err)
	}
	return tools.NewExecutor(r)
}

func sleepCall(id string, ms int, label string) session.ToolCall {
	return newToolCall(id, "sleep", `{"ms":`+itoa(ms)+`,"label":"`+label+`"}`)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func userMessages(text string) []session.Message {
	return []session.Message{session.NewMessage(session.RoleUser, text)}
}

func TestToolLoopStopsAfterMaxIterations(t *testing.T) {
	for _, streaming := range []bool{false, true} {
		p := &fakeProvider{name: "loop", step: func(n int, _ []session.Message) (*Response, error) {
			return newResponse("", []session.ToolCall{sleepCall("c"+itoa(n), 0, "x")}), nil
		}}
		c := NewClient(p, testExecutor(t))
		var err error
		if streaming {
			err = c.ChatStreamWithTools(context.Background(), userMessages("go"), StreamHandlers{})
		} else {
			_, err = c.ChatWithTools(context.Background(), userMessages("go"), nil)
		}
		if !errors.Is(err, errors.ErrIterationLimit) {
			t.Fatalf("streaming=%v: expected iteration limit, got %v", streaming, err)
		}
		if p.Calls() != DefaultMaxIterations {
			t.Errorf("streaming=%v: expected %d provider calls, got %d", streaming, DefaultMaxIterations, p.Calls())
		}
	}
}

func TestToolLoopConfigurableLimit(t *testing.T) {
	p := &fakeProvider{name: "loop", step: func(n int, _ []session.Message) (*Response, error) {
		return newResponse("", []session.ToolCall{sleepCall("c"+itoa(n), 0, "x")}), nil
	}}
	c := NewClient(p, testExecutor(t), WithMaxIterations(3))
	if _, err := c.ChatWithTools(context.Background(), userMessages("go"), nil); !errors.Is(err, errors.ErrIterationLimit) {
		t.Fatalf("expected iteration limit, got %v", err)
	}
	if p.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", p.Calls())
	}
}

func TestIterationLimitIsNotRetriedOnFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", step: func(n int, _ []session.Message) (*Response, error) {
		return newResponse("", []session.ToolCall{sleepCall("c"+itoa(n), 0, "x")}), nil
	}}
	fallback := &fakeProvider{name: "fallback", step: func(int, []session.Message) (*Response, error) {
		return newResponse("never", nil), nil
	}}
	c := NewClient(primary, testExecutor(t), WithFallback(fallback), WithMaxIterations(2))
	if _, err := c.ChatWithTools(context.Background(), userMessages("go"), nil); !errors.Is(err, errors.ErrIterationLimit) {
		t.Fatalf("expected iteration limit, got %v", err)
	}
	if fallback.Calls() != 0 {
		t.Errorf("fallback called %d times", fallback.Calls())
	}
}

func TestToolMessagesKeepCallOrder(t *testing.T) {
	var final []session.Message
	p := &fakeProvider{name: "order", step: func(n int, history []session.Message) (*Response, error) {
		if n == 1 {
			return newResponse("checking", []session.ToolCall{
				sleepCall("slow", 60, "first"),
				sleepCall("mid", 30, "second"),
				sleepCall("fast", 0, "third"),
			}), nil
		}
		final = history
		return newResponse("done", nil), nil
	}}
	c := NewClient(p, testExecutor(t))
	text, err := c.ChatWithTools(context.Background(), userMessages("go"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if text != "done" {
		t.Errorf("expected final text 'done', got %q", text)
	}
	if len(final) != 5 {
		t.Fatalf("expected 5 history messages, got %d", len(final))
	}
	if final[1].Role != session.RoleAssistant || len(final[1].ToolCalls) != 3 || final[1].Content != "checking" {
		t.Errorf("unexpected assistant message %+v", final[1])
	}
	for i, want := range []string{"slow", "mid", "fast"} {
		msg := final[2+i]
		if msg.Role != session.RoleTool || msg.ToolCallID != want || msg.Name != "sleep" {
			t.Errorf("message %d: got %+v, want tool reply to %s", 2+i, msg, want)
		}
		var res tools.Result
		if err := json.Unmarshal([]byte(msg.Content), &res); err != nil || !res.Success {
			t.Errorf("message %d: bad result %q", 2+i, msg.Content)
		}
	}
}

func TestToolLoopStreamsTextAndBatches(t *testing.T) {
	p := &fakeProvider{name: "stream", step: func(n int, _ []session.Message) (*Response, error) {
		if n == 1 {
			return newResponse("", []session.ToolCall{sleepCall("a", 0, "x"), sleepCall("b", 0, "y")}), nil
		}
		return newResponse("all good", nil), nil
	}}
	c := NewClient(p, testExecutor(t))

	var text strings.Builder
	var batches [][]tools.CallRecord
	err := c.ChatStreamWithTools(context.Background(), userMessages("go"), StreamHandlers{
		OnText: func(s string) error {
			text.WriteString(s)
			return nil
		},
		OnToolCalls: func(_ []session.ToolCall, records []tools.CallRecord) error {
			batches = append(batches, records)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if text.String() != "all good" {
		t.Errorf("expected 'all good', got %q", text.String())
	}
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of two records, got %v", batches)
	}
	for i, id := range []string{"a", "b"} {
		rec := batches[0][i]
		if rec.ID != id || rec.Status != tools.StatusSuccess {
			t.Errorf("record %d: got %s/%s", i, rec.ID, rec.Status)
		}
	}
}

func TestChatFallsBackOnTimeout(t *testing.T) {
	primary := &fakeProvider{name: "primary", step: func(int, []session.Message) (*Response, error) {
		return nil, errors.WithKind(errors.KindProviderConnectivity, context.DeadlineExceeded, "primary: request timed out")
	}}
	fallback := &fakeProvider{name: "fallback", step: func(int, []session.Message) (*Response, error) {
		return newResponse("from fallback", nil), nil
	}}
	c := NewClient(primary, testExecutor(t), WithFallback(fallback))
	text, err := c.Chat(context.Background(), userMessages("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "from fallback" {
		t.Errorf("expected fallback text, got %q", text)
	}
}

func TestChatSurfacesNonConnectivityErrors(t *testing.T) {
	authErr := errors.NewKind(errors.KindProviderAuth, "primary: unauthorized (401), check the API key")
	primary := &fakeProvider{name: "primary", step: func(int, []session.Message) (*Response, error) {
		return nil, authErr
	}}
	fallback := &fakeProvider{name: "fallback", step: func(int, []session.Message) (*Response, error) {
		return newResponse("from fallback", nil), nil
	}}
	c := NewClient(primary, testExecutor(t), WithFallback(fallback))
	_, err := c.Chat(context.Background(), userMessages("hi"))
	if err != authErr {
		t.Fatalf("expected the original error, got %v", err)
	}
	if fallback.Calls() != 0 {
		t.Errorf("fallback should not be called")
	}
}

func TestChatCombinesErrorsWhenBothFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", step: func(int, []session.Message) (*Response, error) {
		return nil, errors.New("dial tcp 127.0.0.1:1: connection refused")
	}}
	fallback := &fakeProvider{name: "fallback", step: func(int, []session.Message) (*Response, error) {
		return nil, errors.New("503 service unavailable")
	}}
	c := NewClient(primary, testExecutor(t), WithFallback(fallback))
	_, err := c.Chat(context.Background(), userMessages("hi"))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"connection refused", "503", "primary provider primary failed", "fallback provider fallback failed"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestChatStreamFallsBackBeforeFirstFragment(t *testing.T) {
	primary := &fakeProvider{name: "primary", step: func(int, []session.Message) (*Response, error) {
		return nil, errors.New("unexpected EOF")
	}}
	fallback := &fakeProvider{name: "fallback", step: func(int, []session.Message) (*Response, error) {
		return newResponse("hello", nil), nil
	}}
	c := NewClient(primary, testExecutor(t), WithFallback(fallback))
	var text strings.Builder
	for chunk := range c.ChatStream(context.Background(), userMessages("hi")) {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		text.WriteString(chunk.Text)
	}
	if text.String() != "hello" {
		t.Errorf("expected 'hello', got %q", text.String())
	}
}

func TestShouldFallback(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("request timed out"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("openai/x: server error (502): bad gateway"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("lookup api.example: no such host"), true},
		{errors.New("unauthorized (401)"), false},
		{errors.New("upstream returned status code: 503"), true},
		{io.ErrUnexpectedEOF, true},
		{errors.NewKind(errors.KindProviderAuth, "openai/http://localhost:5000: unauthorized (401)"), false},
		{errors.NewKind(errors.KindProviderNotFound, "openai/eof-500b: not found (404)"), false},
		{errors.NewKind(errors.KindProviderConnectivity, "ollama: request failed"), true},
		{errors.NewKind(errors.KindProviderServer, "anthropic: server error (529)"), true},
		{errors.NewKind(errors.KindProviderRequest, "openai/http://localhost:5000: request failed"), false},
		{errors.New("model llama-500b rejected the prompt"), false},
		{errors.NewKind(errors.KindProviderAuth, "token refresh timed out"), false},
		{errors.New("invalid network policy"), false},
		{errors.ErrIterationLimit, false},
		{context.Canceled, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := shouldFallback(tt.err); got != tt.want {
			t.Errorf("shouldFallback(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
