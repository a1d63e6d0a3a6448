package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

const DefaultMaxIterations = 10

// Client drives the tool-calling loop against a primary provider, retrying
// individual calls against an optional fallback on connectivity failures.
type Client struct {
	primary       Provider
	fallback      Provider
	executor      *tools.Executor
	maxIterations int
	logger        *slog.Logger
}

type ClientOption func(*Client)

func WithFallback(p Provider) ClientOption {
	return func(c *Client) { c.fallback = p }
}

// WithMaxIterations caps the number of provider calls per tool loop.
// Values below one keep the default.
func WithMaxIterations(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(primary Provider, executor *tools.Executor, opts ...ClientOption) *Client {
	c := &Client{
		primary:       primary,
		executor:      executor,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientForModel builds the client for model, adding the configured
// fastest model as fallback when it is a different entry.
func NewClientForModel(ctx context.Context, cfg *config.Config, model config.ModelConfig, executor *tools.Executor, opts Options, clientOpts ...ClientOption) (*Client, error) {
	primary, err := NewProvider(ctx, model, opts)
	if err != nil {
		return nil, err
	}
	clientOpts = append([]ClientOption{WithMaxIterations(cfg.Agent.MaxIterations)}, clientOpts...)
	if fast, ok := cfg.FastestModelConfig(); ok && fast.Name != model.Name {
		fallback, err := NewProvider(ctx, fast, opts)
		if err != nil {
			slog.Warn("fallback model unavailable", "model", fast.Name, "error", err)
		} else {
			clientOpts = append(clientOpts, WithFallback(fallback))
		}
	}
	return NewClient(primary, executor, clientOpts...), nil
}

func (c *Client) Primary() Provider  { return c.primary }
func (c *Client) Fallback() Provider { return c.fallback }

// Chat sends messages without tools and returns the reply text.
func (c *Client) Chat(ctx context.Context, messages []session.Message) (string, error) {
	var text string
	err := c.withFallback(func(p Provider) error {
		var err error
		text, err = p.Chat(ctx, messages)
		return err
	})
	return text, err
}

// ChatStream streams a reply without tools. The fallback is only tried
// while no fragment has reached the caller yet.
func (c *Client) ChatStream(ctx context.Context, messages []session.Message) <-chan StreamChunk {
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		_, err := c.streamTurn(ctx, messages, nil, func(text string) error {
			return send(ctx, ch, StreamChunk{Text: text})
		})
		if err != nil {
			send(ctx, ch, StreamChunk{Err: err})
		}
	}()
	return ch
}

// ChatWithTools runs the tool loop with buffered provider calls and
// returns the final text.
func (c *Client) ChatWithTools(ctx context.Context, messages []session.Message, onUpdate tools.UpdateFunc) (string, error) {
	var final string
	err := c.loop(ctx, messages, StreamHandlers{OnUpdate: onUpdate}, func(history []session.Message, defs []tools.FunctionDef) (*Response, error) {
		var resp *Response
		err := c.withFallback(func(p Provider) error {
			var err error
			resp, err = p.ChatWithTools(ctx, history, defs)
			return err
		})
		if resp != nil {
			final = resp.Content
		}
		return resp, err
	})
	return final, err
}

// StreamHandlers receives the output of ChatStreamWithTools. Any of them
// may be nil.
type StreamHandlers struct {
	// OnText receives text fragments as the provider produces them.
	OnText func(string) error
	// OnToolCalls receives each executed batch with its records in call
	// order.
	OnToolCalls func(calls []session.ToolCall, records []tools.CallRecord) error
	// OnUpdate receives every lifecycle change of a running tool call.
	OnUpdate tools.UpdateFunc
}

// ChatStreamWithTools runs the tool loop with streamed provider calls.
func (c *Client) ChatStreamWithTools(ctx context.Context, messages []session.Message, h StreamHandlers) error {
	onText := h.OnText
	if onText == nil {
		onText = func(string) error { return nil }
	}
	return c.loop(ctx, messages, h, func(history []session.Message, defs []tools.FunctionDef) (*Response, error) {
		return c.streamTurn(ctx, history, defs, onText)
	})
}

type turnFunc func(history []session.Message, defs []tools.FunctionDef) (*Response, error)

func (c *Client) loop(ctx context.Context, messages []session.Message, h StreamHandlers, turn turnFunc) error {
	history := make([]session.Message, len(messages))
	copy(history, messages)
	defs := c.executor.Registry().FunctionDefs()

	for iteration := 1; ; iteration++ {
		if iteration > c.maxIterations {
			return errors.ErrIterationLimit
		}
		resp, err := turn(history, defs)
		if err != nil {
			return err
		}
		if resp.Type == ResponseText {
			return nil
		}
		c.logger.Debug("tool calls requested", "provider", c.primary.Name(), "iteration", iteration, "count", len(resp.ToolCalls))

		assistant := session.NewMessage(session.RoleAssistant, resp.Content)
		assistant.ToolCalls = resp.ToolCalls
		history = append(history, assistant)

		records := c.executor.ExecuteAll(ctx, resp.ToolCalls, h.OnUpdate)
		for i, call := range resp.ToolCalls {
			history = append(history, ToolMessage(call, records[i]))
		}
		if h.OnToolCalls != nil {
			if err := h.OnToolCalls(resp.ToolCalls, records); err != nil {
				return err
			}
		}
	}
}

// ToolMessage builds the tool message answering call with the outcome in rec.
func ToolMessage(call session.ToolCall, rec tools.CallRecord) session.Message {
	msg := session.NewMessage(session.RoleTool, resultJSON(rec))
	msg.ToolCallID = call.ID
	msg.Name = call.Function.Name
	return msg
}

func resultJSON(rec tools.CallRecord) string {
	res := tools.Failure("no result")
	if rec.Result != nil {
		res = *rec.Result
	}
	data, err := json.Marshal(res)
	if err != nil {
		data, _ = json.Marshal(tools.Failure("unserializable result: %v", err))
	}
	return string(data)
}

// withFallback runs call against the primary and, for connectivity
// failures, once more against the fallback.
func (c *Client) withFallback(call func(Provider) error) error {
	err := call(c.primary)
	if err == nil || c.fallback == nil || !shouldFallback(err) {
		return err
	}
	c.logger.Warn("primary provider failed, trying fallback", "provider", c.primary.Name(), "fallback", c.fallback.Name(), "error", err)
	ferr := call(c.fallback)
	if ferr == nil {
		return nil
	}
	return errors.Join(
		errors.Wrapf(err, "primary provider %s failed", c.primary.Name()),
		errors.Wrapf(ferr, "fallback provider %s failed", c.fallback.Name()),
	)
}

// streamTurn performs one streamed provider call. Once a fragment has been
// forwarded the call is committed to its provider.
func (c *Client) streamTurn(ctx context.Context, history []session.Message, defs []tools.FunctionDef, onText func(string) error) (*Response, error) {
	resp, emitted, err := consume(ctx, c.primary, history, defs, onText)
	if err == nil || emitted || c.fallback == nil || !shouldFallback(err) {
		return resp, err
	}
	c.logger.Warn("primary provider failed, trying fallback", "provider", c.primary.Name(), "fallback", c.fallback.Name(), "error", err)
	resp, _, ferr := consume(ctx, c.fallback, history, defs, onText)
	if ferr == nil {
		return resp, nil
	}
	return nil, errors.Join(
		errors.Wrapf(err, "primary provider %s failed", c.primary.Name()),
		errors.Wrapf(ferr, "fallback provider %s failed", c.fallback.Name()),
	)
}

func consume(ctx context.Context, p Provider, history []session.Message, defs []tools.FunctionDef, onText func(string) error) (*Response, bool, error) {
	// cancelling releases the producer if we stop reading early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ch <-chan StreamChunk
	if defs == nil {
		ch = p.ChatStream(ctx, history)
	} else {
		ch = p.ChatStreamWithTools(ctx, history, defs)
	}
	var content strings.Builder
	var calls []session.ToolCall
	emitted := false
	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			return nil, emitted, chunk.Err
		case len(chunk.ToolCalls) > 0:
			calls = append(calls, chunk.ToolCalls...)
		case chunk.Text != "":
			emitted = true
			content.WriteString(chunk.Text)
			if err := onText(chunk.Text); err != nil {
				return nil, emitted, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, emitted, err
	}
	return newResponse(content.String(), calls), emitted, nil
}
