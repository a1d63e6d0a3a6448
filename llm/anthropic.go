package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

const defaultMaxTokens = 4096

// AnthropicProvider is a client for the Anthropic Messages API.
type AnthropicProvider struct {
	client        *anthropic.Client
	cfg           config.ModelConfig
	cacheExcluded []string
	// set once the backend rejects cache_control for this model
	cacheRejected atomic.Bool
}

func NewAnthropicProvider(_ context.Context, m config.ModelConfig, opts Options) (Provider, error) {
	apiKey := m.ResolvedAPIKey()
	if apiKey == "" {
		return nil, errors.New("no API key for model '%s' (set api_key or ANTHROPIC_API_KEY)", m.Name)
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(opts.maxRetries()),
	}
	if m.BaseURL != "" {
		options = append(options, option.WithBaseURL(m.BaseURL))
	}
	if opts.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(opts.HTTPClient))
	}
	client := anthropic.NewClient(options...)
	return &adapter{b: &AnthropicProvider{client: &client, cfg: m, cacheExcluded: opts.CacheExcluded}}, nil
}

func (a *AnthropicProvider) name() string { return config.ProviderAnthropic + "/" + a.cfg.Model }

// cacheAllowed reports whether the system prompt may carry cache_control.
func (a *AnthropicProvider) cacheAllowed() bool {
	if !a.cfg.CachingEnabled() || a.cacheRejected.Load() {
		return false
	}
	return !cacheExcluded(a.cfg.Model, a.cacheExcluded)
}

func cacheExcluded(model string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, model); ok {
			return true
		}
	}
	return false
}

func (a *AnthropicProvider) params(messages []session.Message, defs []tools.FunctionDef, cache bool) anthropic.MessageNewParams {
	system, history := splitSystem(messages)
	maxTokens := a.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessagesToAnthropicMessages(history),
		Tools:     convertToolsToAnthropicTools(defs),
	}
	if system != "" {
		block := anthropic.TextBlockParam{Text: system}
		if cache {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}
	if a.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(a.cfg.Temperature)
	}
	return params
}

// withCacheRetry runs call with caching if allowed, and once more without it
// when the backend rejects the cache_control field.
func (a *AnthropicProvider) withCacheRetry(call func(cache bool) error) error {
	cache := a.cacheAllowed()
	err := call(cache)
	if err != nil && cache && isCacheRejection(err) {
		a.cacheRejected.Store(true)
		err = call(false)
	}
	return err
}

func isCacheRejection(err error) bool {
	var ae *anthropic.Error
	if !errors.As(err, &ae) || ae.StatusCode != 400 {
		return false
	}
	return strings.Contains(err.Error(), "cache_control")
}

func (a *AnthropicProvider) complete(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) (*Response, error) {
	var resp *anthropic.Message
	err := a.withCacheRetry(func(cache bool) error {
		var err error
		resp, err = a.client.Messages.New(ctx, a.params(messages, defs, cache))
		return err
	})
	if err != nil {
		return nil, normalizeError(a.name(), err)
	}
	return processAnthropicResponse(resp), nil
}

func (a *AnthropicProvider) stream(ctx context.Context, messages []session.Message, defs []tools.FunctionDef, onText func(string) error) (*Response, error) {
	var resp *Response
	emitted := false
	err := a.withCacheRetry(func(cache bool) error {
		acc := newToolCallAccumulator()
		var content strings.Builder
		stream := a.client.Messages.NewStreaming(ctx, a.params(messages, defs, cache))
		defer stream.Close()
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					acc.Start(variant.Index, block.ID, block.Name)
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.InputJSONDelta:
					acc.Append(variant.Index, delta.PartialJSON)
				case anthropic.TextDelta:
					if delta.Text != "" {
						emitted = true
						content.WriteString(delta.Text)
						if err := onText(delta.Text); err != nil {
							return err
						}
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			if emitted {
				// text already reached the caller, a retry would duplicate it
				return streamError{err}
			}
			return err
		}
		resp = newResponse(content.String(), acc.Calls())
		return nil
	})
	if err != nil {
		var se streamError
		if errors.As(err, &se) {
			err = se.err
		}
		return nil, normalizeError(a.name(), err)
	}
	return resp, nil
}

// streamError marks a failure after output was already emitted.
type streamError struct{ err error }

func (e streamError) Error() string { return e.err.Error() }

// convertMessagesToAnthropicMessages converts history without system
// messages to Anthropic's format. Consecutive tool results are grouped into
// one user message.
func convertMessagesToAnthropicMessages(messages []session.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	lastWasTool := false
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, rawArguments(tc.Function.Arguments), tc.Function.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
			lastWasTool = false
		case session.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isErrorResult(msg.Content))
			if lastWasTool && len(out) > 0 {
				out[len(out)-1].Content = append(out[len(out)-1].Content, block)
			} else {
				out = append(out, anthropic.NewUserMessage(block))
			}
			lastWasTool = true
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			lastWasTool = false
		}
	}
	return out
}

// convertToolsToAnthropicTools converts tool definitions to Anthropic's tool format.
func convertToolsToAnthropicTools(defs []tools.FunctionDef) []anthropic.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: schemaProperties(d.Parameters),
			Required:   schemaRequired(d.Parameters),
		}
		tool := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if d.Description != "" {
			tool.OfTool.Description = anthropic.String(d.Description)
		}
		out = append(out, tool)
	}
	return out
}

// processAnthropicResponse converts an Anthropic API response into a Response.
func processAnthropicResponse(resp *anthropic.Message) *Response {
	var text strings.Builder
	var calls []session.ToolCall
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(c.Text)
		case anthropic.ToolUseBlock:
			args := string(c.Input)
			if args == "" || args == "null" {
				args = "{}"
			}
			id := c.ID
			if id == "" {
				id = syntheticCallID()
			}
			calls = append(calls, newToolCall(id, c.Name, args))
		}
	}
	return newResponse(text.String(), calls)
}

func rawArguments(args string) json.RawMessage {
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

func schemaProperties(schema map[string]any) any {
	if p, ok := schema["properties"]; ok {
		return p
	}
	return map[string]any{}
}

func schemaRequired(schema map[string]any) []string {
	switch r := schema["required"].(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, v := range r {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// isErrorResult reports whether a serialized tool result is a failure.
func isErrorResult(content string) bool {
	var r struct {
		Success *bool `json:"success"`
	}
	if json.Unmarshal([]byte(content), &r) != nil || r.Success == nil {
		return false
	}
	return !*r.Success
}
