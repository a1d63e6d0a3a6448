package llm

import (
	"context"
	"strings"

	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider talks to the OpenAI Chat Completion API or any compatible
// backend reachable through base_url.
type OpenAIProvider struct {
	client *openai.Client
	cfg    config.ModelConfig
}

// NewOpenAIProvider creates a provider for m. A key is required unless a
// custom base URL points at a local backend.
func NewOpenAIProvider(_ context.Context, m config.ModelConfig, opts Options) (Provider, error) {
	apiKey := m.ResolvedAPIKey()
	if apiKey == "" && m.BaseURL == "" {
		return nil, errors.New("no API key for model '%s' (set api_key or OPENAI_API_KEY)", m.Name)
	}
	if apiKey == "" {
		// compatible local servers ignore the key but the SDK requires one
		apiKey = "none"
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if m.BaseURL != "" {
		options = append(options, option.WithBaseURL(m.BaseURL))
	}
	if opts.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(opts.HTTPClient))
	}
	options = append(options, option.WithMaxRetries(opts.maxRetries()))

	// The &c is required, do not replace and just use c
	c := openai.NewClient(options...)
	return &adapter{b: &OpenAIProvider{client: &c, cfg: m}}, nil
}

func (o *OpenAIProvider) name() string { return config.ProviderOpenAI + "/" + o.cfg.Model }

func (o *OpenAIProvider) params(messages []session.Message, defs []tools.FunctionDef) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.cfg.Model),
		Messages: convertMessagesToOpenaiContent(messages),
		Tools:    convertToolsToOpenAITools(defs),
	}
	if o.cfg.Temperature > 0 {
		params.Temperature = openai.Float(o.cfg.Temperature)
	}
	if o.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(o.cfg.MaxTokens))
	}
	return params
}

func (o *OpenAIProvider) complete(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) (*Response, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(messages, defs))
	if err != nil {
		return nil, normalizeError(o.name(), err)
	}
	return processOpenaiResponse(resp), nil
}

func (o *OpenAIProvider) stream(ctx context.Context, messages []session.Message, defs []tools.FunctionDef, onText func(string) error) (*Response, error) {
	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(messages, defs))
	defer stream.Close()

	acc := newToolCallAccumulator()
	var content strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if err := onText(choice.Delta.Content); err != nil {
					return nil, err
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				acc.Start(tc.Index, tc.ID, tc.Function.Name)
				acc.Append(tc.Index, tc.Function.Arguments)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, normalizeError(o.name(), err)
	}
	return newResponse(content.String(), acc.Calls()), nil
}

// processOpenaiResponse converts an OpenAI API response into a Response.
func processOpenaiResponse(resp *openai.ChatCompletion) *Response {
	if len(resp.Choices) == 0 {
		return newResponse("", nil)
	}

	choice := resp.Choices[0].Message
	var calls []session.ToolCall
	for _, tc := range choice.ToolCalls {
		id := tc.ID
		if id == "" {
			id = syntheticCallID()
		}
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		calls = append(calls, newToolCall(id, tc.Function.Name, args))
	}
	return newResponse(choice.Content, calls)
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
func convertMessagesToOpenaiContent(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range msg.ToolCalls {
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case session.RoleTool:
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts tool definitions to the OpenAI Tool format.
func convertToolsToOpenAITools(defs []tools.FunctionDef) []openai.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, d := range defs {
		params := openai.FunctionParameters(d.Parameters)
		if len(params) == 0 {
			params = openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  params,
		}))
	}
	return openAITools
}
