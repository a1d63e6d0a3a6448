package llm

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
	"github.com/tidwall/gjson"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockProvider is a client for the Anthropic models on AWS Bedrock.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
	cfg     config.ModelConfig
}

// NewBedrockProvider creates a provider using the default AWS credential
// chain. The region comes from the model entry, then the environment.
func NewBedrockProvider(ctx context.Context, m config.ModelConfig, opts Options) (Provider, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if m.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(m.Region))
	}
	if opts.HTTPClient != nil {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(opts.HTTPClient))
	}
	loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(opts.maxRetries()+1))
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	endpoint := m.BaseURL
	if endpoint == "" {
		// useful for testing against a local stub
		endpoint = os.Getenv("BEDROCK_ENDPOINT_URL")
	}
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &adapter{b: &BedrockProvider{client: client, modelID: m.Model, cfg: m}}, nil
}

func (b *BedrockProvider) name() string { return config.ProviderBedrock + "/" + b.modelID }

func (b *BedrockProvider) complete(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) (*Response, error) {
	body, err := b.request(messages, defs)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, normalizeError(b.name(), err)
	}
	return processBedrockResponse(resp.Body)
}

func (b *BedrockProvider) stream(ctx context.Context, messages []session.Message, defs []tools.FunctionDef, onText func(string) error) (*Response, error) {
	body, err := b.request(messages, defs)
	if err != nil {
		return nil, err
	}
	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, normalizeError(b.name(), err)
	}
	stream := out.GetStream()
	defer stream.Close()

	acc := newToolCallAccumulator()
	var content strings.Builder
	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		text, err := applyBedrockEvent(acc, chunk.Value.Bytes)
		if err != nil {
			return nil, err
		}
		if text != "" {
			content.WriteString(text)
			if err := onText(text); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, normalizeError(b.name(), err)
	}
	return newResponse(content.String(), acc.Calls()), nil
}

// applyBedrockEvent folds one Anthropic stream event into acc and returns
// any text it carries.
func applyBedrockEvent(acc *toolCallAccumulator, payload []byte) (string, error) {
	event := gjson.ParseBytes(payload)
	switch event.Get("type").String() {
	case "content_block_start":
		block := event.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			acc.Start(event.Get("index").Int(), block.Get("id").String(), block.Get("name").String())
		}
	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return delta.Get("text").String(), nil
		case "input_json_delta":
			acc.Append(event.Get("index").Int(), delta.Get("partial_json").String())
		}
	case "error":
		return "", errors.NewKind(errors.KindProviderServer, "bedrock: server error: %s", event.Get("error.message").String())
	}
	return "", nil
}

// request creates the request body for Anthropic models on Bedrock.
func (b *BedrockProvider) request(messages []session.Message, defs []tools.FunctionDef) ([]byte, error) {
	system, history := splitSystem(messages)
	maxTokens := b.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	request := map[string]any{
		"anthropic_version": bedrockAnthropicVersion,
		"max_tokens":        maxTokens,
		"messages":          convertMessagesToBedrockFormat(history),
	}
	if system != "" {
		request["system"] = system
	}
	if b.cfg.Temperature > 0 {
		request["temperature"] = b.cfg.Temperature
	}
	if len(defs) > 0 {
		var toolList []map[string]any
		for _, d := range defs {
			schema := d.Parameters
			if len(schema) == 0 {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			toolList = append(toolList, map[string]any{
				"name":         d.Name,
				"description":  d.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = toolList
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}
	return data, nil
}

// convertMessagesToBedrockFormat converts history without system messages
// to the Anthropic JSON shape. Consecutive tool results share a user turn.
func convertMessagesToBedrockFormat(messages []session.Message) []map[string]any {
	var out []map[string]any
	lastWasTool := false
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleAssistant:
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": rawArguments(tc.Function.Arguments),
				})
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "assistant", "content": blocks})
			}
			lastWasTool = false
		case session.RoleTool:
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			}
			if isErrorResult(msg.Content) {
				block["is_error"] = true
			}
			if lastWasTool && len(out) > 0 {
				prev := out[len(out)-1]
				prev["content"] = append(prev["content"].([]map[string]any), block)
			} else {
				out = append(out, map[string]any{"role": "user", "content": []map[string]any{block}})
			}
			lastWasTool = true
		default:
			out = append(out, map[string]any{
				"role":    "user",
				"content": []map[string]any{{"type": "text", "text": msg.Content}},
			})
			lastWasTool = false
		}
	}
	return out
}

// processBedrockResponse converts a Bedrock API response body into a Response.
func processBedrockResponse(body []byte) (*Response, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("failed to parse Bedrock response")
	}
	resp := gjson.ParseBytes(body)
	if e := resp.Get("error"); e.Exists() {
		return nil, errors.NewKind(errors.KindProviderServer, "bedrock: server error: %s", e.String())
	}

	var text strings.Builder
	var calls []session.ToolCall
	resp.Get("content").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "text":
			text.WriteString(item.Get("text").String())
		case "tool_use":
			id := item.Get("id").String()
			if id == "" {
				id = syntheticCallID()
			}
			args := item.Get("input").Raw
			if args == "" || args == "null" {
				args = "{}"
			}
			calls = append(calls, newToolCall(id, item.Get("name").String(), args))
		}
		return true
	})
	return newResponse(text.String(), calls), nil
}
