package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiProvider is a client for the Google Gemini API.
type GeminiProvider struct {
	client *genai.Client
	cfg    config.ModelConfig
}

func NewGeminiProvider(ctx context.Context, m config.ModelConfig, opts Options) (Provider, error) {
	apiKey := m.ResolvedAPIKey()
	if apiKey == "" {
		return nil, errors.New("no API key for model '%s' (set api_key or GEMINI_API_KEY)", m.Name)
	}
	options := []option.ClientOption{option.WithAPIKey(apiKey)}
	if m.BaseURL != "" {
		options = append(options, option.WithEndpoint(m.BaseURL))
	}
	if opts.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(opts.HTTPClient))
	}
	client, err := genai.NewClient(ctx, options...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &adapter{b: &GeminiProvider{client: client, cfg: m}}, nil
}

func (g *GeminiProvider) name() string { return config.ProviderGemini + "/" + g.cfg.Model }

// model builds a fresh GenerativeModel per call since its settings are
// mutable and calls may run concurrently.
func (g *GeminiProvider) model(system string, defs []tools.FunctionDef) *genai.GenerativeModel {
	model := g.client.GenerativeModel(g.cfg.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	model.Tools = convertToolsToGeminiTools(defs)
	if g.cfg.Temperature > 0 {
		model.SetTemperature(float32(g.cfg.Temperature))
	}
	if g.cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(g.cfg.MaxTokens))
	}
	return model
}

// prepare returns a chat session primed with all but the last turn, plus
// the parts of that last turn.
func (g *GeminiProvider) prepare(messages []session.Message, defs []tools.FunctionDef) (*genai.ChatSession, []genai.Part, error) {
	system, rest := splitSystem(messages)
	history := convertMessagesToGeminiContent(rest)
	if len(history) == 0 {
		return nil, nil, errors.New("no messages to send to Gemini")
	}
	last := history[len(history)-1]
	chatSession := g.model(system, defs).StartChat()
	chatSession.History = history[:len(history)-1]
	return chatSession, last.Parts, nil
}

func (g *GeminiProvider) complete(ctx context.Context, messages []session.Message, defs []tools.FunctionDef) (*Response, error) {
	chatSession, parts, err := g.prepare(messages, defs)
	if err != nil {
		return nil, err
	}
	resp, err := chatSession.SendMessage(ctx, parts...)
	if err != nil {
		return nil, normalizeError(g.name(), err)
	}
	text, calls := processGeminiResponse(resp)
	return newResponse(text, calls), nil
}

func (g *GeminiProvider) stream(ctx context.Context, messages []session.Message, defs []tools.FunctionDef, onText func(string) error) (*Response, error) {
	chatSession, parts, err := g.prepare(messages, defs)
	if err != nil {
		return nil, err
	}
	iter := chatSession.SendMessageStream(ctx, parts...)
	var content strings.Builder
	var calls []session.ToolCall
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, normalizeError(g.name(), err)
		}
		text, batch := processGeminiResponse(resp)
		calls = append(calls, batch...)
		if text != "" {
			content.WriteString(text)
			if err := onText(text); err != nil {
				return nil, err
			}
		}
	}
	return newResponse(content.String(), calls), nil
}

// convertMessagesToGeminiContent converts our internal message format to
// Gemini's: assistant becomes model, tool results become function responses
// grouped into a single user turn.
func convertMessagesToGeminiContent(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	lastWasTool := false
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Function.Name, Args: args})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
			lastWasTool = false
		case session.RoleTool:
			part := genai.FunctionResponse{Name: msg.Name, Response: functionResponse(msg.Content)}
			if lastWasTool && len(contents) > 0 {
				prev := contents[len(contents)-1]
				prev.Parts = append(prev.Parts, part)
			} else {
				contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{part}})
			}
			lastWasTool = true
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
			lastWasTool = false
		}
	}
	return contents
}

func functionResponse(content string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err == nil && m != nil {
		return m
	}
	return map[string]any{"result": content}
}

// convertToolsToGeminiTools converts tool definitions to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(defs []tools.FunctionDef) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, d := range defs {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  convertSchemaToGemini(d.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// convertSchemaToGemini maps the JSON Schema subset Gemini understands.
func convertSchemaToGemini(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	switch schema["type"] {
	case "string":
		s.Type = genai.TypeString
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
	default:
		s.Type = genai.TypeObject
	}
	if d, ok := schema["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = convertSchemaToGemini(items)
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = convertSchemaToGemini(pm)
			}
		}
	}
	s.Required = schemaRequired(schema)
	return s
}

// processGeminiResponse extracts text and function calls. Gemini supplies
// no call ids, so they are synthesized.
func processGeminiResponse(resp *genai.GenerateContentResponse) (string, []session.ToolCall) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var text strings.Builder
	var calls []session.ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil || v.Args == nil {
				args = []byte("{}")
			}
			calls = append(calls, newToolCall(syntheticCallID(), v.Name, string(args)))
		}
	}
	return text.String(), calls
}
