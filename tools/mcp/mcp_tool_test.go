package mcp

import (
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestFormatContentConcatenatesText(t *testing.T) {
	got := formatContent([]mcpsdk.Content{
		&mcpsdk.TextContent{Text: "hello "},
		&mcpsdk.TextContent{Text: "world"},
	})
	if got != "hello world" {
		t.Errorf("formatContent = %q", got)
	}
}

func TestSchemaMap(t *testing.T) {
	if m := schemaMap(nil); m["type"] != "object" {
		t.Errorf("nil schema should become an empty object schema, got %v", m)
	}
	in := map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}}
	if m := schemaMap(in); m["properties"] == nil {
		t.Errorf("map schema should pass through, got %v", m)
	}
	type typed struct {
		Type string `json:"type"`
	}
	if m := schemaMap(typed{Type: "object"}); m["type"] != "object" {
		t.Errorf("typed schema should round-trip, got %v", m)
	}
}
