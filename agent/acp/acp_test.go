package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/llm"
	"github.com/m4xw311/agentd/llm/llmtest"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

func newTestHandler(t *testing.T, p *llmtest.Provider) *agent.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{Name: "stub", Provider: config.ProviderOpenAI, Model: "stub"}}
	cfg.DefaultModel = "stub"
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, cfg.Tools, nil); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return agent.NewHandler(cfg, store, tools.NewExecutor(reg), agent.WithLogger(logger), agent.WithClientFactory(
		func(_ context.Context, cfg *config.Config, _ config.ModelConfig, executor *tools.Executor) (*llm.Client, error) {
			return llm.NewClient(p, executor, llm.WithMaxIterations(cfg.Agent.MaxIterations)), nil
		}))
}

type message struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
	Params struct {
		SessionID string         `json:"sessionId"`
		Update    map[string]any `json:"update"`
	} `json:"params"`
}

func runLines(t *testing.T, h *agent.Handler, lines ...string) []message {
	t.Helper()
	var out bytes.Buffer
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	if err := New(h, in, &out, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	return parseOutput(t, out.Bytes())
}

func parseOutput(t *testing.T, data []byte) []message {
	t.Helper()
	var msgs []message
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var m message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q is not JSON-RPC: %v", sc.Text(), err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func response(t *testing.T, msgs []message, id float64) message {
	t.Helper()
	for _, m := range msgs {
		if m.Method == "" && m.ID == id {
			return m
		}
	}
	t.Fatalf("no response with id %v in %+v", id, msgs)
	return message{}
}

func updates(msgs []message, kind string) []map[string]any {
	var out []map[string]any
	for _, m := range msgs {
		if m.Method == "session/update" && m.Params.Update["sessionUpdate"] == kind {
			out = append(out, m.Params.Update)
		}
	}
	return out
}

func TestInitialize(t *testing.T) {
	h := newTestHandler(t, llmtest.New("stub", llmtest.Text("x")))
	msgs := runLines(t, h, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1,"clientCapabilities":{"fs":{"readTextFile":true}}}}`)

	var result struct {
		ProtocolVersion   int `json:"protocolVersion"`
		AgentCapabilities struct {
			LoadSession bool `json:"loadSession"`
		} `json:"agentCapabilities"`
	}
	if err := json.Unmarshal(response(t, msgs, 0).Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != 1 || !result.AgentCapabilities.LoadSession {
		t.Errorf("unexpected initialize result %+v", result)
	}
}

func TestSessionNewCreatesStoredSession(t *testing.T) {
	h := newTestHandler(t, llmtest.New("stub", llmtest.Text("x")))
	msgs := runLines(t, h, `{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/tmp/ws","mcpServers":[]}}`)

	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(response(t, msgs, 1).Result, &result); err != nil {
		t.Fatal(err)
	}
	sess, err := h.Store().LoadSession(context.Background(), result.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("session %q not stored: %v", result.SessionID, err)
	}
	if sess.Workspace != "/tmp/ws" {
		t.Errorf("workspace = %q", sess.Workspace)
	}
}

func TestPromptStreamsUpdates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	args, _ := json.Marshal(map[string]any{"path": dir})
	p := llmtest.New("stub",
		llmtest.ToolCalls(llmtest.Call("call_1", "listFiles", string(args))),
		llmtest.Text("one file"),
	)
	h := newTestHandler(t, p)
	sess, err := h.Store().CreateSession(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}

	msgs := runLines(t, h,
		`{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"`+sess.ID+`","cwd":"`+dir+`"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sess.ID+`","prompt":[{"type":"text","text":"list it"}]}}`,
	)

	var result struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(response(t, msgs, 2).Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("stopReason = %q", result.StopReason)
	}
	calls := updates(msgs, "tool_call")
	if len(calls) != 1 || calls[0]["title"] != "listFiles" || calls[0]["status"] != "completed" {
		t.Errorf("unexpected tool_call updates %v", calls)
	}
	var text strings.Builder
	for _, u := range updates(msgs, "agent_message_chunk") {
		text.WriteString(u["content"].(map[string]any)["text"].(string))
	}
	if text.String() != "one file" {
		t.Errorf("agent text = %q", text.String())
	}

	stored, err := h.Store().LoadSession(context.Background(), sess.ID)
	if err != nil || stored == nil || len(stored.Messages) == 0 {
		t.Fatalf("turn not persisted: %v", err)
	}
}

func TestSessionLoadReplaysHistory(t *testing.T) {
	h := newTestHandler(t, llmtest.New("stub", llmtest.Text("x")))
	ctx := context.Background()
	sess, err := h.Store().CreateSession(ctx, "/tmp/ws")
	if err != nil {
		t.Fatal(err)
	}
	sess.AddMessage(session.NewMessage(session.RoleUser, "hello"))
	assistant := session.NewMessage(session.RoleAssistant, "")
	assistant.ToolCalls = []session.ToolCall{llmtest.Call("call_1", "gitStatus", "{}")}
	sess.AddMessage(assistant)
	result := session.NewMessage(session.RoleTool, "clean")
	result.ToolCallID = "call_1"
	sess.AddMessage(result)
	sess.AddMessage(session.NewMessage(session.RoleAssistant, "all clean"))
	retry := session.NewMessage(session.RoleAssistant, "")
	retry.ToolCalls = []session.ToolCall{llmtest.Call("call_2", "gitDiff", "{}")}
	sess.AddMessage(retry)
	failed := session.NewMessage(session.RoleTool, `{"success":false,"error":"not a git repository"}`)
	failed.ToolCallID = "call_2"
	sess.AddMessage(failed)
	if err := h.Store().SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	msgs := runLines(t, h, `{"jsonrpc":"2.0","id":5,"method":"session/load","params":{"sessionId":"`+sess.ID+`"}}`)
	if response(t, msgs, 5).Error != nil {
		t.Fatalf("load failed: %+v", response(t, msgs, 5).Error)
	}
	if n := len(updates(msgs, "user_message_chunk")); n != 1 {
		t.Errorf("user chunks = %d", n)
	}
	if n := len(updates(msgs, "agent_message_chunk")); n != 1 {
		t.Errorf("agent chunks = %d", n)
	}
	calls := updates(msgs, "tool_call")
	if len(calls) != 2 || calls[0]["title"] != "gitStatus" {
		t.Errorf("tool calls = %v", calls)
	}
	results := updates(msgs, "tool_call_update")
	if len(results) != 2 {
		t.Fatalf("tool call updates = %v", results)
	}
	if results[0]["status"] != "completed" || results[1]["status"] != "failed" {
		t.Errorf("statuses = %v, %v", results[0]["status"], results[1]["status"])
	}
}

type brokenWriter struct{ writes int }

func (w *brokenWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, io.ErrClosedPipe
}

func TestReplayStopsOnWriteError(t *testing.T) {
	h := newTestHandler(t, llmtest.New("stub", llmtest.Text("x")))
	sess := session.New("/tmp/ws")
	for i := 0; i < 5; i++ {
		sess.AddMessage(session.NewMessage(session.RoleUser, "hello"))
	}
	w := &brokenWriter{}
	if err := New(h, strings.NewReader(""), w, nil).replay(sess); err == nil {
		t.Fatal("replay should report the write error")
	}
	if w.writes != 1 {
		t.Errorf("writes after the first failure: %d", w.writes-1)
	}
}

func TestErrors(t *testing.T) {
	h := newTestHandler(t, llmtest.New("stub", llmtest.Text("x")))
	msgs := runLines(t, h,
		`not json`,
		`{"jsonrpc":"2.0","id":1,"method":"session/fork"}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/load","params":{"sessionId":"missing"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"missing","prompt":[]}}`,
	)
	tests := []struct {
		id   float64
		code int
	}{
		{1, codeMethodNotFound},
		{2, codeInvalidParams},
		{3, codeInvalidParams},
	}
	for _, tt := range tests {
		m := response(t, msgs, tt.id)
		if m.Error == nil || m.Error.Code != tt.code {
			t.Errorf("id %v: got error %+v, want code %d", tt.id, m.Error, tt.code)
		}
	}
	if msgs[0].Error == nil || msgs[0].Error.Code != codeParseError {
		t.Errorf("first reply should be a parse error, got %+v", msgs[0])
	}
}

// syncBuffer is a bytes.Buffer safe for the concurrent writer and reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestSessionCancel(t *testing.T) {
	h := newTestHandler(t, llmtest.New("stub", llmtest.Step{Text: "late", Delay: 10 * time.Second}))
	sess, err := h.Store().CreateSession(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- New(h, inR, out, nil).Run(context.Background()) }()

	io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"`+sess.ID+`"}}`+"\n")
	io.WriteString(inW, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sess.ID+`","prompt":[{"type":"text","text":"wait"}]}}`+"\n")
	time.Sleep(200 * time.Millisecond)
	io.WriteString(inW, `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"`+sess.ID+`"}}`+"\n")
	inW.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled prompt did not finish")
	}
	var result struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(response(t, parseOutput(t, out.Bytes()), 2).Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.StopReason != "cancelled" {
		t.Errorf("stopReason = %q, want cancelled", result.StopReason)
	}
}

func TestExtractUserText(t *testing.T) {
	testContent := "This is test file content"
	path := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(path, []byte(testContent), 0o644); err != nil {
		t.Fatal(err)
	}
	fileURI := "file://" + path

	tests := []struct {
		name     string
		blocks   []contentBlock
		expected string
		contains []string
	}{
		{
			name: "text only",
			blocks: []contentBlock{
				{Type: "text", Text: "Hello"},
				{Type: "text", Text: "World"},
			},
			expected: "Hello\nWorld",
		},
		{
			name: "resource_link with file",
			blocks: []contentBlock{
				{Type: "text", Text: "Check this file:"},
				{
					Type:        "resource_link",
					URI:         fileURI,
					Name:        "test.txt",
					MimeType:    "text/plain",
					Title:       "Test File",
					Description: "A test file",
				},
			},
			contains: []string{
				"Check this file:",
				"=== Resource: test.txt ===",
				"Title: Test File",
				"Description: A test file",
				"URI: file://",
				"Type: text/plain",
				"--- File Contents ---",
				testContent,
				"--- End of File ---",
			},
		},
		{
			name: "resource_link with non-file URI",
			blocks: []contentBlock{
				{
					Type:     "resource_link",
					URI:      "https://example.com/file.txt",
					Name:     "remote.txt",
					MimeType: "text/plain",
				},
			},
			contains: []string{
				"=== Resource: remote.txt ===",
				"URI: https://example.com/file.txt",
				"[External resource - content not available]",
			},
		},
		{
			name: "mixed content",
			blocks: []contentBlock{
				{Type: "text", Text: "Start"},
				{
					Type: "resource_link",
					URI:  "https://example.com/doc.pdf",
					Name: "document.pdf",
				},
				{Type: "text", Text: "End"},
			},
			contains: []string{
				"Start",
				"=== Resource: document.pdf ===",
				"End",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractUserText(tt.blocks)

			if tt.expected != "" {
				if result != tt.expected {
					t.Errorf("extractUserText() = %q, want %q", result, tt.expected)
				}
			}

			for _, substr := range tt.contains {
				if !strings.Contains(result, substr) {
					t.Errorf("extractUserText() result does not contain %q\nGot: %q", substr, result)
				}
			}
		})
	}
}
