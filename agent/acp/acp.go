package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
	"github.com/tidwall/gjson"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// maxResourceSize bounds the file content inlined for a resource_link.
const maxResourceSize = 50000

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type contentBlock struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// Server answers ACP requests read from in and writes responses and
// session/update notifications to out, one JSON object per line.
type Server struct {
	handler *agent.Handler
	logger  *slog.Logger
	in      *bufio.Reader

	writeLock sync.Mutex
	out       *bufio.Writer

	mu       sync.Mutex
	cwd      map[string]string
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func New(h *agent.Handler, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler:  h,
		logger:   logger,
		in:       bufio.NewReader(in),
		out:      bufio.NewWriter(out),
		cwd:      make(map[string]string),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Run serves until in reaches EOF or ctx is cancelled. Prompts run in the
// background so that session/cancel can reach them; Run waits for them
// before returning.
func (s *Server) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := s.in.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			s.dispatch(ctx, line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "ACP: read error")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, payload []byte) {
	var req jsonrpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = s.writeResponseError(nil, codeParseError, "Parse error", err.Error())
		return
	}
	s.logger.Debug("acp request", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "initialize":
		s.handleInitialize(&req)
	case "session/new":
		s.handleSessionNew(ctx, &req)
	case "session/load":
		s.handleSessionLoad(ctx, &req)
	case "session/prompt":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSessionPrompt(ctx, &req)
		}()
	case "session/cancel":
		s.handleSessionCancel(&req)
	default:
		if req.ID != nil {
			_ = s.writeResponseError(req.ID, codeMethodNotFound, "Method not found", req.Method)
		}
	}
}

func (s *Server) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResponseOK(id any, result any) error {
	return s.writeFramedJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeResponseError(id any, code int, msg string, data any) error {
	return s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *Server) writeNotification(method string, params any) error {
	return s.writeFramedJSON(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (s *Server) sendUpdate(sessionID string, update map[string]any) error {
	return s.writeNotification("session/update", map[string]any{"sessionId": sessionID, "update": update})
}

func decodeParams(req *jsonrpcRequest, dst any) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, dst)
}

func (s *Server) handleInitialize(req *jsonrpcRequest) {
	_ = s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		Cwd string `json:"cwd"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, err := s.handler.Store().CreateSession(ctx, p.Cwd)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	s.mu.Lock()
	s.cwd[sess.ID] = p.Cwd
	s.mu.Unlock()
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sess.ID})
}

// handleSessionLoad replays a stored session as session/update
// notifications and answers null once the replay is complete.
func (s *Server) handleSessionLoad(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
		Cwd       string `json:"cwd"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	sess, err := s.handler.Store().LoadSession(ctx, p.SessionID)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	if sess == nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "session not found: "+p.SessionID)
		return
	}
	cwd := p.Cwd
	if cwd == "" {
		cwd = sess.Workspace
	}
	s.mu.Lock()
	s.cwd[sess.ID] = cwd
	s.mu.Unlock()

	if err := s.replay(sess); err != nil {
		s.logger.Warn("acp replay aborted", "session", sess.ID, "error", err)
		return
	}
	_ = s.writeResponseOK(req.ID, nil)
}

// replay sends the stored history of sess. It stops at the first failed
// write since the client is gone.
func (s *Server) replay(sess *session.Session) error {
	for _, msg := range sess.Messages {
		switch msg.Role {
		case session.RoleUser:
			if err := s.sendUpdate(sess.ID, textUpdate("user_message_chunk", msg.Content)); err != nil {
				return err
			}
		case session.RoleAssistant:
			if msg.Content != "" {
				if err := s.sendUpdate(sess.ID, textUpdate("agent_message_chunk", msg.Content)); err != nil {
					return err
				}
			}
			for _, tc := range msg.ToolCalls {
				err := s.sendUpdate(sess.ID, map[string]any{
					"sessionUpdate": "tool_call",
					"toolCallId":    tc.ID,
					"title":         tc.Function.Name,
					"kind":          "other",
					"status":        "pending",
					"rawInput":      json.RawMessage(validJSON(tc.Function.Arguments)),
				})
				if err != nil {
					return err
				}
			}
		case session.RoleTool:
			err := s.sendUpdate(sess.ID, map[string]any{
				"sessionUpdate": "tool_call_update",
				"toolCallId":    msg.ToolCallID,
				"status":        storedToolStatus(msg.Content),
				"content":       []any{map[string]any{"type": "content", "content": map[string]any{"type": "text", "text": msg.Content}}},
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// storedToolStatus reads the success flag of a persisted tool result.
// Content that is not a result object counts as completed.
func storedToolStatus(content string) string {
	if r := gjson.Get(content, "success"); r.Exists() && !r.Bool() {
		return "failed"
	}
	return "completed"
}

// handleSessionPrompt runs one turn through the handler and streams it
// back. The answer carries the stop reason.
func (s *Server) handleSessionPrompt(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(req, &p); err != nil {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	s.mu.Lock()
	cwd, ok := s.cwd[p.SessionID]
	if ok {
		if _, busy := s.inflight[p.SessionID]; busy {
			ok = false
		}
	}
	var cancel context.CancelFunc
	if ok {
		ctx, cancel = context.WithCancel(ctx)
		s.inflight[p.SessionID] = cancel
	}
	s.mu.Unlock()
	if !ok {
		_ = s.writeResponseError(req.ID, codeInvalidParams, "Invalid params", "unknown or busy sessionId")
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.inflight, p.SessionID)
		s.mu.Unlock()
		cancel()
	}()

	areq := agent.Request{SessionID: p.SessionID, Message: extractUserText(p.Prompt), Workspace: cwd}
	err := s.handler.ChatStream(ctx, areq, func(e agent.Event) error {
		switch e.Type {
		case agent.EventText:
			return s.sendUpdate(p.SessionID, textUpdate("agent_message_chunk", e.Content))
		case agent.EventToolCall:
			return s.sendUpdate(p.SessionID, toolCallUpdate(*e.Record))
		}
		return nil
	})
	switch {
	case err == nil:
		_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": "end_turn"})
	case ctx.Err() != nil:
		_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": "cancelled"})
	case errors.Is(err, errors.ErrIterationLimit):
		_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": "max_turn_requests"})
	default:
		s.logger.Warn("acp prompt failed", "session", p.SessionID, "error", err)
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
	}
}

func (s *Server) handleSessionCancel(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(req, &p); err != nil {
		return
	}
	s.mu.Lock()
	cancel := s.inflight[p.SessionID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func textUpdate(kind, text string) map[string]any {
	return map[string]any{
		"sessionUpdate": kind,
		"content":       map[string]any{"type": "text", "text": text},
	}
}

func toolCallUpdate(rec tools.CallRecord) map[string]any {
	status := "completed"
	if rec.Status != tools.StatusSuccess {
		status = "failed"
	}
	return map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    rec.ID,
		"title":         rec.ToolName,
		"kind":          "other",
		"status":        status,
		"rawInput":      rec.Params,
		"rawOutput":     rec.Result,
	}
}

func validJSON(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	data, _ := json.Marshal(s)
	return string(data)
}

// readFileFromURI reads the file behind a file:// URI.
func readFileFromURI(uri string) (string, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if parsedURL.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", parsedURL.Scheme)
	}
	content, err := os.ReadFile(parsedURL.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// extractUserText joins the text blocks of a prompt and inlines
// resource_link blocks, with file contents for file:// URIs.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			var sb strings.Builder
			fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				fmt.Fprintf(&sb, "Title: %s\n", b.Title)
			}
			if b.Description != "" {
				fmt.Fprintf(&sb, "Description: %s\n", b.Description)
			}
			fmt.Fprintf(&sb, "URI: %s\n", b.URI)
			if b.MimeType != "" {
				fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
			}
			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
				} else {
					if len(content) > maxResourceSize {
						content = content[:maxResourceSize] + "\n\n[... truncated to 50KB ...]"
					}
					fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				sb.WriteString("\n[External resource - content not available]\n")
			}
			sb.WriteString("=== End Resource ===\n")
			parts = append(parts, sb.String())
		}
	}
	return strings.Join(parts, "\n")
}
