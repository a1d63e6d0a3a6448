package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name  string
	mu    sync.RWMutex
	conn  *mcpsdk.ClientSession
	tools []*MCPTool
}

// NewMCPClient starts the MCP server subprocess and initializes the client.
// It is responsible for discovering the tools provided by the server.
func NewMCPClient(ctx context.Context, server config.MCPServer) (*MCPClient, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Stderr = os.Stderr
	if len(server.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range server.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "agentd", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}
	client := &MCPClient{Name: server.Name, conn: conn}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", server.Name)
		}
		for _, t := range list.Tools {
			client.tools = append(client.tools, &MCPTool{
				serverName:  server.Name,
				toolName:    t.Name,
				description: t.Description,
				schema:      schemaMap(t.InputSchema),
				client:      client,
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	slog.Info("initialized MCP client", "server", server.Name, "tools", len(client.tools))
	return client, nil
}

// Tools returns the tools advertised by this server.
func (c *MCPClient) Tools() []*MCPTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Stop closes the session, which terminates the subprocess.
func (c *MCPClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *MCPClient) session() *mcpsdk.ClientSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// MCPTool represents a tool available from an external MCP server. It
// satisfies tools.Tool so the executor treats it like any local tool.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	client      *MCPClient
}

var _ tools.Tool = (*MCPTool)(nil)

// Name returns the tool name as advertised. Qualified names with ':' or '.'
// are rejected by some providers.
func (t *MCPTool) Name() string { return t.toolName }

func (t *MCPTool) Label() string { return t.serverName + "/" + t.toolName }

func (t *MCPTool) Description() string { return t.description }

func (t *MCPTool) Parameters() map[string]any { return t.schema }

// Execute forwards the call to the MCP server.
func (t *MCPTool) Execute(ctx context.Context, _ string, params map[string]any, _ tools.ProgressFunc) (tools.Result, error) {
	conn := t.client.session()
	if conn == nil {
		return tools.Failure("MCP server '%s' is not running", t.serverName), nil
	}
	result, err := conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: params,
	})
	if err != nil {
		return tools.Result{}, errors.Wrapf(err, "failed to call tool '%s'", t.Label())
	}
	text := formatContent(result.Content)
	if result.IsError {
		return tools.Result{Success: false, Error: text}, nil
	}
	return tools.Success(text), nil
}

// Connect starts every configured server and registers its tools. Servers
// that fail to start are logged and skipped.
func Connect(ctx context.Context, servers []config.MCPServer, reg *tools.Registry) []*MCPClient {
	var clients []*MCPClient
	for _, s := range servers {
		c, err := NewMCPClient(ctx, s)
		if err != nil {
			slog.Warn("MCP server unavailable", "server", s.Name, "error", err)
			continue
		}
		for _, t := range c.Tools() {
			if err := reg.Register(t); err != nil {
				slog.Warn("skipping MCP tool", "server", s.Name, "tool", t.toolName, "error", err)
			}
		}
		clients = append(clients, c)
	}
	return clients
}

func formatContent(content []mcpsdk.Content) string {
	var sb strings.Builder
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			sb.WriteString(v.Text)
		default:
			if data, err := json.Marshal(c); err == nil {
				sb.Write(data)
			}
		}
	}
	return sb.String()
}

func schemaMap(schema any) map[string]any {
	switch s := schema.(type) {
	case nil:
		return map[string]any{"type": "object"}
	case map[string]any:
		return s
	default:
		data, err := json.Marshal(s)
		if err != nil {
			return map[string]any{"type": "object"}
		}
		var m map[string]any
		if json.Unmarshal(data, &m) != nil {
			return map[string]any{"type": "object"}
		}
		return m
	}
}
