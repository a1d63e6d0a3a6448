package daemon

import (
	"context"
	"log/slog"

	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/tools"
	"github.com/m4xw311/agentd/tools/mcp"
)

// Toolset is the executor built from one configuration together with the
// MCP servers it started.
type Toolset struct {
	Executor *tools.Executor
	clients  []*mcp.MCPClient
}

// BuildToolset registers the built-in tools and every reachable MCP server
// into a fresh registry. The daemon passes a nil prompter, so askUser fails
// there; the local terminal passes its own.
func BuildToolset(ctx context.Context, cfg *config.Config, prompter tools.Prompter, opts ...tools.ExecutorOption) (*Toolset, error) {
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, cfg.Tools, prompter); err != nil {
		return nil, err
	}
	clients := mcp.Connect(ctx, cfg.AdditionalMCPServers, reg)
	if err := applyToolset(cfg, reg); err != nil {
		stopClients(clients)
		return nil, err
	}

	opts = append([]tools.ExecutorOption{tools.WithDangerousCommandCheck(cfg.Tools.DangerousCmd)}, opts...)
	return &Toolset{Executor: tools.NewExecutor(reg, opts...), clients: clients}, nil
}

// applyToolset narrows reg to the toolset named by agent.toolset.
func applyToolset(cfg *config.Config, reg *tools.Registry) error {
	ts, err := cfg.GetToolset("")
	if err != nil || ts == nil {
		return err
	}
	for _, name := range reg.Restrict(ts.Tools) {
		slog.Warn("toolset names an unknown tool", "toolset", ts.Name, "tool", name)
	}
	return nil
}

// Close stops the MCP servers. Calls still running keep their context.
func (t *Toolset) Close() {
	if t == nil {
		return
	}
	stopClients(t.clients)
}

func stopClients(clients []*mcp.MCPClient) {
	for _, c := range clients {
		if err := c.Stop(); err != nil {
			slog.Warn("failed to stop MCP server", "server", c.Name, "error", err)
		}
	}
}
