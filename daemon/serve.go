package daemon

import (
	"context"
	"log/slog"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
)

// Serve runs the daemon in the foreground until ctx is cancelled. The
// session backend is opened once; reloads do not switch it.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) error {
	store, err := session.Open(cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()

	ts, err := BuildToolset(ctx, cfg, nil, tools.WithLogger(logger))
	if err != nil {
		return err
	}
	handler := agent.NewHandler(cfg, store, ts.Executor, agent.WithLogger(logger))

	if err := WritePIDFile(cfg.Daemon.PIDFile); err != nil {
		ts.Close()
		return err
	}
	defer RemovePIDFile(cfg.Daemon.PIDFile)

	srv := New(cfg, handler, WithLogger(logger), WithVersion(version), WithToolset(ts))
	return srv.Run(ctx)
}
