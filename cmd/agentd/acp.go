package main

import (
	"context"
	"os"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/agent/acp"
	"github.com/m4xw311/agentd/daemon"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
	"github.com/spf13/cobra"
)

func newAcpCmd(flags *globalFlags) *cobra.Command {
	var toolset string
	cmd := &cobra.Command{
		Use:   "acp",
		Short: "Serve the Agent Client Protocol on stdio",
		Long: `Serve the Agent Client Protocol on stdin and stdout for editors such as
Zed. Logs go to stderr. Stdin belongs to the editor, so dangerous commands
are refused rather than confirmed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := selectToolset(cfg, toolset); err != nil {
				return err
			}
			logger := daemon.NewLogger(cfg.Log, cmd.ErrOrStderr())
			ctx := cmd.Context()

			store, err := session.Open(cfg.Session)
			if err != nil {
				return err
			}
			defer store.Close()
			ts, err := daemon.BuildToolset(ctx, cfg, nil, tools.WithConfirm(refuseConfirm), tools.WithLogger(logger))
			if err != nil {
				return err
			}
			defer ts.Close()

			h := agent.NewHandler(cfg, store, ts.Executor, agent.WithLogger(logger))
			return acp.New(h, os.Stdin, os.Stdout, logger).Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&toolset, "toolset", "t", "", "Named toolset from the config (default: agent.toolset)")
	return cmd
}

func refuseConfirm(_ context.Context, command string) (bool, error) {
	return false, errors.New("dangerous command %q needs confirmation, which is unavailable over ACP", command)
}
