package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m4xw311/agentd/client"
	"github.com/m4xw311/agentd/daemon"
	"github.com/m4xw311/agentd/errors"
	"github.com/spf13/cobra"
)

const startTimeout = 5 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Long: `Run the daemon in the foreground until SIGINT or SIGTERM.

SIGHUP re-reads the configuration. This is the command to hand to systemd
or launchd; start and stop refuse to run under a supervisor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger := daemon.NewLogger(cfg.Log, os.Stderr)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Serve(ctx, cfg, logger, version)
		},
	}
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			pid, err := daemon.NewManager(cfg.Daemon, cfg.ExplicitPath()).Start()
			if err != nil {
				return err
			}
			if err := waitReady(cmd.Context(), client.New(cfg.Daemon), startTimeout); err != nil {
				return errors.Wrapf(err, "daemon (pid %d) did not come up, see %s", pid, cfg.Daemon.LogFile)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pid %d on %s\n", okStyle.Render("agentd started"), pid, cfg.Daemon.Address())
			return nil
		},
	}
}

// waitReady polls /ping until the daemon answers or timeout passes.
func waitReady(ctx context.Context, c *client.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := daemon.NewManager(cfg.Daemon, cfg.ExplicitPath()).Stop(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("agentd stopped"))
			return nil
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			st, err := client.New(cfg.Daemon).Status(cmd.Context())
			if err != nil {
				proc, perr := daemon.NewManager(cfg.Daemon, cfg.ExplicitPath()).Status()
				if perr == nil && proc.Running {
					return errors.Wrapf(err, "pid %d is alive but not answering on %s", proc.PID, cfg.Daemon.Address())
				}
				fmt.Fprintln(cmd.OutOrStdout(), errStyle.Render("agentd is not running"))
				return nil
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st *daemon.Status) {
	row := func(k, v string) { fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", k)), v) }
	fmt.Fprintln(w, okStyle.Render("agentd is running"))
	row("pid", fmt.Sprint(st.PID))
	row("version", st.Version)
	row("uptime", st.Uptime)
	row("transport", st.Transport)
	row("address", st.Address)
	if st.ConfigPath != "" {
		row("config", st.ConfigPath)
	} else {
		row("config", dimStyle.Render("(defaults)"))
	}
}

func newReloadCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make the daemon re-read its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := client.New(cfg.Daemon).ReloadConfig(cmd.Context()); err != nil {
				var se *client.StatusError
				if errors.As(err, &se) {
					return err
				}
				// Not reachable over the transport; signal the process instead.
				if err := daemon.NewManager(cfg.Daemon, cfg.ExplicitPath()).Reload(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("sent SIGHUP to agentd"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("configuration reloaded"))
			return nil
		},
	}
}
