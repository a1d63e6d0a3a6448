package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/agent/terminal"
	"github.com/m4xw311/agentd/client"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/daemon"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/session"
	"github.com/m4xw311/agentd/tools"
	"github.com/spf13/cobra"
)

type turnFlags struct {
	sessionID    string
	model        string
	workspace    string
	includeThink bool
	verbosity    string
}

func (t *turnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.sessionID, "session", "s", "", "Session id to continue")
	cmd.Flags().StringVarP(&t.model, "model", "m", "", "Model name from the config (default: default_model)")
	cmd.Flags().StringVarP(&t.workspace, "workspace", "w", "", "Workspace directory for tools (default: current directory)")
	cmd.Flags().BoolVar(&t.includeThink, "think", false, "Show <think> reasoning blocks")
	cmd.Flags().StringVar(&t.verbosity, "tool-verbosity", "info", "Tool call output: none, info or all")
}

func (t *turnFlags) resolveWorkspace() string {
	if t.workspace != "" {
		return t.workspace
	}
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func parseVerbosity(s string) (terminal.Verbosity, error) {
	switch strings.ToLower(s) {
	case "none":
		return terminal.VerbosityNone, nil
	case "info", "":
		return terminal.VerbosityInfo, nil
	case "all":
		return terminal.VerbosityAll, nil
	}
	return 0, errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", s)
}

func newChatCmd(flags *globalFlags) *cobra.Command {
	tf := &turnFlags{}
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the running daemon",
		Long: `Send a prompt to the running daemon and stream the answer.

With a prompt, one turn is run and the command exits. Without one, prompts
are read line by line until /quit, /exit or end of input, all in one session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			verbosity, err := parseVerbosity(tf.verbosity)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := client.New(cfg.Daemon)
			if err := c.Ping(ctx); err != nil {
				return errors.Wrapf(err, "agentd is not running on %s (try `agentd start`)", cfg.Daemon.Address())
			}
			p := &printer{out: cmd.OutOrStdout(), verbosity: verbosity, sessionID: tf.sessionID}
			send := func(prompt string) error {
				req := agent.Request{
					SessionID:    p.sessionID,
					Message:      prompt,
					Model:        tf.model,
					Workspace:    tf.resolveWorkspace(),
					IncludeThink: tf.includeThink,
				}
				err := c.ChatStream(ctx, req, p.handle)
				p.endLine()
				return err
			}

			if len(args) > 0 {
				if err := send(strings.Join(args, " ")); err != nil {
					return err
				}
				p.printSession()
				return nil
			}
			err = readPrompts(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), func(prompt string) {
				if err := send(prompt); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), errStyle.Render("Error:"), err)
				}
			})
			p.printSession()
			return err
		},
	}
	tf.register(cmd)
	return cmd
}

// readPrompts calls turn for each non-empty line until an exit command.
func readPrompts(ctx context.Context, in io.Reader, out io.Writer, turn func(string)) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, labelStyle.Render("You: "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		turn(line)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// printer renders daemon events on the terminal.
type printer struct {
	out       io.Writer
	verbosity terminal.Verbosity
	sessionID string
	inText    bool
}

func (p *printer) handle(e agent.Event) error {
	switch e.Type {
	case agent.EventText:
		if !p.inText {
			fmt.Fprint(p.out, labelStyle.Render("agentd: "))
			p.inText = true
		}
		fmt.Fprint(p.out, e.Content)
	case agent.EventToolCall:
		p.endLine()
		if e.Record != nil {
			p.printTool(*e.Record)
		}
	case agent.EventDone:
		p.sessionID = e.SessionID
	}
	return nil
}

func (p *printer) printTool(rec tools.CallRecord) {
	switch p.verbosity {
	case terminal.VerbosityInfo:
		fmt.Fprintln(p.out, toolStyle.Render(fmt.Sprintf("tool `%s` %s", rec.ToolName, rec.Status)))
	case terminal.VerbosityAll:
		args, _ := json.Marshal(rec.Params)
		fmt.Fprintln(p.out, toolStyle.Render(fmt.Sprintf("tool `%s` %s with args: %s", rec.ToolName, rec.Status, args)))
		if rec.Result != nil {
			out, _ := json.Marshal(rec.Result)
			fmt.Fprintln(p.out, dimStyle.Render(string(out)))
		}
	}
}

func (p *printer) endLine() {
	if p.inText {
		fmt.Fprintln(p.out)
		p.inText = false
	}
}

func (p *printer) printSession() {
	if p.sessionID != "" {
		fmt.Fprintln(p.out, dimStyle.Render("session "+p.sessionID))
	}
}

// Tool approval modes for the run command.
const (
	modeAuto   = "auto"
	modePrompt = "prompt"
)

// localToolOptions returns the executor options for an in-process run in
// mode.
func localToolOptions(mode string) ([]tools.ExecutorOption, error) {
	opts := []tools.ExecutorOption{tools.WithConfirm(terminal.Confirm)}
	switch strings.ToLower(mode) {
	case modeAuto, "":
	case modePrompt:
		opts = append(opts, tools.WithHooks(tools.ApprovalHook(terminal.ApproveTool)))
	default:
		return nil, errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", mode)
	}
	return opts, nil
}

// selectToolset overrides agent.toolset and checks the name exists.
func selectToolset(cfg *config.Config, name string) error {
	if name == "" {
		return nil
	}
	cfg.Agent.Toolset = name
	_, err := cfg.GetToolset(name)
	return err
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	tf := &turnFlags{}
	var mode, toolset string
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the agent in this terminal without a daemon",
		Long: `Run the agent in-process. Dangerous commands are confirmed on the
terminal and the askUser tool prompts here. With --mode prompt every tool
call needs approval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			verbosity, err := parseVerbosity(tf.verbosity)
			if err != nil {
				return err
			}
			toolOpts, err := localToolOptions(mode)
			if err != nil {
				return err
			}
			if err := selectToolset(cfg, toolset); err != nil {
				return err
			}
			logger := daemon.NewLogger(cfg.Log, cmd.ErrOrStderr())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			store, err := session.Open(cfg.Session)
			if err != nil {
				return err
			}
			defer store.Close()
			ts, err := daemon.BuildToolset(ctx, cfg, terminal.Prompter{},
				append(toolOpts, tools.WithLogger(logger))...)
			if err != nil {
				return err
			}
			defer ts.Close()

			h := agent.NewHandler(cfg, store, ts.Executor, agent.WithLogger(logger))
			term := terminal.New(h, cmd.InOrStdin(), cmd.OutOrStdout())
			term.Verbosity = verbosity
			term.Model = tf.model
			term.Workspace = tf.resolveWorkspace()
			term.IncludeThink = tf.includeThink
			term.SessionID = tf.sessionID

			err = term.Run(ctx, strings.Join(args, " "))
			if term.SessionID != "" {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("session "+term.SessionID))
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", modeAuto, "Tool approval: auto or prompt")
	cmd.Flags().StringVarP(&toolset, "toolset", "t", "", "Named toolset from the config (default: agent.toolset)")
	return cmd
}
