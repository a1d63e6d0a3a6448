package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/tools"
)

// Verbosity controls how much of each tool call is printed.
type Verbosity int

const (
	VerbosityNone Verbosity = iota
	VerbosityInfo
	VerbosityAll
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	handler *agent.Handler
	in      io.Reader
	out     io.Writer

	Verbosity    Verbosity
	Model        string
	Workspace    string
	IncludeThink bool
	// SessionID is filled in after the first turn and reused afterwards.
	SessionID string
}

// New creates a new Terminal reading prompts from in and writing to out.
func New(h *agent.Handler, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{handler: h, in: in, out: out, Verbosity: VerbosityInfo}
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(t.in)
	for {
		fmt.Fprint(t.out, labelStyle.Render("You: "))
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintln(t.out, errStyle.Render("Error: "+err.Error()))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return scanner.Err()
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	req := agent.Request{
		SessionID:    t.SessionID,
		Message:      userInput,
		Model:        t.Model,
		Workspace:    t.Workspace,
		IncludeThink: t.IncludeThink,
	}
	started := false
	err := t.handler.ChatStream(ctx, req, func(e agent.Event) error {
		switch e.Type {
		case agent.EventText:
			if !started {
				fmt.Fprint(t.out, labelStyle.Render("agentd: "))
				started = true
			}
			fmt.Fprint(t.out, e.Content)
		case agent.EventToolCall:
			if started {
				fmt.Fprintln(t.out)
				started = false
			}
			t.printToolCall(*e.Record)
		case agent.EventDone:
			t.SessionID = e.SessionID
		}
		return nil
	})
	if started {
		fmt.Fprintln(t.out)
	}
	return err
}

func (t *Terminal) printToolCall(rec tools.CallRecord) {
	switch t.Verbosity {
	case VerbosityInfo:
		fmt.Fprintln(t.out, toolStyle.Render(fmt.Sprintf("tool `%s` %s", rec.ToolName, rec.Status)))
	case VerbosityAll:
		args, _ := json.Marshal(rec.Params)
		fmt.Fprintln(t.out, toolStyle.Render(fmt.Sprintf("tool `%s` %s with args: %s", rec.ToolName, rec.Status, args)))
		if rec.Result != nil {
			out, _ := json.Marshal(rec.Result)
			fmt.Fprintf(t.out, "Tool `%s` output: %s\n", rec.ToolName, out)
		}
	}
}

// Confirm asks on the terminal before a dangerous command runs.
func Confirm(ctx context.Context, command string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run dangerous command?").
				Description(command).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithShowHelp(false)
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return ok, nil
}

// ApproveTool asks on the terminal before any tool runs. It backs the
// prompt mode of the run command.
func ApproveTool(ctx context.Context, rec tools.CallRecord) (bool, error) {
	args, _ := json.Marshal(rec.Params)
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Allow tool `%s`?", rec.ToolName)).
				Description(string(args)).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithShowHelp(false)
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return ok, nil
}

// Prompter answers askUser calls on the terminal.
type Prompter struct{}

func (Prompter) Ask(ctx context.Context, question string) (string, error) {
	var answer string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(question).
				Value(&answer),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return answer, nil
}
