// Package terminal implements the interactive command-line mode for agentd.
//
// A Terminal drives an agent.Handler in-process, without a running daemon.
// It reads prompts line by line, streams the assistant's text as it arrives
// and prints one line per completed tool call. The session created by the
// first turn is reused for every following turn.
//
// # Usage
//
//	term := terminal.New(handler, os.Stdin, os.Stdout)
//	term.Verbosity = terminal.VerbosityAll
//	err := term.Run(ctx, initialPrompt)
//
// Confirm and Prompter plug terminal forms into the tool executor, for
// dangerous-command confirmation and for the askUser tool. ApproveTool, used
// through tools.ApprovalHook, asks before every call.
//
// # Modes
//
//   - auto: tools run without asking, except dangerous commands
//   - prompt: every tool call needs confirmation
//
// # Features
//
//   - Support for an initial prompt from command-line arguments
//   - Session continuity across turns
//   - Configurable verbosity for tool call output
//   - Exit commands (/quit, /exit) for graceful termination
//
// # Verbosity Levels
//
//   - None: No tool call information is displayed
//   - Info: Tool names and final status are displayed
//   - All: Tool names, arguments, and results are displayed
package terminal
