package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	maxCommandOutput      = 256 << 10
)

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	allowedCommands []string
}

func NewExecuteCommandTool(allowed []string) *ExecuteCommandTool {
	return &ExecuteCommandTool{allowedCommands: allowed}
}

func (t *ExecuteCommandTool) Name() string  { return "executeCommand" }
func (t *ExecuteCommandTool) Label() string { return "Run Command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a shell command with sh -c and returns its combined output and exit code."
	}

	allowedList := "Allowed command patterns:\n"
	for _, cmd := range t.allowedCommands {
		allowedList += fmt.Sprintf("- %s\n", cmd)
	}
	return fmt.Sprintf("Executes a shell command with sh -c and returns its combined output and exit code.\n%s", allowedList)
}

func (t *ExecuteCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":         map[string]any{"type": "string", "description": "Shell command line"},
			"cwd":             map[string]any{"type": "string", "description": "Working directory, defaults to the workspace"},
			"timeout_seconds": map[string]any{"type": "integer", "minimum": 1, "maximum": 3600},
		},
		"required": []string{"command"},
	}
}

// Command exposes the command text to the dangerous-command guard.
func (t *ExecuteCommandTool) Command(params map[string]any) string {
	return stringParam(params, "command")
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, _ string, params map[string]any, progress ProgressFunc) (Result, error) {
	command := stringParam(params, "command")
	if !isCommandAllowed(command, t.allowedCommands) {
		return Failure("command '%s' is not in the list of allowed commands", command), nil
	}

	timeout := defaultCommandTimeout
	if s := intParam(params, "timeout_seconds", 0); s > 0 {
		timeout = time.Duration(s) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	ws := ExecContextFrom(ctx).Workspace
	if cwd := stringParam(params, "cwd"); cwd != "" {
		cmd.Dir = resolvePath(cwd, ws)
	} else if ws != "" {
		cmd.Dir = ws
	}
	out := &progressWriter{progress: progress}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	output := out.String()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Success: false, Error: fmt.Sprintf("command timed out after %s", timeout), Data: map[string]any{"output": output}}, nil
	}
	if ctx.Err() != nil {
		return Result{Success: false, Error: "cancelled"}, nil
	}
	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return Failure("command execution failed: %v", err), nil
		}
		exitCode = exitErr.ExitCode()
	}
	data := map[string]any{"output": output, "exit_code": exitCode}
	if exitCode != 0 {
		return Result{Success: false, Error: fmt.Sprintf("command exited with status %d", exitCode), Data: data}, nil
	}
	return Success(data), nil
}

// progressWriter collects output and reports each chunk as progress.
type progressWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
	progress  ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.buf.Len() < maxCommandOutput {
		room := maxCommandOutput - w.buf.Len()
		if len(p) > room {
			w.buf.Write(p[:room])
			w.truncated = true
		} else {
			w.buf.Write(p)
		}
	} else {
		w.truncated = true
	}
	w.mu.Unlock()
	if w.progress != nil {
		w.progress(Result{Success: true, Status: strings.TrimRight(string(p), "\n")})
	}
	return len(p), nil
}

func (w *progressWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.truncated {
		return w.buf.String() + "\n[output truncated]"
	}
	return w.buf.String()
}
