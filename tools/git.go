package tools

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// gitTool runs one read-only git subcommand in the workspace.
type gitTool struct {
	name        string
	label       string
	description string
	params      map[string]any
	args        func(params map[string]any) []string
}

func (t *gitTool) Name() string               { return t.name }
func (t *gitTool) Label() string              { return t.label }
func (t *gitTool) Description() string        { return t.description }
func (t *gitTool) Parameters() map[string]any { return t.params }

func (t *gitTool) Execute(ctx context.Context, _ string, params map[string]any, _ ProgressFunc) (Result, error) {
	args := t.args(params)
	cmd := exec.CommandContext(ctx, "git", args...)
	if ws := ExecContextFrom(ctx).Workspace; ws != "" {
		cmd.Dir = ws
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Failure("git %s failed: %s", args[0], msg), nil
	}
	return Success(stdout.String()), nil
}

func NewGitStatusTool() Tool {
	return &gitTool{
		name:        "gitStatus",
		label:       "Git Status",
		description: "Shows the working tree status of the workspace repository.",
		params:      map[string]any{"type": "object", "properties": map[string]any{}},
		args: func(map[string]any) []string {
			return []string{"status", "--porcelain=v1", "--branch"}
		},
	}
}

func NewGitDiffTool() Tool {
	return &gitTool{
		name:        "gitDiff",
		label:       "Git Diff",
		description: "Shows unstaged changes, or staged changes when staged is true. Optionally limited to one path.",
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string"},
				"staged": map[string]any{"type": "boolean"},
			},
		},
		args: func(p map[string]any) []string {
			args := []string{"diff", "--no-color"}
			if boolParam(p, "staged") {
				args = append(args, "--cached")
			}
			if path := stringParam(p, "path"); path != "" {
				args = append(args, "--", path)
			}
			return args
		},
	}
}

func NewGitLogTool() Tool {
	return &gitTool{
		name:        "gitLog",
		label:       "Git Log",
		description: "Shows recent commits, one per line.",
		params: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
			},
		},
		args: func(p map[string]any) []string {
			return []string{"log", "--oneline", "--no-color", "-n", strconv.Itoa(intParam(p, "limit", 20))}
		},
	}
}
