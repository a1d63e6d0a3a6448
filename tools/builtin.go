package tools

import (
	"slices"

	"github.com/m4xw311/agentd/config"
)

// RegisterBuiltins registers the local tools not listed in cfg.Disabled.
func RegisterBuiltins(r *Registry, cfg config.ToolsConfig, prompter Prompter) error {
	builtins := []Tool{
		NewReadFileTool(cfg.FilesystemAccess),
		NewWriteFileTool(cfg.FilesystemAccess),
		NewListFilesTool(cfg.FilesystemAccess),
		NewExecuteCommandTool(cfg.AllowedCommands),
		NewGitStatusTool(),
		NewGitDiffTool(),
		NewGitLogTool(),
		NewAskUserTool(prompter),
	}
	for _, t := range builtins {
		if slices.Contains(cfg.Disabled, t.Name()) {
			continue
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
