package tools

import (
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentd/errors"
)

// isPathRestricted checks if a path matches any of the glob patterns. Both
// the path as given and its form relative to the workspace are tried.
func isPathRestricted(path, workspace string, patterns []string) (bool, error) {
	candidates := []string{filepath.ToSlash(filepath.Clean(path))}
	if workspace != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(workspace, path); err == nil && !strings.HasPrefix(rel, "..") {
			candidates = append(candidates, filepath.ToSlash(rel))
		}
	}
	for _, pattern := range patterns {
		for _, c := range candidates {
			match, err := doublestar.PathMatch(pattern, c)
			if err != nil {
				return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
			}
			if match {
				return true, nil
			}
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex
// support). An empty allowlist permits everything.
func isCommandAllowed(command string, allowed []string) bool {
	if len(strings.Fields(command)) == 0 {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			slog.Warn("invalid regex in allowed_commands", "pattern", pattern, "error", err)
			// Fall back to simple string comparison if regex is invalid
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// resolvePath makes path absolute against the request workspace.
func resolvePath(path, workspace string) string {
	if filepath.IsAbs(path) || workspace == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(workspace, path)
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func boolParam(params map[string]any, key string) bool {
	b, _ := params[key].(bool)
	return b
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
