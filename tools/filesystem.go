package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/agentd/config"
)

const maxReadBytes = 1 << 20

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess config.FilesystemAccess
}

func NewReadFileTool(access config.FilesystemAccess) *ReadFileTool {
	return &ReadFileTool{fsAccess: access}
}

func (t *ReadFileTool) Name() string  { return "readFile" }
func (t *ReadFileTool) Label() string { return "Read File" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Relative paths resolve against the workspace."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, _ string, params map[string]any, _ ProgressFunc) (Result, error) {
	ws := ExecContextFrom(ctx).Workspace
	raw := stringParam(params, "path")
	path := resolvePath(raw, ws)

	hidden, err := isPathRestricted(raw, ws, t.fsAccess.Hidden)
	if err != nil {
		return Result{}, err
	}
	if hidden {
		return Failure("access denied: path '%s' is hidden", raw), nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Failure("failed to read file '%s': %v", raw, err), nil
	}
	if info.IsDir() {
		return Failure("'%s' is a directory", raw), nil
	}
	if info.Size() > maxReadBytes {
		return Failure("'%s' is %d bytes, larger than the %d byte limit", raw, info.Size(), maxReadBytes), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Failure("failed to read file '%s': %v", raw, err), nil
	}
	return Success(string(content)), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess config.FilesystemAccess
}

func NewWriteFileTool(access config.FilesystemAccess) *WriteFileTool {
	return &WriteFileTool{fsAccess: access}
}

func (t *WriteFileTool) Name() string  { return "writeFile" }
func (t *WriteFileTool) Label() string { return "Write File" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Parent directories are created."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File to write"},
			"content": map[string]any{"type": "string", "description": "Full new content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, _ string, params map[string]any, _ ProgressFunc) (Result, error) {
	ws := ExecContextFrom(ctx).Workspace
	raw := stringParam(params, "path")
	content := stringParam(params, "content")
	path := resolvePath(raw, ws)

	hidden, err := isPathRestricted(raw, ws, t.fsAccess.Hidden)
	if err != nil {
		return Result{}, err
	}
	if hidden {
		return Failure("access denied: path '%s' is hidden", raw), nil
	}

	readOnly, err := isPathRestricted(raw, ws, t.fsAccess.ReadOnly)
	if err != nil {
		return Result{}, err
	}
	if readOnly {
		return Failure("access denied: path '%s' is read-only", raw), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Failure("failed to create directory for '%s': %v", raw, err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return Failure("failed to write to file '%s': %v", raw, err), nil
	}
	return Success(fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), raw)), nil
}

// ListFilesTool lists a directory, optionally recursively and filtered by a
// doublestar pattern.
type ListFilesTool struct {
	fsAccess config.FilesystemAccess
}

func NewListFilesTool(access config.FilesystemAccess) *ListFilesTool {
	return &ListFilesTool{fsAccess: access}
}

func (t *ListFilesTool) Name() string  { return "listFiles" }
func (t *ListFilesTool) Label() string { return "List Files" }
func (t *ListFilesTool) Description() string {
	return "Lists files in a directory. Directories end in '/'. Use pattern (e.g. '**/*.go') to filter."
}

func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "Directory to list"},
			"pattern":   map[string]any{"type": "string", "description": "Optional glob filter"},
			"recursive": map[string]any{"type": "boolean", "description": "Descend into subdirectories"},
		},
		"required": []string{"path"},
	}
}

const maxListEntries = 1000

func (t *ListFilesTool) Execute(ctx context.Context, _ string, params map[string]any, _ ProgressFunc) (Result, error) {
	ws := ExecContextFrom(ctx).Workspace
	raw := stringParam(params, "path")
	pattern := stringParam(params, "pattern")
	recursive := boolParam(params, "recursive") || strings.Contains(pattern, "**")
	root := resolvePath(raw, ws)

	hidden, err := isPathRestricted(raw, ws, t.fsAccess.Hidden)
	if err != nil {
		return Result{}, err
	}
	if hidden {
		return Failure("access denied: path '%s' is hidden", raw), nil
	}
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return Failure("invalid pattern '%s'", pattern), nil
	}

	var entries []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		if h, _ := isPathRestricted(filepath.Join(raw, rel), ws, t.fsAccess.Hidden); h {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if pattern == "" || matchPattern(pattern, rel) {
			name := rel
			if d.IsDir() {
				name += "/"
			}
			if len(entries) >= maxListEntries {
				truncated = true
				return fs.SkipAll
			}
			entries = append(entries, name)
		}
		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return Failure("failed to list '%s': %v", raw, err), nil
	}
	sort.Strings(entries)
	data := map[string]any{"path": raw, "files": entries, "count": len(entries)}
	if truncated {
		data["truncated"] = true
	}
	return Success(data), nil
}

func matchPattern(pattern, rel string) bool {
	if ok, _ := doublestar.Match(pattern, rel); ok {
		return true
	}
	ok, _ := doublestar.Match(pattern, filepath.Base(rel))
	return ok
}
