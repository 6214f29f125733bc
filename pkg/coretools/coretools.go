// Package coretools registers the built-in workspace tools: command
// execution, file reads and writes, precise edits, and directory
// listings. Every path argument is resolved inside the configured
// workspace root; escapes via .. or absolute paths are rejected.
package coretools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/andhika/lumen/pkg/toolinvoker"
)

const (
	defaultReadLimit   = 256 * 1024
	defaultExecTimeout = 60 * time.Second
)

// Options configures the core tool set.
type Options struct {
	WorkspaceRoot string
	Logger        zerolog.Logger

	// DisableExec drops the execute_command tool for locked-down
	// deployments.
	DisableExec bool
}

// Register adds the core tools to the invoker.
func Register(inv *toolinvoker.Invoker, opts Options) error {
	if opts.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root is required")
	}
	root, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("invalid workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}
	opts.WorkspaceRoot = root

	defs := []toolinvoker.Definition{
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		listDirTool(opts),
	}
	if !opts.DisableExec {
		defs = append(defs, execTool(opts))
	}

	for _, def := range defs {
		if err := inv.Register(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}

	opts.Logger.Info().
		Int("count", len(defs)).
		Str("workspace", root).
		Msg("Core tools registered")

	return nil
}

func execTool(opts Options) toolinvoker.Definition {
	return toolinvoker.Definition{
		Name:        "execute_command",
		Description: "Run a shell command inside the workspace and return its combined output.",
		Parameters: []toolinvoker.Parameter{
			{Name: "command", Type: "string", Description: "Command line to run with sh -c", Required: true},
			{Name: "timeout_seconds", Type: "number", Description: "Kill the command after this many seconds", Default: 60},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			command, _ := args["command"].(string)
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("command cannot be empty")
			}

			timeout := parseDurationSeconds(args["timeout_seconds"], defaultExecTimeout)
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "sh", "-c", command)
			cmd.Dir = opts.WorkspaceRoot

			output, err := cmd.CombinedOutput()
			if execCtx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("command timed out after %s", timeout)
			}
			if err != nil {
				return "", fmt.Errorf("command failed: %w\n%s", err, string(output))
			}
			return string(output), nil
		},
	}
}

func readFileTool(opts Options) toolinvoker.Definition {
	return toolinvoker.Definition{
		Name:        "read_file",
		Description: "Read a file inside the workspace. Large files are truncated.",
		Parameters: []toolinvoker.Parameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			target, err := resolvePath(opts.WorkspaceRoot, args["path"])
			if err != nil {
				return "", err
			}

			data, truncated, err := readWithLimit(target, defaultReadLimit)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			if truncated {
				return string(data) + "\n[truncated]", nil
			}
			return string(data), nil
		},
	}
}

func writeFileTool(opts Options) toolinvoker.Definition {
	return toolinvoker.Definition{
		Name:        "write_file",
		Description: "Write content to a file inside the workspace, creating parent directories.",
		Parameters: []toolinvoker.Parameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite", Default: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			target, err := resolvePath(opts.WorkspaceRoot, args["path"])
			if err != nil {
				return "", err
			}

			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", fmt.Errorf("failed to create parent directory: %w", err)
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			if appendMode {
				flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
			}

			f, err := os.OpenFile(target, flags, 0644)
			if err != nil {
				return "", fmt.Errorf("failed to open file: %w", err)
			}
			defer f.Close()

			if _, err := f.WriteString(content); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}

			return fmt.Sprintf("wrote %d bytes to %s", len(content), args["path"]), nil
		},
	}
}

func editFileTool(opts Options) toolinvoker.Definition {
	return toolinvoker.Definition{
		Name:        "edit_file",
		Description: "Replace an exact text span in a file. The old text must appear exactly once.",
		Parameters: []toolinvoker.Parameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root", Required: true},
			{Name: "old_text", Type: "string", Description: "Text to replace, must match exactly once", Required: true},
			{Name: "new_text", Type: "string", Description: "Replacement text", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			target, err := resolvePath(opts.WorkspaceRoot, args["path"])
			if err != nil {
				return "", err
			}

			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)
			if oldText == "" {
				return "", fmt.Errorf("old_text cannot be empty")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return "", fmt.Errorf("failed to read file: %w", err)
			}

			content := string(data)
			switch count := strings.Count(content, oldText); {
			case count == 0:
				return "", fmt.Errorf("old_text not found in %s", args["path"])
			case count > 1:
				return "", fmt.Errorf("old_text matches %d locations in %s, make it unique", count, args["path"])
			}

			updated := strings.Replace(content, oldText, newText, 1)
			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return "", fmt.Errorf("failed to write file: %w", err)
			}

			return fmt.Sprintf("edited %s", args["path"]), nil
		},
	}
}

func listDirTool(opts Options) toolinvoker.Definition {
	return toolinvoker.Definition{
		Name:        "list_directory",
		Description: "List entries in a workspace directory.",
		Parameters: []toolinvoker.Parameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace root, defaults to the root", Default: "."},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			pathArg := args["path"]
			if pathArg == nil || pathArg == "" {
				pathArg = "."
			}
			target, err := resolvePath(opts.WorkspaceRoot, pathArg)
			if err != nil {
				return "", err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return "", fmt.Errorf("failed to list directory: %w", err)
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)

			if len(names) == 0 {
				return "(empty)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	}
}

// resolvePath joins a relative path onto the workspace root and rejects
// anything that escapes it.
func resolvePath(root string, value interface{}) (string, error) {
	rel, _ := value.(string)
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}

	target := filepath.Clean(filepath.Join(root, rel))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return target, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}

	if info.Size() <= limit {
		data, err := os.ReadFile(path)
		return data, false, err
	}

	buf := make([]byte, limit)
	n, err := f.Read(buf)
	if err != nil {
		return nil, false, err
	}
	return buf[:n], true, nil
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	seconds, ok := value.(float64)
	if !ok || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}
