package coretools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andhika/lumen/pkg/toolinvoker"
)

func newTestInvoker(t *testing.T) (*toolinvoker.Invoker, string) {
	t.Helper()

	root := t.TempDir()
	inv := toolinvoker.New(10 * time.Second)
	require.NoError(t, Register(inv, Options{
		WorkspaceRoot: root,
		Logger:        zerolog.Nop(),
	}))
	return inv, root
}

func TestRegister(t *testing.T) {
	t.Run("registers the full tool set", func(t *testing.T) {
		inv, _ := newTestInvoker(t)

		names := make([]string, 0)
		for _, def := range inv.List() {
			names = append(names, def.Name)
		}
		assert.ElementsMatch(t, []string{
			"execute_command", "read_file", "write_file", "edit_file", "list_directory",
		}, names)
	})

	t.Run("omits exec when disabled", func(t *testing.T) {
		inv := toolinvoker.New(10 * time.Second)
		require.NoError(t, Register(inv, Options{
			WorkspaceRoot: t.TempDir(),
			Logger:        zerolog.Nop(),
			DisableExec:   true,
		}))

		assert.Nil(t, inv.Get("execute_command"))
		assert.NotNil(t, inv.Get("read_file"))
	})

	t.Run("requires a workspace root", func(t *testing.T) {
		inv := toolinvoker.New(10 * time.Second)
		err := Register(inv, Options{Logger: zerolog.Nop()})
		assert.Error(t, err)
	})
}

func TestReadWriteTools(t *testing.T) {
	inv, root := newTestInvoker(t)
	ctx := context.Background()

	t.Run("write then read round trip", func(t *testing.T) {
		res := inv.Invoke(ctx, "write_file", map[string]interface{}{
			"path":    "notes/todo.txt",
			"content": "buy milk",
		})
		require.True(t, res.Success, res.Error)

		res = inv.Invoke(ctx, "read_file", map[string]interface{}{
			"path": "notes/todo.txt",
		})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, "buy milk", res.Content)
	})

	t.Run("append mode extends the file", func(t *testing.T) {
		inv.Invoke(ctx, "write_file", map[string]interface{}{
			"path": "log.txt", "content": "one\n",
		})
		inv.Invoke(ctx, "write_file", map[string]interface{}{
			"path": "log.txt", "content": "two\n", "append": true,
		})

		res := inv.Invoke(ctx, "read_file", map[string]interface{}{"path": "log.txt"})
		require.True(t, res.Success)
		assert.Equal(t, "one\ntwo\n", res.Content)
	})

	t.Run("rejects paths escaping the workspace", func(t *testing.T) {
		res := inv.Invoke(ctx, "read_file", map[string]interface{}{
			"path": "../outside.txt",
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "escapes")
	})

	t.Run("rejects absolute paths", func(t *testing.T) {
		res := inv.Invoke(ctx, "write_file", map[string]interface{}{
			"path": filepath.Join(root, "abs.txt"), "content": "x",
		})
		assert.False(t, res.Success)
	})
}

func TestEditFileTool(t *testing.T) {
	inv, root := newTestInvoker(t)
	ctx := context.Background()

	writeFixture := func(t *testing.T, name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0644))
	}

	t.Run("replaces a unique span", func(t *testing.T) {
		writeFixture(t, "a.txt", "hello world")

		res := inv.Invoke(ctx, "edit_file", map[string]interface{}{
			"path": "a.txt", "old_text": "world", "new_text": "there",
		})
		require.True(t, res.Success, res.Error)

		data, err := os.ReadFile(filepath.Join(root, "a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello there", string(data))
	})

	t.Run("fails when the span is missing", func(t *testing.T) {
		writeFixture(t, "b.txt", "hello")

		res := inv.Invoke(ctx, "edit_file", map[string]interface{}{
			"path": "b.txt", "old_text": "absent", "new_text": "x",
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "not found")
	})

	t.Run("fails on ambiguous spans", func(t *testing.T) {
		writeFixture(t, "c.txt", "dup dup")

		res := inv.Invoke(ctx, "edit_file", map[string]interface{}{
			"path": "c.txt", "old_text": "dup", "new_text": "x",
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "make it unique")
	})
}

func TestListDirectoryTool(t *testing.T) {
	inv, root := newTestInvoker(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("x"), 0644))

	res := inv.Invoke(ctx, "list_directory", map[string]interface{}{})
	require.True(t, res.Success, res.Error)

	lines := strings.Split(res.Content, "\n")
	assert.Contains(t, lines, "file.txt")
	assert.Contains(t, lines, "sub/")
}

func TestExecuteCommandTool(t *testing.T) {
	inv, root := newTestInvoker(t)
	ctx := context.Background()

	t.Run("runs in the workspace root", func(t *testing.T) {
		res := inv.Invoke(ctx, "execute_command", map[string]interface{}{
			"command": "pwd",
		})
		require.True(t, res.Success, res.Error)

		resolved, err := filepath.EvalSymlinks(root)
		require.NoError(t, err)
		assert.Equal(t, resolved, strings.TrimSpace(res.Content))
	})

	t.Run("reports command failure", func(t *testing.T) {
		res := inv.Invoke(ctx, "execute_command", map[string]interface{}{
			"command": "exit 3",
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "command failed")
	})

	t.Run("enforces the timeout", func(t *testing.T) {
		res := inv.Invoke(ctx, "execute_command", map[string]interface{}{
			"command":         "sleep 5",
			"timeout_seconds": float64(0.2),
		})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timed out")
	})
}
