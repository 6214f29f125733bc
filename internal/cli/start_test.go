package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"start", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		assert.Contains(t, output.String(), "Start the Lumen daemon service")
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lumen.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"agent":{"max_iterations":42}}`), 0600))

	prev := cfgFile
	cfgFile = path
	defer func() { cfgFile = prev }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Agent.MaxIterations)
}

func TestGetPIDFilePath(t *testing.T) {
	path := getPIDFilePath()
	assert.NotEmpty(t, path)
	assert.Contains(t, path, "lumen.pid")
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "nonexistent.pid")
		assert.False(t, isRunning(pidFile))
	})

	t.Run("invalid pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0644))
		assert.False(t, isRunning(pidFile))
	})

	t.Run("own pid counts as running", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "self.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
		assert.True(t, isRunning(pidFile))
	})
}
