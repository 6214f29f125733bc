package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andhika/lumen/internal/config"
	"github.com/andhika/lumen/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Agent.Enabled = true
	cfg.Gateway.Enabled = false
	cfg.AI.Profiles = []config.AIProfile{
		{ID: "test", Provider: "anthropic", APIKey: "sk-test", Priority: 1},
	}
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "disabled", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestNew(t *testing.T) {
	t.Run("builds all modules", func(t *testing.T) {
		d, err := New(testConfig(t), testLogger(t))
		require.NoError(t, err)

		assert.NotNil(t, d.GetSessionRegistry())
		assert.NotNil(t, d.GetProgressBroadcaster())
		assert.NotNil(t, d.GetToolInvoker())
		assert.Nil(t, d.GetGatewayServer())
		assert.NotEmpty(t, d.GetToolInvoker().List())
	})

	t.Run("requires config and logger", func(t *testing.T) {
		_, err := New(nil, testLogger(t))
		assert.Error(t, err)

		_, err = New(testConfig(t), nil)
		assert.Error(t, err)
	})

	t.Run("fails without AI profiles", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AI.Profiles = nil

		_, err := New(cfg, testLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI profiles")
	})

	t.Run("builds gateway when enabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Gateway.Enabled = true
		cfg.Gateway.SharedSecret = "secret"

		d, err := New(cfg, testLogger(t))
		require.NoError(t, err)
		assert.NotNil(t, d.GetGatewayServer())
	})
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 0, status.ActiveSessions)

	pidFile := filepath.Join(cfg.DataDir, "lumen.pid")
	_, err = os.Stat(pidFile)
	assert.NoError(t, err)

	t.Run("second start is rejected", func(t *testing.T) {
		assert.Error(t, d.Start())
	})

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	t.Run("second stop is rejected", func(t *testing.T) {
		assert.Error(t, d.Stop())
	})
}

func TestStopCancelsActiveSessions(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.Start())

	id, err := d.GetSessionRegistry().CreateSession(context.Background(), "long running goal", 0)
	require.NoError(t, err)

	require.NoError(t, d.Stop())

	sess, err := d.GetSessionRegistry().Get(id)
	require.NoError(t, err)
	assert.True(t, sess.Status.IsTerminal())
	assert.Equal(t, shutdownReason, sess.Reason)
}

func TestToolBridge(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	bridge := &toolBridge{invoker: d.GetToolInvoker()}

	t.Run("catalog mirrors registered tools", func(t *testing.T) {
		catalog := bridge.Catalog()
		assert.Len(t, catalog, len(d.GetToolInvoker().List()))
	})

	t.Run("unknown tool is a failed result, not an error", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		res, err := bridge.Invoke(ctx, "no_such_tool", nil)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "tool not found")
	})
}

func TestLifecycleManagerPID(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)

	lm := NewLifecycleManager(d)
	require.NoError(t, lm.Start())
	defer func() { _ = lm.Stop() }()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, lm.IsRunning())
}
