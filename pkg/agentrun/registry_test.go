package agentrun

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andhika/lumen/pkg/conversation"
)

func testConfig() Config {
	return Config{
		Enabled:       true,
		MaxIterations: 5,
		Timeout:       time.Minute,
		HistoryCap:    20,
	}
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	return NewRegistry(cfg, zerolog.Nop())
}

func TestCreateSession(t *testing.T) {
	t.Run("rejects creation when disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		r := newTestRegistry(t, cfg)

		_, err := r.CreateSession(context.Background(), "do the thing", 0)
		assert.ErrorIs(t, err, ErrAgentDisabled)
	})

	t.Run("rejects empty goal", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())

		_, err := r.CreateSession(context.Background(), "", 0)
		assert.Error(t, err)
	})

	t.Run("seeds log with system prompt then goal", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())

		id, err := r.CreateSession(context.Background(), "X", 0)
		require.NoError(t, err)

		sess, err := r.Get(id)
		require.NoError(t, err)
		require.Len(t, sess.Turns, 2)
		assert.Equal(t, conversation.RoleSystem, sess.Turns[0].Role)
		assert.Equal(t, conversation.RoleUser, sess.Turns[1].Role)
		assert.Equal(t, "X", sess.Turns[1].Content)
		assert.Equal(t, StatusInitializing, sess.Status)
		assert.Equal(t, 0, sess.CurrentIteration)
		assert.True(t, sess.EndTime.IsZero())
	})

	t.Run("defaults max iterations from config", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())

		id, err := r.CreateSession(context.Background(), "goal", 0)
		require.NoError(t, err)

		sess, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, 5, sess.MaxIterations)
	})

	t.Run("unknown session lookups return not found", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())

		_, err := r.Get("nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.ErrorIs(t, r.Snooze("nope"), ErrSessionNotFound)
		assert.ErrorIs(t, r.UpdateStatus("nope", StatusCancelled, "x"), ErrSessionNotFound)
	})
}

func TestUpdateStatus(t *testing.T) {
	t.Run("terminal transition sets end time and moves to recent", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())
		id, err := r.CreateSession(context.Background(), "goal", 0)
		require.NoError(t, err)
		require.NoError(t, r.BeginRun(id))

		require.NoError(t, r.UpdateStatus(id, StatusCompleted, ""))

		sess, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, sess.Status)
		assert.False(t, sess.EndTime.IsZero())
		assert.Empty(t, r.ListActive())
		require.Len(t, r.ListRecent(0), 1)
	})

	t.Run("terminal status is absorbing", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())
		id, err := r.CreateSession(context.Background(), "goal", 0)
		require.NoError(t, err)
		require.NoError(t, r.BeginRun(id))
		require.NoError(t, r.UpdateStatus(id, StatusCompleted, ""))

		first, err := r.Get(id)
		require.NoError(t, err)

		// Cancelling a completed session is a no-op.
		require.NoError(t, r.UpdateStatus(id, StatusCancelled, "too late"))

		second, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, second.Status)
		assert.Equal(t, first.EndTime, second.EndTime)
	})

	t.Run("failed transition records the reason", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())
		id, err := r.CreateSession(context.Background(), "goal", 0)
		require.NoError(t, err)
		require.NoError(t, r.BeginRun(id))

		require.NoError(t, r.UpdateStatus(id, StatusFailed, "model request failed: boom"))

		sess, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, sess.Status)
		assert.Equal(t, "model request failed: boom", sess.Error)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		r := newTestRegistry(t, testConfig())
		id, err := r.CreateSession(context.Background(), "goal", 0)
		require.NoError(t, err)

		assert.Error(t, r.UpdateStatus(id, Status("paused"), ""))
	})
}

func TestBeginRun(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	id, err := r.CreateSession(context.Background(), "goal", 0)
	require.NoError(t, err)

	t.Run("claims driver slot and starts iteration 1", func(t *testing.T) {
		require.NoError(t, r.BeginRun(id))

		sess, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, sess.Status)
		assert.Equal(t, 1, sess.CurrentIteration)
	})

	t.Run("second driver is rejected", func(t *testing.T) {
		assert.ErrorIs(t, r.BeginRun(id), ErrRunInProgress)
	})

	t.Run("slot can be reclaimed only before running", func(t *testing.T) {
		r.EndRun(id)
		// Already running, so a fresh BeginRun is an invalid transition.
		assert.ErrorIs(t, r.BeginRun(id), ErrInvalidTransition)
	})
}

func TestAdvanceIteration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2
	r := newTestRegistry(t, cfg)

	id, err := r.CreateSession(context.Background(), "goal", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(id))

	n, err := r.AdvanceIteration(id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = r.AdvanceIteration(id)
	assert.ErrorIs(t, err, ErrIterationLimit)

	// Counter never exceeds the bound.
	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.CurrentIteration)
	assert.LessOrEqual(t, sess.CurrentIteration, sess.MaxIterations)
}

func TestCancelAll(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := r.CreateSession(context.Background(), fmt.Sprintf("goal %d", i), 0)
		require.NoError(t, err)
		require.NoError(t, r.BeginRun(id))
		ids = append(ids, id)
	}

	cancelled := r.CancelAll("test")
	assert.Equal(t, 3, cancelled)
	assert.Empty(t, r.ListActive())

	for _, id := range ids {
		sess, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, sess.Status)
		assert.Equal(t, "test", sess.Reason)
	}
}

func TestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 80 * time.Millisecond
	r := newTestRegistry(t, cfg)

	id, err := r.CreateSession(context.Background(), "goal", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(id))

	// Not before the timeout elapses.
	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sess.Status)

	require.Eventually(t, func() bool {
		s, err := r.Get(id)
		return err == nil && s.Status == StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	sess, err = r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Execution timed out", sess.Reason)
}

func TestTimerDisarmedOnCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 60 * time.Millisecond
	r := newTestRegistry(t, cfg)

	id, err := r.CreateSession(context.Background(), "goal", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(id))
	require.NoError(t, r.UpdateStatus(id, StatusCompleted, ""))

	time.Sleep(120 * time.Millisecond)

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestRecentHistoryCap(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryCap = 20
	r := newTestRegistry(t, cfg)

	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		id, err := r.CreateSession(context.Background(), fmt.Sprintf("goal %d", i), 0)
		require.NoError(t, err)
		require.NoError(t, r.BeginRun(id))
		require.NoError(t, r.UpdateStatus(id, StatusCompleted, ""))
		ids = append(ids, id)
	}

	recent := r.ListRecent(20)
	require.Len(t, recent, 20)

	// Newest end first; the 5 oldest were evicted.
	assert.Equal(t, ids[24], recent[0].ID)
	assert.Equal(t, ids[5], recent[19].ID)
	_, err := r.Get(ids[0])
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListActiveOrder(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	var last string
	for i := 0; i < 3; i++ {
		id, err := r.CreateSession(context.Background(), fmt.Sprintf("goal %d", i), 0)
		require.NoError(t, err)
		last = id
		time.Sleep(2 * time.Millisecond)
	}

	active := r.ListActive()
	require.Len(t, active, 3)
	assert.Equal(t, last, active[0].ID)
}

func TestSnooze(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	id, err := r.CreateSession(context.Background(), "goal", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(id))

	require.NoError(t, r.Snooze(id))
	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.True(t, sess.Snoozed)
	assert.Equal(t, StatusRunning, sess.Status)

	require.NoError(t, r.Unsnooze(id))
	sess, err = r.Get(id)
	require.NoError(t, err)
	assert.False(t, sess.Snoozed)
}

func TestPruneOlderThan(t *testing.T) {
	r := newTestRegistry(t, testConfig())

	done, err := r.CreateSession(context.Background(), "finished", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(done))
	require.NoError(t, r.UpdateStatus(done, StatusCompleted, ""))

	live, err := r.CreateSession(context.Background(), "still going", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(live))

	time.Sleep(5 * time.Millisecond)

	removed := r.PruneOlderThan(time.Nanosecond)
	assert.Equal(t, 1, removed)

	_, err = r.Get(done)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Active sessions are never pruned.
	sess, err := r.Get(live)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sess.Status)
}

func TestAppendTurnUpdatesActivity(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	id, err := r.CreateSession(context.Background(), "goal", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(id))

	require.NoError(t, r.AppendTurn(id, conversation.Turn{
		Role:    conversation.RoleAssistant,
		Content: "working on it",
		ToolCalls: []conversation.ToolCall{
			{ID: "c1", Name: "search", Arguments: map[string]interface{}{"q": "x"}},
		},
		Complete: true,
	}))

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Calling search", sess.LastActivity)
	assert.Len(t, sess.Turns, 3)
}

func TestVersionCounter(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	id, err := r.CreateSession(context.Background(), "goal", 0)
	require.NoError(t, err)

	snap1, err := r.GetSnapshot(id)
	require.NoError(t, err)

	require.NoError(t, r.BeginRun(id))
	snap2, err := r.GetSnapshot(id)
	require.NoError(t, err)
	assert.Greater(t, snap2.Version, snap1.Version)

	// Reads do not bump the version.
	snap3, err := r.GetSnapshot(id)
	require.NoError(t, err)
	assert.Equal(t, snap2.Version, snap3.Version)
}
