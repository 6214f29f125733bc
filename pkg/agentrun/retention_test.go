package agentrun

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPruner(t *testing.T) {
	r := NewRegistry(testConfig(), zerolog.Nop())

	t.Run("rejects invalid schedule", func(t *testing.T) {
		_, err := NewPruner(r, time.Hour, "not a schedule", zerolog.Nop())
		assert.Error(t, err)
	})

	t.Run("defaults retention and schedule", func(t *testing.T) {
		p, err := NewPruner(r, 0, "", zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, DefaultRetention, p.retention)
	})
}

func TestPrunerStartRunsImmediately(t *testing.T) {
	r := NewRegistry(testConfig(), zerolog.Nop())

	id, err := r.CreateSession(context.Background(), "old work", 0)
	require.NoError(t, err)
	require.NoError(t, r.BeginRun(id))
	require.NoError(t, r.UpdateStatus(id, StatusCompleted, ""))

	time.Sleep(5 * time.Millisecond)

	p, err := NewPruner(r, time.Nanosecond, "@hourly", zerolog.Nop())
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	_, err = r.Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
