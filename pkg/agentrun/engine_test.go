package agentrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andhika/lumen/pkg/conversation"
	"github.com/andhika/lumen/pkg/modelclient"
)

// fakeModel returns scripted responses in order, then keeps returning the
// last one. A nil response paired with an error simulates a client failure.
type fakeModel struct {
	mu        sync.Mutex
	responses []*modelclient.Response
	errs      []error
	calls     int

	// gate, when set, is closed by the test to release a blocked call.
	gate chan struct{}
}

func (f *fakeModel) Generate(ctx context.Context, turns []conversation.Turn, catalog []modelclient.ToolSpec) (*modelclient.Response, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[i], nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTools records invocations in order.
type fakeTools struct {
	mu      sync.Mutex
	invoked []string
	results map[string]Result
	err     error
}

func (f *fakeTools) Invoke(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, name)
	f.mu.Unlock()

	if f.err != nil {
		return Result{}, f.err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return Result{Success: true, Content: "ok"}, nil
}

func (f *fakeTools) Catalog() []modelclient.ToolSpec {
	return []modelclient.ToolSpec{{Name: "search", Description: "search", InputSchema: map[string]interface{}{"type": "object"}}}
}

func (f *fakeTools) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invoked...)
}

func newEngineFixture(t *testing.T, cfg Config, model Generator, tools Invoker) (*Engine, *Registry) {
	t.Helper()
	r := NewRegistry(cfg, zerolog.Nop())
	e, err := NewEngine(r, model, tools, zerolog.Nop())
	require.NoError(t, err)
	return e, r
}

func TestNewEngine(t *testing.T) {
	r := NewRegistry(testConfig(), zerolog.Nop())

	_, err := NewEngine(nil, &fakeModel{}, &fakeTools{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewEngine(r, nil, &fakeTools{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewEngine(r, &fakeModel{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunCompletes(t *testing.T) {
	model := &fakeModel{responses: []*modelclient.Response{
		{Text: "all done", Continue: false},
	}}
	e, r := newEngineFixture(t, testConfig(), model, &fakeTools{})

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), id))

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, "all done", sess.FinalContent)
	assert.False(t, sess.EndTime.IsZero())
	assert.Equal(t, 1, model.callCount())

	// system, user goal, final assistant turn
	require.Len(t, sess.Turns, 3)
	assert.Equal(t, conversation.RoleAssistant, sess.Turns[2].Role)
}

func TestRunExecutesToolsInOrder(t *testing.T) {
	calls := []conversation.ToolCall{
		{ID: "c1", Name: "A", Arguments: map[string]interface{}{}},
		{ID: "c2", Name: "B", Arguments: map[string]interface{}{}},
	}
	model := &fakeModel{responses: []*modelclient.Response{
		{Text: "using tools", ToolCalls: calls, Continue: true},
		{Text: "done", Continue: false},
	}}
	tools := &fakeTools{results: map[string]Result{
		"A": {Success: true, Content: "alpha"},
		"B": {Success: false, Error: "beta broke"},
	}}
	e, r := newEngineFixture(t, testConfig(), model, tools)

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), id))

	assert.Equal(t, []string{"A", "B"}, tools.order())

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)

	// assistant turn precedes the tool turn, and result indexes line up
	// with call indexes.
	require.Len(t, sess.Turns, 5)
	assistant := sess.Turns[2]
	toolTurn := sess.Turns[3]
	assert.Equal(t, conversation.RoleAssistant, assistant.Role)
	assert.Equal(t, conversation.RoleTool, toolTurn.Role)
	require.Len(t, toolTurn.ToolResults, 2)
	assert.Equal(t, "A", toolTurn.ToolCalls[0].Name)
	assert.Equal(t, "alpha", toolTurn.ToolResults[0].Content)
	assert.Equal(t, "B", toolTurn.ToolCalls[1].Name)
	assert.False(t, toolTurn.ToolResults[1].Success)
	assert.Equal(t, "beta broke", toolTurn.ToolResults[1].Error)
}

func TestToolFailureIsNotFatal(t *testing.T) {
	model := &fakeModel{responses: []*modelclient.Response{
		{ToolCalls: []conversation.ToolCall{{ID: "c1", Name: "flaky", Arguments: map[string]interface{}{}}}, Continue: true},
		{Text: "recovered", Continue: false},
	}}
	tools := &fakeTools{results: map[string]Result{
		"flaky": {Success: false, Error: "transient"},
	}}
	e, r := newEngineFixture(t, testConfig(), model, tools)

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), id))

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
	assert.Equal(t, 2, model.callCount())
}

func TestInvokerErrorFailsSession(t *testing.T) {
	model := &fakeModel{responses: []*modelclient.Response{
		{ToolCalls: []conversation.ToolCall{{ID: "c1", Name: "broken", Arguments: map[string]interface{}{}}}, Continue: true},
	}}
	tools := &fakeTools{err: errors.New("transport down")}
	e, r := newEngineFixture(t, testConfig(), model, tools)

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)
	require.Error(t, e.Run(context.Background(), id))

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "tool invocation failed")

	// The assistant turn that requested the tool is retained.
	assert.Equal(t, conversation.RoleAssistant, sess.Turns[len(sess.Turns)-1].Role)
}

func TestModelErrorFailsSession(t *testing.T) {
	model := &fakeModel{
		responses: []*modelclient.Response{nil},
		errs:      []error{errors.New("quota exceeded")},
	}
	e, r := newEngineFixture(t, testConfig(), model, &fakeTools{})

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)
	require.Error(t, e.Run(context.Background(), id))

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "quota exceeded")
}

func TestIterationLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	model := &fakeModel{responses: []*modelclient.Response{
		{Text: "still going", Continue: true},
	}}
	e, r := newEngineFixture(t, cfg, model, &fakeTools{})

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), id))

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sess.Status)
	assert.Equal(t, "iteration limit reached", sess.Error)
	assert.Equal(t, 3, model.callCount())
	assert.Equal(t, sess.MaxIterations, sess.CurrentIteration)
}

func TestSecondDriverRejected(t *testing.T) {
	model := &fakeModel{
		responses: []*modelclient.Response{{Text: "done", Continue: false}},
		gate:      make(chan struct{}),
	}
	e, r := newEngineFixture(t, testConfig(), model, &fakeTools{})

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), id) }()

	require.Eventually(t, func() bool {
		sess, err := r.Get(id)
		return err == nil && sess.Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, e.Run(context.Background(), id), ErrRunInProgress)

	close(model.gate)
	require.NoError(t, <-done)
}

func TestKillSwitchObservedAtBoundary(t *testing.T) {
	model := &fakeModel{
		responses: []*modelclient.Response{{Text: "looping", Continue: true}},
		gate:      make(chan struct{}, 64),
	}
	e, r := newEngineFixture(t, testConfig(), model, &fakeTools{})

	id, err := r.CreateSession(context.Background(), "do it", 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), id) }()

	// Let one full iteration through, then stop the session while the
	// next model call is pending.
	model.gate <- struct{}{}
	require.Eventually(t, func() bool { return model.callCount() >= 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, r.RequestCancel(id, StatusStopped, "user hit stop"))
	model.gate <- struct{}{}
	require.NoError(t, <-done)

	sess, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, sess.Status)
	assert.Equal(t, "user hit stop", sess.Reason)
	assert.False(t, sess.EndTime.IsZero())
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	model := &fakeModel{responses: []*modelclient.Response{
		{Text: "done", Continue: false},
	}}
	e, r := newEngineFixture(t, testConfig(), model, &fakeTools{})

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id, err := r.CreateSession(context.Background(), fmt.Sprintf("goal %d", i), 0)
		require.NoError(t, err)
		ids[i] = id

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = e.Run(context.Background(), id)
		}(id)
	}
	wg.Wait()

	assert.Empty(t, r.ListActive())
	for _, id := range ids {
		sess, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, sess.Status)
	}
}
