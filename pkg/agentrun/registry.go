package agentrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/andhika/lumen/internal/observability"
	"github.com/andhika/lumen/internal/tracing"
	"github.com/andhika/lumen/pkg/conversation"
)

const (
	DefaultMaxIterations = 10
	DefaultTimeout       = 10 * time.Minute
	DefaultHistoryCap    = 20

	defaultSystemPrompt = "You are an autonomous assistant. Work toward the " +
		"user's goal step by step, using the available tools when they help. " +
		"End your reply with TASK_COMPLETE when the goal is fully achieved, " +
		"or CONTINUE_AGENT when more steps are needed."
)

// Config bounds session execution. Zero values fall back to defaults at
// construction time, except Enabled which must be set explicitly.
type Config struct {
	Enabled       bool
	SystemPrompt  string
	MaxIterations int
	Timeout       time.Duration
	HistoryCap    int
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HistoryCap == 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	return c
}

// entry wraps a session with registry-private bookkeeping. All fields are
// guarded by the registry mutex.
type entry struct {
	session *session
	version uint64
	timer   *time.Timer

	cancelRequested bool
	cancelTarget    Status
	cancelReason    string

	driverActive bool
}

// session is the registry-internal mutable record. Copies of it, never
// pointers, cross the package boundary.
type session struct {
	id               string
	goal             string
	status           Status
	startTime        time.Time
	endTime          time.Time
	currentIteration int
	maxIterations    int
	log              *conversation.Log
	lastActivity     string
	snoozed          bool
	errMsg           string
	reason           string
	finalContent     string
}

func (s *session) view() Session {
	return Session{
		ID:               s.id,
		Goal:             s.goal,
		Status:           s.status,
		StartTime:        s.startTime,
		EndTime:          s.endTime,
		CurrentIteration: s.currentIteration,
		MaxIterations:    s.maxIterations,
		LastActivity:     s.lastActivity,
		Snoozed:          s.snoozed,
		Error:            s.errMsg,
		Reason:           s.reason,
		FinalContent:     s.finalContent,
		Turns:            s.log.Turns(),
	}
}

// Registry owns every session in the process: the active set plus a
// bounded recent-history list of terminal sessions. It is the only
// mutation surface for session records and is safe for concurrent use.
// One instance per process, owned by the composition root.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*entry
	recent []*entry // newest-end-first
	closed bool

	onChange func(sessionID string)
}

// NewRegistry creates a session registry.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()

	return &Registry{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "registry").Logger(),
		active: make(map[string]*entry),
	}
}

// SetChangeListener installs the callback invoked (outside the registry
// lock) after every session mutation. The daemon points this at the
// progress broadcaster. Must be called before sessions are created.
func (r *Registry) SetChangeListener(fn func(sessionID string)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) notifyChange(id string) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

// CreateSession allocates a session in the initializing state, seeds its
// conversation log with the system prompt and the goal, arms the timeout
// timer, and returns the new session ID.
func (r *Registry) CreateSession(ctx context.Context, goal string, maxIterations int) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"lumen.agentrun",
		"registry.create_session",
		attribute.Int("max_iterations", maxIterations),
	)
	defer span.End()

	if !r.cfg.Enabled {
		span.SetStatus(codes.Error, ErrAgentDisabled.Error())
		return "", ErrAgentDisabled
	}
	if goal == "" {
		return "", fmt.Errorf("goal cannot be empty")
	}
	if maxIterations == 0 {
		maxIterations = r.cfg.MaxIterations
	}
	if maxIterations < 0 {
		return "", fmt.Errorf("max iterations must be positive, got %d", maxIterations)
	}

	id := uuid.New().String()
	log := conversation.NewLog()
	if err := log.Append(conversation.Turn{
		Role:     conversation.RoleSystem,
		Content:  r.cfg.SystemPrompt,
		Complete: true,
	}); err != nil {
		return "", err
	}
	if err := log.Append(conversation.Turn{
		Role:     conversation.RoleUser,
		Content:  goal,
		Complete: true,
	}); err != nil {
		return "", err
	}

	e := &entry{
		session: &session{
			id:               id,
			goal:             goal,
			status:           StatusInitializing,
			startTime:        time.Now(),
			currentIteration: 0,
			maxIterations:    maxIterations,
			log:              log,
			lastActivity:     "Session created",
		},
		version: 1,
	}
	e.timer = time.AfterFunc(r.cfg.Timeout, func() {
		_ = r.UpdateStatus(id, StatusCancelled, "Execution timed out")
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		e.timer.Stop()
		return "", fmt.Errorf("registry is closed")
	}
	r.active[id] = e
	activeCount := len(r.active)
	r.mu.Unlock()

	observability.RecordSessionCreated()
	observability.SetActiveSessions(activeCount)

	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, id), r.logger)
	logger.Info().
		Str("session_id", id).
		Int("max_iterations", maxIterations).
		Dur("timeout", r.cfg.Timeout).
		Msg("Session created")

	r.notifyChange(id)
	return id, nil
}

// lookupLocked finds an entry in the active set or recent history.
func (r *Registry) lookupLocked(id string) *entry {
	if e, ok := r.active[id]; ok {
		return e
	}
	for _, e := range r.recent {
		if e.session.id == id {
			return e
		}
	}
	return nil
}

// Get returns a copy of the session, searching active and recent sets.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(id)
	if e == nil {
		return Session{}, ErrSessionNotFound
	}
	return e.session.view(), nil
}

// GetSnapshot builds the observer progress payload for a session.
func (r *Registry) GetSnapshot(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(id)
	if e == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	return buildSnapshot(e.session.view(), e.version), nil
}

// ListActive returns non-terminal sessions, newest start first.
func (r *Registry) ListActive() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.session.view())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// ListRecent returns terminal sessions, newest end first, at most limit
// entries. The backing list is already capped at the configured history
// size; limit only narrows further.
func (r *Registry) ListRecent(limit int) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Session, 0, n)
	for _, e := range r.recent[:n] {
		out = append(out, e.session.view())
	}
	return out
}

// UpdateStatus is the only status-transition path. A terminal target
// disarms the timer and atomically moves the session from the active set
// to recent history, evicting the oldest entry past the cap. Calling it on
// an already-terminal session is a safe no-op.
func (r *Registry) UpdateStatus(id string, status Status, reason string) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q", status)
	}

	r.mu.Lock()
	e := r.lookupLocked(id)
	if e == nil {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s := e.session

	if s.status.IsTerminal() {
		r.mu.Unlock()
		return nil
	}
	if !s.status.canTransitionTo(status) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, status)
	}

	prev := s.status
	s.status = status
	if reason != "" {
		s.reason = reason
	}

	var duration time.Duration
	terminal := status.IsTerminal()
	if terminal {
		s.endTime = time.Now()
		duration = s.endTime.Sub(s.startTime)
		switch status {
		case StatusFailed, StatusError:
			s.errMsg = reason
			s.lastActivity = reason
		case StatusCancelled, StatusStopped:
			if reason != "" {
				s.lastActivity = reason
			}
		case StatusCompleted:
			s.lastActivity = "Completed"
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		delete(r.active, id)
		r.recent = append([]*entry{e}, r.recent...)
		if len(r.recent) > r.cfg.HistoryCap {
			r.recent = r.recent[:r.cfg.HistoryCap]
		}
	}
	e.version++
	activeCount := len(r.active)
	r.mu.Unlock()

	if terminal {
		observability.RecordSessionOutcome(string(status), duration)
		observability.SetActiveSessions(activeCount)
		r.logger.Info().
			Str("session_id", id).
			Str("from", string(prev)).
			Str("to", string(status)).
			Str("reason", reason).
			Dur("duration", duration).
			Msg("Session reached terminal status")
	} else {
		r.logger.Debug().
			Str("session_id", id).
			Str("from", string(prev)).
			Str("to", string(status)).
			Msg("Session status updated")
	}

	r.notifyChange(id)
	return nil
}

// RequestCancel marks the session for cooperative cancellation and
// applies the terminal transition immediately. A driver mid-iteration
// observes the terminal status at its next boundary; its in-flight model
// or tool call is left to finish.
func (r *Registry) RequestCancel(id string, target Status, reason string) error {
	if target != StatusCancelled && target != StatusStopped {
		return fmt.Errorf("cancel target must be cancelled or stopped, got %q", target)
	}

	r.mu.Lock()
	e := r.lookupLocked(id)
	if e == nil {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	e.cancelRequested = true
	e.cancelTarget = target
	e.cancelReason = reason
	r.mu.Unlock()

	return r.UpdateStatus(id, target, reason)
}

// CancelAll transitions every currently-running session (and any still
// initializing) to cancelled with the given reason. Returns the number of
// sessions cancelled.
func (r *Registry) CancelAll(reason string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if err := r.RequestCancel(id, StatusCancelled, reason); err == nil {
			cancelled++
		}
	}

	r.logger.Info().
		Int("cancelled", cancelled).
		Str("reason", reason).
		Msg("Cancelled all running sessions")
	return cancelled
}

// CancelState reports whether cancellation was requested for the session,
// and the session's current status. Drivers poll this at iteration
// boundaries.
func (r *Registry) CancelState(id string) (requested bool, target Status, reason string, status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(id)
	if e == nil {
		return false, "", "", "", ErrSessionNotFound
	}
	return e.cancelRequested, e.cancelTarget, e.cancelReason, e.session.status, nil
}

// BeginRun claims the session's driver slot and transitions it from
// initializing to running, starting iteration 1. At most one driver may
// hold the slot at a time.
func (r *Registry) BeginRun(id string) error {
	r.mu.Lock()
	e, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if e.driverActive {
		r.mu.Unlock()
		return ErrRunInProgress
	}
	s := e.session
	if s.status != StatusInitializing {
		r.mu.Unlock()
		if s.status.IsTerminal() {
			return ErrSessionTerminal
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, StatusRunning)
	}
	e.driverActive = true
	s.status = StatusRunning
	s.currentIteration = 1
	s.lastActivity = "Thinking..."
	e.version++
	r.mu.Unlock()

	r.logger.Debug().Str("session_id", id).Msg("Run started")
	r.notifyChange(id)
	return nil
}

// EndRun releases the driver slot claimed by BeginRun.
func (r *Registry) EndRun(id string) {
	r.mu.Lock()
	if e := r.lookupLocked(id); e != nil {
		e.driverActive = false
	}
	r.mu.Unlock()
}

// AppendTurn appends a turn to the session's conversation log and updates
// the one-line activity summary. Appends are permitted on a session that
// just went terminal so an in-flight iteration can land its results.
func (r *Registry) AppendTurn(id string, turn conversation.Turn) error {
	r.mu.Lock()
	e := r.lookupLocked(id)
	if e == nil {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if err := e.session.log.Append(turn); err != nil {
		r.mu.Unlock()
		return err
	}
	e.session.lastActivity = activitySummary(turn)
	e.version++
	r.mu.Unlock()

	r.notifyChange(id)
	return nil
}

// SetActivity updates the one-line activity summary without touching the
// log, for transient states like "Calling model".
func (r *Registry) SetActivity(id, activity string) error {
	r.mu.Lock()
	e := r.lookupLocked(id)
	if e == nil {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	e.session.lastActivity = activity
	e.version++
	r.mu.Unlock()

	r.notifyChange(id)
	return nil
}

// SetFinalContent records the session's final textual result.
func (r *Registry) SetFinalContent(id, content string) error {
	r.mu.Lock()
	e := r.lookupLocked(id)
	if e == nil {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	e.session.finalContent = content
	e.version++
	r.mu.Unlock()

	r.notifyChange(id)
	return nil
}

// AdvanceIteration increments the iteration counter, returning the new
// value. It fails with ErrIterationLimit when the increment would exceed
// the session's bound; the counter is left unchanged in that case.
func (r *Registry) AdvanceIteration(id string) (int, error) {
	r.mu.Lock()
	e := r.lookupLocked(id)
	if e == nil {
		r.mu.Unlock()
		return 0, ErrSessionNotFound
	}
	s := e.session
	if s.status.IsTerminal() {
		r.mu.Unlock()
		return s.currentIteration, ErrSessionTerminal
	}
	if s.currentIteration+1 > s.maxIterations {
		r.mu.Unlock()
		return s.currentIteration, ErrIterationLimit
	}
	s.currentIteration++
	n := s.currentIteration
	e.version++
	r.mu.Unlock()

	r.notifyChange(id)
	return n, nil
}

// Snooze suppresses auto-surfacing of the session's progress. The session
// keeps running.
func (r *Registry) Snooze(id string) error {
	return r.setSnoozed(id, true)
}

// Unsnooze re-enables auto-surfacing of the session's progress.
func (r *Registry) Unsnooze(id string) error {
	return r.setSnoozed(id, false)
}

func (r *Registry) setSnoozed(id string, snoozed bool) error {
	r.mu.Lock()
	e := r.lookupLocked(id)
	if e == nil {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	e.session.snoozed = snoozed
	e.version++
	r.mu.Unlock()

	r.notifyChange(id)
	return nil
}

// PruneOlderThan removes terminal sessions whose start time predates the
// cutoff from recent history, and, as a safety net, from the active set.
// Returns the number of sessions removed.
func (r *Registry) PruneOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	r.mu.Lock()
	removed := 0
	kept := r.recent[:0]
	for _, e := range r.recent {
		if e.session.startTime.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.recent = kept

	for id, e := range r.active {
		if e.session.status.IsTerminal() && e.session.startTime.Before(cutoff) {
			delete(r.active, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Info().
			Int("removed", removed).
			Dur("age", age).
			Msg("Pruned old sessions")
	}
	return removed
}

// Close cancels every active session and stops accepting new ones. Used
// on daemon shutdown.
func (r *Registry) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.CancelAll(reason)
	r.logger.Info().Msg("Registry closed")
}

func activitySummary(turn conversation.Turn) string {
	switch turn.Role {
	case conversation.RoleAssistant:
		if len(turn.ToolCalls) > 0 {
			return fmt.Sprintf("Calling %s", turn.ToolCalls[0].Name)
		}
		return truncateTitle(turn.Content)
	case conversation.RoleTool:
		for _, res := range turn.ToolResults {
			if !res.Success {
				return "Tool call failed"
			}
		}
		return "Tool call finished"
	default:
		return truncateTitle(turn.Content)
	}
}
