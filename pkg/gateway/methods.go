package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andhika/lumen/pkg/agentrun"
)

const defaultStopReason = "Stopped by user"

// registerBuiltinMethods registers the session control surface.
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("agent.createSession", s.handleCreateSession)
	_ = s.RegisterMethod("agent.getSession", s.handleGetSession)
	_ = s.RegisterMethod("agent.listSessions", s.handleListSessions)
	_ = s.RegisterMethod("agent.stopSession", s.handleStopSession)
	_ = s.RegisterMethod("agent.cancelAll", s.handleCancelAll)
	_ = s.RegisterMethod("agent.snoozeSession", s.handleSnoozeSession)
	_ = s.RegisterMethod("agent.unsnoozeSession", s.handleUnsnoozeSession)
	_ = s.RegisterMethod("agent.setAutoShowSuppressed", s.handleSetAutoShowSuppressed)
	_ = s.RegisterMethod("clients.list", s.handleClientsList)
}

// handleCreateSession creates a session and launches its run in the
// background. The response carries the session ID; progress arrives via
// agent.progress events.
func (s *Server) handleCreateSession(params map[string]interface{}) (interface{}, error) {
	goal, err := requiredString(params, "goal")
	if err != nil {
		return nil, err
	}

	maxIterations := 0
	if v, ok := params["maxIterations"].(float64); ok {
		maxIterations = int(v)
	}

	id, err := s.sessions.CreateSession(context.Background(), goal, maxIterations)
	if err != nil {
		if errors.Is(err, agentrun.ErrAgentDisabled) {
			return nil, &RPCError{
				Code:    InvalidRequest,
				Message: "agent mode is disabled",
			}
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	go func() {
		if runErr := s.startRun(context.Background(), id); runErr != nil {
			s.logger.Error().Err(runErr).Str("sessionId", id).Msg("Agent run failed to start")
		}
	}()

	return map[string]interface{}{
		"sessionId": id,
	}, nil
}

// handleGetSession returns the session view plus its current snapshot.
func (s *Server) handleGetSession(params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, sessionError(err)
	}

	snap, err := s.sessions.GetSnapshot(id)
	if err != nil {
		return nil, sessionError(err)
	}

	return map[string]interface{}{
		"session":  sess,
		"snapshot": snap,
	}, nil
}

// handleListSessions returns active sessions and recent history.
func (s *Server) handleListSessions(params map[string]interface{}) (interface{}, error) {
	limit := 0
	if v, ok := params["limit"].(float64); ok {
		limit = int(v)
	}

	return map[string]interface{}{
		"active": s.sessions.ListActive(),
		"recent": s.sessions.ListRecent(limit),
	}, nil
}

// handleStopSession is the kill switch for one session.
func (s *Server) handleStopSession(params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	reason := defaultStopReason
	if v, ok := params["reason"].(string); ok && strings.TrimSpace(v) != "" {
		reason = v
	}

	if err := s.sessions.RequestCancel(id, agentrun.StatusStopped, reason); err != nil {
		return nil, sessionError(err)
	}

	return map[string]interface{}{
		"success": true,
	}, nil
}

// handleCancelAll stops every active session.
func (s *Server) handleCancelAll(params map[string]interface{}) (interface{}, error) {
	reason := defaultStopReason
	if v, ok := params["reason"].(string); ok && strings.TrimSpace(v) != "" {
		reason = v
	}

	count := s.sessions.CancelAll(reason)

	return map[string]interface{}{
		"cancelled": count,
	}, nil
}

func (s *Server) handleSnoozeSession(params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Snooze(id); err != nil {
		return nil, sessionError(err)
	}

	return map[string]interface{}{
		"success": true,
	}, nil
}

func (s *Server) handleUnsnoozeSession(params map[string]interface{}) (interface{}, error) {
	id, err := requiredString(params, "sessionId")
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Unsnooze(id); err != nil {
		return nil, sessionError(err)
	}

	return map[string]interface{}{
		"success": true,
	}, nil
}

// handleSetAutoShowSuppressed toggles global surfacing of progress
// windows for new sessions.
func (s *Server) handleSetAutoShowSuppressed(params map[string]interface{}) (interface{}, error) {
	suppressed, ok := params["suppressed"].(bool)
	if !ok {
		return nil, &RPCError{
			Code:    InvalidParams,
			Message: "suppressed parameter is required and must be a boolean",
		}
	}

	if s.progress == nil {
		return nil, fmt.Errorf("progress broadcaster is not available")
	}

	s.progress.SetAutoShowSuppressed(suppressed)

	return map[string]interface{}{
		"success": true,
	}, nil
}

func (s *Server) handleClientsList(params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
	}, nil
}

func requiredString(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a non-empty string", key),
		}
	}
	return v, nil
}

// sessionError maps registry errors to RPC error codes.
func sessionError(err error) error {
	if errors.Is(err, agentrun.ErrSessionNotFound) {
		return &RPCError{
			Code:    InvalidParams,
			Message: "session not found",
		}
	}
	return err
}
