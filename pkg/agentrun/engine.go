package agentrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/andhika/lumen/internal/observability"
	"github.com/andhika/lumen/internal/tracing"
	"github.com/andhika/lumen/pkg/conversation"
	"github.com/andhika/lumen/pkg/modelclient"
)

// Generator is the model-client boundary the engine drives: it turns the
// conversation so far plus the tool catalog into the next response.
type Generator interface {
	Generate(ctx context.Context, turns []conversation.Turn, catalog []modelclient.ToolSpec) (*modelclient.Response, error)
}

// Invoker is the tool-execution boundary. Invoke runs one named tool and
// reports success or failure in the result; an error return means the
// invoker itself broke, which is fatal to the session.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) (Result, error)
	Catalog() []modelclient.ToolSpec
}

// Result mirrors the tool invoker's outcome for one call.
type Result struct {
	Success bool
	Content string
	Error   string
}

// Engine drives sessions to a terminal state, one iteration at a time:
// call the model, execute requested tool calls in order, append turns,
// decide whether to continue. One Engine serves all sessions; each Run
// call drives exactly one.
type Engine struct {
	registry *Registry
	model    Generator
	tools    Invoker
	logger   zerolog.Logger
}

// NewEngine creates an iteration engine over the given registry and
// collaborator boundaries.
func NewEngine(registry *Registry, model Generator, tools Invoker, logger zerolog.Logger) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if model == nil {
		return nil, fmt.Errorf("model generator is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool invoker is required")
	}
	return &Engine{
		registry: registry,
		model:    model,
		tools:    tools,
		logger:   logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Run drives the session until it reaches a terminal state. Every exit
// path records a terminal status with a reason; the returned error is for
// the caller's log only, never left as the sole record of failure.
// Cancellation is cooperative: it is observed at the top of each
// iteration, and in-flight model or tool calls are allowed to finish.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"lumen.agentrun",
		"engine.run",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if err := e.registry.BeginRun(sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer e.registry.EndRun(sessionID)

	logger.Info().Msg("Agent run started")

	for {
		done, err := e.iterate(ctx, sessionID, logger)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if done {
			return nil
		}
	}
}

// iterate performs one model-call-plus-tools cycle. It returns done=true
// when the session reached a terminal state.
func (e *Engine) iterate(ctx context.Context, sessionID string, logger zerolog.Logger) (bool, error) {
	// Cancellation check at the iteration boundary. The terminal
	// transition was already applied by the supervisor; nothing to do
	// beyond stopping.
	requested, target, reason, status, err := e.registry.CancelState(sessionID)
	if err != nil {
		return true, err
	}
	if status.IsTerminal() {
		logger.Info().
			Str("status", string(status)).
			Str("reason", reason).
			Msg("Agent run ended by supervisor")
		return true, nil
	}
	if requested {
		_ = e.registry.UpdateStatus(sessionID, target, reason)
		return true, nil
	}
	if ctx.Err() != nil {
		_ = e.registry.UpdateStatus(sessionID, StatusCancelled, "run context cancelled")
		return true, nil
	}

	start := time.Now()
	defer func() {
		observability.RecordIteration(time.Since(start))
	}()

	_ = e.registry.SetActivity(sessionID, "Thinking...")

	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return true, err
	}

	resp, err := e.model.Generate(ctx, sess.Turns, e.tools.Catalog())
	if err != nil {
		reason := fmt.Sprintf("model request failed: %v", err)
		_ = e.registry.UpdateStatus(sessionID, StatusFailed, reason)
		return true, fmt.Errorf("generate: %w", err)
	}

	// Assistant turn first, so the log always reads reasoning before
	// tool results.
	if resp.Text != "" || len(resp.ToolCalls) > 0 {
		if err := e.registry.AppendTurn(sessionID, conversation.Turn{
			Role:      conversation.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
			Complete:  true,
		}); err != nil {
			_ = e.registry.UpdateStatus(sessionID, StatusError, fmt.Sprintf("log append failed: %v", err))
			return true, err
		}
	}

	if len(resp.ToolCalls) > 0 {
		if err := e.executeToolCalls(ctx, sessionID, resp.ToolCalls, logger); err != nil {
			reason := fmt.Sprintf("tool invocation failed: %v", err)
			_ = e.registry.UpdateStatus(sessionID, StatusFailed, reason)
			return true, fmt.Errorf("tools: %w", err)
		}
	}

	if !resp.Continue {
		_ = e.registry.SetFinalContent(sessionID, resp.Text)
		if err := e.registry.UpdateStatus(sessionID, StatusCompleted, ""); err != nil {
			return true, err
		}
		logger.Info().
			Int("iterations", sess.CurrentIteration).
			Msg("Agent run completed")
		return true, nil
	}

	if _, err := e.registry.AdvanceIteration(sessionID); err != nil {
		switch {
		case errors.Is(err, ErrIterationLimit):
			_ = e.registry.UpdateStatus(sessionID, StatusFailed, "iteration limit reached")
			logger.Warn().
				Int("max_iterations", sess.MaxIterations).
				Msg("Agent run hit iteration limit")
			return true, nil
		case errors.Is(err, ErrSessionTerminal):
			// Supervisor won the race mid-iteration.
			return true, nil
		default:
			return true, err
		}
	}

	return false, nil
}

// executeToolCalls runs the requested calls strictly in order, then
// appends a single tool turn carrying the calls and their results with
// matching indexes. A tool reporting failure is recorded and the loop
// continues; only an invoker error aborts.
func (e *Engine) executeToolCalls(ctx context.Context, sessionID string, calls []conversation.ToolCall, logger zerolog.Logger) error {
	results := make([]conversation.ToolCallResult, 0, len(calls))
	for _, call := range calls {
		_ = e.registry.SetActivity(sessionID, fmt.Sprintf("Calling %s", call.Name))

		res, err := e.tools.Invoke(ctx, call.Name, call.Arguments)
		if err != nil {
			return fmt.Errorf("invoke %s: %w", call.Name, err)
		}

		if !res.Success {
			logger.Warn().
				Str("tool", call.Name).
				Str("error", res.Error).
				Msg("Tool call reported failure")
		}
		results = append(results, conversation.ToolCallResult{
			Success: res.Success,
			Content: res.Content,
			Error:   res.Error,
		})
	}

	return e.registry.AppendTurn(sessionID, conversation.Turn{
		Role:        conversation.RoleTool,
		ToolCalls:   calls,
		ToolResults: results,
		Complete:    true,
	})
}
