// Package toolinvoker executes named tool calls on behalf of the agent loop.
// The orchestrator treats it as an opaque async operation: one call in, one
// result out. Tool arguments are validated against a generated JSON schema
// before the handler runs.
package toolinvoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andhika/lumen/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Parameter defines one tool argument.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Result is the outcome of one invocation. A failed tool returns
// Success=false with Error set; the invoker itself only errors on transport
// problems (unknown tool is reported as a failed result, not an error).
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Invoker manages and executes tools.
type Invoker struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
	mu      sync.RWMutex
}

// New creates an Invoker with the given per-call timeout (30s if zero).
func New(timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	inv := &Invoker{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: timeout,
	}
	log.Info().Dur("timeout", timeout).Msg("Tool invoker initialized")
	return inv
}

// Register adds a tool.
func (inv *Invoker) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.tools[def.Name] = &def
	inv.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool.
func (inv *Invoker) Unregister(name string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	delete(inv.tools, name)
	delete(inv.schemas, name)
}

// Get returns a tool definition by name, or nil.
func (inv *Invoker) Get(name string) *Definition {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.tools[name]
}

// List returns all registered definitions.
func (inv *Invoker) List() []Definition {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]Definition, 0, len(inv.tools))
	for _, def := range inv.tools {
		out = append(out, *def)
	}
	return out
}

// InputSchema builds the JSON-schema map advertised to the model for a
// definition.
func (def *Definition) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, p := range def.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Invoke executes one tool call. Handler errors and validation failures come
// back as failed Results so the model can react; only the surrounding
// machinery treats them as non-fatal.
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	inv.mu.RLock()
	tool := inv.tools[name]
	schema := inv.schemas[name]
	inv.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", name).Msg("Tool not found")
		return Result{Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}

	if err := validateArguments(schema, args); err != nil {
		log.Error().Str("tool", name).Err(err).Msg("Argument validation failed")
		return Result{Success: false, Error: fmt.Sprintf("argument validation failed: %v", err)}
	}

	log.Debug().Str("tool", name).Msg("Executing tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		content, err := tool.Handler(timeoutCtx, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		duration := time.Since(start)
		if out.err != nil {
			observability.RecordToolInvocation(name, duration, false)
			log.Error().Str("tool", name).Dur("duration", duration).Err(out.err).Msg("Tool execution failed")
			return Result{Success: false, Error: out.err.Error()}
		}
		observability.RecordToolInvocation(name, duration, true)
		content, truncated := truncateOutput(out.content)
		log.Debug().
			Str("tool", name).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		return Result{Success: true, Content: content}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		observability.RecordToolInvocation(name, duration, false)
		log.Error().Str("tool", name).Dur("duration", duration).Msg("Tool execution timeout")
		return Result{Success: false, Error: fmt.Sprintf("tool execution timeout after %v", inv.timeout)}
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}
	return nil
}

func generateSchema(def Definition) (*gojsonschema.Schema, error) {
	schemaMap := def.InputSchema()
	schemaMap["additionalProperties"] = false
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}

// truncateOutput keeps tool output at a size the conversation log can carry.
func truncateOutput(s string) (string, bool) {
	const maxSize = 10 * 1024

	if len(s) <= maxSize {
		return s, false
	}

	log.Warn().Int("original", len(s)).Int("truncated", maxSize).Msg("Tool output truncated")
	return s[:maxSize] + "\n... [output truncated]", true
}
