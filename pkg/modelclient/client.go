// Package modelclient is the boundary to LLM providers. It turns a
// conversation log plus a tool catalog into text, requested tool calls, and
// a resolved continuation signal. The orchestration core depends only on the
// Generator interface; everything provider-specific stays in here.
package modelclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andhika/lumen/internal/observability"
	"github.com/andhika/lumen/pkg/conversation"
	"github.com/rs/zerolog"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// TokenUsage tracks token consumption for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is what the orchestrator consumes: free text, zero or more
// requested tool calls, and whether the model wants another iteration.
type Response struct {
	Text      string
	ToolCalls []conversation.ToolCall
	Continue  bool
	Usage     *TokenUsage
}

// Generator is the contract the iteration engine depends on.
type Generator interface {
	Generate(ctx context.Context, turns []conversation.Turn, catalog []ToolSpec) (*Response, error)
}

// request carries the provider-call parameters.
type request struct {
	Model        string
	SystemPrompt string
	Turns        []conversation.Turn
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
}

// rawResponse is a provider reply before continuation resolution.
type rawResponse struct {
	Content   string
	ToolCalls []conversation.ToolCall
	Usage     *TokenUsage
}

// Provider is implemented per LLM vendor.
type Provider interface {
	Call(ctx context.Context, req request) (*rawResponse, error)
	Provider() string
}

// Config configures a Client.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
}

// Client wraps a Provider with retry and continuation resolution,
// implementing Generator.
type Client struct {
	provider Provider
	cfg      Config
	logger   zerolog.Logger
}

// NewClient creates a Client for the given provider.
func NewClient(provider Provider, cfg Config, logger zerolog.Logger) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{provider: provider, cfg: cfg, logger: logger}, nil
}

// Generate calls the provider and resolves the continuation signal from the
// model's own output.
func (c *Client) Generate(ctx context.Context, turns []conversation.Turn, catalog []ToolSpec) (*Response, error) {
	systemPrompt := ""
	for _, t := range turns {
		if t.Role == conversation.RoleSystem {
			systemPrompt = t.Content
			break
		}
	}

	req := request{
		Model:        c.cfg.Model,
		SystemPrompt: systemPrompt,
		Turns:        turns,
		Tools:        catalog,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}

	start := time.Now()
	raw, err := c.callWithRetry(ctx, req)
	observability.RecordModelCall(c.provider.Provider(), time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	cont, text := ResolveContinuation(raw.Content, len(raw.ToolCalls) > 0)

	return &Response{
		Text:      text,
		ToolCalls: raw.ToolCalls,
		Continue:  cont,
		Usage:     raw.Usage,
	}, nil
}

// callWithRetry retries transient provider failures with exponential backoff.
func (c *Client) callWithRetry(ctx context.Context, req request) (*rawResponse, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		raw, err := c.provider.Call(ctx, req)
		if err == nil {
			return raw, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		delay := time.Duration(1000*(1<<attempt)) * time.Millisecond
		c.logger.Info().
			Str("provider", c.provider.Provider()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after provider error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.cfg.MaxRetries, lastErr)
}

// IsRetryableError reports whether a provider error is worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}

// ProviderFactory creates providers from auth profiles.
type ProviderFactory struct{}

// AuthProfile holds credentials for one LLM vendor.
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	Priority int    `json:"priority"`
}

// NewProvider creates a provider from an auth profile.
func (f *ProviderFactory) NewProvider(profile AuthProfile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
