// Package config loads and validates the daemon configuration from
// ~/.lumen/lumen.json, with LUMEN_* environment overrides and fsnotify
// hot reload for settings that can change at runtime.
package config

import (
	"encoding/json"
	"fmt"
)

// Config is the root daemon configuration.
type Config struct {
	Agent   AgentConfig   `json:"agent" mapstructure:"agent"`
	Model   ModelConfig   `json:"model" mapstructure:"model"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	AI      AIConfig      `json:"ai" mapstructure:"ai"`

	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig bounds agent session execution.
type AgentConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	SystemPrompt       string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations      int    `json:"max_iterations" mapstructure:"max_iterations"`
	TimeoutMinutes     int    `json:"timeout_minutes" mapstructure:"timeout_minutes"`
	HistoryCap         int    `json:"history_cap" mapstructure:"history_cap"`
	RetentionHours     int    `json:"retention_hours" mapstructure:"retention_hours"`
	PruneSchedule      string `json:"prune_schedule" mapstructure:"prune_schedule"`
	AutoShowSuppressed bool   `json:"auto_show_suppressed" mapstructure:"auto_show_suppressed"`
}

// ModelConfig selects the model provider and generation parameters.
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries  int     `json:"max_retries" mapstructure:"max_retries"`
}

// ToolsConfig bounds tool execution.
type ToolsConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// GatewayConfig holds the WebSocket observer server configuration.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// AIConfig holds model provider credentials.
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile is one provider credential. Lower priority wins.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Enabled:        true,
			MaxIterations:  10,
			TimeoutMinutes: 10,
			HistoryCap:     20,
			RetentionHours: 72,
			PruneSchedule:  "@hourly",
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8765,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks the configuration and reports the first problem with an
// actionable message.
func (c *Config) Validate() error {
	if c.Agent.Enabled {
		if len(c.AI.Profiles) == 0 {
			return fmt.Errorf("no AI credentials configured: add at least one profile under ai.profiles")
		}
		if c.Agent.MaxIterations <= 0 {
			return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
		}
		if c.Agent.TimeoutMinutes <= 0 {
			return fmt.Errorf("agent.timeout_minutes must be positive, got %d", c.Agent.TimeoutMinutes)
		}
		if c.Agent.HistoryCap <= 0 {
			return fmt.Errorf("agent.history_cap must be positive, got %d", c.Agent.HistoryCap)
		}
		if c.Model.Provider != "anthropic" && c.Model.Provider != "openai" {
			return fmt.Errorf("model.provider must be anthropic or openai, got %q", c.Model.Provider)
		}
		if c.Model.Model == "" {
			return fmt.Errorf("model.model is required")
		}
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("ai.profiles[%d]: id is required", i)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("ai.profiles[%s]: provider must be anthropic or openai, got %q", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("ai.profiles[%s]: api_key is required", profile.ID)
		}
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
		}
	}

	if c.Tools.TimeoutSeconds < 0 {
		return fmt.Errorf("tools.timeout_seconds cannot be negative, got %d", c.Tools.TimeoutSeconds)
	}

	return nil
}
