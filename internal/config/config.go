// Package config defines and loads the daemon configuration.
package config

import (
	"fmt"
	"time"

	"github.com/reinholt/loom/internal/logger"
)

// Config is the root daemon configuration.
type Config struct {
	DataDir  string         `json:"data_dir" mapstructure:"data_dir"`
	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Agent    AgentConfig    `json:"agent" mapstructure:"agent"`
	Context  ContextConfig  `json:"context" mapstructure:"context"`
	Pool     PoolConfig     `json:"pool" mapstructure:"pool"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Verify   VerifyConfig   `json:"verify" mapstructure:"verify"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Logging  logger.Config  `json:"logging" mapstructure:"logging"`
}

// ProviderConfig selects and authenticates the model provider.
type ProviderConfig struct {
	Name   string `json:"name" mapstructure:"name"` // anthropic, openai
	APIKey string `json:"api_key" mapstructure:"api_key"`
	Model  string `json:"model" mapstructure:"model"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	SystemPrompt       string        `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature        float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens          int           `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations      int           `json:"max_iterations" mapstructure:"max_iterations"`
	MaxProviderRetries int           `json:"max_provider_retries" mapstructure:"max_provider_retries"`
	TurnTimeout        time.Duration `json:"turn_timeout" mapstructure:"turn_timeout"`
}

// ContextConfig tunes the context window builder.
type ContextConfig struct {
	MaxTokens         int    `json:"max_tokens" mapstructure:"max_tokens"`
	ReservedForOutput int    `json:"reserved_for_output" mapstructure:"reserved_for_output"`
	Strategy          string `json:"strategy" mapstructure:"strategy"`
	RecentTurns       int    `json:"recent_turns" mapstructure:"recent_turns"`
}

// PoolConfig tunes the tool worker pool.
type PoolConfig struct {
	MaxConcurrency            int           `json:"max_concurrency" mapstructure:"max_concurrency"`
	MaxHeavyweightConcurrency int           `json:"max_heavyweight_concurrency" mapstructure:"max_heavyweight_concurrency"`
	ToolTimeout               time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
}

// SessionConfig tunes session lifecycle management.
type SessionConfig struct {
	SteeringCapacity int           `json:"steering_capacity" mapstructure:"steering_capacity"`
	IdleTTL          time.Duration `json:"idle_ttl" mapstructure:"idle_ttl"`
	JanitorSchedule  string        `json:"janitor_schedule" mapstructure:"janitor_schedule"`
	ArchivePath      string        `json:"archive_path" mapstructure:"archive_path"`
}

// VerifyConfig configures the verification chain.
type VerifyConfig struct {
	RulesPath  string `json:"rules_path" mapstructure:"rules_path"`
	WatchRules bool   `json:"watch_rules" mapstructure:"watch_rules"`
	LLMEnabled bool   `json:"llm_enabled" mapstructure:"llm_enabled"`
	Rubric     string `json:"rubric" mapstructure:"rubric"`
	MaxRetries int    `json:"max_retries" mapstructure:"max_retries"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// DefaultConfig returns a config with sane defaults. Provider credentials
// must still be supplied.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name: "anthropic",
		},
		Agent: AgentConfig{
			Temperature:        0.7,
			MaxTokens:          4096,
			MaxIterations:      10,
			MaxProviderRetries: 3,
			TurnTimeout:        5 * time.Minute,
		},
		Context: ContextConfig{
			MaxTokens:         100000,
			ReservedForOutput: 8000,
			Strategy:          "sliding-window",
			RecentTurns:       10,
		},
		Pool: PoolConfig{
			MaxConcurrency:            8,
			MaxHeavyweightConcurrency: 2,
			ToolTimeout:               60 * time.Second,
		},
		Session: SessionConfig{
			SteeringCapacity: 64,
			IdleTTL:          30 * time.Minute,
			JanitorSchedule:  "* * * * *",
		},
		Verify: VerifyConfig{
			MaxRetries: 2,
		},
		Gateway: GatewayConfig{
			Port: 8900,
		},
		Logging: logger.DefaultConfig(),
	}
}

// Validate checks the config for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider: %q", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api key is required")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context max tokens must be positive")
	}
	if c.Context.ReservedForOutput < 0 || c.Context.ReservedForOutput >= c.Context.MaxTokens {
		return fmt.Errorf("reserved output tokens must be in [0, max tokens)")
	}
	if c.Pool.MaxConcurrency <= 0 {
		return fmt.Errorf("pool max concurrency must be positive")
	}
	if c.Pool.MaxHeavyweightConcurrency > c.Pool.MaxConcurrency {
		return fmt.Errorf("heavyweight concurrency %d exceeds max concurrency %d",
			c.Pool.MaxHeavyweightConcurrency, c.Pool.MaxConcurrency)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent max iterations must be positive")
	}
	if c.Verify.LLMEnabled && c.Verify.Rubric == "" {
		return fmt.Errorf("llm verification requires a rubric")
	}
	return nil
}
