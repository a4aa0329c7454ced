// Package config loads and validates the relay configuration file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay daemon.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Slack     SlackConfig     `yaml:"slack"`
	Agent     AgentConfig     `yaml:"agent"`
	Budget    BudgetConfig    `yaml:"budget"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
}

// WorkspaceConfig locates on-disk state. Each channel gets a subdirectory
// under Dir holding its conversation log; credentials live at the root.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// SlackConfig holds the Socket Mode tokens.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"` // xoxb- token for API calls
	AppToken string `yaml:"app_token"` // xapp- token for Socket Mode
}

// AgentConfig configures the model backing agent runs.
type AgentConfig struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// BudgetConfig bounds the context assembled for each run.
type BudgetConfig struct {
	// MaxInputTokens caps the total context sent to the model.
	MaxInputTokens int `yaml:"max_input_tokens"`

	// ReservedForOutput is held back from the input budget for the
	// model's response.
	ReservedForOutput int `yaml:"reserved_for_output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Defaults applied after decode.
const (
	DefaultModel          = "claude-sonnet-4-20250514"
	DefaultMaxTokens      = 8192
	DefaultMaxInputTokens = 180000
	DefaultReservedOutput = 16000
	DefaultMetricsAddr    = "127.0.0.1:9633"
)

// Load reads a YAML config file, expanding ${ENV} references and rejecting
// unknown fields.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace.Dir == "" {
		c.Workspace.Dir = "."
	}
	if c.Agent.Model == "" {
		c.Agent.Model = DefaultModel
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = DefaultMaxTokens
	}
	if c.Budget.MaxInputTokens <= 0 {
		c.Budget.MaxInputTokens = DefaultMaxInputTokens
	}
	if c.Budget.ReservedForOutput <= 0 {
		c.Budget.ReservedForOutput = DefaultReservedOutput
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Slack.BotToken) == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	if strings.TrimSpace(c.Slack.AppToken) == "" {
		return fmt.Errorf("slack.app_token is required")
	}
	if c.Budget.ReservedForOutput >= c.Budget.MaxInputTokens {
		return fmt.Errorf("budget.reserved_for_output must be below budget.max_input_tokens")
	}
	return nil
}
