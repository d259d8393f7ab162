package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultTimeBudgetSeconds  = 300
	DefaultTokenBudget        = 200_000
	DefaultCostBudgetCents    = 500
	DefaultRetryAttempts      = 3
	DefaultTranscriptCapacity = 256
	DefaultRetentionHours     = 72
	DefaultContextTableBytes  = 64 << 20
	DefaultMaxFileSize        = 10 << 20
	DefaultDailyBudget        = 20.00
)

// Config is the complete runtime configuration loaded from YAML.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	Agents  []AgentConfig `yaml:"agents"`
}

// RuntimeConfig holds process-wide settings shared by all agents.
type RuntimeConfig struct {
	LogDir          string               `yaml:"log_dir"`
	ArtifactDir     string               `yaml:"artifact_dir"`
	RetentionHours  int                  `yaml:"retention_hours"`
	ContextMaxBytes int64                `yaml:"context_max_bytes"`
	UsageDB         string               `yaml:"usage_db"`
	DailyBudget     float64              `yaml:"daily_budget"`
	Pricing         map[string]ModelRate `yaml:"pricing"`
	Bus             BusConfig            `yaml:"bus"`
}

// ModelRate holds per-1M-token dollar rates for one model.
type ModelRate struct {
	PromptPer1M     float64 `yaml:"prompt_per_1m"`
	CompletionPer1M float64 `yaml:"completion_per_1m"`
}

// BusConfig selects and configures the status event transport.
type BusConfig struct {
	// Kind is "memory" or "nats".
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// AgentConfig describes one agent kind. Loaded once, never mutated;
// executors hold a reference to the loaded value.
type AgentConfig struct {
	Name               string        `yaml:"name"`
	Model              string        `yaml:"model"`
	SystemPrompt       string        `yaml:"system_prompt"`
	Tools              []string      `yaml:"tools"`
	Permissions        []string      `yaml:"permissions"`
	WorkDir            string        `yaml:"work_dir"`
	Sandbox            SandboxConfig `yaml:"sandbox"`
	Budgets            BudgetsConfig `yaml:"budgets"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	TranscriptCapacity int           `yaml:"transcript_capacity"`
}

// SandboxConfig bounds an agent's filesystem access.
type SandboxConfig struct {
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	DeniedGlobs     []string `yaml:"denied_globs"`
	MaxFileSize     int64    `yaml:"max_file_size"`
}

// BudgetsConfig holds per-dimension limits. Zero means unlimited.
type BudgetsConfig struct {
	TimeSeconds int64 `yaml:"time_seconds"`
	Tokens      int64 `yaml:"tokens"`
	CostCents   int64 `yaml:"cost_cents"`
}

// RetentionWindow returns the checkpoint retention as a duration.
func (rc RuntimeConfig) RetentionWindow() time.Duration {
	return time.Duration(rc.RetentionHours) * time.Hour
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithContext("path", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithContext("path", path)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Runtime.RetentionHours <= 0 {
		c.Runtime.RetentionHours = DefaultRetentionHours
	}
	if c.Runtime.ContextMaxBytes <= 0 {
		c.Runtime.ContextMaxBytes = DefaultContextTableBytes
	}
	if c.Runtime.DailyBudget == 0 {
		c.Runtime.DailyBudget = DefaultDailyBudget
	}
	if c.Runtime.Bus.Kind == "" {
		c.Runtime.Bus.Kind = "memory"
	}
	if c.Runtime.Bus.Name == "" {
		c.Runtime.Bus.Name = "otto"
	}

	for i := range c.Agents {
		agent := &c.Agents[i]
		if agent.Budgets.TimeSeconds == 0 {
			agent.Budgets.TimeSeconds = DefaultTimeBudgetSeconds
		}
		if agent.Budgets.Tokens == 0 {
			agent.Budgets.Tokens = DefaultTokenBudget
		}
		if agent.Budgets.CostCents == 0 {
			agent.Budgets.CostCents = DefaultCostBudgetCents
		}
		if agent.RetryAttempts == 0 {
			agent.RetryAttempts = DefaultRetryAttempts
		}
		if agent.TranscriptCapacity == 0 {
			agent.TranscriptCapacity = DefaultTranscriptCapacity
		}
		if agent.Sandbox.MaxFileSize == 0 {
			agent.Sandbox.MaxFileSize = DefaultMaxFileSize
		}
	}
}

// Validate checks cross-field constraints and returns a structured error
// on the first violation.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		agent := &c.Agents[i]
		if err := agent.Validate(); err != nil {
			return err
		}
		if seen[agent.Name] {
			return errors.New(errors.ErrCodeConfigInvalid, "duplicate agent name").
				WithContext("name", agent.Name)
		}
		seen[agent.Name] = true
	}
	return nil
}

var validPermissions = map[string]bool{
	"read":    true,
	"write":   true,
	"exec":    true,
	"network": true,
}

// Validate checks one agent definition.
func (a *AgentConfig) Validate() error {
	if a.Name == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "agent name must not be empty")
	}
	if a.Model == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "agent model must not be empty").
			WithContext("name", a.Name)
	}
	if a.WorkDir == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "agent work_dir must not be empty").
			WithContext("name", a.Name)
	}
	if !filepath.IsAbs(a.WorkDir) {
		return errors.New(errors.ErrCodeConfigInvalid, "agent work_dir must be absolute").
			WithContext("name", a.Name).
			WithContext("work_dir", a.WorkDir)
	}
	for _, perm := range a.Permissions {
		if !validPermissions[perm] {
			return errors.New(errors.ErrCodeConfigInvalid, "unknown permission").
				WithContext("name", a.Name).
				WithContext("permission", perm)
		}
	}
	if a.Budgets.TimeSeconds < 0 || a.Budgets.Tokens < 0 || a.Budgets.CostCents < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "budget limits must not be negative").
			WithContext("name", a.Name)
	}
	if a.TranscriptCapacity < 0 {
		return errors.New(errors.ErrCodeConfigInvalid, "transcript_capacity must not be negative").
			WithContext("name", a.Name)
	}
	return nil
}

// AgentByName returns the named agent definition, or nil.
func (c *Config) AgentByName(name string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i]
		}
	}
	return nil
}
