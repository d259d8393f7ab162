package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthconnect/otto-sub000/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otto.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
runtime:
  log_dir: /var/log/otto
  artifact_dir: /var/lib/otto/artifacts
  daily_budget: 15.0
  pricing:
    test-model:
      prompt_per_1m: 1.0
      completion_per_1m: 2.0
agents:
  - name: researcher
    model: test-model
    system_prompt: "You research things."
    tools: [read_file, list_dir]
    permissions: [read]
    work_dir: /srv/agents/researcher
    budgets:
      time_seconds: 120
      tokens: 50000
      cost_cents: 200
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Agents, 1)
	agent := cfg.Agents[0]
	assert.Equal(t, "researcher", agent.Name)
	assert.Equal(t, "test-model", agent.Model)
	assert.Equal(t, []string{"read_file", "list_dir"}, agent.Tools)
	assert.Equal(t, int64(120), agent.Budgets.TimeSeconds)
	assert.Equal(t, int64(50000), agent.Budgets.Tokens)
	assert.Equal(t, int64(200), agent.Budgets.CostCents)
	assert.InDelta(t, 15.0, cfg.Runtime.DailyBudget, 1e-9)
	assert.InDelta(t, 1.0, cfg.Runtime.Pricing["test-model"].PromptPer1M, 1e-9)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
agents:
  - name: minimal
    model: test-model
    work_dir: /srv/agents/minimal
`))
	require.NoError(t, err)

	agent := cfg.Agents[0]
	assert.Equal(t, int64(DefaultTimeBudgetSeconds), agent.Budgets.TimeSeconds)
	assert.Equal(t, int64(DefaultTokenBudget), agent.Budgets.Tokens)
	assert.Equal(t, int64(DefaultCostBudgetCents), agent.Budgets.CostCents)
	assert.Equal(t, DefaultRetryAttempts, agent.RetryAttempts)
	assert.Equal(t, DefaultTranscriptCapacity, agent.TranscriptCapacity)
	assert.Equal(t, int64(DefaultMaxFileSize), agent.Sandbox.MaxFileSize)
	assert.Equal(t, "memory", cfg.Runtime.Bus.Kind)
	assert.Equal(t, DefaultRetentionHours, cfg.Runtime.RetentionHours)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigLoad))
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "agents: [unclosed"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigLoad))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty name", `
agents:
  - name: ""
    model: m
    work_dir: /srv/a
`},
		{"empty model", `
agents:
  - name: a
    model: ""
    work_dir: /srv/a
`},
		{"relative work_dir", `
agents:
  - name: a
    model: m
    work_dir: relative/path
`},
		{"unknown permission", `
agents:
  - name: a
    model: m
    work_dir: /srv/a
    permissions: [sudo]
`},
		{"negative budget", `
agents:
  - name: a
    model: m
    work_dir: /srv/a
    budgets:
      tokens: -5
`},
		{"duplicate agent names", `
agents:
  - name: a
    model: m
    work_dir: /srv/a
  - name: a
    model: m
    work_dir: /srv/b
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.True(t, errors.IsCode(err, errors.ErrCodeConfigInvalid), "got %v", err)
		})
	}
}

func TestAgentByName(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.NotNil(t, cfg.AgentByName("researcher"))
	assert.Nil(t, cfg.AgentByName("nobody"))
}
