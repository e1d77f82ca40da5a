package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
supervisor_model: sup
judge_model: judge
merger_model: mrg
proposal_agents:
  - model: m1
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, 95.0, cfg.Threshold())
	assert.Equal(t, 3, cfg.MaxRounds)
	assert.True(t, cfg.Debate())
	assert.False(t, cfg.HumanApprovalRequired)
	assert.Equal(t, DefaultLLMTimeout, cfg.LLMTimeout)
	assert.Equal(t, DefaultStageTimeout, cfg.StageTimeout)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
}

func TestParseConfigExplicitZeroThreshold(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML + "fidelity_threshold: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.Threshold())
}

func TestParseConfigMaxRoundsCeiling(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML + "max_rounds: 50\n"))
	require.NoError(t, err)
	assert.Equal(t, MaxRoundsCeiling, cfg.MaxRounds)
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig([]byte(minimalYAML + "fidelity_treshold: 90\n"))
	require.Error(t, err)
}

func TestParseConfigRejectsMissingAgents(t *testing.T) {
	_, err := ParseConfig([]byte(`
supervisor_model: sup
judge_model: judge
merger_model: mrg
proposal_agents: []
`))
	require.Error(t, err)
}

func TestParseConfigRejectsEmptyModel(t *testing.T) {
	_, err := ParseConfig([]byte(`
supervisor_model: sup
judge_model: judge
merger_model: mrg
proposal_agents:
  - model: ""
`))
	require.Error(t, err)
}

func TestConfigModels(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML + `  - model: m2
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, cfg.Models())
}

func TestConfigDebateDisable(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML + "debate_enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Debate())
}
