package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOrchestrator(t *testing.T) {
	plain := &Config{ID: "a1", Name: "worker"}
	assert.False(t, plain.IsOrchestrator())

	orch := &Config{
		ID:   "a2",
		Name: "lead",
		Subagents: map[string]Subagent{
			"researcher": {Description: "digs", Prompt: "research things"},
		},
	}
	assert.True(t, orch.IsOrchestrator())
}

func TestLimitsNormalization(t *testing.T) {
	cfg := &Config{ID: "a1", Name: "worker"}
	limits := cfg.Limits()
	assert.Equal(t, DefaultResourceLimits.MaxResultSize, limits.MaxResultSize)
	assert.Equal(t, DefaultResourceLimits.MaxToolTimeoutMS, limits.MaxToolTimeoutMS)

	cfg.Settings.ResourceLimits = ResourceLimits{MaxResultSize: 1000}
	limits = cfg.Limits()
	assert.Equal(t, 1000, limits.MaxResultSize)
	assert.Equal(t, DefaultResourceLimits.MaxToolTimeoutMS, limits.MaxToolTimeoutMS)
}

func TestMaxToolTimeoutDuration(t *testing.T) {
	limits := ResourceLimits{MaxToolTimeoutMS: 2500}
	assert.Equal(t, 2500*time.Millisecond, limits.MaxToolTimeout())
}

func TestSubagentNames(t *testing.T) {
	cfg := &Config{
		Subagents: map[string]Subagent{
			"researcher": {},
			"writer":     {},
		},
	}
	assert.ElementsMatch(t, []string{"researcher", "writer"}, cfg.SubagentNames())
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"id": "a1",
		"name": "helper",
		"model": "sonnet",
		"tools": {"enabled": ["Read", "Grep"]},
		"settings": {"maxTurns": 5}
	}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a1", cfg.ID)
	assert.Equal(t, ModelSonnet, cfg.Model)
	assert.Equal(t, []string{"Read", "Grep"}, cfg.Tools.Enabled)
	assert.Equal(t, 5, cfg.Settings.MaxTurns)
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: a2
name: lead
model: opus
subagents:
  researcher:
    description: digs up sources
    prompt: research the topic
    model: haiku
hooks:
  PreToolUse:
    - matcher: Bash
      code: "return { permissionDecision: 'allow' }"
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "lead", cfg.Name)
	assert.True(t, cfg.IsOrchestrator())
	require.Contains(t, cfg.Subagents, "researcher")
	assert.Equal(t, ModelHaiku, cfg.Subagents["researcher"].Model)
	require.Len(t, cfg.Hooks[HookPreToolUse], 1)
	assert.Equal(t, "Bash", cfg.Hooks[HookPreToolUse][0].Matcher)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
