package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ralph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "repo_root: /tmp/repo\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultConcurrency, cfg.MaxConcurrency)
	assert.Equal(t, "main", cfg.MainBranch)
	assert.Equal(t, 3, cfg.MaxSpeculativeDepth)
	assert.Equal(t, OrderByPriority, cfg.Ordering)
	assert.Equal(t, "/tmp/repo/.ralph", cfg.StateDir)
}

func TestLoadRequiresRepoRoot(t *testing.T) {
	path := writeConfig(t, "project_name: demo\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestConcurrencyEnvOverrideAndClamp(t *testing.T) {
	path := writeConfig(t, "repo_root: /tmp/repo\nmax_concurrency: 4\n")

	t.Setenv("WORKFLOW_MAX_CONCURRENCY", "12")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxConcurrency)

	t.Setenv("WORKFLOW_MAX_CONCURRENCY", "500")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, MaxConcurrency, cfg.MaxConcurrency)

	t.Setenv("WORKFLOW_MAX_CONCURRENCY", "0")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, MinConcurrency, cfg.MaxConcurrency)
}

func TestUnknownOrderingRejected(t *testing.T) {
	path := writeConfig(t, "repo_root: /tmp/repo\nordering_strategy: lifo\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestAgentPool(t *testing.T) {
	path := writeConfig(t, `
repo_root: /tmp/repo
agents:
  claude-main:
    type: claude
    model: sonnet
    is_scheduler: true
  codex-fallback:
    type: codex
    model: gpt-5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Agents, 2)
	assert.Equal(t, "claude-main", cfg.SchedulerAgent())
	assert.Equal(t, "sonnet", cfg.Agents["claude-main"].Model)
}
