package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "claude", cfg.ProviderBinary)
	assert.Equal(t, 120*time.Second, cfg.Spawner.InitTimeout)
	assert.Equal(t, 5*time.Second, cfg.Spawner.GracefulShutdown)
	assert.Equal(t, 16, cfg.Dispatch.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.TickInterval)
	assert.Equal(t, 7420, cfg.Server.Port)
}

func TestLoadMergesProjectConfig(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, ".orchestrator")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	content := `{
		// override the provider binary
		"providerBinary": "codex",
		"dispatch": { "batchSize": 4 }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "orchestrator.jsonc"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.ProviderBinary)
	assert.Equal(t, 4, cfg.Dispatch.BatchSize)
	// untouched fields keep their defaults
	assert.Equal(t, 120*time.Second, cfg.Spawner.InitTimeout)
}

func TestLoadMissingFilesFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ORCHESTRATOR_PROVIDER_BINARY", "gemini")
	t.Setenv("ORCHESTRATOR_PORT", "9090")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.ProviderBinary)
	assert.Equal(t, 9090, cfg.Server.Port)
}
