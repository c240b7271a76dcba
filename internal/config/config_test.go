package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nllm:\n  provider: openai\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "openai", cfg.LLM.Provider)
	require.Equal(t, 10, cfg.Reasoning.MaxSteps)
	require.Equal(t, 0.82, cfg.Persona.DedupThreshold)
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrideMaxSteps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o600))

	t.Setenv("CORTEX_MAX_STEPS", "4")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Reasoning.MaxSteps)
}
