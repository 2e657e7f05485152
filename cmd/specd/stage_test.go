package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/config"
)

func TestAutoCmd_Flags(t *testing.T) {
	for _, name := range []string{
		"goal", "resume-from", "wait-for-human", "baseline-mode",
		"allow-guardrail-fail", "allow-conflict", "serve", "manifest-path",
	} {
		assert.NotNil(t, autoCmd.Flags().Lookup(name), name)
	}
	assert.NotNil(t, consensusCmd.Flags().Lookup("manifest-path"))
}

func TestApplyManifestPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[agents]]
name = "gemini"
model_id = "gemini-2.5-pro"
command = "gemini"
`), 0o644))

	cfg := &config.Config{}
	cfg.Agents.ManifestPath = "/configured/agents.toml"

	t.Run("empty flag keeps config", func(t *testing.T) {
		manifestPath = ""
		applyManifestPath(cfg)
		assert.Equal(t, "/configured/agents.toml", cfg.Agents.ManifestPath)
	})

	t.Run("flag overrides config", func(t *testing.T) {
		manifestPath = path
		t.Cleanup(func() { manifestPath = "" })
		applyManifestPath(cfg)
		assert.Equal(t, path, cfg.Agents.ManifestPath)

		manifest, err := cfg.Manifest()
		require.NoError(t, err)
		require.Len(t, manifest.Agents, 1)
		assert.Equal(t, "gemini", manifest.Agents[0].Name)
	})
}
