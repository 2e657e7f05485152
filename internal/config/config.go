// Package config provides configuration loading for specd.
package config

import (
	"fmt"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/httpapi"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/pipeline"
)

// Config is the root configuration for specd.
type Config struct {
	Logging   logging.Config            `koanf:"logging"`
	Evidence  evidence.Config           `koanf:"evidence"`
	Agents    AgentsConfig              `koanf:"agents"`
	Consensus consensus.CollectorConfig `koanf:"consensus"`
	Guardrail guardrail.Config          `koanf:"guardrail"`
	Pipeline  pipeline.Config           `koanf:"pipeline"`
	Quality   QualityConfig             `koanf:"quality"`
	Server    httpapi.Config            `koanf:"server"`
}

// AgentsConfig points at the agent roster and tunes subprocess launch.
type AgentsConfig struct {
	// ManifestPath is the TOML roster file. Empty uses the built-in
	// default roster.
	ManifestPath string `koanf:"manifest_path"`

	Runner agent.RunnerConfig `koanf:"runner"`
}

// QualityConfig controls the pre-stage quality checkpoints.
type QualityConfig struct {
	// Enabled turns checkpoint collection on. Auto-resolution commits
	// land in RepoPath.
	Enabled  bool   `koanf:"enabled"`
	RepoPath string `koanf:"repo_path"`
}

// Validate checks the aggregate configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if c.Evidence.Root == "" {
		return fmt.Errorf("evidence: root directory is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}
	if c.Quality.Enabled && c.Quality.RepoPath == "" {
		return fmt.Errorf("quality: repo_path is required when checkpoints are enabled")
	}
	return nil
}

// Manifest loads the configured agent roster.
func (c *Config) Manifest() (*agent.Manifest, error) {
	if c.Agents.ManifestPath == "" {
		return agent.DefaultManifest(), nil
	}
	return agent.LoadManifest(c.Agents.ManifestPath)
}
