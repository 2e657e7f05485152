package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/httpapi"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/pipeline"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "SPECD_"
)

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "specd", "config.yaml"), nil
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SPECD_SERVER_PORT, SPECD_EVIDENCE_ROOT, ...)
//  2. YAML config file (~/.config/specd/config.yaml by default)
//  3. Hardcoded defaults
//
// Environment variables strip the SPECD_ prefix, lowercase, and split on
// the first underscore into section and field:
//
//	SPECD_SERVER_PORT          -> server.port
//	SPECD_EVIDENCE_ROOT        -> evidence.root
//	SPECD_PIPELINE_BASELINE_MODE -> pipeline.baseline_mode
//
// A missing config file is not an error; defaults apply.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		path, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = path
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// EnsureConfigDir creates the specd config directory if it doesn't exist.
func EnsureConfigDir() error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	// Config may carry repo paths and hook commands; keep it private.
	// Skip the permission check on Windows.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm&0o077 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills unset fields from each package's defaults.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Format == "" {
		level := cfg.Logging.Level
		cfg.Logging = *logging.NewDefaultConfig()
		if level != 0 {
			cfg.Logging.Level = level
		}
	}

	ev := evidence.DefaultConfig()
	if cfg.Evidence.Root == "" {
		cfg.Evidence.Root = ev.Root
	}
	if cfg.Evidence.LockRetries == 0 {
		cfg.Evidence.LockRetries = ev.LockRetries
	}
	if cfg.Evidence.LockRetryDelay == 0 {
		cfg.Evidence.LockRetryDelay = ev.LockRetryDelay
	}

	runner := agent.DefaultRunnerConfig()
	if cfg.Agents.Runner.LaunchRate == 0 {
		cfg.Agents.Runner.LaunchRate = runner.LaunchRate
	}
	if cfg.Agents.Runner.LaunchBurst == 0 {
		cfg.Agents.Runner.LaunchBurst = runner.LaunchBurst
	}

	if cfg.Consensus.Mode == "" {
		cfg.Consensus.Mode = consensus.DefaultCollectorConfig().Mode
	}

	gr := guardrail.DefaultConfig()
	if cfg.Guardrail.LockDir == "" {
		cfg.Guardrail.LockDir = filepath.Join(cfg.Evidence.Root, ".locks")
	}
	if cfg.Guardrail.CommandTimeout == 0 {
		cfg.Guardrail.CommandTimeout = gr.CommandTimeout
	}

	pl := pipeline.DefaultConfig()
	if cfg.Pipeline.Limits.ConsensusRetries == 0 && cfg.Pipeline.Limits.ValidateRetries == 0 {
		cfg.Pipeline.Limits = pl.Limits
	}
	if cfg.Pipeline.BaselineMode == "" {
		cfg.Pipeline.BaselineMode = pl.BaselineMode
	}

	srv := httpapi.DefaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = srv.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = srv.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = srv.ShutdownTimeout
	}
}
