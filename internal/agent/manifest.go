package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

// DefaultTimeout bounds one agent run when the manifest does not set one.
const DefaultTimeout = 30 * time.Minute

// Definition declares one agent in the roster manifest.
type Definition struct {
	Name          string   `toml:"name"`
	ModelID       string   `toml:"model_id"`
	ModelRelease  string   `toml:"model_release"`
	ReasoningMode string   `toml:"reasoning_mode"`
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	Timeout       duration `toml:"timeout"`

	// Stages restricts the agent to specific stages. Empty means the
	// agent runs everywhere its roster is consulted.
	Stages []string `toml:"stages"`
}

// RunTimeout returns the configured timeout or the default.
func (d Definition) RunTimeout() time.Duration {
	if d.Timeout.Duration > 0 {
		return d.Timeout.Duration
	}
	return DefaultTimeout
}

// ServesStage reports whether the definition participates in a stage.
func (d Definition) ServesStage(st stage.Stage) bool {
	if len(d.Stages) == 0 {
		return true
	}
	for _, s := range d.Stages {
		if parsed, err := stage.Parse(s); err == nil && parsed == st {
			return true
		}
	}
	return false
}

// Manifest is the TOML roster of agents.
type Manifest struct {
	Agents []Definition `toml:"agents"`
}

// duration wraps time.Duration for TOML string values like "15m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// LoadManifest reads and validates an agent roster from a TOML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a TOML roster.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse agent manifest: %w", err)
	}
	if len(m.Agents) == 0 {
		return nil, fmt.Errorf("agent manifest declares no agents")
	}

	seen := make(map[string]struct{}, len(m.Agents))
	for i, def := range m.Agents {
		if def.Name == "" {
			return nil, fmt.Errorf("agent %d: name is required", i)
		}
		if def.ModelID == "" {
			return nil, fmt.Errorf("agent %q: model_id is required", def.Name)
		}
		if def.Command == "" {
			return nil, fmt.Errorf("agent %q: command is required", def.Name)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("agent %q declared twice", def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return &m, nil
}

// RosterFor returns the definitions serving a stage, in manifest order.
func (m *Manifest) RosterFor(st stage.Stage) []Definition {
	var roster []Definition
	for _, def := range m.Agents {
		if def.ServesStage(st) {
			roster = append(roster, def)
		}
	}
	return roster
}

// Lookup finds a definition by name.
func (m *Manifest) Lookup(name string) (Definition, bool) {
	for _, def := range m.Agents {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// DefaultManifest is the built-in roster used when no manifest file is
// configured. Implement adds a second code-focused reviewer.
func DefaultManifest() *Manifest {
	all := []string{"plan", "tasks", "implement", "validate", "audit", "unlock"}
	return &Manifest{Agents: []Definition{
		{Name: "gemini", ModelID: "gemini-2.5-pro", Command: "gemini", Args: []string{"--output-format", "json"}, Stages: all},
		{Name: "claude", ModelID: "claude-4.5-sonnet", Command: "claude", Args: []string{"--output-format", "json"}, Stages: all},
		{Name: "gpt_pro", ModelID: "gpt-5", Command: "codex", Args: []string{"exec", "--json"}, Stages: all},
		{Name: "gpt_codex", ModelID: "gpt-5-codex", Command: "codex", Args: []string{"exec", "--json"}, Stages: []string{"implement"}},
	}}
}
