// Package consensus collects artifacts from the agent roster for a
// stage attempt and synthesizes them into a single verdict that gates
// pipeline advancement.
package consensus

import (
	"encoding/json"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Status is the outcome of a synthesis round.
type Status string

const (
	// StatusOK means all expected agents contributed and agreed.
	StatusOK Status = "ok"

	// StatusDegraded means fewer artifacts than expected agents arrived.
	StatusDegraded Status = "degraded"

	// StatusConflict means the artifacts disagree on at least one point.
	// Conflict dominates degraded.
	StatusConflict Status = "conflict"
)

// ArtifactVerdict is one agent's entry in the synthesis record.
type ArtifactVerdict struct {
	Agent   string          `json:"agent"`
	Version string          `json:"version,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Verdict is the synthesized outcome of one consensus round.
type Verdict struct {
	SpecID           string            `json:"spec_id"`
	Stage            stage.Stage       `json:"stage"`
	RecordedAt       string            `json:"recorded_at"`
	PromptVersion    string            `json:"prompt_version,omitempty"`
	ConsensusOK      bool              `json:"consensus_ok"`
	Degraded         bool              `json:"degraded"`
	RequiredFieldsOK bool              `json:"required_fields_ok"`
	MissingAgents    []string          `json:"missing_agents"`
	Agreements       []string          `json:"agreements"`
	Conflicts        []string          `json:"conflicts"`
	SynthesisPath    string            `json:"synthesis_path,omitempty"`
	Artifacts        []ArtifactVerdict `json:"artifacts"`
}

// Status derives the round status from the verdict.
func (v *Verdict) Status() Status {
	switch {
	case len(v.Conflicts) > 0:
		return StatusConflict
	case v.Degraded:
		return StatusDegraded
	default:
		return StatusOK
	}
}

// Synthesis is the on-disk synthesis document read back by downstream
// checks.
type Synthesis struct {
	Stage         string   `json:"stage"`
	SpecID        string   `json:"specId"`
	Status        Status   `json:"status"`
	MissingAgents []string `json:"missing_agents"`
	Consensus     struct {
		Agreements []string `json:"agreements"`
		Conflicts  []string `json:"conflicts"`
	} `json:"consensus"`
	PromptVersion string `json:"prompt_version,omitempty"`
}

// NewSynthesis builds the persistable document from a verdict.
func NewSynthesis(v *Verdict) *Synthesis {
	s := &Synthesis{
		Stage:         string(v.Stage),
		SpecID:        v.SpecID,
		Status:        v.Status(),
		MissingAgents: v.MissingAgents,
		PromptVersion: v.PromptVersion,
	}
	s.Consensus.Agreements = v.Agreements
	s.Consensus.Conflicts = v.Conflicts
	return s
}

// Round is the raw material of a synthesis: the artifacts gathered for
// one attempt plus the roster that was expected to produce them.
type Round struct {
	SpecID    string
	Stage     stage.Stage
	Expected  []string
	Artifacts []*agent.Artifact
}
