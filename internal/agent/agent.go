// Package agent runs the model agents that draft and review stage
// artifacts. Agents are external processes; a failed run is folded into
// a stub artifact so a single flaky agent degrades consensus instead of
// aborting the round.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/specd/internal/stage"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// FailureKind classifies why an agent run produced no usable output.
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureNonZeroExit     FailureKind = "nonzero-exit"
	FailureMalformedOutput FailureKind = "malformed-output"
	FailureEmptyOutput     FailureKind = "empty-output"
)

// Failure describes a failed agent run.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Prompt is the work order handed to one agent for one stage attempt.
type Prompt struct {
	SpecID    string
	SessionID string
	Stage     stage.Stage
	Text      string

	// PredecessorOutput embeds the prior agent's payload in sequential
	// mode. Empty JSON when the predecessor failed.
	PredecessorOutput string
}

// Artifact is one agent's contribution to a consensus round. Exactly one
// of Payload or Failure is meaningful: a failed run carries a Failure and
// an empty object payload.
type Artifact struct {
	Agent     string          `json:"agent"`
	ModelID   string          `json:"model_id"`
	SpecID    string          `json:"spec_id"`
	Stage     stage.Stage     `json:"stage"`
	Payload   json.RawMessage `json:"payload"`
	Failure   *Failure        `json:"failure,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
	Usage     telemetry.Usage `json:"usage"`
}

// Failed reports whether the run produced a stub instead of real output.
func (a *Artifact) Failed() bool {
	return a.Failure != nil
}

// StubArtifact synthesizes the placeholder artifact for a failed run.
func StubArtifact(def Definition, p Prompt, kind FailureKind, detail string) *Artifact {
	return &Artifact{
		Agent:   def.Name,
		ModelID: def.ModelID,
		SpecID:  p.SpecID,
		Stage:   p.Stage,
		Payload: json.RawMessage("{}"),
		Failure: &Failure{Kind: kind, Detail: detail},
	}
}

// Metrics converts an artifact into its telemetry entry.
func (a *Artifact) Metrics(outputPath string) telemetry.AgentMetrics {
	m := telemetry.AgentMetrics{
		Agent:            a.Agent,
		ModelID:          a.ModelID,
		OutputPath:       outputPath,
		LatencyMs:        &a.LatencyMs,
		PromptTokens:     a.Usage.PromptTokens,
		CompletionTokens: a.Usage.CompletionTokens,
		ReasoningTokens:  a.Usage.ReasoningTokens,
		TotalTokens:      a.Usage.TotalTokens,
		CacheHit:         a.Usage.CacheHit,
		CostUSD:          telemetry.CostUSD(a.ModelID, a.Usage),
		Status:           "ok",
	}
	if a.Failure != nil {
		m.Status = "error"
		m.Error = fmt.Sprintf("%s: %s", a.Failure.Kind, a.Failure.Detail)
	}
	return m
}

// Agent submits prompts to a model and returns artifacts. Process-level
// failures come back as stub artifacts, not errors; the error return is
// reserved for infrastructure problems such as a cancelled context.
type Agent interface {
	Name() string
	Submit(ctx context.Context, p Prompt) (*Artifact, error)
}
