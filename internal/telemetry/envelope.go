// Package telemetry defines the schema-versioned records written to
// evidence for every guardrail attempt and consensus round, plus the
// usage and cost accounting attached to agent runs.
package telemetry

import (
	"fmt"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Schema versions accepted by readers. Writers always emit the newest.
const (
	SchemaV1 = "1.0"
	SchemaV2 = "2.0"
)

// Envelope is the telemetry record for one command attempt. The common
// header is identical across versions; v2 adds the consensus and
// quality_metrics blocks.
type Envelope struct {
	SchemaVersion string   `json:"schemaVersion"`
	Command       string   `json:"command"`
	SpecID        string   `json:"specId"`
	SessionID     string   `json:"sessionId"`
	Timestamp     string   `json:"timestamp"`
	PromptVersion string   `json:"promptVersion,omitempty"`
	Artifacts     []string `json:"artifacts"`
	Notes         []string `json:"notes,omitempty"`

	// Stage payloads. Exactly one group is populated depending on the
	// command that produced the record.
	Baseline     *Baseline         `json:"baseline,omitempty"`
	Hooks        map[string]string `json:"hooks,omitempty"`
	Tool         *Tool             `json:"tool,omitempty"`
	LockStatus   string            `json:"lock_status,omitempty"`
	HookStatus   string            `json:"hook_status,omitempty"`
	Scenarios    []Scenario        `json:"scenarios,omitempty"`
	HAL          *HAL              `json:"hal,omitempty"`
	UnlockStatus string            `json:"unlock_status,omitempty"`

	// v2 additions.
	Consensus      *ConsensusBlock `json:"consensus,omitempty"`
	QualityMetrics *QualityMetrics `json:"quality_metrics,omitempty"`
	Guardrail      *GuardrailBlock `json:"guardrail,omitempty"`

	// Denormalized for log scrapers that cannot reach into the block.
	ConsensusStatus  string `json:"consensusStatus,omitempty"`
	ConsensusSummary any    `json:"consensusSummary,omitempty"`
}

// Baseline describes the baseline run attached to a plan attempt.
type Baseline struct {
	Mode     string `json:"mode"`
	Artifact string `json:"artifact"`
	Status   string `json:"status"`
}

// Tool describes the task tooling status attached to a tasks attempt.
type Tool struct {
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Scenario is one named check from a validate or audit run.
type Scenario struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// HAL wraps the hardware-abstraction smoke check summary attached to
// validate and audit attempts.
type HAL struct {
	Summary HALSummary `json:"summary"`
}

// HALSummary aggregates HAL check results.
type HALSummary struct {
	Status       string   `json:"status"`
	FailedChecks []string `json:"failed_checks,omitempty"`
	Artifacts    []string `json:"artifacts,omitempty"`
}

// GuardrailBlock records the policy models consulted during an attempt.
type GuardrailBlock struct {
	PrefilterModel  string   `json:"prefilter_model,omitempty"`
	PrefilterStatus string   `json:"prefilter_status,omitempty"`
	PolicyModel     string   `json:"policy_model,omitempty"`
	PolicyStatus    string   `json:"policy_status,omitempty"`
	LatencyMs       *int64   `json:"latency_ms"`
	CostUSD         *float64 `json:"cost_usd"`
}

// QualityMetrics summarizes automated and human scoring of an attempt.
type QualityMetrics struct {
	AutomatedChecksPassed int      `json:"automated_checks_passed"`
	AutomatedChecksFailed int      `json:"automated_checks_failed"`
	HumanReviewScore      *float64 `json:"human_review_score"`
	CompletenessScore     *float64 `json:"completeness_score"`
}

// ConsensusBlock is the v2 multi-agent section of the envelope.
type ConsensusBlock struct {
	Status               string         `json:"status"`
	Agreements           []string       `json:"agreements"`
	Conflicts            []string       `json:"conflicts"`
	Agents               []AgentMetrics `json:"agents"`
	DisagreementDetected bool           `json:"disagreement_detected"`
	DisagreementPoints   []string       `json:"disagreement_points"`
	EscalationTriggered  bool           `json:"escalation_triggered"`
	EscalationReason     *string        `json:"escalation_reason"`
	TotalTokens          *float64       `json:"total_tokens"`
	TotalLatencyMs       *float64       `json:"total_latency_ms"`
	TotalCostUSD         *float64       `json:"total_cost_usd"`
}

// Validate checks the stage payload an envelope must carry for the
// given stage. Reader-side: accepts both schema versions.
func (e *Envelope) Validate(st stage.Stage) error {
	switch e.SchemaVersion {
	case SchemaV1, SchemaV2:
	default:
		return fmt.Errorf("unsupported schemaVersion %q", e.SchemaVersion)
	}
	if e.Command == "" {
		return fmt.Errorf("missing command")
	}
	if e.SpecID == "" {
		return fmt.Errorf("missing specId")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("missing timestamp")
	}

	switch st {
	case stage.Plan:
		if e.Baseline == nil {
			return fmt.Errorf("plan telemetry missing baseline block")
		}
		if e.Baseline.Mode == "" || e.Baseline.Status == "" {
			return fmt.Errorf("baseline block missing mode or status")
		}
		if _, ok := e.Hooks["session.start"]; !ok {
			return fmt.Errorf("plan telemetry missing hooks[session.start]")
		}
	case stage.Tasks:
		if e.Tool == nil || e.Tool.Status == "" {
			return fmt.Errorf("tasks telemetry missing tool.status")
		}
	case stage.Implement:
		if e.LockStatus == "" {
			return fmt.Errorf("implement telemetry missing lock_status")
		}
		if e.HookStatus == "" {
			return fmt.Errorf("implement telemetry missing hook_status")
		}
	case stage.Validate, stage.Audit:
		if len(e.Scenarios) == 0 {
			return fmt.Errorf("%s telemetry missing scenarios", st)
		}
		for i, sc := range e.Scenarios {
			if sc.Name == "" || sc.Status == "" {
				return fmt.Errorf("scenario %d missing name or status", i)
			}
			switch sc.Status {
			case "passed", "failed", "skipped":
			default:
				return fmt.Errorf("scenario %q has invalid status %q", sc.Name, sc.Status)
			}
		}
		if e.HAL != nil {
			switch e.HAL.Summary.Status {
			case "passed", "failed", "skipped":
			default:
				return fmt.Errorf("hal.summary.status %q is invalid", e.HAL.Summary.Status)
			}
		}
	case stage.Unlock:
		if e.UnlockStatus == "" {
			return fmt.Errorf("unlock telemetry missing unlock_status")
		}
	default:
		return fmt.Errorf("unknown stage %q", st)
	}
	return nil
}
