// Package quality implements the gate checkpoints that interrogate
// stage artifacts before expensive work begins, classify agent
// agreement on each issue, and decide between auto-resolution and
// human escalation.
package quality

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Confidence grades how strongly the roster agrees on an answer.
type Confidence string

const (
	// ConfidenceHigh means every agent gave the same answer.
	ConfidenceHigh Confidence = "high"

	// ConfidenceMedium means a strict majority agreed.
	ConfidenceMedium Confidence = "medium"

	// ConfidenceLow means a tie or no majority.
	ConfidenceLow Confidence = "low"
)

// Magnitude grades an issue's blast radius.
type Magnitude string

const (
	MagnitudeMinor     Magnitude = "minor"
	MagnitudeImportant Magnitude = "important"
	MagnitudeCritical  Magnitude = "critical"
)

// Resolvability describes whether a fix can be applied without a human.
type Resolvability string

const (
	ResolvabilityAutoFix    Resolvability = "auto-fix"
	ResolvabilitySuggestFix Resolvability = "suggest-fix"
	ResolvabilityNeedHuman  Resolvability = "need-human"
)

// GateType names the interrogation each checkpoint runs.
type GateType string

const (
	GateClarify   GateType = "clarify"
	GateChecklist GateType = "checklist"
	GateAnalyze   GateType = "analyze"
)

// PromptName returns the prompt template slug for a gate.
func (g GateType) PromptName() string {
	return "quality-gate-" + string(g)
}

// Checkpoint is a point in the pipeline where a gate runs.
type Checkpoint string

const (
	CheckpointPrePlanning Checkpoint = "pre-planning"
	CheckpointPostPlan    Checkpoint = "post-plan"
	CheckpointPostTasks   Checkpoint = "post-tasks"
)

// Gate returns the gate type a checkpoint runs.
func (c Checkpoint) Gate() GateType {
	switch c {
	case CheckpointPrePlanning:
		return GateClarify
	case CheckpointPostPlan:
		return GateChecklist
	default:
		return GateAnalyze
	}
}

// CheckpointFor returns the checkpoint that must complete before a
// stage starts, or false for stages without one.
func CheckpointFor(st stage.Stage) (Checkpoint, bool) {
	switch st {
	case stage.Plan:
		return CheckpointPrePlanning, true
	case stage.Tasks:
		return CheckpointPostPlan, true
	case stage.Implement:
		return CheckpointPostTasks, true
	default:
		return "", false
	}
}

// Issue is one question raised during a quality gate, merged across the
// agents that raised it.
type Issue struct {
	ID            string            `json:"id"`
	Gate          GateType          `json:"gate"`
	Question      string            `json:"question"`
	Confidence    Confidence        `json:"confidence"`
	Magnitude     Magnitude         `json:"magnitude"`
	Resolvability Resolvability     `json:"resolvability"`
	SuggestedFix  string            `json:"suggested_fix,omitempty"`
	Context       string            `json:"context,omitempty"`
	AgentAnswers  map[string]string `json:"agent_answers"`
	AgentReasons  map[string]string `json:"agent_reasoning"`
}

// ClassifyAgreement grades agreement across the agents that answered.
// Unanimity is high confidence, a strict majority is medium with the
// dissenting answer reported, and a tie or scatter is low. Agents that
// failed to answer are already absent from the map and do not dilute
// the grade.
func ClassifyAgreement(answers map[string]string) (Confidence, string, string) {
	if len(answers) == 0 {
		return ConfidenceLow, "", ""
	}

	counts := make(map[string]int)
	for _, answer := range answers {
		counts[answer]++
	}

	majority, majorityCount := "", 0
	for answer, count := range counts {
		if count > majorityCount || (count == majorityCount && answer < majority) {
			majority, majorityCount = answer, count
		}
	}

	switch {
	case majorityCount == len(answers):
		return ConfidenceHigh, majority, ""
	case majorityCount*2 > len(answers):
		dissent := ""
		for _, answer := range answers {
			if answer != majority {
				dissent = answer
				break
			}
		}
		return ConfidenceMedium, majority, dissent
	default:
		return ConfidenceLow, "", ""
	}
}

// ParseIssues decodes one agent's gate output. The payload must carry
// an issues array; each entry contributes one single-agent issue that
// Merge later folds together by ID.
func ParseIssues(agentName string, payload json.RawMessage, gate GateType) ([]Issue, error) {
	var doc struct {
		Issues []struct {
			ID            string `json:"id"`
			Question      string `json:"question"`
			Answer        string `json:"answer"`
			Confidence    string `json:"confidence"`
			Magnitude     string `json:"magnitude"`
			Severity      string `json:"severity"`
			Resolvability string `json:"resolvability"`
			SuggestedFix  string `json:"suggested_fix"`
			Reasoning     string `json:"reasoning"`
			Context       string `json:"context"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode %s gate output: %w", agentName, err)
	}
	if doc.Issues == nil {
		return nil, fmt.Errorf("%s gate output missing issues array", agentName)
	}

	issues := make([]Issue, 0, len(doc.Issues))
	for i, raw := range doc.Issues {
		id := raw.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", agentName, i)
		}

		magnitude := raw.Magnitude
		if magnitude == "" {
			magnitude = raw.Severity
		}

		issues = append(issues, Issue{
			ID:            id,
			Gate:          gate,
			Question:      raw.Question,
			Confidence:    parseConfidence(raw.Confidence),
			Magnitude:     parseMagnitude(magnitude),
			Resolvability: parseResolvability(raw.Resolvability),
			SuggestedFix:  raw.SuggestedFix,
			Context:       raw.Context,
			AgentAnswers:  map[string]string{agentName: raw.Answer},
			AgentReasons:  map[string]string{agentName: raw.Reasoning},
		})
	}
	return issues, nil
}

// Merge folds per-agent issue lists by ID. Magnitude takes the highest
// seen, resolvability the most conservative, and confidence is
// reclassified from the combined answers.
func Merge(perAgent ...[]Issue) []Issue {
	merged := make(map[string]*Issue)
	var order []string

	for _, issues := range perAgent {
		for _, issue := range issues {
			existing, ok := merged[issue.ID]
			if !ok {
				copied := issue
				merged[issue.ID] = &copied
				order = append(order, issue.ID)
				continue
			}

			for agent, answer := range issue.AgentAnswers {
				existing.AgentAnswers[agent] = answer
			}
			for agent, reason := range issue.AgentReasons {
				existing.AgentReasons[agent] = reason
			}
			existing.Confidence, _, _ = ClassifyAgreement(existing.AgentAnswers)

			if issue.Magnitude == MagnitudeCritical ||
				(existing.Magnitude == MagnitudeMinor && issue.Magnitude == MagnitudeImportant) {
				existing.Magnitude = issue.Magnitude
			}
			if issue.Resolvability == ResolvabilityNeedHuman {
				existing.Resolvability = ResolvabilityNeedHuman
			}
		}
	}

	out := make([]Issue, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out
}

func parseConfidence(s string) Confidence {
	switch s {
	case "high":
		return ConfidenceHigh
	case "medium":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func parseMagnitude(s string) Magnitude {
	switch s {
	case "critical":
		return MagnitudeCritical
	case "important":
		return MagnitudeImportant
	default:
		return MagnitudeMinor
	}
}

func parseResolvability(s string) Resolvability {
	switch s {
	case "auto-fix":
		return ResolvabilityAutoFix
	case "suggest-fix":
		return ResolvabilitySuggestFix
	default:
		return ResolvabilityNeedHuman
	}
}
