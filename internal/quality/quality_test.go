package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

func TestClassifyAgreement(t *testing.T) {
	tests := []struct {
		name         string
		answers      map[string]string
		want         Confidence
		wantMajority string
	}{
		{
			"unanimous",
			map[string]string{"gemini": "yes", "claude": "yes", "gpt_pro": "yes"},
			ConfidenceHigh, "yes",
		},
		{
			"strict majority",
			map[string]string{"gemini": "yes", "claude": "yes", "gpt_pro": "no"},
			ConfidenceMedium, "yes",
		},
		{
			"all different",
			map[string]string{"gemini": "a", "claude": "b", "gpt_pro": "c"},
			ConfidenceLow, "",
		},
		{
			"two responders unanimous",
			map[string]string{"gemini": "yes", "claude": "yes"},
			ConfidenceHigh, "yes",
		},
		{
			"two responders split",
			map[string]string{"gemini": "yes", "claude": "no"},
			ConfidenceLow, "",
		},
		{
			"single responder",
			map[string]string{"gemini": "yes"},
			ConfidenceHigh, "yes",
		},
		{
			"no answers",
			map[string]string{},
			ConfidenceLow, "",
		},
		{
			"four agents split evenly",
			map[string]string{"gemini": "a", "claude": "a", "gpt_pro": "b", "gpt_codex": "b"},
			ConfidenceLow, "",
		},
		{
			"three of four",
			map[string]string{"gemini": "a", "claude": "a", "gpt_pro": "a", "gpt_codex": "b"},
			ConfidenceMedium, "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf, majority, _ := ClassifyAgreement(tt.answers)
			assert.Equal(t, tt.want, conf)
			assert.Equal(t, tt.wantMajority, majority)
		})
	}
}

func TestClassifyAgreement_ReportsDissent(t *testing.T) {
	_, _, dissent := ClassifyAgreement(map[string]string{
		"gemini": "yes", "claude": "yes", "gpt_pro": "no",
	})
	assert.Equal(t, "no", dissent)
}

func TestShouldAutoResolve_Matrix(t *testing.T) {
	tests := []struct {
		confidence    Confidence
		magnitude     Magnitude
		resolvability Resolvability
		want          bool
	}{
		{ConfidenceHigh, MagnitudeMinor, ResolvabilityAutoFix, true},
		{ConfidenceHigh, MagnitudeMinor, ResolvabilitySuggestFix, true},
		{ConfidenceHigh, MagnitudeImportant, ResolvabilityAutoFix, true},
		{ConfidenceHigh, MagnitudeImportant, ResolvabilitySuggestFix, false},
		{ConfidenceHigh, MagnitudeCritical, ResolvabilityAutoFix, false},
		{ConfidenceMedium, MagnitudeMinor, ResolvabilityAutoFix, true},
		{ConfidenceMedium, MagnitudeMinor, ResolvabilitySuggestFix, false},
		{ConfidenceMedium, MagnitudeImportant, ResolvabilityAutoFix, false},
		{ConfidenceLow, MagnitudeMinor, ResolvabilityAutoFix, false},
		{ConfidenceHigh, MagnitudeMinor, ResolvabilityNeedHuman, false},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s/%s/%s", tt.confidence, tt.magnitude, tt.resolvability)
		t.Run(name, func(t *testing.T) {
			issue := Issue{
				Confidence:    tt.confidence,
				Magnitude:     tt.magnitude,
				Resolvability: tt.resolvability,
			}
			assert.Equal(t, tt.want, ShouldAutoResolve(issue))
		})
	}
}

func unanimousIssue(magnitude Magnitude, resolvability Resolvability) Issue {
	return Issue{
		ID:            "Q1",
		Gate:          GateClarify,
		Question:      "Which lock strategy?",
		Magnitude:     magnitude,
		Resolvability: resolvability,
		AgentAnswers:  map[string]string{"gemini": "flock", "claude": "flock", "gpt_pro": "flock"},
	}
}

func TestResolve_UnanimousAutoApplies(t *testing.T) {
	res := Resolve(unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix))
	assert.Equal(t, ResolutionAutoApply, res.Kind)
	assert.Equal(t, "flock", res.Answer)
}

func TestResolve_TwoResponderUnanimityAutoApplies(t *testing.T) {
	// A roster member that never answered does not dilute agreement
	// among the agents that did.
	issue := unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix)
	delete(issue.AgentAnswers, "gpt_pro")

	res := Resolve(issue)
	assert.Equal(t, ResolutionAutoApply, res.Kind)
	assert.Equal(t, "flock", res.Answer)
}

func TestResolve_CriticalAlwaysEscalates(t *testing.T) {
	res := Resolve(unanimousIssue(MagnitudeCritical, ResolvabilityAutoFix))
	assert.Equal(t, ResolutionEscalate, res.Kind)
	assert.Contains(t, res.Reason, "critical")
}

func TestResolve_MajorityGoesToArbiter(t *testing.T) {
	issue := unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix)
	issue.AgentAnswers["gpt_pro"] = "advisory"

	res := Resolve(issue)
	assert.Equal(t, ResolutionArbiter, res.Kind)
	assert.Equal(t, "flock", res.Recommended)
}

func TestResolve_NoConsensusEscalates(t *testing.T) {
	issue := unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix)
	issue.AgentAnswers = map[string]string{"gemini": "a", "claude": "b", "gpt_pro": "c"}

	res := Resolve(issue)
	assert.Equal(t, ResolutionEscalate, res.Kind)
	assert.NotEmpty(t, res.AllAnswers)
}

type fakeArbiter struct {
	accept    bool
	reasoning string
	err       error
	calls     int
}

func (f *fakeArbiter) Recheck(_ context.Context, _ Issue) (bool, string, error) {
	f.calls++
	return f.accept, f.reasoning, f.err
}

func TestResolveWithArbiter_Accepts(t *testing.T) {
	issue := unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix)
	issue.AgentAnswers["gpt_pro"] = "advisory"

	arb := &fakeArbiter{accept: true, reasoning: "majority is sound"}
	res, err := ResolveWithArbiter(context.Background(), arb, issue)
	require.NoError(t, err)
	assert.Equal(t, ResolutionAutoApply, res.Kind)
	assert.Equal(t, "flock", res.Answer)
	assert.Equal(t, 1, arb.calls)
}

func TestResolveWithArbiter_OverridesMajority(t *testing.T) {
	issue := unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix)
	issue.AgentAnswers["gpt_pro"] = "advisory"

	arb := &fakeArbiter{accept: false, reasoning: "dissent is correct"}
	res, err := ResolveWithArbiter(context.Background(), arb, issue)
	require.NoError(t, err)
	assert.Equal(t, ResolutionEscalate, res.Kind)
	assert.Contains(t, res.Reason, "rejected")
	assert.Equal(t, "flock", res.Recommended)
}

func TestResolveWithArbiter_NilArbiterEscalates(t *testing.T) {
	issue := unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix)
	issue.AgentAnswers["gpt_pro"] = "advisory"

	res, err := ResolveWithArbiter(context.Background(), nil, issue)
	require.NoError(t, err)
	assert.Equal(t, ResolutionEscalate, res.Kind)

	// Unanimous issues never consult the arbiter.
	arb := &fakeArbiter{accept: false}
	res, err = ResolveWithArbiter(context.Background(), arb, unanimousIssue(MagnitudeMinor, ResolvabilityAutoFix))
	require.NoError(t, err)
	assert.Equal(t, ResolutionAutoApply, res.Kind)
	assert.Zero(t, arb.calls)
}

func TestParseIssues(t *testing.T) {
	payload := json.RawMessage(`{
		"issues": [
			{"id": "Q1", "question": "lock strategy?", "answer": "flock",
			 "confidence": "high", "magnitude": "minor", "resolvability": "auto-fix",
			 "suggested_fix": "use flock", "reasoning": "portable"},
			{"question": "fallback?", "answer": "none", "severity": "critical"}
		]
	}`)

	issues, err := ParseIssues("gemini", payload, GateClarify)
	require.NoError(t, err)
	require.Len(t, issues, 2)

	assert.Equal(t, "Q1", issues[0].ID)
	assert.Equal(t, MagnitudeMinor, issues[0].Magnitude)
	assert.Equal(t, ResolvabilityAutoFix, issues[0].Resolvability)
	assert.Equal(t, "flock", issues[0].AgentAnswers["gemini"])

	// Missing id falls back to agent-index; severity aliases magnitude;
	// missing resolvability defaults conservative.
	assert.Equal(t, "gemini-1", issues[1].ID)
	assert.Equal(t, MagnitudeCritical, issues[1].Magnitude)
	assert.Equal(t, ResolvabilityNeedHuman, issues[1].Resolvability)
}

func TestParseIssues_MissingArray(t *testing.T) {
	_, err := ParseIssues("gemini", json.RawMessage(`{"verdict":"ok"}`), GateClarify)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issues")
}

func singleAgentIssue(agentName, id, answer string, magnitude Magnitude, resolvability Resolvability) Issue {
	return Issue{
		ID:            id,
		Gate:          GateClarify,
		Question:      "q",
		Magnitude:     magnitude,
		Resolvability: resolvability,
		AgentAnswers:  map[string]string{agentName: answer},
		AgentReasons:  map[string]string{agentName: "because"},
	}
}

func TestMerge_RecalculatesConfidence(t *testing.T) {
	merged := Merge(
		[]Issue{singleAgentIssue("gemini", "Q1", "yes", MagnitudeMinor, ResolvabilityAutoFix)},
		[]Issue{singleAgentIssue("claude", "Q1", "yes", MagnitudeImportant, ResolvabilityAutoFix)},
		[]Issue{singleAgentIssue("gpt_pro", "Q1", "yes", MagnitudeMinor, ResolvabilityNeedHuman)},
	)
	require.Len(t, merged, 1)

	issue := merged[0]
	assert.Equal(t, ConfidenceHigh, issue.Confidence)
	assert.Equal(t, MagnitudeImportant, issue.Magnitude)
	assert.Equal(t, ResolvabilityNeedHuman, issue.Resolvability)
	assert.Len(t, issue.AgentAnswers, 3)
}

func TestMerge_CriticalWins(t *testing.T) {
	merged := Merge(
		[]Issue{singleAgentIssue("gemini", "Q1", "a", MagnitudeCritical, ResolvabilityAutoFix)},
		[]Issue{singleAgentIssue("claude", "Q1", "a", MagnitudeMinor, ResolvabilityAutoFix)},
	)
	require.Len(t, merged, 1)
	assert.Equal(t, MagnitudeCritical, merged[0].Magnitude)
}

func TestMerge_DistinctIDsStaySeparate(t *testing.T) {
	merged := Merge(
		[]Issue{singleAgentIssue("gemini", "Q1", "a", MagnitudeMinor, ResolvabilityAutoFix)},
		[]Issue{singleAgentIssue("claude", "Q2", "b", MagnitudeMinor, ResolvabilityAutoFix)},
	)
	assert.Len(t, merged, 2)
}

func TestCheckpointFor(t *testing.T) {
	cp, ok := CheckpointFor(stage.Plan)
	require.True(t, ok)
	assert.Equal(t, CheckpointPrePlanning, cp)
	assert.Equal(t, GateClarify, cp.Gate())

	cp, ok = CheckpointFor(stage.Tasks)
	require.True(t, ok)
	assert.Equal(t, CheckpointPostPlan, cp)
	assert.Equal(t, GateChecklist, cp.Gate())

	cp, ok = CheckpointFor(stage.Implement)
	require.True(t, ok)
	assert.Equal(t, CheckpointPostTasks, cp)
	assert.Equal(t, GateAnalyze, cp.Gate())

	_, ok = CheckpointFor(stage.Validate)
	assert.False(t, ok)

	assert.Equal(t, "quality-gate-clarify", GateClarify.PromptName())
}
