package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

func shellAgent(name, script string, timeout time.Duration) Definition {
	return Definition{
		Name:    name,
		ModelID: "gemini-2.5-pro",
		Command: "sh",
		Args:    []string{"-c", script},
		Timeout: duration{Duration: timeout},
	}
}

func testPrompt() Prompt {
	return Prompt{
		SpecID:    "SPEC-KIT-042",
		SessionID: "sess-1",
		Stage:     stage.Plan,
		Text:      "Draft the plan.",
	}
}

func TestRunner_Success(t *testing.T) {
	def := shellAgent("gemini", `echo '{"plan":"ok","usage":{"input_tokens":100,"output_tokens":40,"total_tokens":140}}'`, time.Minute)
	runner := NewRunner(def, nil, nil)

	art, err := runner.Submit(context.Background(), testPrompt())
	require.NoError(t, err)
	require.False(t, art.Failed())
	assert.Equal(t, "gemini", art.Agent)
	assert.Equal(t, stage.Plan, art.Stage)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(art.Payload, &payload))
	assert.Equal(t, "ok", payload["plan"])

	require.NotNil(t, art.Usage.PromptTokens)
	assert.Equal(t, 100, *art.Usage.PromptTokens)
	require.NotNil(t, art.Usage.TotalTokens)
	assert.Equal(t, 140, *art.Usage.TotalTokens)
}

func TestRunner_NonZeroExit(t *testing.T) {
	def := shellAgent("claude", `exit 3`, time.Minute)
	runner := NewRunner(def, nil, nil)

	art, err := runner.Submit(context.Background(), testPrompt())
	require.NoError(t, err)
	require.True(t, art.Failed())
	assert.Equal(t, FailureNonZeroExit, art.Failure.Kind)
	assert.Contains(t, art.Failure.Detail, "3")
	assert.JSONEq(t, "{}", string(art.Payload))
}

func TestRunner_EmptyOutput(t *testing.T) {
	def := shellAgent("gpt_pro", `true`, time.Minute)
	runner := NewRunner(def, nil, nil)

	art, err := runner.Submit(context.Background(), testPrompt())
	require.NoError(t, err)
	require.True(t, art.Failed())
	assert.Equal(t, FailureEmptyOutput, art.Failure.Kind)
}

func TestRunner_MalformedOutput(t *testing.T) {
	def := shellAgent("gpt_pro", `echo 'not json at all'`, time.Minute)
	runner := NewRunner(def, nil, nil)

	art, err := runner.Submit(context.Background(), testPrompt())
	require.NoError(t, err)
	require.True(t, art.Failed())
	assert.Equal(t, FailureMalformedOutput, art.Failure.Kind)
}

func TestRunner_Timeout(t *testing.T) {
	def := shellAgent("gemini", `sleep 5`, 100*time.Millisecond)
	runner := NewRunner(def, nil, nil)

	art, err := runner.Submit(context.Background(), testPrompt())
	require.NoError(t, err)
	require.True(t, art.Failed())
	assert.Equal(t, FailureTimeout, art.Failure.Kind)
}

func TestRunner_CallerCancellation(t *testing.T) {
	def := shellAgent("gemini", `sleep 5`, time.Minute)
	runner := NewRunner(def, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := runner.Submit(ctx, testPrompt())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunner_PredecessorEmbedded(t *testing.T) {
	def := shellAgent("claude", `input=$(cat); printf '{"saw_prior":%s}' $(echo "$input" | grep -q "Prior agent output" && echo true || echo false)`, time.Minute)
	runner := NewRunner(def, nil, nil)

	p := testPrompt()
	p.PredecessorOutput = `{"plan":"draft"}`
	art, err := runner.Submit(context.Background(), p)
	require.NoError(t, err)
	require.False(t, art.Failed())

	var payload map[string]bool
	require.NoError(t, json.Unmarshal(art.Payload, &payload))
	assert.True(t, payload["saw_prior"])
}

func TestArtifactMetrics(t *testing.T) {
	tokens := 1000
	art := &Artifact{
		Agent:     "gemini",
		ModelID:   "gemini-2.5-pro",
		LatencyMs: 1234,
	}
	art.Usage.PromptTokens = &tokens
	art.Usage.TotalTokens = &tokens

	m := art.Metrics("/evidence/plan_x_gemini.json")
	assert.Equal(t, "ok", m.Status)
	assert.Empty(t, m.Error)
	require.NotNil(t, m.CostUSD)
	require.NotNil(t, m.LatencyMs)
	assert.Equal(t, int64(1234), *m.LatencyMs)

	art.Failure = &Failure{Kind: FailureTimeout, Detail: "exceeded 30m0s"}
	m = art.Metrics("/evidence/plan_x_gemini.json")
	assert.Equal(t, "error", m.Status)
	assert.Contains(t, m.Error, "timeout")
}
