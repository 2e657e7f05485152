package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/stage"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// stagePayload emits a payload satisfying every stage's required field
// so one shell agent can serve the whole pipeline.
func stagePayload(agentName string) string {
	return fmt.Sprintf(`{"stage":"any","agent":"%s",`+
		`"work_breakdown":["w"],"acceptance_mapping":["a"],"tasks":["t"],`+
		`"implementation":"done","test_strategy":"unit","audit_verdict":"ok",`+
		`"unlock_decision":"unlock","agreements":["approach"],"conflicts":[],`+
		`"issues":[]}`, agentName)
}

func testManifest(t *testing.T, names ...string) *agent.Manifest {
	t.Helper()
	m := &agent.Manifest{}
	for _, name := range names {
		m.Agents = append(m.Agents, agent.Definition{
			Name:    name,
			ModelID: "gemini-2.5-pro",
			Command: "sh",
			Args:    []string{"-c", "echo '" + stagePayload(name) + "'"},
		})
	}
	return m
}

func newTestRunner(t *testing.T, cfg *Config, manifest *agent.Manifest, manager *Manager) (*Runner, evidence.Store) {
	t.Helper()

	evCfg := evidence.DefaultConfig()
	evCfg.Root = t.TempDir()
	store, err := evidence.NewFilesystemStore(evCfg, nil)
	require.NoError(t, err)

	emitter, err := telemetry.NewEmitter(store, nil)
	require.NoError(t, err)

	var haltCheck consensus.HaltChecker
	if manager != nil {
		haltCheck = manager.IsHalted
	}
	collector, err := consensus.NewCollector(nil, haltCheck, nil)
	require.NoError(t, err)
	synthesizer, err := consensus.NewSynthesizer(store, nil)
	require.NoError(t, err)

	grCfg := guardrail.DefaultConfig()
	grCfg.BaselineFull = []string{"sh", "-c", "true"}
	grCfg.TasksTool = []string{"sh", "-c", "true"}
	grCfg.Scenarios = []guardrail.Check{{Name: "smoke", Command: []string{"sh", "-c", "true"}}}
	grCfg.LockDir = filepath.Join(t.TempDir(), "locks")
	executor, err := guardrail.NewExecutor(grCfg, emitter, nil)
	require.NoError(t, err)

	runner, err := NewRunner(cfg, Deps{
		Manifest:    manifest,
		RunnerCfg:   &agent.RunnerConfig{LaunchRate: rate.Inf, LaunchBurst: 1},
		Collector:   collector,
		Synthesizer: synthesizer,
		Executor:    executor,
		Emitter:     emitter,
	}, nil)
	require.NoError(t, err)
	return runner, store
}

func TestRunner_FullPipeline(t *testing.T) {
	manifest := testManifest(t, "gemini", "claude", "gpt_pro")
	runner, store := newTestRunner(t, nil, manifest, nil)

	run, err := NewRun("SPEC-KIT-042", "ship it", "")
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background(), run))

	assert.True(t, run.Done())
	assert.Empty(t, run.HaltReason())

	// Every stage left command evidence and a synthesis.
	for _, st := range stage.All() {
		assert.True(t, store.HasEvidence("SPEC-KIT-042", st, evidence.CategoryCommands), st)
		assert.True(t, store.HasEvidence("SPEC-KIT-042", st, evidence.CategoryConsensus), st)
	}
}

func TestRunner_DegradedConsensusRetriesThenHalts(t *testing.T) {
	// One roster member always fails, so every round is degraded.
	manifest := testManifest(t, "gemini", "claude")
	manifest.Agents = append(manifest.Agents, agent.Definition{
		Name: "gpt_pro", ModelID: "gpt-5", Command: "sh", Args: []string{"-c", "exit 1"},
	})

	cfg := DefaultConfig()
	cfg.Limits = Limits{ConsensusRetries: 1, ValidateRetries: 0}
	runner, _ := newTestRunner(t, cfg, manifest, nil)

	run, err := NewRun("SPEC-1", "goal", "")
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background(), run))

	assert.True(t, run.Halted())
	assert.Contains(t, run.HaltReason(), "degraded")
	// Halted on plan after one retry; never advanced.
	st, _ := run.CurrentStage()
	assert.Equal(t, stage.Plan, st)
}

func TestRunner_ConflictHalts(t *testing.T) {
	m := &agent.Manifest{}
	for _, name := range []string{"gemini", "claude", "gpt_pro"} {
		payload := fmt.Sprintf(`{"agent":"%s","work_breakdown":["w"],"acceptance_mapping":["a"],`+
			`"tasks":["t"],"implementation":"x","test_strategy":"u","audit_verdict":"ok",`+
			`"unlock_decision":"u","agreements":[],"conflicts":["approach disputed"]}`, name)
		m.Agents = append(m.Agents, agent.Definition{
			Name: name, ModelID: "gpt-5", Command: "sh",
			Args: []string{"-c", "echo '" + payload + "'"},
		})
	}
	runner, _ := newTestRunner(t, nil, m, nil)

	run, err := NewRun("SPEC-1", "goal", "")
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background(), run))

	assert.True(t, run.Halted())
	assert.Contains(t, run.HaltReason(), "conflict")
	assert.Contains(t, run.HaltReason(), "--allow-conflict")
}

func TestRunner_AllowConflictOverrideAdvances(t *testing.T) {
	m := &agent.Manifest{}
	for _, name := range []string{"gemini", "claude", "gpt_pro"} {
		payload := fmt.Sprintf(`{"agent":"%s","work_breakdown":["w"],"acceptance_mapping":["a"],`+
			`"tasks":["t"],"implementation":"x","test_strategy":"u","audit_verdict":"ok",`+
			`"unlock_decision":"u","agreements":[],"conflicts":["approach disputed"]}`, name)
		m.Agents = append(m.Agents, agent.Definition{
			Name: name, ModelID: "gpt-5", Command: "sh",
			Args: []string{"-c", "echo '" + payload + "'"},
		})
	}
	cfg := DefaultConfig()
	cfg.AllowConflict = true
	runner, store := newTestRunner(t, cfg, m, nil)

	run, err := NewRun("SPEC-1", "goal", "")
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background(), run))

	// The run finishes and the conflicted verdicts stay on record.
	assert.True(t, run.Done())
	for _, st := range stage.All() {
		syn, _, err := newSynthReader(t, store).ReadLatest(context.Background(), "SPEC-1", st)
		require.NoError(t, err)
		assert.Equal(t, consensus.StatusConflict, syn.Status)
	}
}

func newSynthReader(t *testing.T, store evidence.Store) *consensus.Synthesizer {
	t.Helper()
	s, err := consensus.NewSynthesizer(store, nil)
	require.NoError(t, err)
	return s
}

func TestRunner_OperatorHaltStopsPipeline(t *testing.T) {
	manifest := testManifest(t, "gemini", "claude", "gpt_pro")
	manager := NewManager()
	runner, _ := newTestRunner(t, nil, manifest, manager)

	run, err := NewRun("SPEC-1", "goal", "")
	require.NoError(t, err)
	manager.Register(run)
	require.NoError(t, manager.Halt("SPEC-1", "operator stop"))

	require.NoError(t, runner.Run(context.Background(), run))
	assert.True(t, run.Halted())
	st, _ := run.CurrentStage()
	assert.Equal(t, stage.Plan, st)
}

func TestRunner_HaltMidCollectionDiscardsRound(t *testing.T) {
	// Slow agents keep the collection in flight long enough for the
	// operator halt to land during it.
	m := &agent.Manifest{}
	for _, name := range []string{"gemini", "claude", "gpt_pro"} {
		m.Agents = append(m.Agents, agent.Definition{
			Name: name, ModelID: "gemini-2.5-pro", Command: "sh",
			Args: []string{"-c", "sleep 1; echo '" + stagePayload(name) + "'"},
		})
	}
	manager := NewManager()
	runner, store := newTestRunner(t, nil, m, manager)

	run, err := NewRun("SPEC-1", "goal", "")
	require.NoError(t, err)
	manager.Register(run)

	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = manager.Halt("SPEC-1", "operator stop")
	}()

	require.NoError(t, runner.Run(context.Background(), run))

	assert.True(t, run.Halted())
	assert.False(t, run.Done())
	assert.Equal(t, "operator stop", run.HaltReason())

	// Still parked on plan; the interrupted round committed nothing.
	st, ok := run.CurrentStage()
	require.True(t, ok)
	assert.Equal(t, stage.Plan, st)
	assert.False(t, store.HasEvidence("SPEC-1", stage.Plan, evidence.CategoryConsensus))
}

func TestRunner_SkippedBaselineStillRunsAgents(t *testing.T) {
	manifest := testManifest(t, "gemini", "claude", "gpt_pro")
	cfg := DefaultConfig()
	cfg.BaselineMode = guardrail.BaselineSkip
	runner, store := newTestRunner(t, cfg, manifest, nil)

	run, err := NewRun("SPEC-1", "goal", "")
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background(), run))

	assert.True(t, run.Done())
	assert.True(t, store.HasEvidence("SPEC-1", stage.Plan, evidence.CategoryConsensus))
}

func TestRunner_ResumeSkipsEarlierStages(t *testing.T) {
	manifest := testManifest(t, "gemini", "claude", "gpt_pro")
	runner, store := newTestRunner(t, nil, manifest, nil)

	run, err := NewRun("SPEC-1", "goal", stage.Unlock)
	require.NoError(t, err)
	require.NoError(t, runner.Run(context.Background(), run))

	assert.True(t, run.Done())
	assert.False(t, store.HasEvidence("SPEC-1", stage.Plan, evidence.CategoryCommands))
	assert.True(t, store.HasEvidence("SPEC-1", stage.Unlock, evidence.CategoryCommands))
}
