package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/quality"
	"github.com/fyrsmithlabs/specd/internal/stage"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// Config tunes the runner.
type Config struct {
	Limits Limits `koanf:"limits"`

	// WaitForHuman blocks a gated run until the escalation is resolved
	// on disk. When false the run parks in the awaiting-human phase and
	// returns to the caller.
	WaitForHuman bool `koanf:"wait_for_human"`

	// BaselineMode is passed to the plan guardrail.
	BaselineMode guardrail.BaselineMode `koanf:"baseline_mode"`

	// AllowGuardrailFail turns guardrail failures into warnings.
	AllowGuardrailFail bool `koanf:"allow_guardrail_fail"`

	// AllowConflict advances past conflicted or exhausted degraded
	// consensus rounds instead of halting for human review.
	AllowConflict bool `koanf:"allow_conflict"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Limits:       DefaultLimits(),
		BaselineMode: guardrail.BaselineFull,
	}
}

// Runner drives one spec run end to end.
type Runner struct {
	config      *Config
	manifest    *agent.Manifest
	runnerCfg   *agent.RunnerConfig
	collector   *consensus.Collector
	synthesizer *consensus.Synthesizer
	executor    *guardrail.Executor
	emitter     *telemetry.Emitter
	gate        *quality.Gate
	prompts     PromptSource
	metrics     *runMetrics
	logger      *logging.Logger
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Manifest    *agent.Manifest
	RunnerCfg   *agent.RunnerConfig
	Collector   *consensus.Collector
	Synthesizer *consensus.Synthesizer
	Executor    *guardrail.Executor
	Emitter     *telemetry.Emitter
	Gate        *quality.Gate
	Prompts     PromptSource
}

// NewRunner wires a runner. Gate may be nil to disable checkpoints.
func NewRunner(cfg *Config, deps Deps, logger *logging.Logger) (*Runner, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Collector == nil || deps.Synthesizer == nil || deps.Executor == nil || deps.Emitter == nil {
		return nil, fmt.Errorf("collector, synthesizer, executor and emitter are required")
	}
	if deps.Manifest == nil {
		deps.Manifest = agent.DefaultManifest()
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPromptBuilder()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		config:      cfg,
		manifest:    deps.Manifest,
		runnerCfg:   deps.RunnerCfg,
		collector:   deps.Collector,
		synthesizer: deps.Synthesizer,
		executor:    deps.Executor,
		emitter:     deps.Emitter,
		gate:        deps.Gate,
		prompts:     deps.Prompts,
		metrics:     newRunMetrics(),
		logger:      logger.Named("pipeline"),
	}, nil
}

// Run advances the run until it finishes, halts, or parks awaiting a
// human. The run is mutated in place.
func (r *Runner) Run(ctx context.Context, run *Run) error {
	ctx = logging.WithSpecID(ctx, run.SpecID)
	ctx = logging.WithSessionID(ctx, run.SessionID)
	r.metrics.runStarted(ctx)

	for {
		st, ok := run.CurrentStage()
		if !ok {
			run.setPhase(PhaseDone)
			r.logger.Info(ctx, "run complete", zap.String("spec_id", run.SpecID))
			return nil
		}
		if run.Halted() {
			return nil
		}

		parked, err := r.runStage(ctx, run, st)
		if err != nil {
			return err
		}
		if parked || run.Halted() {
			return nil
		}
	}
}

// runStage executes one full stage iteration. Returns parked true when
// the run is waiting on a human and the runner should hand back.
func (r *Runner) runStage(ctx context.Context, run *Run, st stage.Stage) (bool, error) {
	ctx = logging.WithStage(ctx, st)
	r.logger.Info(ctx, "stage starting",
		zap.String("stage", string(st)),
		zap.Int("index", run.Snapshot().Index))

	// Quality checkpoint gates the stage before any expensive work.
	if parked, err := r.runCheckpoint(ctx, run, st); err != nil || parked {
		return parked, err
	}
	if run.Halted() {
		return false, nil
	}

	run.setPhase(PhaseGuardrail)
	outcome, err := r.executor.Run(ctx, run.SpecID, run.SessionID, st, guardrail.RunOptions{
		BaselineMode: r.config.BaselineMode,
		AllowFail:    r.config.AllowGuardrailFail,
	})
	if err != nil {
		return false, fmt.Errorf("guardrail %s: %w", st, err)
	}
	run.setOutcome(outcome.Evaluation.Summary)

	csStatus := consensus.StatusOK
	var round consensus.Round
	var verdict *consensus.Verdict

	if outcome.Result() != guardrail.ResultFailed {
		run.setPhase(PhaseExecutingAgents)
		round, verdict, err = r.runConsensus(ctx, run, st, outcome.Attempt)
		if err != nil {
			return false, err
		}
		// An operator halt during collection discards the round
		// uncommitted; the stage reruns on resume.
		if verdict == nil {
			r.logger.Info(ctx, "halt during collection, round discarded",
				zap.String("stage", string(st)))
			return false, nil
		}
		csStatus = verdict.Status()
	}

	if run.Halted() {
		return false, nil
	}

	run.setPhase(PhaseCheckingConsensus)
	opts := DecideOptions{
		Limits:        r.config.Limits,
		AllowConflict: r.config.AllowConflict,
		TelemetryPath: outcome.Paths.TelemetryPath,
	}
	if verdict != nil {
		opts.SynthesisPath = verdict.SynthesisPath
	}
	decision := Decide(run, st, outcome.Result(), csStatus, opts)
	r.logger.Info(ctx, "stage decided",
		zap.String("stage", string(st)),
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason))
	r.metrics.stageDecided(ctx, st, decision.Action)

	if verdict != nil {
		if err := r.journalRound(ctx, run, st, outcome, round, verdict); err != nil {
			r.logger.Warn(ctx, "journal append failed", zap.Error(err))
		}
	}

	switch decision.Action {
	case ActionAdvance:
		run.Advance()
	case ActionRetry:
		if st == stage.Validate && outcome.Result() == guardrail.ResultFailed {
			run.bumpValidateRetries()
		} else {
			run.bumpConsensusRetries()
		}
	case ActionHalt:
		run.Halt(decision.Reason)
	}
	return false, nil
}

func (r *Runner) runCheckpoint(ctx context.Context, run *Run, st stage.Stage) (bool, error) {
	checkpoint, ok := quality.CheckpointFor(st)
	if !ok || r.gate == nil {
		return false, nil
	}
	run.setPhase(PhaseQualityGate)

	prompt := agent.Prompt{
		SpecID:    run.SpecID,
		SessionID: run.SessionID,
		Stage:     st,
		Text:      r.prompts.GatePrompt(checkpoint, run.SpecID, run.Goal),
	}
	agents := consensus.Runners(r.manifest.RosterFor(st), r.runnerCfg, r.logger)
	round, err := r.collector.Collect(ctx, agents, prompt)
	if err != nil {
		return false, fmt.Errorf("gate collection %s: %w", checkpoint, err)
	}

	perAgent := make([][]quality.Issue, 0, len(round.Artifacts))
	for _, art := range round.Artifacts {
		if art.Failed() {
			continue
		}
		issues, err := quality.ParseIssues(art.Agent, art.Payload, checkpoint.Gate())
		if err != nil {
			r.logger.Warn(ctx, "unusable gate output",
				zap.String("agent", art.Agent), zap.Error(err))
			continue
		}
		perAgent = append(perAgent, issues)
	}

	report, err := r.gate.Run(ctx, run.SpecID, checkpoint, perAgent...)
	if err != nil {
		return false, fmt.Errorf("quality gate %s: %w", checkpoint, err)
	}
	if !report.Blocked() {
		return false, nil
	}

	if !r.config.WaitForHuman {
		run.setPhase(PhaseAwaitingHuman)
		run.setOutcome(fmt.Sprintf("escalation pending: %s", report.Escalation))
		return true, nil
	}
	if _, err := quality.AwaitResolution(ctx, report.Escalation, r.logger); err != nil {
		return false, fmt.Errorf("await escalation resolution: %w", err)
	}
	return false, nil
}

func (r *Runner) runConsensus(ctx context.Context, run *Run, st stage.Stage, att evidence.Attempt) (consensus.Round, *consensus.Verdict, error) {
	prompt := agent.Prompt{
		SpecID:    run.SpecID,
		SessionID: run.SessionID,
		Stage:     st,
		Text:      r.prompts.StagePrompt(st, run.SpecID, run.Goal),
	}
	agents := consensus.Runners(r.manifest.RosterFor(st), r.runnerCfg, r.logger)

	round, err := r.collector.Collect(ctx, agents, prompt)
	if err != nil {
		return consensus.Round{}, nil, fmt.Errorf("collect %s consensus: %w", st, err)
	}
	if run.Halted() {
		return round, nil, nil
	}
	verdict, err := r.synthesizer.Commit(ctx, att, round)
	if err != nil {
		return consensus.Round{}, nil, fmt.Errorf("synthesize %s: %w", st, err)
	}
	return round, verdict, nil
}

// journalRound appends the v2 consensus record for an attempt.
func (r *Runner) journalRound(ctx context.Context, run *Run, st stage.Stage, outcome *guardrail.Outcome, round consensus.Round, verdict *consensus.Verdict) error {
	metrics := make([]telemetry.AgentMetrics, 0, len(round.Artifacts))
	for _, art := range round.Artifacts {
		metrics = append(metrics, art.Metrics(outcome.Paths.TelemetryPath))
	}

	env := *outcome.Envelope
	env.Consensus = telemetry.NewConsensusBlock(
		string(verdict.Status()), verdict.Agreements, verdict.Conflicts, metrics)
	env.Consensus.EscalationTriggered = verdict.Status() == consensus.StatusConflict
	env.ConsensusStatus = string(verdict.Status())
	env.QualityMetrics = &telemetry.QualityMetrics{}

	_, err := r.emitter.AppendConsensus(ctx, run.SpecID, outcome.Attempt, &env)
	return err
}
