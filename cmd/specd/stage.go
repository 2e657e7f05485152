package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/httpapi"
	"github.com/fyrsmithlabs/specd/internal/pipeline"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

var (
	stageSessionID    string
	stageBaselineMode string
	stageAllowFail    bool
)

// stageCmds returns one guardrail command per pipeline stage.
func stageCmds() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(stage.All()))
	for _, st := range stage.All() {
		cmd := &cobra.Command{
			Use:   fmt.Sprintf("%s SPEC-ID", st),
			Short: fmt.Sprintf("Run the %s guardrail and record its evidence", st),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStageGuardrail(cmd, st, args[0])
			},
		}
		cmd.Flags().StringVar(&stageSessionID, "session", "", "session id (default: a new UUID)")
		cmd.Flags().BoolVar(&stageAllowFail, "allow-fail", false, "record the failure but report the gate as passed")
		if st == stage.Plan {
			cmd.Flags().StringVar(&stageBaselineMode, "baseline-mode", "full", "baseline mode: full, quick, or skip")
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func runStageGuardrail(cmd *cobra.Command, st stage.Stage, specID string) error {
	mode, err := guardrail.ParseBaselineMode(stageBaselineMode)
	if err != nil {
		return err
	}

	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	sessionID := stageSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	outcome, err := a.executor.Run(ctx, specID, sessionID, st, guardrail.RunOptions{
		BaselineMode: mode,
		AllowFail:    stageAllowFail,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", st, outcome.Result(), outcome.Evaluation.Summary)
	for _, failure := range outcome.Evaluation.Failures {
		fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", failure)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "telemetry: %s\n", outcome.Paths.TelemetryPath)

	if outcome.Result() == guardrail.ResultFailed {
		return fmt.Errorf("%s guardrail failed", st)
	}
	return nil
}

var (
	autoGoal          string
	autoResumeFrom    string
	autoWaitForHuman  bool
	autoBaselineMode  string
	autoAllowGateFail bool
	autoAllowConflict bool
	autoServe         bool
	manifestPath      string
)

// applyManifestPath lets --manifest-path override the configured agent
// manifest location.
func applyManifestPath(cfg *config.Config) {
	if manifestPath != "" {
		cfg.Agents.ManifestPath = manifestPath
	}
}

var autoCmd = &cobra.Command{
	Use:   "auto SPEC-ID",
	Short: "Drive a spec through every stage with consensus gating",
	Long: `Run the full pipeline for a spec. Each stage runs its quality
checkpoint, guardrail, and consensus round; the run advances, retries,
or halts based on the outcome. A halted run resumes from the same stage
on the next invocation with --resume-from.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuto,
}

func init() {
	autoCmd.Flags().StringVar(&autoGoal, "goal", "", "one-line goal handed to the agents")
	autoCmd.Flags().StringVar(&autoResumeFrom, "resume-from", "", "stage to resume from (plan, tasks, implement, validate, audit, unlock)")
	autoCmd.Flags().BoolVar(&autoWaitForHuman, "wait-for-human", false, "block on quality escalations instead of parking the run")
	autoCmd.Flags().StringVar(&autoBaselineMode, "baseline-mode", "", "baseline mode for the plan guardrail")
	autoCmd.Flags().BoolVar(&autoAllowGateFail, "allow-guardrail-fail", false, "record guardrail failures but keep going")
	autoCmd.Flags().BoolVar(&autoAllowConflict, "allow-conflict", false, "advance past conflicted or exhausted degraded consensus; the verdict stays on record")
	autoCmd.Flags().BoolVar(&autoServe, "serve", false, "expose the status API and metrics while the run is active")
	autoCmd.Flags().StringVar(&manifestPath, "manifest-path", "", "agent manifest TOML overriding the configured path")
}

func runAuto(cmd *cobra.Command, args []string) error {
	specID := args[0]

	var resumeFrom stage.Stage
	if autoResumeFrom != "" {
		st, err := stage.Parse(autoResumeFrom)
		if err != nil {
			return err
		}
		resumeFrom = st
	}

	manager := pipeline.NewManager()
	a, err := newApp(manager.IsHalted)
	if err != nil {
		return err
	}
	defer a.close()

	gate, err := a.gate()
	if err != nil {
		return err
	}
	applyManifestPath(a.cfg)
	manifest, err := a.cfg.Manifest()
	if err != nil {
		return err
	}

	pipelineCfg := a.cfg.Pipeline
	pipelineCfg.WaitForHuman = pipelineCfg.WaitForHuman || autoWaitForHuman
	pipelineCfg.AllowGuardrailFail = pipelineCfg.AllowGuardrailFail || autoAllowGateFail
	pipelineCfg.AllowConflict = pipelineCfg.AllowConflict || autoAllowConflict
	if autoBaselineMode != "" {
		mode, err := guardrail.ParseBaselineMode(autoBaselineMode)
		if err != nil {
			return err
		}
		pipelineCfg.BaselineMode = mode
	}

	runner, err := pipeline.NewRunner(&pipelineCfg, pipeline.Deps{
		Manifest:    manifest,
		RunnerCfg:   &a.cfg.Agents.Runner,
		Collector:   a.collector,
		Synthesizer: a.synthesizer,
		Executor:    a.executor,
		Emitter:     a.emitter,
		Gate:        gate,
	}, a.logger)
	if err != nil {
		return err
	}

	run, err := pipeline.NewRun(specID, autoGoal, resumeFrom)
	if err != nil {
		return err
	}
	manager.Register(run)

	ctx, cancel := signalContext()
	defer cancel()

	// The embedded API is what `specd status` and `specd halt` talk to
	// while the run is live.
	if autoServe {
		server, err := httpapi.NewServer(&a.cfg.Server, manager, a.emitter, a.synthesizer, a.logger)
		if err != nil {
			return err
		}
		go func() {
			if err := server.Start(ctx); err != nil {
				a.logger.Warn(ctx, "status api stopped", zap.Error(err))
			}
		}()
	}

	if err := runner.Run(ctx, run); err != nil {
		return err
	}

	switch {
	case run.Done():
		fmt.Fprintf(cmd.OutOrStdout(), "%s complete\n", specID)
		return nil
	case run.Halted():
		return fmt.Errorf("%s halted: %s", specID, run.HaltReason())
	default:
		snap := run.Snapshot()
		fmt.Fprintf(cmd.OutOrStdout(), "%s parked at %s (%s): %s\n",
			specID, snap.Stage, snap.Phase, snap.LastOutcome)
		return nil
	}
}
