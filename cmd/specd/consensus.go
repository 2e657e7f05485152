package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/pipeline"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

var consensusGoal string

var consensusCmd = &cobra.Command{
	Use:   "consensus SPEC-ID STAGE",
	Short: "Run one standalone consensus round for a stage",
	Long: `Collect a consensus round from the stage's agent roster and commit
the artifacts and synthesis as evidence, without running the guardrail
or advancing any pipeline state. The exit code follows check-synthesis:
0 ok, 2 conflict, 3 degraded.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runConsensusRound(cmd, args[0], args[1]))
	},
}

func init() {
	consensusCmd.Flags().StringVar(&consensusGoal, "goal", "", "one-line goal handed to the agents")
	consensusCmd.Flags().StringVar(&manifestPath, "manifest-path", "", "agent manifest TOML overriding the configured path")
	rootCmd.AddCommand(consensusCmd)
}

func runConsensusRound(cmd *cobra.Command, specID, stageArg string) int {
	st, err := stage.Parse(stageArg)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return exitSynthesisMissing
	}

	a, err := newApp(nil)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return exitSynthesisMissing
	}
	defer a.close()

	applyManifestPath(a.cfg)
	manifest, err := a.cfg.Manifest()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return exitSynthesisMissing
	}

	ctx, cancel := signalContext()
	defer cancel()

	prompt := agent.Prompt{
		SpecID:    specID,
		SessionID: uuid.NewString(),
		Stage:     st,
		Text:      pipeline.NewPromptBuilder().StagePrompt(st, specID, consensusGoal),
	}
	agents := consensus.Runners(manifest.RosterFor(st), &a.cfg.Agents.Runner, a.logger)

	round, err := a.collector.Collect(ctx, agents, prompt)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return exitSynthesisMissing
	}
	verdict, err := a.synthesizer.Commit(ctx, evidence.NewAttempt(st), round)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return exitSynthesisMissing
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (%s)\n", specID, st, verdict.Status(), verdict.SynthesisPath)
	for _, conflict := range verdict.Conflicts {
		fmt.Fprintf(cmd.OutOrStdout(), "  conflict: %s\n", conflict)
	}
	for _, missing := range verdict.MissingAgents {
		fmt.Fprintf(cmd.OutOrStdout(), "  missing agent: %s\n", missing)
	}

	switch verdict.Status() {
	case consensus.StatusConflict:
		return exitSynthesisConflict
	case consensus.StatusDegraded:
		return exitSynthesisDegraded
	default:
		return exitSynthesisOK
	}
}
