package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Exit codes for check-synthesis, stable for scripting.
const (
	exitSynthesisOK       = 0
	exitSynthesisMissing  = 1
	exitSynthesisConflict = 2
	exitSynthesisDegraded = 3
)

var checkSynthesisCmd = &cobra.Command{
	Use:   "check-synthesis SPEC-ID STAGE",
	Short: "Inspect the latest consensus synthesis for a stage",
	Long: `Read the most recent synthesis document for a spec and stage and
report its status through the exit code:

  0  consensus ok
  1  synthesis missing or unreadable
  2  agents conflict
  3  round was degraded`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(checkSynthesis(cmd, args[0], args[1]))
	},
}

func checkSynthesis(cmd *cobra.Command, specID, stageArg string) int {
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

	syn, path, err := a.synthesizer.ReadLatest(context.Background(), specID, st)
	if err != nil {
		if errors.Is(err, evidence.ErrNoSynthesis) {
			fmt.Fprintf(cmd.ErrOrStderr(), "no synthesis found for %s %s\n", specID, st)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "read synthesis: %v\n", err)
		}
		return exitSynthesisMissing
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (%s)\n", specID, st, syn.Status, path)
	for _, conflict := range syn.Consensus.Conflicts {
		fmt.Fprintf(cmd.OutOrStdout(), "  conflict: %s\n", conflict)
	}
	for _, missing := range syn.MissingAgents {
		fmt.Fprintf(cmd.OutOrStdout(), "  missing agent: %s\n", missing)
	}

	switch syn.Status {
	case consensus.StatusConflict:
		return exitSynthesisConflict
	case consensus.StatusDegraded:
		return exitSynthesisDegraded
	case consensus.StatusOK:
		return exitSynthesisOK
	default:
		fmt.Fprintf(cmd.ErrOrStderr(), "unknown synthesis status %q\n", syn.Status)
		return exitSynthesisMissing
	}
}
