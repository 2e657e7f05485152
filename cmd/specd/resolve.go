package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/quality"
)

var (
	resolveAnswers     []string
	resolveAnswersFile string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve ESCALATION-FILE",
	Short: "Answer an escalated quality gate and unblock its run",
	Long: `Write the resolution file for an escalation so a parked run can
continue. Every escalated issue needs an answer.

Examples:
  # Answer inline
  specd resolve escalations/pre-planning_20260831_101500.json \
    --answer gemini-0="narrow the scope to the API layer"

  # Answer from a JSON file of {"issue-id": "answer"}
  specd resolve escalations/pre-planning_20260831_101500.json \
    --answers-file answers.json`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringArrayVar(&resolveAnswers, "answer", nil, "issue answer as id=text (repeatable)")
	resolveCmd.Flags().StringVar(&resolveAnswersFile, "answers-file", "", "JSON file mapping issue ids to answers")
}

func runResolve(cmd *cobra.Command, args []string) error {
	answers := map[string]string{}

	if resolveAnswersFile != "" {
		data, err := os.ReadFile(resolveAnswersFile)
		if err != nil {
			return fmt.Errorf("failed to read answers file: %w", err)
		}
		if err := json.Unmarshal(data, &answers); err != nil {
			return fmt.Errorf("invalid answers file: %w", err)
		}
	}
	for _, pair := range resolveAnswers {
		id, text, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return fmt.Errorf("invalid --answer %q, expected id=text", pair)
		}
		answers[id] = text
	}
	if len(answers) == 0 {
		return fmt.Errorf("no answers given; use --answer or --answers-file")
	}

	resolvedPath, err := quality.ResolveEscalation(args[0], answers)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resolution written: %s\n", resolvedPath)
	return nil
}
