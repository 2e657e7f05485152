package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/httpapi"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// serverURL is the base URL of a running specd server.
var serverURL string

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, haltCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:9135", "specd server URL")
	}
	statusCmd.Flags().BoolVar(&statusLocal, "local", false, "summarize persisted evidence instead of querying a server")
}

// localStatus summarizes the latest evidence for every stage of a spec.
func localStatus(cmd *cobra.Command, specID string) error {
	a, err := newApp(nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	for _, st := range stage.All() {
		line := fmt.Sprintf("%-10s", st)

		env, _, err := a.emitter.ReadLatest(ctx, specID, st)
		switch {
		case errors.Is(err, evidence.ErrNoTelemetry):
			fmt.Fprintf(cmd.OutOrStdout(), "%s -\n", line)
			continue
		case err != nil:
			return err
		}

		eval := guardrail.Evaluate(st, env)
		line += fmt.Sprintf(" %-24s guardrail=%s", env.Timestamp, eval.Result())

		syn, _, err := a.synthesizer.ReadLatest(ctx, specID, st)
		switch {
		case errors.Is(err, evidence.ErrNoSynthesis):
		case err != nil:
			return err
		default:
			line += fmt.Sprintf(" consensus=%s", syn.Status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

var statusLocal bool

var statusCmd = &cobra.Command{
	Use:   "status [SPEC-ID]",
	Short: "Show pipeline runs known to a specd server",
	Long: `List all runs on a running specd server, or show one run in full.
With --local, summarize the spec's persisted evidence per stage instead
of querying a server.

Examples:
  # List every run
  specd status

  # Show one run
  specd status SPEC-KIT-069

  # Summarize evidence on disk, no server needed
  specd status --local SPEC-KIT-069`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var haltReason string

var haltCmd = &cobra.Command{
	Use:   "halt SPEC-ID",
	Short: "Halt a run on a specd server",
	Long: `Stop a running pipeline. In-flight agents finish; their round is
discarded and no new batch launches. The run resumes from the same
stage on the next invocation.

The target is the process hosting the run, normally one started with
"specd auto --serve".`,
	Args: cobra.ExactArgs(1),
	RunE: runHalt,
}

func init() {
	haltCmd.Flags().StringVar(&haltReason, "reason", "", "reason recorded on the run")
}

func apiClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func apiGet(path string, out any) error {
	resp, err := apiClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusLocal {
		if len(args) != 1 {
			return fmt.Errorf("--local requires a SPEC-ID")
		}
		return localStatus(cmd, args[0])
	}
	if len(args) == 1 {
		var raw json.RawMessage
		if err := apiGet("/api/v1/runs/"+args[0], &raw); err != nil {
			return err
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		return nil
	}

	var runs []httpapi.RunSummary
	if err := apiGet("/api/v1/runs", &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs")
		return nil
	}
	for _, run := range runs {
		line := fmt.Sprintf("%-20s %-10s %s", run.SpecID, run.Stage, run.Phase)
		if run.HaltReason != "" {
			line += "  (" + run.HaltReason + ")"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func runHalt(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(httpapi.HaltRequest{Reason: haltReason})
	if err != nil {
		return err
	}

	resp, err := apiClient().Post(
		serverURL+"/api/v1/runs/"+args[0]+"/halt",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var summary httpapi.RunSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s halted at %s\n", summary.SpecID, summary.Stage)
	return nil
}
