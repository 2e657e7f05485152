// Package guardrail runs the deterministic pre-stage checks that gate
// agent work: baseline builds, tooling hooks, stage locks, validation
// scenarios, and the unlock handshake. Every attempt leaves a telemetry
// record and captured log in evidence regardless of outcome.
package guardrail

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/specd/internal/stage"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// Result is the observable outcome of one guardrail attempt.
type Result string

const (
	ResultPassed  Result = "passed"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
	ResultUnknown Result = "unknown"
)

// Evaluation is the judged outcome of a telemetry record.
type Evaluation struct {
	Success  bool
	Skipped  bool
	Summary  string
	Failures []string
}

// Result maps the evaluation to its gate result. A successful attempt
// whose checks were all skipped reports skipped, not passed.
func (e Evaluation) Result() Result {
	switch {
	case !e.Success:
		return ResultFailed
	case e.Skipped:
		return ResultSkipped
	default:
		return ResultPassed
	}
}

// Evaluate judges a stage's telemetry record. The rules are per stage:
// plan needs a passing or skipped baseline plus a clean session hook,
// tasks needs its tool hook ok, implement needs the stage lock held and
// the file hook clean, validate and audit need every scenario to pass
// or be skipped (and HAL not to fail), unlock needs the lock released.
func Evaluate(st stage.Stage, env *telemetry.Envelope) Evaluation {
	switch st {
	case stage.Plan:
		baseline := "unknown"
		if env.Baseline != nil {
			baseline = env.Baseline.Status
		}
		hook := env.Hooks["session.start"]
		if hook == "" {
			hook = "unknown"
		}

		baselineOK := baseline == "passed" || baseline == "skipped"
		hookOK := hook == "ok"
		var failures []string
		if !baselineOK {
			failures = append(failures, fmt.Sprintf("Baseline audit status: %s", baseline))
		}
		if !hookOK {
			failures = append(failures, fmt.Sprintf("session.start hook: %s", hook))
		}
		return Evaluation{
			Success:  baselineOK && hookOK,
			Skipped:  baselineOK && hookOK && baseline == "skipped",
			Summary:  fmt.Sprintf("Baseline %s, session.start %s", baseline, hook),
			Failures: failures,
		}

	case stage.Tasks:
		status := "unknown"
		if env.Tool != nil && env.Tool.Status != "" {
			status = env.Tool.Status
		}
		eval := Evaluation{
			Success: status == "ok",
			Summary: fmt.Sprintf("Tasks automation status: %s", status),
		}
		if !eval.Success {
			eval.Failures = []string{fmt.Sprintf("tasks hook status: %s", status)}
		}
		return eval

	case stage.Implement:
		lock := orUnknown(env.LockStatus)
		hook := orUnknown(env.HookStatus)
		var failures []string
		if lock != "locked" {
			failures = append(failures, fmt.Sprintf("SPEC lock status: %s", lock))
		}
		if hook != "ok" {
			failures = append(failures, fmt.Sprintf("file_after_write hook: %s", hook))
		}
		return Evaluation{
			Success:  lock == "locked" && hook == "ok",
			Summary:  fmt.Sprintf("Lock status %s, file hook %s", lock, hook),
			Failures: failures,
		}

	case stage.Validate, stage.Audit:
		var failures []string
		total, passed := 0, 0
		for _, sc := range env.Scenarios {
			total++
			switch sc.Status {
			case "passed":
				passed++
			case "skipped":
			default:
				failures = append(failures, fmt.Sprintf("%s: %s", orUnknown(sc.Name), orUnknown(sc.Status)))
			}
		}

		summary := "No validation scenarios reported"
		if total > 0 {
			summary = fmt.Sprintf("%d of %d scenarios passed", passed, total)
		}
		if env.HAL != nil {
			summary = fmt.Sprintf("%s; HAL %s", summary, env.HAL.Summary.Status)
			if env.HAL.Summary.Status == "failed" && len(env.HAL.Summary.FailedChecks) > 0 {
				failures = append(failures,
					"HAL failed checks: "+strings.Join(env.HAL.Summary.FailedChecks, ", "))
			}
		}
		return Evaluation{
			Success:  len(failures) == 0,
			Skipped:  len(failures) == 0 && total > 0 && passed == 0,
			Summary:  summary,
			Failures: failures,
		}

	case stage.Unlock:
		status := orUnknown(env.UnlockStatus)
		eval := Evaluation{
			Success: status == "unlocked",
			Summary: fmt.Sprintf("Unlock status: %s", status),
		}
		if !eval.Success {
			eval.Failures = []string{fmt.Sprintf("Unlock status: %s", status)}
		}
		return eval

	default:
		return Evaluation{
			Summary:  fmt.Sprintf("unknown stage %q", st),
			Failures: []string{fmt.Sprintf("unknown stage %q", st)},
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
