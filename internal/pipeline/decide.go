package pipeline

import (
	"fmt"

	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Action is what the runner does after a stage's checks complete.
type Action string

const (
	ActionAdvance Action = "advance"
	ActionRetry   Action = "retry"
	ActionHalt    Action = "halt"
)

// Decision pairs an action with its reason for the operator.
type Decision struct {
	Action Action
	Reason string
}

// Limits bounds automatic retries before a halt.
type Limits struct {
	ConsensusRetries int `koanf:"consensus_retries"`
	ValidateRetries  int `koanf:"validate_retries"`
}

// DefaultLimits allows one degraded re-collection and two validate
// retries before halting.
func DefaultLimits() Limits {
	return Limits{ConsensusRetries: 1, ValidateRetries: 2}
}

// DecideOptions carries the retry limits, operator overrides, and the
// evidence locations a decision cites in its reason.
type DecideOptions struct {
	Limits Limits

	// AllowConflict advances past a conflicted or exhausted degraded
	// consensus instead of halting. The committed verdict keeps its
	// conflicted status either way.
	AllowConflict bool

	TelemetryPath string
	SynthesisPath string
}

// Decide is the pure stage-outcome decision. Guardrail failure halts
// immediately except on validate, which retries up to its limit.
// Consensus conflicts halt for human review; degraded rounds re-collect
// up to the retry limit; an ok round advances. Every halt reason names
// the evidence to inspect and the override that would unblock it.
func Decide(run *Run, st stage.Stage, gr guardrail.Result, cs consensus.Status, opts DecideOptions) Decision {
	validateRetries, consensusRetries := run.retryCounts()

	if gr != guardrail.ResultPassed && gr != guardrail.ResultSkipped {
		if st == stage.Validate && validateRetries < opts.Limits.ValidateRetries {
			return Decision{
				Action: ActionRetry,
				Reason: fmt.Sprintf("validate guardrail %s, retry %d of %d", gr, validateRetries+1, opts.Limits.ValidateRetries),
			}
		}
		override := "--allow-guardrail-fail"
		if st == stage.Plan {
			override += " or " + guardrail.EnvAllowBaselineFail
		}
		return Decision{
			Action: ActionHalt,
			Reason: fmt.Sprintf("%s guardrail %s, evidence %s, override with %s", st, gr, opts.TelemetryPath, override),
		}
	}

	switch cs {
	case consensus.StatusConflict:
		if opts.AllowConflict {
			return Decision{
				Action: ActionAdvance,
				Reason: fmt.Sprintf("agent conflict on %s accepted by --allow-conflict, synthesis %s", st, opts.SynthesisPath),
			}
		}
		return Decision{
			Action: ActionHalt,
			Reason: fmt.Sprintf("agent conflict on %s requires human review, synthesis %s, rerun with --allow-conflict to accept", st, opts.SynthesisPath),
		}
	case consensus.StatusDegraded:
		if consensusRetries < opts.Limits.ConsensusRetries {
			return Decision{
				Action: ActionRetry,
				Reason: fmt.Sprintf("degraded consensus on %s, retry %d of %d", st, consensusRetries+1, opts.Limits.ConsensusRetries),
			}
		}
		if opts.AllowConflict {
			return Decision{
				Action: ActionAdvance,
				Reason: fmt.Sprintf("degraded consensus on %s accepted by --allow-conflict, synthesis %s", st, opts.SynthesisPath),
			}
		}
		return Decision{
			Action: ActionHalt,
			Reason: fmt.Sprintf("consensus on %s still degraded after %d retries, synthesis %s, rerun with --allow-conflict to accept", st, opts.Limits.ConsensusRetries, opts.SynthesisPath),
		}
	default:
		return Decision{
			Action: ActionAdvance,
			Reason: fmt.Sprintf("%s complete", st),
		}
	}
}
