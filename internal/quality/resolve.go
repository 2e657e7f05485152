package quality

import (
	"context"
	"fmt"
)

// ResolutionKind is the disposition of one issue.
type ResolutionKind string

const (
	// ResolutionAutoApply applies the majority answer without review.
	ResolutionAutoApply ResolutionKind = "auto-apply"

	// ResolutionArbiter asks the arbiter to validate the majority
	// answer before applying it.
	ResolutionArbiter ResolutionKind = "arbiter"

	// ResolutionEscalate hands the issue to a human.
	ResolutionEscalate ResolutionKind = "escalate"
)

// Resolution is the outcome of resolving one issue.
type Resolution struct {
	Kind        ResolutionKind    `json:"kind"`
	Answer      string            `json:"answer,omitempty"`
	Recommended string            `json:"recommended,omitempty"`
	Reason      string            `json:"reason"`
	AllAnswers  map[string]string `json:"all_answers,omitempty"`
}

// Arbiter validates a majority answer that lacks unanimous backing.
// Implementations typically consult a stronger model. Returning accept
// false demotes the issue to escalation.
type Arbiter interface {
	Recheck(ctx context.Context, issue Issue) (accept bool, reasoning string, err error)
}

// ShouldAutoResolve applies the resolution matrix:
// high confidence resolves minor issues and auto-fixable important
// ones; medium confidence resolves only auto-fixable minor issues;
// critical issues and low confidence always escalate.
func ShouldAutoResolve(issue Issue) bool {
	switch {
	case issue.Magnitude == MagnitudeCritical:
		return false
	case issue.Confidence == ConfidenceHigh && issue.Magnitude == MagnitudeMinor:
		return issue.Resolvability != ResolvabilityNeedHuman
	case issue.Confidence == ConfidenceHigh && issue.Magnitude == MagnitudeImportant:
		return issue.Resolvability == ResolvabilityAutoFix
	case issue.Confidence == ConfidenceMedium && issue.Magnitude == MagnitudeMinor:
		return issue.Resolvability == ResolvabilityAutoFix
	default:
		return false
	}
}

// Resolve classifies one issue into its resolution. The confidence is
// recomputed from the merged answers rather than trusted from any
// single agent.
func Resolve(issue Issue) Resolution {
	confidence, majority, _ := ClassifyAgreement(issue.AgentAnswers)
	issue.Confidence = confidence

	if issue.Magnitude == MagnitudeCritical {
		return Resolution{
			Kind:       ResolutionEscalate,
			Reason:     "critical issues always require a human decision",
			AllAnswers: issue.AgentAnswers,
		}
	}

	switch confidence {
	case ConfidenceHigh:
		if ShouldAutoResolve(issue) {
			return Resolution{
				Kind:   ResolutionAutoApply,
				Answer: majority,
				Reason: fmt.Sprintf("unanimous (%d/%d agents agree)", len(issue.AgentAnswers), len(issue.AgentAnswers)),
			}
		}
		return Resolution{
			Kind:        ResolutionEscalate,
			Recommended: majority,
			Reason:      "unanimous answer but not auto-resolvable",
			AllAnswers:  issue.AgentAnswers,
		}
	case ConfidenceMedium:
		if ShouldAutoResolve(issue) {
			return Resolution{
				Kind:        ResolutionArbiter,
				Recommended: majority,
				Reason:      "majority answer needs arbiter validation",
			}
		}
		return Resolution{
			Kind:        ResolutionEscalate,
			Recommended: majority,
			Reason:      "majority answer outside the auto-resolution matrix",
			AllAnswers:  issue.AgentAnswers,
		}
	default:
		return Resolution{
			Kind:       ResolutionEscalate,
			Reason:     "no agent consensus",
			AllAnswers: issue.AgentAnswers,
		}
	}
}

// ResolveWithArbiter runs Resolve and, when an arbiter is configured,
// settles arbiter-kind resolutions in place. Without an arbiter they
// fall through to escalation.
func ResolveWithArbiter(ctx context.Context, arbiter Arbiter, issue Issue) (Resolution, error) {
	res := Resolve(issue)
	if res.Kind != ResolutionArbiter {
		return res, nil
	}
	if arbiter == nil {
		return Resolution{
			Kind:        ResolutionEscalate,
			Recommended: res.Recommended,
			Reason:      "majority answer requires validation but no arbiter is configured",
			AllAnswers:  issue.AgentAnswers,
		}, nil
	}

	accept, reasoning, err := arbiter.Recheck(ctx, issue)
	if err != nil {
		return Resolution{}, fmt.Errorf("arbiter recheck for %s: %w", issue.ID, err)
	}
	if accept {
		return Resolution{
			Kind:   ResolutionAutoApply,
			Answer: res.Recommended,
			Reason: "majority answer validated by arbiter: " + reasoning,
		}, nil
	}
	return Resolution{
		Kind:        ResolutionEscalate,
		Recommended: res.Recommended,
		Reason:      "arbiter rejected majority answer: " + reasoning,
		AllAnswers:  issue.AgentAnswers,
	}, nil
}
