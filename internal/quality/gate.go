package quality

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// GateConfig tunes gate execution.
type GateConfig struct {
	// RepoPath is the working tree that receives auto-resolution
	// commits. Empty disables committing.
	RepoPath string `koanf:"repo_path"`
}

// ResolvedIssue pairs an issue with its disposition.
type ResolvedIssue struct {
	Issue      Issue      `json:"issue"`
	Resolution Resolution `json:"resolution"`
}

// Report summarizes one checkpoint run.
type Report struct {
	SpecID     string          `json:"spec_id"`
	Checkpoint Checkpoint      `json:"checkpoint"`
	Issues     []ResolvedIssue `json:"issues"`
	Escalation string          `json:"escalation,omitempty"`
}

// AutoApplied counts issues resolved without a human.
func (r *Report) AutoApplied() int {
	n := 0
	for _, ri := range r.Issues {
		if ri.Resolution.Kind == ResolutionAutoApply {
			n++
		}
	}
	return n
}

// Escalated returns the issues needing a human decision.
func (r *Report) Escalated() []ResolvedIssue {
	var out []ResolvedIssue
	for _, ri := range r.Issues {
		if ri.Resolution.Kind == ResolutionEscalate {
			out = append(out, ri)
		}
	}
	return out
}

// Blocked reports whether the checkpoint is waiting on a human.
func (r *Report) Blocked() bool {
	return len(r.Escalated()) > 0
}

// Metrics converts the report into the telemetry quality block.
func (r *Report) Metrics() *telemetry.QualityMetrics {
	return &telemetry.QualityMetrics{
		AutomatedChecksPassed: r.AutoApplied(),
		AutomatedChecksFailed: len(r.Escalated()),
	}
}

// Gate runs quality checkpoints over merged agent issues.
type Gate struct {
	config  *GateConfig
	store   evidence.Store
	arbiter Arbiter
	commits *Committer
	logger  *logging.Logger
}

// NewGate creates a gate. arbiter may be nil; committing is disabled
// when cfg.RepoPath is empty.
func NewGate(cfg *GateConfig, store evidence.Store, arbiter Arbiter, logger *logging.Logger) (*Gate, error) {
	if cfg == nil {
		cfg = &GateConfig{}
	}
	if store == nil {
		return nil, fmt.Errorf("evidence store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var commits *Committer
	if cfg.RepoPath != "" {
		commits = NewCommitter(cfg.RepoPath)
	}
	return &Gate{
		config:  cfg,
		store:   store,
		arbiter: arbiter,
		commits: commits,
		logger:  logger.Named("quality"),
	}, nil
}

// Run merges per-agent issues for a checkpoint, resolves each one, and
// persists an escalation file when any issue needs a human. The report
// is always returned; Blocked tells the caller whether to pause.
func (g *Gate) Run(ctx context.Context, specID string, checkpoint Checkpoint, perAgent ...[]Issue) (*Report, error) {
	report := &Report{SpecID: specID, Checkpoint: checkpoint}

	for _, issue := range Merge(perAgent...) {
		res, err := ResolveWithArbiter(ctx, g.arbiter, issue)
		if err != nil {
			return nil, err
		}
		report.Issues = append(report.Issues, ResolvedIssue{Issue: issue, Resolution: res})

		switch res.Kind {
		case ResolutionAutoApply:
			g.logger.Info(ctx, "issue auto-resolved",
				zap.String("spec_id", specID),
				zap.String("checkpoint", string(checkpoint)),
				zap.String("issue", issue.ID),
				zap.String("answer", res.Answer))
			if g.commits != nil {
				msg := fmt.Sprintf("speckit: auto-resolve %s/%s", checkpoint, issue.ID)
				if err := g.commits.Commit(msg); err != nil {
					g.logger.Warn(ctx, "auto-resolve commit failed",
						zap.String("issue", issue.ID), zap.Error(err))
				}
			}
		case ResolutionEscalate:
			g.logger.Warn(ctx, "issue escalated",
				zap.String("spec_id", specID),
				zap.String("checkpoint", string(checkpoint)),
				zap.String("issue", issue.ID),
				zap.String("reason", res.Reason))
		}
	}

	if report.Blocked() {
		path, err := WriteEscalation(ctx, g.store, report)
		if err != nil {
			return nil, err
		}
		report.Escalation = path
	}
	return report, nil
}
