// Package evidence provides the append-only, file-locked persistence layer
// for guardrail, consensus, and quality artifacts. The evidence tree is an
// ad-hoc database keyed by (spec_id, stage, timestamp): files are committed
// exactly once and never mutated afterwards.
package evidence

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Category partitions the evidence tree by producer.
type Category string

const (
	// CategoryCommands holds guardrail command attempts.
	CategoryCommands Category = "commands"
	// CategoryConsensus holds raw agent artifacts, synthesis verdicts, and
	// the telemetry journal.
	CategoryConsensus Category = "consensus"
	// CategoryEscalations holds quality-gate escalations awaiting an
	// operator decision.
	CategoryEscalations Category = "escalations"
)

// TimestampLayout is the attempt timestamp format used in evidence
// filenames. Timestamps are always UTC.
const TimestampLayout = "20060102_150405"

// Attempt identifies one timestamped attempt at a stage. Two attempts never
// share a timestamp within the same (spec, stage); a colliding writer must
// allocate a fresh attempt.
type Attempt struct {
	Stage     stage.Stage
	Timestamp string
}

// NewAttempt allocates an attempt slot for the stage at the current time.
func NewAttempt(st stage.Stage) Attempt {
	return Attempt{Stage: st, Timestamp: time.Now().UTC().Format(TimestampLayout)}
}

// Prefix returns the filename prefix for the attempt.
func (a Attempt) Prefix() string {
	return string(a.Stage) + "_" + a.Timestamp
}

// CommandPaths are the files committed by one guardrail attempt.
type CommandPaths struct {
	TelemetryPath string
	LogPath       string
}

// Store abstracts evidence persistence so tests can swap the filesystem
// implementation.
type Store interface {
	// Dir returns the evidence directory for a spec and category.
	Dir(specID string, category Category) string

	// WriteCommandResult commits the telemetry JSON and captured log of one
	// guardrail attempt.
	WriteCommandResult(ctx context.Context, specID string, att Attempt, payload any, logText []byte) (CommandPaths, error)

	// WriteAgentArtifact commits one agent's raw output for an attempt.
	WriteAgentArtifact(ctx context.Context, specID string, att Attempt, agent string, payload any) (string, error)

	// WriteSynthesis commits the consensus verdict for an attempt.
	WriteSynthesis(ctx context.Context, specID string, att Attempt, payload any) (string, error)

	// AppendJournal appends one JSON line to the attempt's telemetry
	// journal. Unlike the other writers the journal is append-many.
	AppendJournal(ctx context.Context, specID string, att Attempt, record any) (string, error)

	// Write commits an arbitrary write-once file under a category.
	Write(ctx context.Context, specID string, category Category, filename string, data []byte) (string, error)

	// ReadLatestCommand returns the newest guardrail telemetry for a stage.
	ReadLatestCommand(ctx context.Context, specID string, st stage.Stage) (string, []byte, error)

	// ReadLatestSynthesis returns the newest consensus synthesis for a stage.
	ReadLatestSynthesis(ctx context.Context, specID string, st stage.Stage) (string, []byte, error)

	// List returns paths under a category whose names contain pattern.
	List(specID string, category Category, pattern string) ([]string, error)

	// HasEvidence reports whether any evidence exists for a spec/stage.
	HasEvidence(specID string, st stage.Stage, category Category) bool
}
