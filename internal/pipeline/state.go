// Package pipeline sequences a spec through its stages: each stage runs
// its quality checkpoint, guardrail, and consensus round, then a pure
// decision advances, retries, or halts the run.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Phase is where a run currently sits inside its stage.
type Phase string

const (
	PhaseQualityGate       Phase = "quality-gate"
	PhaseGuardrail         Phase = "guardrail"
	PhaseExecutingAgents   Phase = "executing-agents"
	PhaseCheckingConsensus Phase = "checking-consensus"
	PhaseAwaitingHuman     Phase = "awaiting-human"
	PhaseHalted            Phase = "halted"
	PhaseDone              Phase = "done"
)

// Run is the durable state of one spec moving through the pipeline.
// Operator halts arrive from other goroutines, so mutable state lives
// behind the mutex and leaves only through Snapshot or an accessor.
type Run struct {
	SpecID    string
	Goal      string
	SessionID string
	StartedAt time.Time

	mu               sync.Mutex
	stages           []stage.Stage
	index            int
	phase            Phase
	validateRetries  int
	consensusRetries int
	updatedAt        time.Time
	lastOutcome      string
	haltReason       string
}

// NewRun starts (or resumes) a run at the given stage.
func NewRun(specID, goal string, resumeFrom stage.Stage) (*Run, error) {
	if specID == "" {
		return nil, fmt.Errorf("spec id is required")
	}
	stages := stage.All()
	index := 0
	if resumeFrom != "" {
		i := stage.Index(resumeFrom)
		if i < 0 {
			return nil, fmt.Errorf("unknown stage %q", resumeFrom)
		}
		index = i
	}
	now := time.Now().UTC()
	return &Run{
		SpecID:    specID,
		Goal:      goal,
		SessionID: uuid.NewString(),
		StartedAt: now,
		stages:    stages,
		index:     index,
		phase:     PhaseQualityGate,
		updatedAt: now,
	}, nil
}

// Status is a point-in-time copy of a run's mutable state, safe to
// serialize and hand across goroutines.
type Status struct {
	SpecID           string        `json:"spec_id"`
	Goal             string        `json:"goal,omitempty"`
	SessionID        string        `json:"session_id"`
	Stages           []stage.Stage `json:"stages"`
	Stage            stage.Stage   `json:"stage,omitempty"`
	Index            int           `json:"index"`
	Phase            Phase         `json:"phase"`
	ValidateRetries  int           `json:"validate_retries"`
	ConsensusRetries int           `json:"consensus_retries"`
	StartedAt        time.Time     `json:"started_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	LastOutcome      string        `json:"last_outcome,omitempty"`
	HaltReason       string        `json:"halt_reason,omitempty"`
}

// Snapshot copies the run's current state.
func (r *Run) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		SpecID:           r.SpecID,
		Goal:             r.Goal,
		SessionID:        r.SessionID,
		Stages:           r.stages,
		Index:            r.index,
		Phase:            r.phase,
		ValidateRetries:  r.validateRetries,
		ConsensusRetries: r.consensusRetries,
		StartedAt:        r.StartedAt,
		UpdatedAt:        r.updatedAt,
		LastOutcome:      r.lastOutcome,
		HaltReason:       r.haltReason,
	}
	if r.index < len(r.stages) {
		s.Stage = r.stages[r.index]
	}
	return s
}

// CurrentStage returns the stage in progress, or false when finished.
func (r *Run) CurrentStage() (stage.Stage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index >= len(r.stages) {
		return "", false
	}
	return r.stages[r.index], true
}

// Advance moves to the next stage, resetting per-stage retry counters.
// A halted run stays halted.
func (r *Run) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseHalted {
		return
	}
	r.index++
	r.validateRetries = 0
	r.consensusRetries = 0
	r.updatedAt = time.Now().UTC()
	if r.index >= len(r.stages) {
		r.phase = PhaseDone
	} else {
		r.phase = PhaseQualityGate
	}
}

// Halt stops the run with a reason. Halting is terminal for the session;
// a later invocation resumes from the same stage.
func (r *Run) Halt(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = PhaseHalted
	r.haltReason = reason
	r.updatedAt = time.Now().UTC()
}

// Halted reports whether the run was stopped.
func (r *Run) Halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == PhaseHalted
}

// HaltReason returns the reason recorded by Halt, if any.
func (r *Run) HaltReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haltReason
}

// Done reports whether every stage completed.
func (r *Run) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == PhaseDone
}

// setPhase records phase progress. A halted run keeps its phase.
func (r *Run) setPhase(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseHalted {
		return
	}
	r.phase = p
	r.updatedAt = time.Now().UTC()
}

func (r *Run) setOutcome(summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOutcome = summary
	r.updatedAt = time.Now().UTC()
}

func (r *Run) retryCounts() (validate, consensus int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateRetries, r.consensusRetries
}

func (r *Run) bumpValidateRetries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validateRetries++
	r.updatedAt = time.Now().UTC()
}

func (r *Run) bumpConsensusRetries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consensusRetries++
	r.updatedAt = time.Now().UTC()
}
