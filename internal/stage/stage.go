// Package stage defines the fixed pipeline stage vocabulary shared by the
// guardrail, consensus, and pipeline packages.
package stage

import "fmt"

// Stage is one step of the spec-auto pipeline.
type Stage string

const (
	Plan      Stage = "plan"
	Tasks     Stage = "tasks"
	Implement Stage = "implement"
	Validate  Stage = "validate"
	Audit     Stage = "audit"
	Unlock    Stage = "unlock"
)

// All returns the stages in execution order.
func All() []Stage {
	return []Stage{Plan, Tasks, Implement, Validate, Audit, Unlock}
}

// Parse resolves a stage from user input. It accepts both the bare stage
// name and the "spec-<stage>" command alias.
func Parse(s string) (Stage, error) {
	switch s {
	case "plan", "spec-plan":
		return Plan, nil
	case "tasks", "spec-tasks":
		return Tasks, nil
	case "implement", "spec-implement":
		return Implement, nil
	case "validate", "spec-validate":
		return Validate, nil
	case "audit", "review", "spec-audit", "spec-review":
		return Audit, nil
	case "unlock", "spec-unlock":
		return Unlock, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Index returns the position of s in execution order, or -1.
func Index(s Stage) int {
	for i, st := range All() {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s, or false when s is the last stage.
func Next(s Stage) (Stage, bool) {
	idx := Index(s)
	if idx < 0 || idx+1 >= len(All()) {
		return "", false
	}
	return All()[idx+1], true
}

// FilePrefix is the evidence filename prefix for the stage.
func (s Stage) FilePrefix() string {
	return string(s) + "_"
}

// CommandName is the guardrail command name for the stage.
func (s Stage) CommandName() string {
	return "spec-ops-" + string(s)
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	return string(s)
}

// Valid reports whether s is one of the six pipeline stages.
func (s Stage) Valid() bool {
	return Index(s) >= 0
}
