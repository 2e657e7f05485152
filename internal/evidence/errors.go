package evidence

import "errors"

// Validation errors.
var (
	ErrEmptySpecID   = errors.New("spec_id is required")
	ErrEmptyFilename = errors.New("filename is required")
	ErrInvalidStage  = errors.New("invalid stage")
)

// Write-path errors.
var (
	// ErrAttemptExists is returned when a write targets a path that was
	// already committed. Evidence is write-once; the caller must allocate
	// a new timestamped attempt instead.
	ErrAttemptExists = errors.New("evidence already committed for attempt")

	// ErrLockTimeout is returned when the per-spec lock could not be
	// acquired within the configured retry budget.
	ErrLockTimeout = errors.New("evidence lock acquisition timed out")
)

// Read-path errors.
var (
	ErrNoTelemetry = errors.New("no guardrail telemetry found")
	ErrNoSynthesis = errors.New("no consensus synthesis found")
)
