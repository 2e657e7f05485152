package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Emitter persists telemetry through the evidence store.
type Emitter struct {
	store  evidence.Store
	logger *logging.Logger
}

// NewEmitter creates an emitter over the given store.
func NewEmitter(store evidence.Store, logger *logging.Logger) (*Emitter, error) {
	if store == nil {
		return nil, fmt.Errorf("evidence store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Emitter{store: store, logger: logger.Named("telemetry")}, nil
}

// EmitCommand validates and commits the telemetry and log of one
// guardrail attempt.
func (e *Emitter) EmitCommand(ctx context.Context, specID string, att evidence.Attempt, env *Envelope, logText []byte) (evidence.CommandPaths, error) {
	if err := env.Validate(att.Stage); err != nil {
		return evidence.CommandPaths{}, fmt.Errorf("invalid telemetry: %w", err)
	}

	paths, err := e.store.WriteCommandResult(ctx, specID, att, env, logText)
	if err != nil {
		return evidence.CommandPaths{}, err
	}

	e.logger.Info(ctx, "telemetry committed",
		zap.String("spec_id", specID),
		zap.String("stage", string(att.Stage)),
		zap.String("schema", env.SchemaVersion),
		zap.String("path", paths.TelemetryPath))
	return paths, nil
}

// AppendConsensus appends a consensus round record to the attempt's
// telemetry journal.
func (e *Emitter) AppendConsensus(ctx context.Context, specID string, att evidence.Attempt, env *Envelope) (string, error) {
	if env.Consensus == nil {
		return "", fmt.Errorf("consensus telemetry requires a consensus block")
	}
	return e.store.AppendJournal(ctx, specID, att, env)
}

// ReadLatest loads and decodes the newest command telemetry for a stage.
func (e *Emitter) ReadLatest(ctx context.Context, specID string, st stage.Stage) (*Envelope, string, error) {
	path, data, err := e.store.ReadLatestCommand(ctx, specID, st)
	if err != nil {
		return nil, "", err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("decode telemetry %s: %w", path, err)
	}
	return &env, path, nil
}
