package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/specd/internal/pipeline"

// runMetrics holds the pipeline's instruments. Instrument creation only
// fails on invalid names, so errors are dropped and the nop meter takes
// over when no SDK is installed.
type runMetrics struct {
	runsStarted    metric.Int64Counter
	stageDecisions metric.Int64Counter
}

func newRunMetrics() *runMetrics {
	meter := otel.Meter(instrumentationName)

	runsStarted, _ := meter.Int64Counter("specd.runs.started",
		metric.WithDescription("Pipeline runs started or resumed"))
	stageDecisions, _ := meter.Int64Counter("specd.stage.decisions",
		metric.WithDescription("Stage outcomes by action"))

	return &runMetrics{
		runsStarted:    runsStarted,
		stageDecisions: stageDecisions,
	}
}

func (m *runMetrics) runStarted(ctx context.Context) {
	m.runsStarted.Add(ctx, 1)
}

func (m *runMetrics) stageDecided(ctx context.Context, st stage.Stage, action Action) {
	m.stageDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(st)),
		attribute.String("action", string(action)),
	))
}
