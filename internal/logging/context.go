package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if specID := SpecIDFromContext(ctx); specID != "" {
		fields = append(fields, zap.String("spec.id", specID))
	}
	if st := StageFromContext(ctx); st != "" {
		fields = append(fields, zap.String("spec.stage", string(st)))
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	return fields
}

// Context key types
type specCtxKey struct{}
type stageCtxKey struct{}
type sessionCtxKey struct{}

// WithSpecID attaches a SPEC-ID to the context for log correlation.
func WithSpecID(ctx context.Context, specID string) context.Context {
	return context.WithValue(ctx, specCtxKey{}, specID)
}

// SpecIDFromContext returns the SPEC-ID from context, or "".
func SpecIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(specCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStage attaches the current pipeline stage to the context.
func WithStage(ctx context.Context, st stage.Stage) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, st)
}

// StageFromContext returns the pipeline stage from context, or "".
func StageFromContext(ctx context.Context) stage.Stage {
	if v, ok := ctx.Value(stageCtxKey{}).(stage.Stage); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a session id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext returns the session id from context, or "".
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return v
	}
	return ""
}
