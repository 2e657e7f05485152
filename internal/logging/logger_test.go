package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

func TestNewLogger_ValidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"trace", TraceLevel},
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := LevelFromString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelFromString_Invalid(t *testing.T) {
	_, err := LevelFromString("chatty")
	assert.Error(t, err)
}

func TestContextFields_Correlation(t *testing.T) {
	ctx := WithSpecID(context.Background(), "SPEC-KIT-065")
	ctx = WithStage(ctx, stage.Plan)
	ctx = WithSessionID(ctx, "sess-1")

	fields := ContextFields(ctx)
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "spec.id")
	assert.Contains(t, keys, "spec.stage")
	assert.Contains(t, keys, "session.id")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestTestLogger_Observes(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithSpecID(context.Background(), "SPEC-1")

	tl.Info(ctx, "consensus round complete")
	tl.AssertLogged(t, zapcore.InfoLevel, "consensus round")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "consensus round")

	entries := tl.FilterMessage("consensus round complete").All()
	require.Len(t, entries, 1)
}

func TestLogger_Named(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("consensus")
	child.Warn(context.Background(), "degraded quorum")

	entries := tl.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "consensus", entries[0].LoggerName)
}
