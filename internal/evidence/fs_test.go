package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/stage"
)

func newTestStore(t *testing.T) *FilesystemStore {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.LockRetries = 2
	cfg.LockRetryDelay = 10 * time.Millisecond
	store, err := NewFilesystemStore(cfg, nil)
	require.NoError(t, err)
	return store
}

func TestNewFilesystemStore_RequiresRoot(t *testing.T) {
	_, err := NewFilesystemStore(&Config{}, nil)
	require.Error(t, err)
}

func TestWriteCommandResult_Layout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	att := Attempt{Stage: stage.Plan, Timestamp: "20250301_120000"}
	payload := map[string]any{"command": "spec-ops-plan", "specId": "SPEC-KIT-042"}

	paths, err := store.WriteCommandResult(ctx, "SPEC-KIT-042", att, payload, []byte("baseline ok\n"))
	require.NoError(t, err)

	wantJSON := filepath.Join(store.Root(), "commands", "SPEC-KIT-042", "plan_20250301_120000.json")
	wantLog := filepath.Join(store.Root(), "commands", "SPEC-KIT-042", "plan_20250301_120000.log")
	assert.Equal(t, wantJSON, paths.TelemetryPath)
	assert.Equal(t, wantLog, paths.LogPath)

	data, err := os.ReadFile(paths.TelemetryPath)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "spec-ops-plan", decoded["command"])

	logData, err := os.ReadFile(paths.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "baseline ok\n", string(logData))
}

func TestWriteCommandResult_WriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	att := Attempt{Stage: stage.Tasks, Timestamp: "20250301_120000"}
	_, err := store.WriteCommandResult(ctx, "SPEC-1", att, map[string]string{"a": "1"}, nil)
	require.NoError(t, err)

	_, err = store.WriteCommandResult(ctx, "SPEC-1", att, map[string]string{"a": "2"}, nil)
	require.ErrorIs(t, err, ErrAttemptExists)

	// A retry allocates a fresh timestamp and must succeed.
	retry := Attempt{Stage: stage.Tasks, Timestamp: "20250301_120500"}
	_, err = store.WriteCommandResult(ctx, "SPEC-1", retry, map[string]string{"a": "2"}, nil)
	require.NoError(t, err)
}

func TestWriteCommandResult_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	att := Attempt{Stage: stage.Plan, Timestamp: "20250301_120000"}

	_, err := store.WriteCommandResult(ctx, "", att, nil, nil)
	require.ErrorIs(t, err, ErrEmptySpecID)

	_, err = store.WriteCommandResult(ctx, "SPEC-1", Attempt{Stage: "bogus"}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidStage)
}

func TestWriteAgentArtifact_SlugsAgentName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	att := Attempt{Stage: stage.Audit, Timestamp: "20250301_130000"}
	path, err := store.WriteAgentArtifact(ctx, "SPEC-2", att, "GPT Pro", map[string]string{"verdict": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "audit_20250301_130000_gpt_pro.json", filepath.Base(path))
	assert.Contains(t, path, filepath.Join("consensus", "SPEC-2"))
}

func TestAppendJournal_Accumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	att := Attempt{Stage: stage.Plan, Timestamp: "20250301_140000"}
	var path string
	for i := 0; i < 3; i++ {
		var err error
		path, err = store.AppendJournal(ctx, "SPEC-3", att, map[string]int{"seq": i})
		require.NoError(t, err)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	var last map[string]int
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	assert.Equal(t, 2, last["seq"])
}

func TestReadLatestCommand_PicksNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ts := range []string{"20250301_100000", "20250301_110000", "20250301_090000"} {
		att := Attempt{Stage: stage.Validate, Timestamp: ts}
		_, err := store.WriteCommandResult(ctx, "SPEC-4", att, map[string]string{"ts": ts}, nil)
		require.NoError(t, err)
	}

	path, data, err := store.ReadLatestCommand(ctx, "SPEC-4", stage.Validate)
	require.NoError(t, err)
	assert.Equal(t, "validate_20250301_110000.json", filepath.Base(path))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "20250301_110000", decoded["ts"])
}

func TestReadLatestCommand_NoEvidence(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.ReadLatestCommand(context.Background(), "SPEC-NONE", stage.Plan)
	require.ErrorIs(t, err, ErrNoTelemetry)
}

func TestReadLatestSynthesis_IgnoresAgentArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	att := Attempt{Stage: stage.Plan, Timestamp: "20250301_150000"}
	_, err := store.WriteAgentArtifact(ctx, "SPEC-5", att, "claude", map[string]string{"k": "agent"})
	require.NoError(t, err)
	_, err = store.WriteSynthesis(ctx, "SPEC-5", att, map[string]string{"status": "ok"})
	require.NoError(t, err)

	path, data, err := store.ReadLatestSynthesis(ctx, "SPEC-5", stage.Plan)
	require.NoError(t, err)
	assert.Equal(t, "plan_20250301_150000_synthesis.json", filepath.Base(path))

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ok", decoded["status"])
}

func TestReadLatestCommand_IgnoresLogsAndJournals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	att := Attempt{Stage: stage.Unlock, Timestamp: "20250301_160000"}
	_, err := store.WriteCommandResult(ctx, "SPEC-6", att, map[string]string{"k": "v"}, []byte("log"))
	require.NoError(t, err)

	path, _, err := store.ReadLatestCommand(ctx, "SPEC-6", stage.Unlock)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".json"))
}

func TestList_FiltersByPattern(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a1 := Attempt{Stage: stage.Plan, Timestamp: "20250301_100000"}
	a2 := Attempt{Stage: stage.Tasks, Timestamp: "20250301_110000"}
	_, err := store.WriteCommandResult(ctx, "SPEC-7", a1, map[string]string{}, nil)
	require.NoError(t, err)
	_, err = store.WriteCommandResult(ctx, "SPEC-7", a2, map[string]string{}, nil)
	require.NoError(t, err)

	paths, err := store.List("SPEC-7", CategoryCommands, "plan_")
	require.NoError(t, err)
	require.Len(t, paths, 2) // json + log
	for _, p := range paths {
		assert.Contains(t, filepath.Base(p), "plan_")
	}

	empty, err := store.List("SPEC-MISSING", CategoryCommands, "plan_")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHasEvidence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.False(t, store.HasEvidence("SPEC-8", stage.Plan, CategoryCommands))

	att := Attempt{Stage: stage.Plan, Timestamp: "20250301_100000"}
	_, err := store.WriteCommandResult(ctx, "SPEC-8", att, map[string]string{}, nil)
	require.NoError(t, err)

	assert.True(t, store.HasEvidence("SPEC-8", stage.Plan, CategoryCommands))
	assert.False(t, store.HasEvidence("SPEC-8", stage.Tasks, CategoryCommands))
}

func TestWrite_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, "", CategoryCommands, "x.json", nil)
	require.ErrorIs(t, err, ErrEmptySpecID)

	_, err = store.Write(ctx, "SPEC-9", CategoryCommands, "", nil)
	require.ErrorIs(t, err, ErrEmptyFilename)
}

func TestNewAttempt_UsesUTCLayout(t *testing.T) {
	att := NewAttempt(stage.Implement)
	require.Len(t, att.Timestamp, len(TimestampLayout))
	_, err := time.Parse(TimestampLayout, att.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, "implement_"+att.Timestamp, att.Prefix())
}

func TestAgentSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gemini", "gemini"},
		{"GPT Pro", "gpt_pro"},
		{"gpt-codex", "gpt_codex"},
		{"  weird!!name  ", "weird_name"},
		{"!!!", "agent"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, agentSlug(tt.in), tt.in)
	}
}
