package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/pipeline"
	"github.com/fyrsmithlabs/specd/internal/stage"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

func setupTestServer(t *testing.T) (*Server, *pipeline.Manager, *telemetry.Emitter, *consensus.Synthesizer) {
	t.Helper()

	cfg := evidence.DefaultConfig()
	cfg.Root = t.TempDir()
	store, err := evidence.NewFilesystemStore(cfg, nil)
	require.NoError(t, err)

	emitter, err := telemetry.NewEmitter(store, nil)
	require.NoError(t, err)
	synthesizer, err := consensus.NewSynthesizer(store, nil)
	require.NoError(t, err)

	manager := pipeline.NewManager()
	server, err := NewServer(nil, manager, emitter, synthesizer, nil)
	require.NoError(t, err)
	return server, manager, emitter, synthesizer
}

func registerRun(t *testing.T, manager *pipeline.Manager, specID string) *pipeline.Run {
	t.Helper()
	run, err := pipeline.NewRun(specID, "goal", "")
	require.NoError(t, err)
	manager.Register(run)
	return run
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with defaults", func(t *testing.T) {
		server, _, _, _ := setupTestServer(t)
		assert.NotNil(t, server.Echo())
		assert.Equal(t, "localhost", server.config.Host)
	})

	t.Run("requires manager", func(t *testing.T) {
		_, err := NewServer(nil, nil, nil, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "run manager")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetricsEndpoint(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleListRuns(t *testing.T) {
	server, manager, _, _ := setupTestServer(t)
	registerRun(t, manager, "SPEC-B")
	registerRun(t, manager, "SPEC-A")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var runs []RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "SPEC-A", runs[0].SpecID)
	assert.Equal(t, "SPEC-B", runs[1].SpecID)
	assert.Equal(t, string(stage.Plan), runs[0].Stage)
}

func TestHandleGetRun(t *testing.T) {
	server, manager, _, _ := setupTestServer(t)
	registerRun(t, manager, "SPEC-1")

	t.Run("known run", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/SPEC-1", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var snap pipeline.Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		assert.Equal(t, "SPEC-1", snap.SpecID)
		assert.NotEmpty(t, snap.SessionID)
		assert.Equal(t, stage.Plan, snap.Stage)
	})

	t.Run("unknown run", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/SPEC-MISSING", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHaltRun(t *testing.T) {
	server, manager, _, _ := setupTestServer(t)
	run := registerRun(t, manager, "SPEC-1")

	body := bytes.NewBufferString(`{"reason":"operator requested"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/SPEC-1/halt", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, run.Halted())
	assert.Equal(t, "operator requested", run.HaltReason())

	var summary RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, pipeline.PhaseHalted, summary.Phase)
}

func TestHandleHaltRun_Unknown(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/SPEC-X/halt", bytes.NewBufferString(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStageTelemetry(t *testing.T) {
	server, _, emitter, _ := setupTestServer(t)
	ctx := context.Background()

	att := evidence.NewAttempt(stage.Tasks)
	env := &telemetry.Envelope{
		SchemaVersion: telemetry.SchemaV1,
		Command:       stage.Tasks.CommandName(),
		SpecID:        "SPEC-1",
		SessionID:     "sess",
		Timestamp:     att.Timestamp,
		Tool:          &telemetry.Tool{Status: "ok"},
	}
	_, err := emitter.EmitCommand(ctx, "SPEC-1", att, env, []byte("log"))
	require.NoError(t, err)

	t.Run("latest envelope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/SPEC-1/stages/tasks/telemetry", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var got telemetry.Envelope
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "spec-ops-tasks", got.Command)
	})

	t.Run("no evidence yet", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/SPEC-1/stages/plan/telemetry", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad stage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/SPEC-1/stages/bogus/telemetry", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleStageSynthesis(t *testing.T) {
	server, _, _, synthesizer := setupTestServer(t)
	ctx := context.Background()

	att := evidence.NewAttempt(stage.Plan)
	round := consensus.Round{
		SpecID:   "SPEC-1",
		Stage:    stage.Plan,
		Expected: []string{"gemini"},
		Artifacts: []*agent.Artifact{{
			Agent:   "gemini",
			SpecID:  "SPEC-1",
			Stage:   stage.Plan,
			Payload: []byte(`{"work_breakdown":["w"],"acceptance_mapping":["a"],"agreements":["x"],"conflicts":[]}`),
		}},
	}
	_, err := synthesizer.Commit(ctx, att, round)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/SPEC-1/stages/plan/synthesis", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var syn consensus.Synthesis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &syn))
	assert.Equal(t, consensus.StatusOK, syn.Status)
}
