// Package httpapi exposes the pipeline over HTTP for operators and
// dashboards.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/pipeline"
	"github.com/fyrsmithlabs/specd/internal/stage"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// Config holds HTTP server configuration.
type Config struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DefaultConfig returns the local operator defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            9135,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server provides HTTP endpoints for specd.
type Server struct {
	echo        *echo.Echo
	manager     *pipeline.Manager
	emitter     *telemetry.Emitter
	synthesizer *consensus.Synthesizer
	logger      *logging.Logger
	config      *Config
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(cfg *Config, manager *pipeline.Manager, emitter *telemetry.Emitter, synthesizer *consensus.Synthesizer, logger *logging.Logger) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("run manager is required")
	}
	if emitter == nil || synthesizer == nil {
		return nil, fmt.Errorf("telemetry emitter and synthesizer are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))

	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.Middleware())

	s := &Server{
		echo:        e,
		manager:     manager,
		emitter:     emitter,
		synthesizer: synthesizer,
		logger:      logger.Named("httpapi"),
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:spec_id", s.handleGetRun)
	v1.POST("/runs/:spec_id/halt", s.handleHaltRun)
	v1.GET("/runs/:spec_id/stages/:stage/telemetry", s.handleStageTelemetry)
	v1.GET("/runs/:spec_id/stages/:stage/synthesis", s.handleStageSynthesis)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// RunSummary is one entry in the run list.
type RunSummary struct {
	SpecID     string         `json:"spec_id"`
	Stage      string         `json:"stage,omitempty"`
	Phase      pipeline.Phase `json:"phase"`
	HaltReason string         `json:"halt_reason,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func summarize(run *pipeline.Run) RunSummary {
	snap := run.Snapshot()
	return RunSummary{
		SpecID:     snap.SpecID,
		Stage:      string(snap.Stage),
		Phase:      snap.Phase,
		HaltReason: snap.HaltReason,
		UpdatedAt:  snap.UpdatedAt,
	}
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs := s.manager.List()
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, ok := s.manager.Get(c.Param("spec_id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown spec")
	}
	return c.JSON(http.StatusOK, run.Snapshot())
}

// HaltRequest is the request body for POST /api/v1/runs/:spec_id/halt.
type HaltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHaltRun(c echo.Context) error {
	var req HaltRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "halted via api"
	}

	specID := c.Param("spec_id")
	if err := s.manager.Halt(specID, req.Reason); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	s.logger.Info(c.Request().Context(), "run halted via api",
		zap.String("spec_id", specID),
		zap.String("reason", req.Reason))

	run, _ := s.manager.Get(specID)
	return c.JSON(http.StatusOK, summarize(run))
}

func (s *Server) handleStageTelemetry(c echo.Context) error {
	st, err := stage.Parse(c.Param("stage"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	env, _, err := s.emitter.ReadLatest(c.Request().Context(), c.Param("spec_id"), st)
	if err != nil {
		if errors.Is(err, evidence.ErrNoTelemetry) {
			return echo.NewHTTPError(http.StatusNotFound, "no telemetry for stage")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, env)
}

func (s *Server) handleStageSynthesis(c echo.Context) error {
	st, err := stage.Parse(c.Param("stage"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	syn, _, err := s.synthesizer.ReadLatest(c.Request().Context(), c.Param("spec_id"), st)
	if err != nil {
		if errors.Is(err, evidence.ErrNoSynthesis) {
			return echo.NewHTTPError(http.StatusNotFound, "no synthesis for stage")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, syn)
}

// Echo exposes the underlying router for extra route registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start runs the server until the context is cancelled, then shuts it
// down within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "starting http server", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info(shutdownCtx, "shutting down http server")
	return s.echo.Shutdown(shutdownCtx)
}
