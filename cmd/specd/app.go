package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/specd/internal/config"
	"github.com/fyrsmithlabs/specd/internal/consensus"
	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/guardrail"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/quality"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// app bundles the wired services every subcommand builds on.
type app struct {
	cfg             *config.Config
	logger          *logging.Logger
	store           evidence.Store
	emitter         *telemetry.Emitter
	synthesizer     *consensus.Synthesizer
	collector       *consensus.Collector
	executor        *guardrail.Executor
	shutdownMetrics func(context.Context) error
}

// newApp loads configuration and wires the evidence, telemetry,
// consensus, and guardrail services. haltCheck may be nil.
func newApp(haltCheck consensus.HaltChecker) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Back the OTEL instruments with the process prometheus registry so
	// pipeline and API metrics show up at /metrics.
	shutdownMetrics, err := telemetry.SetupMetrics("specd", version, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	store, err := evidence.NewFilesystemStore(&cfg.Evidence, logger)
	if err != nil {
		return nil, err
	}
	emitter, err := telemetry.NewEmitter(store, logger)
	if err != nil {
		return nil, err
	}
	synthesizer, err := consensus.NewSynthesizer(store, logger)
	if err != nil {
		return nil, err
	}
	collector, err := consensus.NewCollector(&cfg.Consensus, haltCheck, logger)
	if err != nil {
		return nil, err
	}
	executor, err := guardrail.NewExecutor(&cfg.Guardrail, emitter, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:             cfg,
		logger:          logger,
		store:           store,
		emitter:         emitter,
		synthesizer:     synthesizer,
		collector:       collector,
		executor:        executor,
		shutdownMetrics: shutdownMetrics,
	}, nil
}

// gate builds the quality checkpoint gate when checkpoints are enabled.
func (a *app) gate() (*quality.Gate, error) {
	if !a.cfg.Quality.Enabled {
		return nil, nil
	}
	return quality.NewGate(&quality.GateConfig{RepoPath: a.cfg.Quality.RepoPath}, a.store, nil, a.logger)
}

func (a *app) close() {
	if a.shutdownMetrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.shutdownMetrics(ctx)
	}
	_ = a.logger.Sync()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
