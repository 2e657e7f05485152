package consensus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/specd/internal/agent"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Mode selects how a round's agents are driven.
type Mode string

const (
	// ModeParallel fans all agents out at once.
	ModeParallel Mode = "parallel"

	// ModeSequential runs agents one at a time, feeding each one's
	// output to the next. A failed predecessor contributes an empty
	// object.
	ModeSequential Mode = "sequential"
)

// HaltChecker reports whether the run was halted by an operator. It is
// consulted once before a batch launches; agents already in flight are
// allowed to finish.
type HaltChecker func(specID string) bool

// ErrHalted aborts a round before any agent launches.
var ErrHalted = fmt.Errorf("run halted by operator")

// CollectorConfig tunes round collection.
type CollectorConfig struct {
	Mode Mode `koanf:"mode"`
}

// DefaultCollectorConfig returns parallel collection.
func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{Mode: ModeParallel}
}

// Validate checks the configured mode.
func (c *CollectorConfig) Validate() error {
	switch c.Mode {
	case ModeParallel, ModeSequential:
		return nil
	default:
		return fmt.Errorf("unknown collector mode %q", c.Mode)
	}
}

// Collector drives a roster of agents through one consensus round.
type Collector struct {
	config *CollectorConfig
	halted HaltChecker
	logger *logging.Logger
}

// NewCollector creates a collector. halted may be nil.
func NewCollector(cfg *CollectorConfig, halted HaltChecker, logger *logging.Logger) (*Collector, error) {
	if cfg == nil {
		cfg = DefaultCollectorConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Collector{config: cfg, halted: halted, logger: logger.Named("collector")}, nil
}

// Collect runs every agent against the prompt and returns the round.
// Every agent yields exactly one artifact; failed runs appear as stubs.
func (c *Collector) Collect(ctx context.Context, agents []agent.Agent, p agent.Prompt) (Round, error) {
	round := Round{
		SpecID:   p.SpecID,
		Stage:    p.Stage,
		Expected: agentNames(agents),
	}
	if len(agents) == 0 {
		return round, fmt.Errorf("no agents rostered for stage %s", p.Stage)
	}
	if c.halted != nil && c.halted(p.SpecID) {
		return round, fmt.Errorf("%w: spec %s", ErrHalted, p.SpecID)
	}

	c.logger.Info(ctx, "collecting consensus round",
		zap.String("spec_id", p.SpecID),
		zap.String("stage", string(p.Stage)),
		zap.String("mode", string(c.config.Mode)),
		zap.Strings("agents", round.Expected))

	var (
		artifacts []*agent.Artifact
		err       error
	)
	switch c.config.Mode {
	case ModeSequential:
		artifacts, err = c.collectSequential(ctx, agents, p)
	default:
		artifacts, err = c.collectParallel(ctx, agents, p)
	}
	if err != nil {
		return round, err
	}
	round.Artifacts = artifacts
	return round, nil
}

func (c *Collector) collectParallel(ctx context.Context, agents []agent.Agent, p agent.Prompt) ([]*agent.Artifact, error) {
	artifacts := make([]*agent.Artifact, len(agents))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range agents {
		g.Go(func() error {
			art, err := a.Submit(gctx, p)
			if err != nil {
				return fmt.Errorf("agent %s: %w", a.Name(), err)
			}
			mu.Lock()
			artifacts[i] = art
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (c *Collector) collectSequential(ctx context.Context, agents []agent.Agent, p agent.Prompt) ([]*agent.Artifact, error) {
	artifacts := make([]*agent.Artifact, 0, len(agents))
	prior := ""

	for _, a := range agents {
		next := p
		next.PredecessorOutput = prior

		art, err := a.Submit(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.Name(), err)
		}
		artifacts = append(artifacts, art)

		if art.Failed() {
			prior = "{}"
		} else {
			prior = string(art.Payload)
		}
	}
	return artifacts, nil
}

// Runners builds agents from roster definitions with a shared limiter.
func Runners(defs []agent.Definition, cfg *agent.RunnerConfig, logger *logging.Logger) []agent.Agent {
	limiter := agent.NewLimiter(cfg)
	agents := make([]agent.Agent, 0, len(defs))
	for _, def := range defs {
		agents = append(agents, agent.NewRunner(def, limiter, logger))
	}
	return agents
}

// ExpectedAgents returns the default roster names for a stage.
func ExpectedAgents(st stage.Stage) []string {
	if st == stage.Implement {
		return []string{"gemini", "claude", "gpt_codex", "gpt_pro"}
	}
	return []string{"gemini", "claude", "gpt_pro"}
}

func agentNames(agents []agent.Agent) []string {
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name())
	}
	return names
}
