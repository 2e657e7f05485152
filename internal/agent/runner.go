package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// RunnerConfig tunes subprocess agent execution.
type RunnerConfig struct {
	// LaunchRate throttles how quickly agent processes are started.
	LaunchRate rate.Limit `koanf:"launch_rate"`

	// LaunchBurst is the launch token bucket size.
	LaunchBurst int `koanf:"launch_burst"`
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		LaunchRate:  rate.Every(2 * time.Second),
		LaunchBurst: 4,
	}
}

// Runner executes one agent definition as a subprocess. The prompt goes
// to stdin; the artifact payload is read from stdout as JSON.
type Runner struct {
	def     Definition
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewRunner creates a subprocess agent for a definition. The limiter is
// shared across runners so a fan-out launches gradually; nil disables
// throttling.
func NewRunner(def Definition, limiter *rate.Limiter, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		def:     def,
		limiter: limiter,
		logger:  logger.Named("agent").With(zap.String("agent", def.Name)),
	}
}

// NewLimiter builds the shared launch limiter from config.
func NewLimiter(cfg *RunnerConfig) *rate.Limiter {
	if cfg == nil {
		cfg = DefaultRunnerConfig()
	}
	return rate.NewLimiter(cfg.LaunchRate, cfg.LaunchBurst)
}

// Name returns the agent's roster name.
func (r *Runner) Name() string {
	return r.def.Name
}

// Submit runs the agent once. Process failures are returned as stub
// artifacts; only caller cancellation surfaces as an error.
func (r *Runner) Submit(ctx context.Context, p Prompt) (*Artifact, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for launch slot: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.def.RunTimeout())
	defer cancel()

	start := time.Now()

	cmd := exec.CommandContext(runCtx, r.def.Command, r.def.Args...)
	cmd.Stdin = strings.NewReader(renderInput(p))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	latency := time.Since(start).Milliseconds()

	if runErr != nil {
		// Caller cancellation is not an agent failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.logger.Warn(ctx, "agent run timed out",
				zap.Duration("timeout", r.def.RunTimeout()))
			art := StubArtifact(r.def, p, FailureTimeout,
				fmt.Sprintf("exceeded %s", r.def.RunTimeout()))
			art.LatencyMs = latency
			return art, nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			r.logger.Warn(ctx, "agent exited nonzero",
				zap.Int("code", exitErr.ExitCode()),
				zap.String("stderr", truncate(stderr.String(), 512)))
			art := StubArtifact(r.def, p, FailureNonZeroExit,
				fmt.Sprintf("exit status %d", exitErr.ExitCode()))
			art.LatencyMs = latency
			return art, nil
		}
		return nil, fmt.Errorf("launch agent %s: %w", r.def.Name, runErr)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		art := StubArtifact(r.def, p, FailureEmptyOutput, "agent produced no output")
		art.LatencyMs = latency
		return art, nil
	}
	if !json.Valid(out) {
		art := StubArtifact(r.def, p, FailureMalformedOutput,
			fmt.Sprintf("output is not valid JSON: %s", truncate(string(out), 256)))
		art.LatencyMs = latency
		return art, nil
	}

	art := &Artifact{
		Agent:     r.def.Name,
		ModelID:   r.def.ModelID,
		SpecID:    p.SpecID,
		Stage:     p.Stage,
		Payload:   json.RawMessage(out),
		LatencyMs: latency,
		Usage:     extractUsage(out),
	}
	r.logger.Debug(ctx, "agent run complete",
		zap.Int64("latency_ms", latency),
		zap.Int("bytes", len(out)))
	return art, nil
}

// renderInput serializes the prompt for the agent process.
func renderInput(p Prompt) string {
	var b strings.Builder
	b.WriteString(p.Text)
	if p.PredecessorOutput != "" {
		b.WriteString("\n\n## Prior agent output\n")
		b.WriteString(p.PredecessorOutput)
	}
	b.WriteString("\n")
	return b.String()
}

// extractUsage pulls token counts from a payload's usage object when the
// agent reports one. Both OpenAI-style and generic key names are read.
func extractUsage(payload []byte) telemetry.Usage {
	var probe struct {
		Usage map[string]json.RawMessage `json:"usage"`
	}
	var usage telemetry.Usage
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Usage == nil {
		return usage
	}

	usage.PromptTokens = firstInt(probe.Usage, "input_tokens", "prompt_tokens")
	usage.CompletionTokens = firstInt(probe.Usage, "output_tokens", "completion_tokens")
	usage.ReasoningTokens = firstInt(probe.Usage, "reasoning_output_tokens")
	usage.TotalTokens = firstInt(probe.Usage, "total_tokens")
	return usage
}

func firstInt(m map[string]json.RawMessage, keys ...string) *int {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var v int
		if err := json.Unmarshal(raw, &v); err == nil {
			return &v
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
