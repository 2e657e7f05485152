package guardrail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/stage"
	"github.com/fyrsmithlabs/specd/internal/telemetry"
)

// BaselineMode selects how much of the baseline runs before planning.
type BaselineMode string

const (
	BaselineFull  BaselineMode = "full"
	BaselineQuick BaselineMode = "quick"
	BaselineSkip  BaselineMode = "skip"
)

// ParseBaselineMode validates a mode string.
func ParseBaselineMode(s string) (BaselineMode, error) {
	switch BaselineMode(s) {
	case BaselineFull, BaselineQuick, BaselineSkip:
		return BaselineMode(s), nil
	case "":
		return BaselineFull, nil
	default:
		return "", fmt.Errorf("unknown baseline mode %q", s)
	}
}

// Check is one named command run as a scenario or HAL probe.
type Check struct {
	Name    string   `koanf:"name"`
	Command []string `koanf:"command"`
}

// Config declares the commands each guardrail stage runs.
type Config struct {
	// RepoPath enables the dirty-worktree check before planning.
	RepoPath string `koanf:"repo_path"`

	// LockDir holds the per-spec stage lock files.
	LockDir string `koanf:"lock_dir"`

	BaselineFull  []string `koanf:"baseline_full"`
	BaselineQuick []string `koanf:"baseline_quick"`
	SessionHook   []string `koanf:"session_hook"`
	TasksTool     []string `koanf:"tasks_tool"`
	FileHook      []string `koanf:"file_hook"`

	Scenarios []Check `koanf:"scenarios"`
	HALChecks []Check `koanf:"hal_checks"`

	PromptVersion string `koanf:"prompt_version"`

	// CommandTimeout bounds each guardrail subprocess.
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// DefaultConfig returns a config with only timeouts and paths set; the
// commands come from the project's config file.
func DefaultConfig() *Config {
	return &Config{
		LockDir:        filepath.Join("docs", "spec-auto", "evidence", ".locks"),
		CommandTimeout: 10 * time.Minute,
	}
}

// Environment overrides honored by the executor.
const (
	EnvAllowBaselineFail = "SPECD_ALLOW_BASELINE_FAIL"
	EnvAllowDirty        = "SPECD_ALLOW_DIRTY"
	envHALSkipPrefix     = "SPECD_HAL_SKIP_"
)

// RunOptions tunes a single guardrail attempt.
type RunOptions struct {
	BaselineMode BaselineMode
	AllowFail    bool
}

// Outcome is the full record of one attempt.
type Outcome struct {
	Attempt    evidence.Attempt
	Envelope   *telemetry.Envelope
	Evaluation Evaluation
	Paths      evidence.CommandPaths
}

// Result returns the attempt's gate result.
func (o *Outcome) Result() Result {
	return o.Evaluation.Result()
}

// Executor runs guardrail attempts and persists their evidence.
type Executor struct {
	config  *Config
	emitter *telemetry.Emitter
	logger  *logging.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg *Config, emitter *telemetry.Emitter, logger *logging.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	if emitter == nil {
		return nil, fmt.Errorf("telemetry emitter is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{config: cfg, emitter: emitter, logger: logger.Named("guardrail")}, nil
}

// Run executes the guardrail for a stage, evaluates it, and commits one
// telemetry record plus one log file. The outcome is returned even when
// the gate fails; only infrastructure errors surface as error.
func (e *Executor) Run(ctx context.Context, specID, sessionID string, st stage.Stage, opts RunOptions) (*Outcome, error) {
	att := evidence.NewAttempt(st)
	var log bytes.Buffer

	env := &telemetry.Envelope{
		SchemaVersion: telemetry.SchemaV2,
		Command:       st.CommandName(),
		SpecID:        specID,
		SessionID:     sessionID,
		Timestamp:     att.Timestamp,
		PromptVersion: e.config.PromptVersion,
		// No policy models run locally; the block records their
		// absence as nulls so downstream readers see a stable shape.
		Guardrail: &telemetry.GuardrailBlock{},
	}

	switch st {
	case stage.Plan:
		e.runPlan(ctx, env, &log, opts)
	case stage.Tasks:
		env.Tool = &telemetry.Tool{Status: e.runHook(ctx, e.config.TasksTool, "tasks tool", &log)}
	case stage.Implement:
		env.LockStatus = e.acquireStageLock(specID, &log)
		env.HookStatus = e.runHook(ctx, e.config.FileHook, "file_after_write hook", &log)
	case stage.Validate, stage.Audit:
		e.runScenarios(ctx, env, &log)
	case stage.Unlock:
		env.UnlockStatus = e.releaseStageLock(specID, &log)
	default:
		return nil, fmt.Errorf("unknown stage %q", st)
	}

	eval := Evaluate(st, env)
	if !eval.Success && e.allowFail(st, opts) {
		env.Notes = append(env.Notes,
			fmt.Sprintf("failure overridden: %s", strings.Join(eval.Failures, "; ")))
		eval = Evaluation{
			Success: true,
			Summary: eval.Summary + " (override)",
		}
	}

	var paths evidence.CommandPaths
	for {
		// The log is always an artifact of the attempt.
		env.Artifacts = []string{
			filepath.Join(string(evidence.CategoryCommands), specID, att.Prefix()+".log"),
		}

		var err error
		paths, err = e.emitter.EmitCommand(ctx, specID, att, env, log.Bytes())
		if err == nil {
			break
		}
		// Attempts have second resolution; a rapid retry lands on the
		// same timestamp and must advance rather than overwrite.
		if errors.Is(err, evidence.ErrAttemptExists) {
			ts, perr := time.Parse(evidence.TimestampLayout, att.Timestamp)
			if perr != nil {
				return nil, err
			}
			att.Timestamp = ts.Add(time.Second).Format(evidence.TimestampLayout)
			env.Timestamp = att.Timestamp
			continue
		}
		return nil, err
	}

	e.logger.Info(ctx, "guardrail attempt complete",
		zap.String("spec_id", specID),
		zap.String("stage", string(st)),
		zap.String("result", string(eval.Result())),
		zap.String("summary", eval.Summary))

	return &Outcome{Attempt: att, Envelope: env, Evaluation: eval, Paths: paths}, nil
}

func (e *Executor) runPlan(ctx context.Context, env *telemetry.Envelope, log *bytes.Buffer, opts RunOptions) {
	mode := opts.BaselineMode
	if mode == "" {
		mode = BaselineFull
	}

	baseline := &telemetry.Baseline{Mode: string(mode), Artifact: "baseline.log"}
	switch mode {
	case BaselineSkip:
		baseline.Status = "skipped"
		fmt.Fprintln(log, "baseline skipped by request")
	default:
		cmd := e.config.BaselineFull
		if mode == BaselineQuick && len(e.config.BaselineQuick) > 0 {
			cmd = e.config.BaselineQuick
		}
		if dirty := e.dirtyWorktree(); dirty && !envTruthy(EnvAllowDirty) {
			baseline.Status = "failed"
			fmt.Fprintln(log, "worktree is dirty; commit or set "+EnvAllowDirty)
		} else if len(cmd) == 0 {
			baseline.Status = "skipped"
			fmt.Fprintln(log, "no baseline command configured")
		} else if e.runCommand(ctx, cmd, log) {
			baseline.Status = "passed"
		} else {
			baseline.Status = "failed"
		}
	}
	env.Baseline = baseline
	env.Hooks = map[string]string{
		"session.start": e.runHook(ctx, e.config.SessionHook, "session.start hook", log),
	}
}

func (e *Executor) runScenarios(ctx context.Context, env *telemetry.Envelope, log *bytes.Buffer) {
	for _, check := range e.config.Scenarios {
		status := "passed"
		if !e.runCommand(ctx, check.Command, log) {
			status = "failed"
		}
		env.Scenarios = append(env.Scenarios, telemetry.Scenario{Name: check.Name, Status: status})
	}
	if len(env.Scenarios) == 0 {
		// An attempt with nothing to check still needs a scenario entry
		// for the schema; report the absence itself.
		env.Scenarios = append(env.Scenarios, telemetry.Scenario{Name: "no-scenarios-configured", Status: "failed"})
		fmt.Fprintln(log, "no validation scenarios configured")
	}

	if len(e.config.HALChecks) > 0 {
		summary := telemetry.HALSummary{Status: "passed"}
		ran := 0
		for _, check := range e.config.HALChecks {
			if envTruthy(envHALSkipPrefix + envKey(check.Name)) {
				fmt.Fprintf(log, "hal check %s skipped by env\n", check.Name)
				continue
			}
			ran++
			if !e.runCommand(ctx, check.Command, log) {
				summary.FailedChecks = append(summary.FailedChecks, check.Name)
			}
		}
		switch {
		case len(summary.FailedChecks) > 0:
			summary.Status = "failed"
		case ran == 0:
			summary.Status = "skipped"
		}
		env.HAL = &telemetry.HAL{Summary: summary}
	}
}

// runHook executes an optional hook command. A missing hook reports ok.
func (e *Executor) runHook(ctx context.Context, cmd []string, name string, log *bytes.Buffer) string {
	if len(cmd) == 0 {
		return "ok"
	}
	if e.runCommand(ctx, cmd, log) {
		return "ok"
	}
	fmt.Fprintf(log, "%s failed\n", name)
	return "failed"
}

// runCommand executes one guardrail subprocess, teeing output into the
// attempt log. Returns true on exit status zero.
func (e *Executor) runCommand(ctx context.Context, argv []string, log *bytes.Buffer) bool {
	if len(argv) == 0 {
		return false
	}
	cmdCtx, cancel := context.WithTimeout(ctx, e.config.CommandTimeout)
	defer cancel()

	fmt.Fprintf(log, "$ %s\n", strings.Join(argv, " "))
	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Stdout = log
	cmd.Stderr = log
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(log, "command failed: %v\n", err)
		return false
	}
	return true
}

// acquireStageLock takes the per-spec implementation lock. The lock is
// a sentinel file so a crashed run is visible and recoverable by hand.
func (e *Executor) acquireStageLock(specID string, log *bytes.Buffer) string {
	if err := os.MkdirAll(e.config.LockDir, 0o755); err != nil {
		fmt.Fprintf(log, "create lock dir: %v\n", err)
		return "error"
	}
	path := e.stageLockPath(specID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			fmt.Fprintf(log, "stage lock already held: %s\n", path)
			return "held"
		}
		fmt.Fprintf(log, "acquire stage lock: %v\n", err)
		return "error"
	}
	fmt.Fprintf(f, "%s %s\n", specID, time.Now().UTC().Format(time.RFC3339))
	f.Close()
	fmt.Fprintf(log, "stage lock acquired: %s\n", path)
	return "locked"
}

// releaseStageLock drops the implementation lock. Releasing an unheld
// lock is idempotent.
func (e *Executor) releaseStageLock(specID string, log *bytes.Buffer) string {
	path := e.stageLockPath(specID)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(log, "release stage lock: %v\n", err)
		return "error"
	}
	fmt.Fprintf(log, "stage lock released: %s\n", path)
	return "unlocked"
}

func (e *Executor) stageLockPath(specID string) string {
	return filepath.Join(e.config.LockDir, specID+".stage.lock")
}

func (e *Executor) allowFail(st stage.Stage, opts RunOptions) bool {
	if opts.AllowFail {
		return true
	}
	return st == stage.Plan && envTruthy(EnvAllowBaselineFail)
}

// dirtyWorktree reports uncommitted changes when a repo is configured.
func (e *Executor) dirtyWorktree() bool {
	if e.config.RepoPath == "" {
		return false
	}
	repo, err := git.PlainOpen(e.config.RepoPath)
	if err != nil {
		return false
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false
	}
	status, err := wt.Status()
	if err != nil {
		return false
	}
	return !status.IsClean()
}

func envTruthy(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
