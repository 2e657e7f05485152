package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// Config configures the filesystem store.
type Config struct {
	// Root is the evidence root directory.
	Root string `koanf:"root"`

	// LockRetries bounds lock acquisition attempts before the write is
	// abandoned.
	LockRetries int `koanf:"lock_retries"`

	// LockRetryDelay is the pause between lock attempts.
	LockRetryDelay time.Duration `koanf:"lock_retry_delay"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Root:           filepath.Join("docs", "spec-auto", "evidence"),
		LockRetries:    20,
		LockRetryDelay: 250 * time.Millisecond,
	}
}

// FilesystemStore is the production Store backed by the local filesystem.
// All writes for one SPEC-ID are serialized through an advisory file lock
// so a retry and a stale prior attempt can never interleave partial files.
type FilesystemStore struct {
	config *Config
	logger *logging.Logger
}

// NewFilesystemStore creates a store rooted at cfg.Root.
func NewFilesystemStore(cfg *Config, logger *logging.Logger) (*FilesystemStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("evidence root is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FilesystemStore{config: cfg, logger: logger.Named("evidence")}, nil
}

// Root returns the evidence root directory.
func (s *FilesystemStore) Root() string {
	return s.config.Root
}

// Dir returns the evidence directory for a spec and category.
func (s *FilesystemStore) Dir(specID string, category Category) string {
	return filepath.Join(s.config.Root, string(category), specID)
}

// WriteCommandResult commits the telemetry JSON and captured log of one
// guardrail attempt. Both files are committed under a single lock hold.
func (s *FilesystemStore) WriteCommandResult(ctx context.Context, specID string, att Attempt, payload any, logText []byte) (CommandPaths, error) {
	if specID == "" {
		return CommandPaths{}, ErrEmptySpecID
	}
	if !att.Stage.Valid() {
		return CommandPaths{}, ErrInvalidStage
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return CommandPaths{}, fmt.Errorf("marshal command telemetry: %w", err)
	}

	dir := s.Dir(specID, CategoryCommands)
	paths := CommandPaths{
		TelemetryPath: filepath.Join(dir, att.Prefix()+".json"),
		LogPath:       filepath.Join(dir, att.Prefix()+".log"),
	}

	err = s.withLock(ctx, specID, func() error {
		if err := s.writeOnce(paths.TelemetryPath, data); err != nil {
			return err
		}
		return s.writeOnce(paths.LogPath, logText)
	})
	if err != nil {
		return CommandPaths{}, err
	}

	s.logger.Debug(ctx, "committed guardrail evidence",
		zap.String("path", paths.TelemetryPath))
	return paths, nil
}

// WriteAgentArtifact commits one agent's raw output for an attempt.
func (s *FilesystemStore) WriteAgentArtifact(ctx context.Context, specID string, att Attempt, agent string, payload any) (string, error) {
	if agent == "" {
		return "", fmt.Errorf("agent name is required")
	}
	name := fmt.Sprintf("%s_%s.json", att.Prefix(), agentSlug(agent))
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal agent artifact: %w", err)
	}
	return s.Write(ctx, specID, CategoryConsensus, name, data)
}

// WriteSynthesis commits the consensus verdict for an attempt.
func (s *FilesystemStore) WriteSynthesis(ctx context.Context, specID string, att Attempt, payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal synthesis: %w", err)
	}
	return s.Write(ctx, specID, CategoryConsensus, att.Prefix()+"_synthesis.json", data)
}

// AppendJournal appends one JSON line to the attempt's telemetry journal.
func (s *FilesystemStore) AppendJournal(ctx context.Context, specID string, att Attempt, record any) (string, error) {
	if specID == "" {
		return "", ErrEmptySpecID
	}
	line, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal journal record: %w", err)
	}

	path := filepath.Join(s.Dir(specID, CategoryConsensus), att.Prefix()+"_telemetry.jsonl")
	err = s.withLock(ctx, specID, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create evidence dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append journal: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// Write commits an arbitrary write-once file under a category.
func (s *FilesystemStore) Write(ctx context.Context, specID string, category Category, filename string, data []byte) (string, error) {
	if specID == "" {
		return "", ErrEmptySpecID
	}
	if filename == "" {
		return "", ErrEmptyFilename
	}

	path := filepath.Join(s.Dir(specID, category), filename)
	err := s.withLock(ctx, specID, func() error {
		return s.writeOnce(path, data)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// ReadLatestCommand returns the newest guardrail telemetry for a stage.
func (s *FilesystemStore) ReadLatestCommand(ctx context.Context, specID string, st stage.Stage) (string, []byte, error) {
	path, ok := s.latest(s.Dir(specID, CategoryCommands), st.FilePrefix(), ".json")
	if !ok {
		return "", nil, fmt.Errorf("%w: spec %s stage %s", ErrNoTelemetry, specID, st)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read telemetry %s: %w", path, err)
	}
	return path, data, nil
}

// ReadLatestSynthesis returns the newest consensus synthesis for a stage.
func (s *FilesystemStore) ReadLatestSynthesis(ctx context.Context, specID string, st stage.Stage) (string, []byte, error) {
	path, ok := s.latest(s.Dir(specID, CategoryConsensus), st.FilePrefix(), "_synthesis.json")
	if !ok {
		return "", nil, fmt.Errorf("%w: spec %s stage %s", ErrNoSynthesis, specID, st)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read synthesis %s: %w", path, err)
	}
	return path, data, nil
}

// List returns paths under a category whose names contain pattern.
func (s *FilesystemStore) List(specID string, category Category, pattern string) ([]string, error) {
	dir := s.Dir(specID, category)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read evidence dir %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.Contains(entry.Name(), pattern) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// HasEvidence reports whether any evidence exists for a spec/stage.
func (s *FilesystemStore) HasEvidence(specID string, st stage.Stage, category Category) bool {
	entries, err := os.ReadDir(s.Dir(specID, category))
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), st.FilePrefix()) {
			return true
		}
	}
	return false
}

// withLock serializes evidence writes for one SPEC-ID. The lock is always
// released, including on error or panic inside fn. Acquisition is bounded:
// after LockRetries attempts the write is abandoned with ErrLockTimeout.
func (s *FilesystemStore) withLock(ctx context.Context, specID string, fn func() error) error {
	lockDir := filepath.Join(s.config.Root, ".locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	lock := flock.New(filepath.Join(lockDir, specID+".lock"))

	acquired := false
	for attempt := 0; attempt <= s.config.LockRetries; attempt++ {
		ok, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire evidence lock: %w", err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.config.LockRetryDelay):
		}
	}
	if !acquired {
		return fmt.Errorf("%w: spec %s", ErrLockTimeout, specID)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn(ctx, "release evidence lock failed", zap.Error(err))
		}
	}()

	return fn()
}

// writeOnce commits a file atomically. An existing target means a prior
// attempt already committed this path; the caller must allocate a fresh
// timestamp rather than overwrite history.
func (s *FilesystemStore) writeOnce(path string, data []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAttemptExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

// latest finds the newest file matching prefix/suffix. Attempt timestamps
// sort lexicographically, so the greatest name is the newest attempt.
func (s *FilesystemStore) latest(dir, prefix, suffix string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var best string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		// Synthesis and journal files share the stage prefix with plain
		// telemetry; a ".json" suffix must not match "_synthesis.json".
		if suffix == ".json" && (strings.HasSuffix(name, "_synthesis.json") || strings.HasSuffix(name, "_telemetry.jsonl")) {
			continue
		}
		if name > best {
			best = name
		}
	}
	if best == "" {
		return "", false
	}
	return filepath.Join(dir, best), true
}

// agentSlug normalizes an agent name for use in evidence filenames.
func agentSlug(agent string) string {
	var b strings.Builder
	lastSep := true
	for _, r := range strings.ToLower(agent) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		default:
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return "agent"
	}
	return slug
}
