package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/logging"
)

// EscalatedQuestion is one open question handed to the operator.
type EscalatedQuestion struct {
	IssueID     string            `json:"issue_id"`
	Question    string            `json:"question"`
	Reason      string            `json:"reason"`
	Recommended string            `json:"recommended,omitempty"`
	AllAnswers  map[string]string `json:"all_answers,omitempty"`
}

// Escalation is the on-disk file an operator answers.
type Escalation struct {
	SpecID     string              `json:"spec_id"`
	Checkpoint Checkpoint          `json:"checkpoint"`
	CreatedAt  string              `json:"created_at"`
	Questions  []EscalatedQuestion `json:"questions"`
}

// Answers is the operator's response, written next to the escalation
// with a _resolved suffix.
type Answers struct {
	SpecID     string            `json:"spec_id"`
	Checkpoint Checkpoint        `json:"checkpoint"`
	ResolvedAt string            `json:"resolved_at"`
	Answers    map[string]string `json:"answers"`
}

const resolvedSuffix = "_resolved.json"

// WriteEscalation persists a report's open questions to evidence.
func WriteEscalation(ctx context.Context, store evidence.Store, report *Report) (string, error) {
	esc := Escalation{
		SpecID:     report.SpecID,
		Checkpoint: report.Checkpoint,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, ri := range report.Escalated() {
		esc.Questions = append(esc.Questions, EscalatedQuestion{
			IssueID:     ri.Issue.ID,
			Question:    ri.Issue.Question,
			Reason:      ri.Resolution.Reason,
			Recommended: ri.Resolution.Recommended,
			AllAnswers:  ri.Resolution.AllAnswers,
		})
	}

	data, err := json.MarshalIndent(esc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal escalation: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", report.Checkpoint, time.Now().UTC().Format(evidence.TimestampLayout))
	return store.Write(ctx, report.SpecID, evidence.CategoryEscalations, name, data)
}

// ResolveEscalation writes the operator's answers next to an escalation
// file. The watcher unblocks on the resolved file appearing.
func ResolveEscalation(escalationPath string, answers map[string]string) (string, error) {
	data, err := os.ReadFile(escalationPath)
	if err != nil {
		return "", fmt.Errorf("read escalation: %w", err)
	}
	var esc Escalation
	if err := json.Unmarshal(data, &esc); err != nil {
		return "", fmt.Errorf("decode escalation %s: %w", escalationPath, err)
	}

	for _, q := range esc.Questions {
		if _, ok := answers[q.IssueID]; !ok {
			return "", fmt.Errorf("missing answer for issue %s", q.IssueID)
		}
	}

	resolved := Answers{
		SpecID:     esc.SpecID,
		Checkpoint: esc.Checkpoint,
		ResolvedAt: time.Now().UTC().Format(time.RFC3339),
		Answers:    answers,
	}
	out, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal answers: %w", err)
	}

	path := strings.TrimSuffix(escalationPath, ".json") + resolvedSuffix
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", fmt.Errorf("write resolution: %w", err)
	}
	return path, nil
}

// AwaitResolution blocks until the escalation's resolved file appears
// or the context ends. It handles the file already existing before the
// watch starts.
func AwaitResolution(ctx context.Context, escalationPath string, logger *logging.Logger) (*Answers, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	resolvedPath := strings.TrimSuffix(escalationPath, ".json") + resolvedSuffix

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(escalationPath)); err != nil {
		return nil, fmt.Errorf("watch escalation dir: %w", err)
	}

	// The resolution may have landed before the watch was in place.
	if answers, err := readAnswers(resolvedPath); err == nil {
		return answers, nil
	}

	logger.Info(ctx, "waiting for escalation resolution",
		zap.String("path", resolvedPath))

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			if event.Name != resolvedPath {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			answers, err := readAnswers(resolvedPath)
			if err != nil {
				// Partial write; wait for the next event.
				continue
			}
			return answers, nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("watcher closed")
			}
			logger.Warn(ctx, "escalation watcher error", zap.Error(err))
		}
	}
}

func readAnswers(path string) (*Answers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var answers Answers
	if err := json.Unmarshal(data, &answers); err != nil {
		return nil, err
	}
	return &answers, nil
}
