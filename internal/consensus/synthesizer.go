package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specd/internal/evidence"
	"github.com/fyrsmithlabs/specd/internal/logging"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// requiredFields maps each stage to the summary field every agent
// artifact must carry for the round to count as well-formed.
var requiredFields = map[stage.Stage][]string{
	stage.Plan:      {"work_breakdown", "acceptance_mapping"},
	stage.Tasks:     {"tasks"},
	stage.Implement: {"implementation"},
	stage.Validate:  {"test_strategy"},
	stage.Audit:     {"audit_verdict"},
	stage.Unlock:    {"unlock_decision"},
}

// Synthesizer folds a round of agent artifacts into a verdict and
// persists the synthesis document.
type Synthesizer struct {
	store  evidence.Store
	logger *logging.Logger
}

// NewSynthesizer creates a synthesizer over the evidence store.
func NewSynthesizer(store evidence.Store, logger *logging.Logger) (*Synthesizer, error) {
	if store == nil {
		return nil, fmt.Errorf("evidence store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Synthesizer{store: store, logger: logger.Named("synthesis")}, nil
}

// Synthesize computes the verdict for a round. Pure with respect to the
// round contents; persistence happens in Commit.
func Synthesize(round Round) *Verdict {
	v := &Verdict{
		SpecID:           round.SpecID,
		Stage:            round.Stage,
		RecordedAt:       time.Now().UTC().Format(time.RFC3339),
		RequiredFieldsOK: true,
		MissingAgents:    []string{},
		Agreements:       []string{},
		Conflicts:        []string{},
	}

	contributed := make(map[string]bool)
	agreements := make(map[string]struct{})
	conflicts := make(map[string]struct{})

	for _, art := range round.Artifacts {
		if art.Failed() {
			continue
		}
		contributed[art.Agent] = true
		v.Artifacts = append(v.Artifacts, ArtifactVerdict{
			Agent:   art.Agent,
			Content: art.Payload,
		})

		var summary map[string]json.RawMessage
		if err := json.Unmarshal(art.Payload, &summary); err != nil {
			v.RequiredFieldsOK = false
			continue
		}
		for _, field := range requiredFields[round.Stage] {
			if _, ok := summary[field]; !ok {
				v.RequiredFieldsOK = false
			}
		}
		for _, a := range stringList(summary["agreements"]) {
			agreements[a] = struct{}{}
		}
		for _, c := range stringList(summary["conflicts"]) {
			conflicts[c] = struct{}{}
		}
	}

	for _, name := range round.Expected {
		if !contributed[name] {
			v.MissingAgents = append(v.MissingAgents, name)
		}
	}
	v.Degraded = len(v.MissingAgents) > 0

	v.Agreements = sortedKeys(agreements)
	v.Conflicts = sortedKeys(conflicts)
	v.ConsensusOK = v.Status() == StatusOK && v.RequiredFieldsOK
	return v
}

// Commit writes each artifact and the synthesis document for a round,
// then returns the verdict with its synthesis path filled in.
func (s *Synthesizer) Commit(ctx context.Context, att evidence.Attempt, round Round) (*Verdict, error) {
	for _, art := range round.Artifacts {
		if _, err := s.store.WriteAgentArtifact(ctx, round.SpecID, att, art.Agent, art); err != nil {
			return nil, fmt.Errorf("persist %s artifact: %w", art.Agent, err)
		}
	}

	verdict := Synthesize(round)
	path, err := s.store.WriteSynthesis(ctx, round.SpecID, att, NewSynthesis(verdict))
	if err != nil {
		return nil, fmt.Errorf("persist synthesis: %w", err)
	}
	verdict.SynthesisPath = path

	s.logger.Info(ctx, "consensus synthesized",
		zap.String("spec_id", round.SpecID),
		zap.String("stage", string(round.Stage)),
		zap.String("status", string(verdict.Status())),
		zap.Int("artifacts", len(verdict.Artifacts)),
		zap.Strings("missing_agents", verdict.MissingAgents))
	return verdict, nil
}

// ReadLatest loads the newest synthesis for a spec and stage.
func (s *Synthesizer) ReadLatest(ctx context.Context, specID string, st stage.Stage) (*Synthesis, string, error) {
	path, data, err := s.store.ReadLatestSynthesis(ctx, specID, st)
	if err != nil {
		return nil, "", err
	}
	var synth Synthesis
	if err := json.Unmarshal(data, &synth); err != nil {
		return nil, "", fmt.Errorf("decode synthesis %s: %w", path, err)
	}
	return &synth, path, nil
}

func stringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
