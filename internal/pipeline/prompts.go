package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/fyrsmithlabs/specd/internal/quality"
	"github.com/fyrsmithlabs/specd/internal/stage"
)

// PromptSource renders the prompts handed to agents.
type PromptSource interface {
	StagePrompt(st stage.Stage, specID, goal string) string
	GatePrompt(cp quality.Checkpoint, specID, goal string) string
}

// PromptBuilder renders prompts from templates with ${VAR}
// substitution. Templates can come from a JSON file keyed by stage or
// gate slug; missing entries fall back to built-in templates.
type PromptBuilder struct {
	templates map[string]string
}

// NewPromptBuilder returns a builder with only built-in templates.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{templates: map[string]string{}}
}

// LoadPromptFile reads a stage->template JSON document.
func LoadPromptFile(path string) (*PromptBuilder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var templates map[string]string
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	return &PromptBuilder{templates: templates}, nil
}

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// Render substitutes ${VAR} placeholders; unknown variables become
// empty strings.
func Render(template string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[2 : len(m)-1]
		return values[key]
	})
}

// StagePrompt renders the consensus prompt for a stage.
func (b *PromptBuilder) StagePrompt(st stage.Stage, specID, goal string) string {
	template, ok := b.templates[string(st)]
	if !ok {
		template = defaultStageTemplate
	}
	return Render(template, map[string]string{
		"SPEC_ID": specID,
		"GOAL":    goal,
		"STAGE":   string(st),
	})
}

// GatePrompt renders the quality-gate prompt for a checkpoint.
func (b *PromptBuilder) GatePrompt(cp quality.Checkpoint, specID, goal string) string {
	template, ok := b.templates[cp.Gate().PromptName()]
	if !ok {
		template = defaultGateTemplate
	}
	return Render(template, map[string]string{
		"SPEC_ID":    specID,
		"GOAL":       goal,
		"CHECKPOINT": string(cp),
		"GATE":       string(cp.Gate()),
	})
}

const defaultStageTemplate = `You are one reviewer in a multi-agent panel for SPEC ${SPEC_ID}.
Goal: ${GOAL}

Produce the ${STAGE} artifact as a single JSON object. Include the
required summary field for this stage plus "agreements" and "conflicts"
string arrays describing where you align with or dispute the obvious
approach.`

const defaultGateTemplate = `You are auditing SPEC ${SPEC_ID} at the ${CHECKPOINT} checkpoint.
Goal: ${GOAL}

Run the ${GATE} interrogation and reply with a JSON object holding an
"issues" array. Each issue carries: id, question, answer, confidence
(high|medium|low), magnitude (minor|important|critical), resolvability
(auto-fix|suggest-fix|need-human), suggested_fix, reasoning.`
