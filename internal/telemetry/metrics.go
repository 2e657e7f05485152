package telemetry

import "math"

// Per-1k-token pricing for the models the default roster runs.
var modelPricing = map[string]struct{ prompt, completion float64 }{
	"gpt-5":             {prompt: 0.010, completion: 0.030},
	"gpt-5-codex":       {prompt: 0.012, completion: 0.036},
	"claude-4.5-sonnet": {prompt: 0.003, completion: 0.015},
	"gemini-2.5-pro":    {prompt: 0.0007, completion: 0.0021},
}

// Usage holds token counts extracted from an agent's event stream.
// Nil means the agent never reported that counter.
type Usage struct {
	PromptTokens     *int  `json:"prompt_tokens"`
	CompletionTokens *int  `json:"completion_tokens"`
	ReasoningTokens  *int  `json:"reasoning_tokens"`
	TotalTokens      *int  `json:"total_tokens"`
	CacheHit         *bool `json:"cache_hit"`
}

// AgentMetrics is one agent's entry in the consensus block.
type AgentMetrics struct {
	Agent            string   `json:"agent"`
	ModelID          string   `json:"model_id"`
	ModelRelease     string   `json:"model_release,omitempty"`
	ReasoningMode    string   `json:"reasoning_mode,omitempty"`
	OutputPath       string   `json:"output_path"`
	LatencyMs        *int64   `json:"latency_ms"`
	PromptTokens     *int     `json:"prompt_tokens"`
	CompletionTokens *int     `json:"completion_tokens"`
	ReasoningTokens  *int     `json:"reasoning_tokens"`
	TotalTokens      *int     `json:"total_tokens"`
	CacheHit         *bool    `json:"cache_hit"`
	CostUSD          *float64 `json:"cost_usd"`
	Status           string   `json:"status"`
	Error            string   `json:"error,omitempty"`
}

// CostUSD estimates the dollar cost of a run from token usage, or nil
// when the model is unpriced or no tokens were reported.
func CostUSD(modelID string, usage Usage) *float64 {
	pricing, ok := modelPricing[modelID]
	if !ok {
		return nil
	}

	prompt := 0
	if usage.PromptTokens != nil {
		prompt = *usage.PromptTokens
	}
	completion := 0
	if usage.CompletionTokens != nil {
		completion = *usage.CompletionTokens
	}
	if prompt == 0 && completion == 0 {
		return nil
	}

	total := float64(prompt)/1000.0*pricing.prompt + float64(completion)/1000.0*pricing.completion
	total = math.Round(total*1e6) / 1e6
	return &total
}

// NewConsensusBlock assembles the v2 consensus section from a synthesis
// verdict and per-agent metrics. Disagreement is flagged when conflicts
// exist or any agent failed.
func NewConsensusBlock(status string, agreements, conflicts []string, agents []AgentMetrics) *ConsensusBlock {
	if agreements == nil {
		agreements = []string{}
	}
	if conflicts == nil {
		conflicts = []string{}
	}

	disagreement := len(conflicts) > 0
	for _, a := range agents {
		if a.Status != "ok" {
			disagreement = true
			break
		}
	}

	var tokens, latency, cost []float64
	for _, a := range agents {
		if a.TotalTokens != nil {
			tokens = append(tokens, float64(*a.TotalTokens))
		}
		if a.LatencyMs != nil {
			latency = append(latency, float64(*a.LatencyMs))
		}
		if a.CostUSD != nil {
			cost = append(cost, *a.CostUSD)
		}
	}

	return &ConsensusBlock{
		Status:               status,
		Agreements:           agreements,
		Conflicts:            conflicts,
		Agents:               agents,
		DisagreementDetected: disagreement,
		DisagreementPoints:   conflicts,
		TotalTokens:          sum(tokens),
		TotalLatencyMs:       sum(latency),
		TotalCostUSD:         sum(cost),
	}
}

func sum(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return &total
}
