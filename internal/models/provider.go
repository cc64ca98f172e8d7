package models

import (
	"fmt"
	"sort"
)

// CostClass tells the cost governor how a provider is billed.
type CostClass string

const (
	CostClassFree     CostClass = "free"
	CostClassFreeTier CostClass = "free_tier"
	CostClassPaid     CostClass = "paid"
)

// Valid reports whether c is one of the known cost classes.
func (c CostClass) Valid() bool {
	switch c {
	case CostClassFree, CostClassFreeTier, CostClassPaid:
		return true
	}
	return false
}

// IsFree reports whether calls to a provider of this class never need governor approval.
func (c CostClass) IsFree() bool {
	return c == CostClassFree
}

// Vendor identifiers used as provider_id.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Pricing holds per-token prices used to estimate the cost of a call.
type Pricing struct {
	InputCostPerToken  float64 `yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputCostPerToken float64 `yaml:"output_cost_per_token" json:"output_cost_per_token"`
}

// Cost returns the estimated USD cost of a call with the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	cost := 0.0
	if inputTokens > 0 {
		cost += float64(inputTokens) * p.InputCostPerToken
	}
	if outputTokens > 0 {
		cost += float64(outputTokens) * p.OutputCostPerToken
	}
	return cost
}

// ProviderConfig is one entry of the gateway's fallback chain.
type ProviderConfig struct {
	ProviderID  string    `yaml:"provider_id" json:"provider_id"`
	ModelID     string    `yaml:"model_id" json:"model_id"`
	Priority    int       `yaml:"priority" json:"priority"`
	CostClass   CostClass `yaml:"cost_class" json:"cost_class"`
	Description string    `yaml:"description" json:"description"`
	BaseURL     string    `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Pricing     Pricing   `yaml:"pricing" json:"pricing"`
}

// Label identifies the entry in logs and events.
func (p ProviderConfig) Label() string {
	return p.ProviderID + "/" + p.ModelID
}

// Validate checks the fields required to build a provider from the entry.
func (p ProviderConfig) Validate() error {
	if p.ProviderID == "" {
		return fmt.Errorf("provider_id is required")
	}
	if p.ModelID == "" {
		return fmt.Errorf("model_id is required for provider %s", p.ProviderID)
	}
	if !p.CostClass.Valid() {
		return fmt.Errorf("invalid cost_class %q for %s", p.CostClass, p.Label())
	}
	return nil
}

// SortByPriority returns a copy of configs ordered by ascending priority.
// Entries with equal priority keep their input order.
func SortByPriority(configs []ProviderConfig) []ProviderConfig {
	out := make([]ProviderConfig, len(configs))
	copy(out, configs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// DefaultProviderChain returns the built-in fallback chain.
func DefaultProviderChain() []ProviderConfig {
	return []ProviderConfig{
		{
			ProviderID:  ProviderGemini,
			ModelID:     "gemini-2.0-flash-thinking-exp-01-21",
			Priority:    1,
			CostClass:   CostClassFree,
			Description: "Gemini 2.0 Flash Thinking (free)",
		},
		{
			ProviderID:  ProviderGemini,
			ModelID:     "gemini-1.5-flash",
			Priority:    2,
			CostClass:   CostClassFree,
			Description: "Gemini 1.5 Flash (free)",
		},
		{
			ProviderID:  ProviderAnthropic,
			ModelID:     "claude-3-5-sonnet-20241022",
			Priority:    3,
			CostClass:   CostClassFreeTier,
			Description: "Claude 3.5 Sonnet (free tier credits)",
			Pricing:     Pricing{InputCostPerToken: 0.000003, OutputCostPerToken: 0.000015},
		},
		{
			ProviderID:  ProviderOpenAI,
			ModelID:     "gpt-4-turbo-preview",
			Priority:    4,
			CostClass:   CostClassPaid,
			Description: "GPT-4 Turbo (paid)",
			Pricing:     Pricing{InputCostPerToken: 0.00001, OutputCostPerToken: 0.00003},
		},
		{
			ProviderID:  ProviderOpenAI,
			ModelID:     "gpt-3.5-turbo",
			Priority:    5,
			CostClass:   CostClassPaid,
			Description: "GPT-3.5 Turbo (paid)",
			Pricing:     Pricing{InputCostPerToken: 0.0000005, OutputCostPerToken: 0.0000015},
		},
	}
}
