// Package registry holds the static model catalog and the category routing
// table used to build per-request candidate chains.
package registry

import "slices"

// Protocol selects the wire format used to talk to a model's provider.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
)

func (p Protocol) Valid() bool {
	return p == ProtocolOpenAI || p == ProtocolAnthropic
}

type Capability string

const (
	CapVision      Capability = "vision"
	CapCoding      Capability = "coding"
	CapReasoning   Capability = "reasoning"
	CapCreative    Capability = "creative"
	CapChat        Capability = "chat"
	CapQuick       Capability = "quick"
	CapMath        Capability = "math"
	CapLongContext Capability = "long-context"
)

// ModelDef describes one routable model. Values are immutable once the
// registry is built.
type ModelDef struct {
	ID              string       `json:"id" yaml:"id"`
	Provider        string       `json:"provider" yaml:"provider"`
	Protocol        Protocol     `json:"protocol" yaml:"protocol"`
	UpstreamModel   string       `json:"upstream_model" yaml:"upstream_model"`
	BaseURL         string       `json:"-" yaml:"base_url"`
	KeyEnv          string       `json:"-" yaml:"key_env"`
	CostPer1KInput  float64      `json:"cost_per_1k_input" yaml:"cost_per_1k_input"`
	CostPer1KOutput float64      `json:"cost_per_1k_output" yaml:"cost_per_1k_output"`
	MaxContext      int          `json:"max_context" yaml:"max_context"`
	Capabilities    []Capability `json:"capabilities" yaml:"capabilities"`
}

func (m ModelDef) Has(c Capability) bool {
	return slices.Contains(m.Capabilities, c)
}

// DefaultModels is the built-in catalog, in fallback order.
func DefaultModels() []ModelDef {
	return []ModelDef{
		{
			ID: "claude-sonnet-4", Provider: "anthropic", Protocol: ProtocolAnthropic,
			UpstreamModel: "claude-sonnet-4-20250514", BaseURL: "https://api.anthropic.com", KeyEnv: "ANTHROPIC_API_KEY",
			CostPer1KInput: 30, CostPer1KOutput: 150, MaxContext: 200000,
			Capabilities: []Capability{CapCoding, CapReasoning, CapCreative, CapVision},
		},
		{
			ID: "gpt-4.1-mini", Provider: "openai", Protocol: ProtocolOpenAI,
			UpstreamModel: "gpt-4.1-mini", BaseURL: "https://api.openai.com/v1", KeyEnv: "OPENAI_API_KEY",
			CostPer1KInput: 4, CostPer1KOutput: 16, MaxContext: 1000000,
			Capabilities: []Capability{CapCoding, CapChat, CapQuick},
		},
		{
			ID: "gpt-4.1", Provider: "openai", Protocol: ProtocolOpenAI,
			UpstreamModel: "gpt-4.1", BaseURL: "https://api.openai.com/v1", KeyEnv: "OPENAI_API_KEY",
			CostPer1KInput: 20, CostPer1KOutput: 80, MaxContext: 1000000,
			Capabilities: []Capability{CapCoding, CapReasoning, CapCreative},
		},
		{
			ID: "gemini-2.5-pro", Provider: "google", Protocol: ProtocolOpenAI,
			UpstreamModel: "gemini-2.5-pro", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", KeyEnv: "GOOGLE_API_KEY",
			CostPer1KInput: 12, CostPer1KOutput: 50, MaxContext: 1000000,
			Capabilities: []Capability{CapReasoning, CapCoding, CapVision, CapLongContext},
		},
		{
			ID: "gemini-2.5-flash", Provider: "google", Protocol: ProtocolOpenAI,
			UpstreamModel: "gemini-2.5-flash", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", KeyEnv: "GOOGLE_API_KEY",
			CostPer1KInput: 1.5, CostPer1KOutput: 6, MaxContext: 1000000,
			Capabilities: []Capability{CapChat, CapQuick, CapVision, CapLongContext},
		},
		{
			ID: "deepseek-r1", Provider: "deepseek", Protocol: ProtocolOpenAI,
			UpstreamModel: "deepseek-reasoner", BaseURL: "https://api.deepseek.com/v1", KeyEnv: "DEEPSEEK_API_KEY",
			CostPer1KInput: 5.5, CostPer1KOutput: 22, MaxContext: 64000,
			Capabilities: []Capability{CapReasoning, CapMath, CapCoding},
		},
		{
			ID: "deepseek-chat", Provider: "deepseek", Protocol: ProtocolOpenAI,
			UpstreamModel: "deepseek-chat", BaseURL: "https://api.deepseek.com/v1", KeyEnv: "DEEPSEEK_API_KEY",
			CostPer1KInput: 1.4, CostPer1KOutput: 5.6, MaxContext: 64000,
			Capabilities: []Capability{CapChat, CapCoding, CapQuick},
		},
		{
			ID: "kimi-k2", Provider: "kimi", Protocol: ProtocolOpenAI,
			UpstreamModel: "kimi-k2-0711-preview", BaseURL: "https://api.moonshot.ai/v1", KeyEnv: "KIMI_API_KEY",
			CostPer1KInput: 2, CostPer1KOutput: 8, MaxContext: 128000,
			Capabilities: []Capability{CapChat, CapCoding, CapQuick},
		},
	}
}
