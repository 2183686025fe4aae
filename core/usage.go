package core

// Provider identifies which family of token-usage semantics a model reports.
// Anthropic reports input/cache_read/cache_creation as three disjoint buckets;
// the cumulative-context providers report the full context window directly in
// input tokens.
type Provider string

// Known providers.
const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderCodex     Provider = "openai-codex"
	ProviderGoogle    Provider = "google"
)

// CumulativeContext reports whether the provider's input token count already
// covers the full context window (OpenAI/Codex/Google) as opposed to
// Anthropic's disjoint cache buckets.
func (p Provider) CumulativeContext() bool {
	switch p {
	case ProviderOpenAI, ProviderCodex, ProviderGoogle:
		return true
	default:
		return false
	}
}

// Usage is a raw, provider-reported token usage record for one response.
type Usage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64 `json:"cacheCreationTokens,omitempty"`
}
