package tokens

import "github.com/grovekit/grove/core"

// Normalized is one turn's token usage after provider differences are
// removed.
type Normalized struct {
	// RawInputTokens is the provider's inputTokens field, untouched.
	RawInputTokens int64 `json:"rawInputTokens"`

	// NewInputTokens is the input added by this turn relative to the session
	// baseline. Never negative.
	NewInputTokens int64 `json:"newInputTokens"`

	// ContextWindowTokens is the total context occupied after this turn.
	ContextWindowTokens int64 `json:"contextWindowTokens"`

	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
}

// Normalize converts a raw provider usage report into normalized form against
// the given baseline (the context window after the previous turn, or 0).
//
// Providers that report only the uncached remainder (Anthropic style) occupy
// input + cacheRead + cacheCreation context; providers that report cumulative
// context (OpenAI, Codex, Google) already fold cache reads into inputTokens,
// so their context window is inputTokens alone. Counting cache fields again
// for those providers would double count.
func Normalize(raw core.Usage, provider core.Provider, baseline int64) Normalized {
	var contextWindow int64
	if provider.CumulativeContext() {
		contextWindow = raw.InputTokens
	} else {
		contextWindow = raw.InputTokens + raw.CacheReadTokens + raw.CacheCreationTokens
	}

	newInput := contextWindow - baseline
	if newInput < 0 {
		newInput = 0
	}

	return Normalized{
		RawInputTokens:      raw.InputTokens,
		NewInputTokens:      newInput,
		ContextWindowTokens: contextWindow,
		OutputTokens:        raw.OutputTokens,
		CacheReadTokens:     raw.CacheReadTokens,
		CacheCreationTokens: raw.CacheCreationTokens,
	}
}
