package tokens

import (
	"sync"

	"github.com/grovekit/grove/core"
)

// Tracker carries one session's token accounting state across turns and
// process restarts: the context-window baseline, the current provider, and
// the accumulated per-category totals.
//
// The baseline is the context window measured after the previous turn. It
// survives process restarts (RestoreState) and resets to zero exactly once
// when the provider changes, so the first turn on a new provider counts its
// full context as new input.
type Tracker struct {
	mu sync.Mutex

	provider core.Provider
	baseline int64

	totalNewInput      int64
	totalOutput        int64
	totalCacheRead     int64
	totalCacheCreation int64
	turns              int64
}

// NewTracker returns a tracker starting from a zero baseline on the given
// provider.
func NewTracker(provider core.Provider) *Tracker {
	return &Tracker{provider: provider}
}

// SetProvider switches providers. On an actual change the baseline resets to
// zero; setting the same provider again is a no-op, so the reset happens
// exactly once per switch.
func (t *Tracker) SetProvider(provider core.Provider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if provider == t.provider {
		return
	}
	t.provider = provider
	t.baseline = 0
}

// Provider returns the current provider.
func (t *Tracker) Provider() core.Provider {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.provider
}

// Baseline returns the current context-window baseline.
func (t *Tracker) Baseline() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseline
}

// RecordTurn normalizes one turn's raw usage, advances the baseline to the
// turn's context window, and accumulates the totals.
func (t *Tracker) RecordTurn(raw core.Usage) Normalized {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := Normalize(raw, t.provider, t.baseline)
	t.baseline = n.ContextWindowTokens

	t.totalNewInput += n.NewInputTokens
	t.totalOutput += n.OutputTokens
	t.totalCacheRead += n.CacheReadTokens
	t.totalCacheCreation += n.CacheCreationTokens
	t.turns++
	return n
}

// Totals is the accumulated normalized usage of a session.
type Totals struct {
	NewInputTokens      int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	Turns               int64
}

// Totals returns the accumulated usage so far.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Totals{
		NewInputTokens:      t.totalNewInput,
		OutputTokens:        t.totalOutput,
		CacheReadTokens:     t.totalCacheRead,
		CacheCreationTokens: t.totalCacheCreation,
		Turns:               t.turns,
	}
}

// RestoreState reinstates a tracker from persisted session state, so a
// resumed session continues delta accounting instead of recounting its whole
// context as new input.
func (t *Tracker) RestoreState(provider core.Provider, baseline int64, totals Totals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.provider = provider
	t.baseline = baseline
	t.totalNewInput = totals.NewInputTokens
	t.totalOutput = totals.OutputTokens
	t.totalCacheRead = totals.CacheReadTokens
	t.totalCacheCreation = totals.CacheCreationTokens
	t.turns = totals.Turns
}
