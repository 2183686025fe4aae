// Package tokens normalizes provider token accounting into a single model.
//
// Providers disagree about what "input tokens" means: some report only the
// uncached remainder of the prompt, others report the full cumulative context.
// Normalization converts every report into the same two numbers: the total
// context window occupied after the turn, and the new input added by the turn
// relative to a per-session baseline. Billing, display, and compaction
// decisions then never branch on provider.
package tokens
