// Package context estimates token counts for generation context and tracks
// how much of a context budget a selection has used.
package context

import (
	"math"
	"unicode/utf8"

	"storyforge/internal/logging"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// The heuristic is calibrated for Claude's tokenizer (~4 characters per token).

// DefaultCharsPerToken is the calibration used when none is configured.
const DefaultCharsPerToken = 4.0

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	// Calibration factor (characters per token)
	charsPerToken float64
}

// NewTokenCounter creates a new token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: DefaultCharsPerToken}
}

// NewTokenCounterWithRatio creates a counter with a custom calibration.
// Non-positive ratios fall back to the default.
func NewTokenCounterWithRatio(charsPerToken float64) *TokenCounter {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return &TokenCounter{charsPerToken: charsPerToken}
}

// CountString estimates tokens in a string. Any non-empty string counts as at least one token.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	// Use rune count for proper unicode handling
	runeCount := utf8.RuneCountInString(s)
	return int(math.Ceil(float64(runeCount) / tc.charsPerToken))
}

// CountBytes estimates tokens in raw document bytes.
func (tc *TokenCounter) CountBytes(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(math.Ceil(float64(utf8.RuneCount(b)) / tc.charsPerToken))
}

// =============================================================================
// Token Budget Management
// =============================================================================

// TokenBudget tracks how much of a context budget a selection has consumed.
// Forced allocations are counted but never refused. Not safe for concurrent use.
type TokenBudget struct {
	limit  int
	used   int
	forced int
}

// NewTokenBudget creates a budget of limit tokens.
func NewTokenBudget(limit int) *TokenBudget {
	return &TokenBudget{limit: limit}
}

// Fits reports whether tokens more would stay within the budget.
func (tb *TokenBudget) Fits(tokens int) bool {
	return tb.used+tokens <= tb.limit
}

// Allocate attempts to allocate tokens.
// Returns true if allocation succeeded, false if over budget.
func (tb *TokenBudget) Allocate(path string, tokens int) bool {
	if !tb.Fits(tokens) {
		logging.PlannerDebug("Token allocation REJECTED: %s +%d would exceed budget (%d > %d)",
			path, tokens, tb.used+tokens, tb.limit)
		return false
	}
	tb.used += tokens
	logging.PlannerDebug("Token allocation: %s +%d (new total: %d)", path, tokens, tb.used)
	return true
}

// Force allocates tokens unconditionally. The budget may go negative.
func (tb *TokenBudget) Force(path string, tokens int) {
	tb.used += tokens
	tb.forced += tokens
	if tb.used > tb.limit {
		logging.PlannerDebug("Forced allocation: %s +%d exceeds budget (%d > %d)", path, tokens, tb.used, tb.limit)
	}
}

// TotalUsed returns total tokens currently used, forced included.
func (tb *TokenBudget) TotalUsed() int {
	return tb.used
}

// Forced returns the tokens allocated through Force.
func (tb *TokenBudget) Forced() int {
	return tb.forced
}

// Available returns tokens still available; negative once forced files overrun the limit.
func (tb *TokenBudget) Available() int {
	return tb.limit - tb.used
}

// Utilization returns the current utilization as a fraction of the limit.
func (tb *TokenBudget) Utilization() float64 {
	if tb.limit <= 0 {
		return 0
	}
	return float64(tb.used) / float64(tb.limit)
}

// Reset resets all usage counters.
func (tb *TokenBudget) Reset() {
	tb.used = 0
	tb.forced = 0
}
