// Package tokens provides the shared token-count approximation used for all
// context and memory budget arithmetic in selkie.
//
// The approximation is intentionally simple: 4 characters ≈ 1 token, rounded
// up, plus a flat per-turn overhead for role and framing tokens. Providers may
// offer exact tokenisers, but budget enforcement must use these functions so
// that budgets behave identically across backends.
package tokens

// TurnOverhead is the estimated framing cost of a single conversation turn
// (role marker plus separators), in tokens.
const TurnOverhead = 5

// Estimate returns the approximate token count of text: ceil(len(text)/4).
func Estimate(text string) int {
	return (len(text) + 3) / 4
}

// EstimateTurn returns the approximate token cost of text when sent as one
// conversation turn, including [TurnOverhead].
func EstimateTurn(text string) int {
	return Estimate(text) + TurnOverhead
}
