// Package tokens provides token-count estimation for request sizing.
// The estimates are used only to trim history before provider calls, so
// a cheap approximation is acceptable; a provider-specific tokenizer can
// be slotted in behind the Estimator interface.
package tokens

// Estimator estimates the token count of a text.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator approximates tokens as len/4, the long-standing
// rule of thumb for Latin-script text.
type HeuristicEstimator struct{}

// Estimate returns len(text)/4, with a minimum of 1 for non-empty text.
func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
