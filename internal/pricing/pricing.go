// Package pricing estimates USD cost for a request from its token counters.
package pricing

import (
	"path"
	"strings"
)

// Rate is USD per 1M tokens.
type Rate struct {
	Input       float64
	CachedInput float64
	Output      float64
}

// Per-canonical-model rates, USD per 1M tokens.
var modelRates = map[string]Rate{
	"gpt-5":        {Input: 1.25, CachedInput: 0.125, Output: 10},
	"gpt-5-mini":   {Input: 0.25, CachedInput: 0.025, Output: 2},
	"gpt-5-nano":   {Input: 0.05, CachedInput: 0.005, Output: 0.40},
	"gpt-5-codex":  {Input: 1.25, CachedInput: 0.125, Output: 10},
	"codex-mini":   {Input: 1.50, CachedInput: 0.375, Output: 6},
	"o3":           {Input: 2, CachedInput: 0.50, Output: 8},
	"o4-mini":      {Input: 1.10, CachedInput: 0.275, Output: 4.40},
	"gpt-4.1":      {Input: 2, CachedInput: 0.50, Output: 8},
	"gpt-4.1-mini": {Input: 0.40, CachedInput: 0.10, Output: 1.60},
	"gpt-4.1-nano": {Input: 0.10, CachedInput: 0.025, Output: 0.40},
}

// Glob pattern → canonical model. Longest matching pattern wins so that
// "gpt-5-codex*" beats "gpt-5*". Matching is case-insensitive.
var aliases = map[string]string{
	"gpt-5-codex*":   "gpt-5-codex",
	"gpt-5.*-codex*": "gpt-5-codex",
	"gpt-5-mini*":    "gpt-5-mini",
	"gpt-5-nano*":    "gpt-5-nano",
	"gpt-5*":         "gpt-5",
	"codex-mini*":    "codex-mini",
	"o3*":            "o3",
	"o4-mini*":       "o4-mini",
	"gpt-4.1-mini*":  "gpt-4.1-mini",
	"gpt-4.1-nano*":  "gpt-4.1-nano",
	"gpt-4.1*":       "gpt-4.1",
}

// Canonical resolves a wire model name to its canonical pricing entry.
// Unknown models map to themselves (and price at zero).
func Canonical(model string) string {
	lower := strings.ToLower(model)
	best := ""
	canonical := lower
	for pattern, target := range aliases {
		if ok, _ := path.Match(pattern, lower); ok && len(pattern) > len(best) {
			best = pattern
			canonical = target
		}
	}
	return canonical
}

// RateFor returns the rate card for a wire model name, false when unpriced.
func RateFor(model string) (Rate, bool) {
	r, ok := modelRates[Canonical(model)]
	return r, ok
}

// Cost computes the USD cost of one request. Cached tokens clamp to
// [0, input] since upstream occasionally reports cached > input. When
// outputTokens is nil, reasoningTokens stands in for it.
func Cost(model string, inputTokens, cachedTokens int64, outputTokens, reasoningTokens *int64) float64 {
	rate, ok := RateFor(model)
	if !ok {
		return 0
	}

	cached := cachedTokens
	if cached < 0 {
		cached = 0
	}
	if cached > inputTokens {
		cached = inputTokens
	}

	var output int64
	if outputTokens != nil {
		output = *outputTokens
	} else if reasoningTokens != nil {
		output = *reasoningTokens
	}

	return float64(inputTokens-cached)/1e6*rate.Input +
		float64(cached)/1e6*rate.CachedInput +
		float64(output)/1e6*rate.Output
}
