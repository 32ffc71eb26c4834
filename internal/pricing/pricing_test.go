package pricing

import (
	"math"
	"testing"
)

func i64(v int64) *int64 { return &v }

func TestCanonicalLongestPatternWins(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-5", "gpt-5"},
		{"gpt-5-2025-08-07", "gpt-5"},
		{"gpt-5-codex", "gpt-5-codex"},
		{"GPT-5-Codex-Preview", "gpt-5-codex"},
		{"gpt-5-mini-2025", "gpt-5-mini"},
		{"o3-pro", "o3"},
		{"o4-mini-high", "o4-mini"},
		{"gpt-4.1-mini-latest", "gpt-4.1-mini"},
		{"totally-unknown", "totally-unknown"},
	}
	for _, tt := range tests {
		if got := Canonical(tt.model); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestCost(t *testing.T) {
	// gpt-5: in 1.25, cached 0.125, out 10 per 1M.
	got := Cost("gpt-5", 1_000_000, 400_000, i64(100_000), nil)
	want := 0.6*1.25 + 0.4*0.125 + 0.1*10
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost = %v, want %v", got, want)
	}
}

func TestCostClampsCachedTokens(t *testing.T) {
	// cached > input clamps to input; negative cached clamps to zero.
	over := Cost("gpt-5", 100, 500, i64(0), nil)
	exact := Cost("gpt-5", 100, 100, i64(0), nil)
	if over != exact {
		t.Errorf("cached>input: Cost = %v, want %v", over, exact)
	}
	neg := Cost("gpt-5", 100, -50, i64(0), nil)
	none := Cost("gpt-5", 100, 0, i64(0), nil)
	if neg != none {
		t.Errorf("cached<0: Cost = %v, want %v", neg, none)
	}
}

func TestCostReasoningFallback(t *testing.T) {
	withOutput := Cost("o3", 0, 0, i64(1_000_000), nil)
	fallback := Cost("o3", 0, 0, nil, i64(1_000_000))
	if withOutput != fallback {
		t.Errorf("reasoning fallback = %v, want %v", fallback, withOutput)
	}
	// Output present wins even when reasoning is also set.
	both := Cost("o3", 0, 0, i64(500_000), i64(1_000_000))
	if both != Cost("o3", 0, 0, i64(500_000), nil) {
		t.Errorf("output should take precedence, got %v", both)
	}
}

func TestCostUnknownModelIsFree(t *testing.T) {
	if got := Cost("mystery-model", 1000, 0, i64(1000), nil); got != 0 {
		t.Errorf("Cost for unknown model = %v, want 0", got)
	}
}
