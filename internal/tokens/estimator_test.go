package tokens

import "testing"

func TestHeuristicEstimate(t *testing.T) {
	e := HeuristicEstimator{}
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{string(make([]byte, 4000)), 1000},
	}
	for _, tt := range tests {
		if got := e.Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%d bytes) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}
