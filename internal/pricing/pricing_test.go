package pricing

import (
	"math"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := map[string]struct {
		in   string
		want int
	}{
		"empty":     {"", 0},
		"one word":  {"hello", 1},
		"sentence":  {"The quick brown fox jumps over the lazy dog near the river bank", 17},
		"code":      {`func main() { fmt.Println("hello") }`, 9},
		"no spaces": {"你好世界欢迎光临", 6},
	}
	for name, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Fatalf("%s: EstimateTokens = %d, want %d", name, got, tt.want)
		}
	}
}

func TestCost(t *testing.T) {
	usd, ok := Cost("GPT-4o", 1_000_000, 500_000)
	if !ok || math.Abs(usd-7.50) > 1e-9 {
		t.Fatalf("Cost = %v, %v", usd, ok)
	}
	if usd, ok := Cost("local-llama", 1000, 1000); ok || usd != 0 {
		t.Fatalf("unknown model priced: %v, %v", usd, ok)
	}
}
