// Package pricing estimates token usage and USD cost for model calls.
package pricing

import (
	"strings"
)

// Rate is USD per million tokens.
type Rate struct {
	Input  float64
	Output float64
}

var rates = map[string]Rate{
	"gemini-1.5-pro":    {Input: 1.25, Output: 5.00},
	"gemini-2.5-flash":  {Input: 0.075, Output: 0.30},
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
	"gpt-4o":            {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":       {Input: 0.15, Output: 0.60},
}

// Lookup returns the rate for model, matching case-insensitively.
func Lookup(model string) (Rate, bool) {
	r, ok := rates[strings.ToLower(strings.TrimSpace(model))]
	return r, ok
}

// EstimateTokens approximates a tokenizer: 1.33 tokens per word, with one
// token per four bytes as a floor for code and non-space-separated scripts.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(text))) * 1.33)
	byBytes := len(text) / 4
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}

// Cost prices a call. ok is false for models without a known rate.
func Cost(model string, inputTokens, outputTokens int) (usd float64, ok bool) {
	r, ok := Lookup(model)
	if !ok {
		return 0, false
	}
	return float64(inputTokens)/1e6*r.Input + float64(outputTokens)/1e6*r.Output, true
}
