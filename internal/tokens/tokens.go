// Package tokens estimates token counts and dollar costs for proxied
// requests. Counts are heuristic approximations; swap in the provider's
// tokenizer when exact accounting matters.
package tokens

import (
	"math"
	"strings"
)

// pricing is dollars per 1K tokens.
type pricing struct {
	input  float64
	output float64
}

var modelPricing = map[string]pricing{
	"gpt-3.5-turbo": {input: 0.0015, output: 0.002},
	"gpt-4":         {input: 0.03, output: 0.06},
	"gpt-4-turbo":   {input: 0.01, output: 0.03},
}

var defaultPricing = pricing{input: 0.0015, output: 0.002}

// Count estimates the token count of text: roughly three quarters of the
// word count plus a tenth of the character count, never less than one for
// non-empty text.
func Count(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	estimated := int(float64(words)*0.75 + float64(len(text))*0.1)
	if estimated < 1 {
		return 1
	}
	return estimated
}

// EstimateCost converts token counts into a dollar estimate using per-1K
// pricing for the model. Unknown models fall back to the default table.
func EstimateCost(inputTokens, outputTokens int, model string) float64 {
	p, ok := modelPricing[model]
	if !ok {
		p = defaultPricing
	}
	cost := float64(inputTokens)/1000*p.input + float64(outputTokens)/1000*p.output
	return math.Round(cost*1e6) / 1e6
}
