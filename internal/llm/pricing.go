package llm

import "strings"

// Price is USD per million tokens.
type Price struct {
	Input  float64
	Output float64
}

// Prices for the models drafts are usually generated with. Unknown models
// cost zero.
var Prices = map[string]Price{
	"gpt-4o":       {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":  {Input: 0.15, Output: 0.60},
	"gpt-4.1":      {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini": {Input: 0.40, Output: 1.60},
	"gpt-4.1-nano": {Input: 0.10, Output: 0.40},
}

// EstimateCost prices a call. Dated model snapshots such as
// gpt-4o-mini-2024-07-18 use the price of their base model.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := Prices[model]
	if !ok {
		best := ""
		for name := range Prices {
			if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
				best = name
			}
		}
		if best == "" {
			return 0
		}
		p = Prices[best]
	}
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}
