package llm

import "strings"

// modelPrice is USD per million tokens.
type modelPrice struct {
	input  float64
	output float64
}

// Prices are approximate and only feed the llm_logs estimated cost column.
var priceTable = map[string]modelPrice{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-5-sonnet": {3.00, 15.00},
}

func estimateCost(model string, usage Usage) float64 {
	for prefix, price := range priceTable {
		if strings.HasPrefix(model, prefix) {
			return float64(usage.InputTokens)/1e6*price.input +
				float64(usage.OutputTokens)/1e6*price.output
		}
	}
	return 0
}
