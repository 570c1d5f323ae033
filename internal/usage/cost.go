package usage

import "fmt"

// Cost prices one call. It is a pure function of its arguments: no table
// entry for model yields Known=false and a zero amount, never an error.
func Cost(table *PricingTable, model string, inputTokens, outputTokens int) CostEntry {
	entry := CostEntry{
		Model:        model,
		Tier:         TierStandard,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}

	pricing, ok := table.Lookup(model)
	if !ok {
		return entry
	}
	entry.Known = true

	rates := pricing.Standard
	if inputTokens+outputTokens > LongContextThreshold && pricing.LongContext != nil {
		rates = *pricing.LongContext
		entry.Tier = TierLongContext
	}

	entry.Amount = float64(inputTokens)/1e6*rates.InputPerMillion +
		float64(outputTokens)/1e6*rates.OutputPerMillion
	return entry
}

// FormatCost renders an amount as "$0.60", "<$0.01", or "unknown".
func FormatCost(amount float64, known bool) string {
	switch {
	case !known:
		return "unknown"
	case amount == 0:
		return "$0.00"
	case amount < 0.01:
		return "<$0.01"
	default:
		return fmt.Sprintf("$%.2f", amount)
	}
}
