package usage

import "time"

// Tier selects which rate card applies to a call.
type Tier string

const (
	TierStandard    Tier = "standard"
	TierLongContext Tier = "long_context"
)

// LongContextThreshold is the combined token count above which a model's
// long-context tier applies, when it has one.
const LongContextThreshold = 200000

// CostEntry is the priced outcome of one (model, input, output) lookup.
// Known is false when the model is missing from the pricing table; Amount is then 0.
type CostEntry struct {
	Model        string  `json:"model"`
	Tier         Tier    `json:"tier"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Amount       float64 `json:"amount"`
	Known        bool    `json:"known"`
}

// Display formats the entry's amount for humans.
func (e CostEntry) Display() string {
	return FormatCost(e.Amount, e.Known)
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Cost   float64 `json:"cost_usd"`
}

// Add accumulates one priced call.
func (tc *TokenCounts) Add(input, output int, cost float64) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Cost += cost
}

// Totals is one accumulator snapshot.
type Totals struct {
	Executions int                    `json:"executions"`
	Unpriced   int                    `json:"unpriced"` // executions whose model had no pricing
	Tokens     TokenCounts            `json:"tokens"`
	ByModel    map[string]TokenCounts `json:"by_model"`
}

func newTotals() Totals {
	return Totals{ByModel: make(map[string]TokenCounts)}
}

func (t *Totals) add(e CostEntry) {
	t.Executions++
	if !e.Known {
		t.Unpriced++
	}
	t.Tokens.Add(e.InputTokens, e.OutputTokens, e.Amount)
	if t.ByModel == nil {
		t.ByModel = make(map[string]TokenCounts)
	}
	entry := t.ByModel[e.Model]
	entry.Add(e.InputTokens, e.OutputTokens, e.Amount)
	t.ByModel[e.Model] = entry
}

func (t Totals) clone() Totals {
	out := t
	out.ByModel = make(map[string]TokenCounts, len(t.ByModel))
	for k, v := range t.ByModel {
		out.ByModel[k] = v
	}
	return out
}

// Source names what kind of execution produced a usage record.
type Source string

const (
	SourcePlan  Source = "plan"
	SourceQuick Source = "quick"
)

// LedgerEntry is one persisted usage record.
type LedgerEntry struct {
	ProjectRoot string
	ExecutionID string
	Source      Source
	Cost        CostEntry
	RecordedAt  time.Time
}
