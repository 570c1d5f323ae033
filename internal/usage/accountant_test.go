package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	mu       sync.Mutex
	entries  []LedgerEntry
	seed     Totals
	appendFn func(LedgerEntry) error
	resets   int
}

func (m *memLedger) AppendUsage(_ context.Context, e LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendFn != nil {
		if err := m.appendFn(e); err != nil {
			return err
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLedger) ProjectTotals(context.Context, string) (Totals, error) {
	return m.seed, nil
}

func (m *memLedger) ResetProject(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.entries = nil
	return nil
}

func TestAccountant_RecordIncrementsBothAccumulators(t *testing.T) {
	ledger := &memLedger{}
	a := NewAccountant(flatTable(), WithLedger(ledger), WithProject("/saga"))

	entry, ok := a.Record(context.Background(), "plan-1", SourcePlan, "flat", 100000, 20000)
	require.True(t, ok)
	assert.InDelta(t, 0.60, entry.Amount, 1e-9)

	_, ok = a.Record(context.Background(), "quick-1", SourceQuick, "flat", 1000, 0)
	require.True(t, ok)

	session := a.SessionTotals()
	project := a.ProjectTotals()
	assert.Equal(t, 2, session.Executions)
	assert.Equal(t, 2, project.Executions)
	assert.Equal(t, int64(121000), session.Tokens.Total)
	assert.InDelta(t, 0.603, project.Tokens.Cost, 1e-9)
	assert.Equal(t, int64(101000), session.ByModel["flat"].Input)

	require.Len(t, ledger.entries, 2)
	assert.Equal(t, "/saga", ledger.entries[0].ProjectRoot)
	assert.Equal(t, SourceQuick, ledger.entries[1].Source)
}

func TestAccountant_DuplicateRecordIgnored(t *testing.T) {
	a := NewAccountant(flatTable())

	_, ok := a.Record(context.Background(), "plan-1", SourcePlan, "flat", 10, 10)
	require.True(t, ok)
	_, ok = a.Record(context.Background(), "plan-1", SourcePlan, "flat", 10, 10)
	assert.False(t, ok)

	assert.Equal(t, 1, a.SessionTotals().Executions)
}

func TestAccountant_DuplicateFilterIsBounded(t *testing.T) {
	a := NewAccountant(flatTable())
	for i := 0; i < maxRecordedIDs+10; i++ {
		_, ok := a.Record(context.Background(), fmt.Sprintf("exec-%d", i), SourceQuick, "flat", 1, 1)
		require.True(t, ok)
	}
	assert.Equal(t, maxRecordedIDs, a.recorded.len())

	// The newest ids are still filtered; the oldest were forgotten.
	_, ok := a.Record(context.Background(), fmt.Sprintf("exec-%d", maxRecordedIDs+9), SourceQuick, "flat", 1, 1)
	assert.False(t, ok)
	_, ok = a.Record(context.Background(), "exec-0", SourceQuick, "flat", 1, 1)
	assert.True(t, ok)
}

func TestRecentIDs_EvictsOldestFirst(t *testing.T) {
	r := newRecentIDs(2)
	assert.True(t, r.add("a"))
	assert.True(t, r.add("b"))
	assert.False(t, r.add("a"))
	assert.True(t, r.add("c"))
	assert.True(t, r.add("a"), "a was evicted")
	assert.False(t, r.add("c"))
	assert.Equal(t, 2, r.len())
}

func TestAccountant_UnknownModelNeverBlocks(t *testing.T) {
	ledger := &memLedger{appendFn: func(LedgerEntry) error { return errors.New("disk full") }}
	a := NewAccountant(flatTable(), WithLedger(ledger))

	entry, ok := a.Record(context.Background(), "p", SourcePlan, "mystery", 50, 50)
	assert.True(t, ok)
	assert.False(t, entry.Known)

	totals := a.SessionTotals()
	assert.Equal(t, 1, totals.Executions)
	assert.Equal(t, 1, totals.Unpriced)
	assert.Zero(t, totals.Tokens.Cost)
}

func TestAccountant_ConcurrentRecord(t *testing.T) {
	a := NewAccountant(flatTable())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Record(context.Background(), "", SourceQuick, "flat", 1000, 1000)
		}(i)
	}
	wg.Wait()

	totals := a.ProjectTotals()
	assert.Equal(t, 50, totals.Executions)
	assert.Equal(t, int64(100000), totals.Tokens.Total)
}

func TestAccountant_Resets(t *testing.T) {
	ledger := &memLedger{seed: Totals{Executions: 7, Tokens: TokenCounts{Cost: 1.5}}}
	a := NewAccountant(flatTable(), WithLedger(ledger))
	require.NoError(t, a.LoadProject(context.Background()))
	assert.Equal(t, 7, a.ProjectTotals().Executions)

	a.Record(context.Background(), "p", SourcePlan, "flat", 1, 1)

	a.ResetSession()
	assert.Zero(t, a.SessionTotals().Executions)
	assert.Equal(t, 8, a.ProjectTotals().Executions, "session reset leaves project totals alone")

	require.NoError(t, a.ResetProject(context.Background()))
	assert.Zero(t, a.ProjectTotals().Executions)
	assert.Equal(t, 1, ledger.resets)
}

func TestAccountant_EstimateAndSetPricing(t *testing.T) {
	a := NewAccountant(flatTable())

	est := a.Estimate("flat", 1000000)
	assert.InDelta(t, 3.0, est.Amount, 1e-9)
	assert.Zero(t, est.OutputTokens)

	a.SetPricing(&PricingTable{Models: map[string]ModelPricing{
		"flat": {Standard: TierRates{InputPerMillion: 1}},
	}})
	assert.InDelta(t, 1.0, a.Estimate("flat", 1000000).Amount, 1e-9)

	a.SetPricing(nil)
	assert.NotNil(t, a.Pricing())
}
