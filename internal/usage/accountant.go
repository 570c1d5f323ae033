package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storyforge/internal/logging"
)

// Ledger persists project-scoped usage so project totals survive restarts.
type Ledger interface {
	AppendUsage(ctx context.Context, entry LedgerEntry) error
	ProjectTotals(ctx context.Context, projectRoot string) (Totals, error)
	ResetProject(ctx context.Context, projectRoot string) error
}

// Accountant prices calls and keeps the session and project accumulators.
// All mutation goes through Record and the Reset methods under one mutex.
type Accountant struct {
	mu          sync.Mutex
	pricing     *PricingTable
	projectRoot string
	ledger      Ledger
	session     Totals
	project     Totals
	recorded    *recentIDs
	now         func() time.Time
}

// maxRecordedIDs bounds the in-memory duplicate filter. Older ids are still
// deduplicated by the ledger's unique index.
const maxRecordedIDs = 1024

// recentIDs remembers the last n execution ids in insertion order.
type recentIDs struct {
	seen  map[string]struct{}
	order []string
	next  int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{seen: make(map[string]struct{}, n), order: make([]string, 0, n)}
}

// add reports false if id is already remembered. When full, the oldest id is forgotten.
func (r *recentIDs) add(id string) bool {
	if _, dup := r.seen[id]; dup {
		return false
	}
	if len(r.order) < cap(r.order) {
		r.order = append(r.order, id)
	} else {
		delete(r.seen, r.order[r.next])
		r.order[r.next] = id
		r.next = (r.next + 1) % len(r.order)
	}
	r.seen[id] = struct{}{}
	return true
}

func (r *recentIDs) len() int { return len(r.seen) }

// Option configures an Accountant.
type Option func(*Accountant)

// WithLedger persists project totals through l.
func WithLedger(l Ledger) Option {
	return func(a *Accountant) { a.ledger = l }
}

// WithProject scopes the project accumulator to projectRoot.
func WithProject(projectRoot string) Option {
	return func(a *Accountant) { a.projectRoot = projectRoot }
}

// NewAccountant creates an accountant over table. A nil table uses DefaultPricing.
func NewAccountant(table *PricingTable, opts ...Option) *Accountant {
	if table == nil {
		table = DefaultPricing()
	}
	a := &Accountant{
		pricing:  table,
		session:  newTotals(),
		project:  newTotals(),
		recorded: newRecentIDs(maxRecordedIDs),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LoadProject seeds the project accumulator from the ledger.
func (a *Accountant) LoadProject(ctx context.Context) error {
	if a.ledger == nil {
		return nil
	}
	totals, err := a.ledger.ProjectTotals(ctx, a.projectRoot)
	if err != nil {
		return fmt.Errorf("load project usage: %w", err)
	}
	if totals.ByModel == nil {
		totals.ByModel = make(map[string]TokenCounts)
	}
	a.mu.Lock()
	a.project = totals
	a.mu.Unlock()
	logging.Cost("loaded project totals for %s: %d executions, $%.4f", a.projectRoot, totals.Executions, totals.Tokens.Cost)
	return nil
}

// SetPricing swaps the pricing table. Accumulated amounts are not repriced.
func (a *Accountant) SetPricing(table *PricingTable) {
	if table == nil {
		return
	}
	a.mu.Lock()
	a.pricing = table
	a.mu.Unlock()
	logging.Cost("pricing table replaced: %d models", len(table.Models))
}

// Pricing returns the current table.
func (a *Accountant) Pricing() *PricingTable {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pricing
}

// Cost prices a call against the current table without recording it.
func (a *Accountant) Cost(model string, inputTokens, outputTokens int) CostEntry {
	return Cost(a.Pricing(), model, inputTokens, outputTokens)
}

// Estimate prices a preview with zero output tokens.
func (a *Accountant) Estimate(model string, inputTokens int) CostEntry {
	return a.Cost(model, inputTokens, 0)
}

// Record prices a completed execution and adds it to both accumulators.
// A second Record for the same executionID is ignored and returns the
// entry with recorded=false. Ledger failures are logged, never returned:
// accounting must not block a generation result.
func (a *Accountant) Record(ctx context.Context, executionID string, source Source, model string, inputTokens, outputTokens int) (entry CostEntry, recorded bool) {
	a.mu.Lock()
	entry = Cost(a.pricing, model, inputTokens, outputTokens)
	if executionID != "" {
		if !a.recorded.add(executionID) {
			a.mu.Unlock()
			logging.CostWarn("duplicate record for execution %s ignored", executionID)
			return entry, false
		}
	}
	a.session.add(entry)
	a.project.add(entry)
	ledger := a.ledger
	root := a.projectRoot
	a.mu.Unlock()

	if !entry.Known {
		logging.CostWarn("no pricing for model %q; recorded at zero cost", model)
	}
	logging.Cost("recorded %s %s: in=%d out=%d tier=%s cost=%s", source, executionID, inputTokens, outputTokens, entry.Tier, entry.Display())
	logging.AuditForProject(root).CostRecorded(model, inputTokens, outputTokens, entry.Amount, entry.Known)

	if ledger != nil {
		err := ledger.AppendUsage(ctx, LedgerEntry{
			ProjectRoot: root,
			ExecutionID: executionID,
			Source:      source,
			Cost:        entry,
			RecordedAt:  a.now(),
		})
		if err != nil {
			logging.CostWarn("failed to persist usage for %s: %v", executionID, err)
		}
	}
	return entry, true
}

// SessionTotals returns a copy of the session accumulator.
func (a *Accountant) SessionTotals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.clone()
}

// ProjectTotals returns a copy of the project accumulator.
func (a *Accountant) ProjectTotals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.project.clone()
}

// ResetSession clears the session accumulator.
func (a *Accountant) ResetSession() {
	a.mu.Lock()
	a.session = newTotals()
	a.mu.Unlock()
	logging.Cost("session totals reset")
}

// ResetProject clears the project accumulator and its persisted ledger.
func (a *Accountant) ResetProject(ctx context.Context) error {
	a.mu.Lock()
	a.project = newTotals()
	ledger := a.ledger
	root := a.projectRoot
	a.mu.Unlock()

	logging.Cost("project totals reset for %s", root)
	if ledger == nil {
		return nil
	}
	if err := ledger.ResetProject(ctx, root); err != nil {
		return fmt.Errorf("reset project usage: %w", err)
	}
	return nil
}
