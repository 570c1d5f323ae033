package store

import (
	"context"
	"fmt"

	"storyforge/internal/logging"
	"storyforge/internal/usage"
)

// AppendUsage implements usage.Ledger. A repeated execution id is ignored.
func (s *Store) AppendUsage(ctx context.Context, e usage.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := 0
	if e.Cost.Known {
		known = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_ledger
			(project_root, execution_id, source, model, tier, input_tokens, output_tokens, amount, known, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProjectRoot, e.ExecutionID, string(e.Source), e.Cost.Model, string(e.Cost.Tier),
		e.Cost.InputTokens, e.Cost.OutputTokens, e.Cost.Amount, known, e.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.StoreDebug("usage for execution %s already recorded", e.ExecutionID)
	}
	return nil
}

// ProjectTotals implements usage.Ledger by aggregating the ledger per model.
func (s *Store) ProjectTotals(ctx context.Context, projectRoot string) (usage.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*), SUM(CASE WHEN known = 0 THEN 1 ELSE 0 END),
		       SUM(input_tokens), SUM(output_tokens), SUM(amount)
		FROM usage_ledger WHERE project_root = ?
		GROUP BY model ORDER BY model`, projectRoot)
	if err != nil {
		return usage.Totals{}, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	totals := usage.Totals{ByModel: make(map[string]usage.TokenCounts)}
	for rows.Next() {
		var model string
		var executions, unpriced int
		var in, out int64
		var amount float64
		if err := rows.Scan(&model, &executions, &unpriced, &in, &out, &amount); err != nil {
			return usage.Totals{}, err
		}
		counts := usage.TokenCounts{Input: in, Output: out, Total: in + out, Cost: amount}
		totals.ByModel[model] = counts
		totals.Executions += executions
		totals.Unpriced += unpriced
		totals.Tokens.Input += in
		totals.Tokens.Output += out
		totals.Tokens.Total += in + out
		totals.Tokens.Cost += amount
	}
	return totals, rows.Err()
}

// ResetProject implements usage.Ledger.
func (s *Store) ResetProject(ctx context.Context, projectRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM usage_ledger WHERE project_root = ?", projectRoot); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	logging.Store("usage ledger cleared for %s", projectRoot)
	return nil
}

var _ usage.Ledger = (*Store)(nil)
