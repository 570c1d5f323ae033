package store

import (
	"context"
	"fmt"

	"storyforge/internal/types"
)

// Override is one persisted inclusion override.
type Override struct {
	Path  string
	Value types.InclusionOverride
}

// SetOverride stores value for path under projectRoot. Setting auto removes the row.
func (s *Store) SetOverride(ctx context.Context, projectRoot, path string, value types.InclusionOverride) error {
	if value == types.OverrideAuto {
		return s.ClearOverride(ctx, projectRoot, path)
	}
	if value != types.OverrideExclude && value != types.OverrideForce {
		return fmt.Errorf("invalid override %q", value)
	}

	root := types.NormalizePath("", projectRoot)
	key := types.NormalizePath(root, path)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_overrides (project_root, path, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project_root, path) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		root, key, string(value))
	if err != nil {
		return fmt.Errorf("failed to set override: %w", err)
	}
	return nil
}

// ClearOverride removes any override for path, returning it to auto.
func (s *Store) ClearOverride(ctx context.Context, projectRoot, path string) error {
	root := types.NormalizePath("", projectRoot)
	key := types.NormalizePath(root, path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM context_overrides WHERE project_root = ? AND path = ?", root, key); err != nil {
		return fmt.Errorf("failed to clear override: %w", err)
	}
	return nil
}

// Overrides returns the override map for projectRoot, keyed by normalized absolute path.
func (s *Store) Overrides(ctx context.Context, projectRoot string) (map[string]types.InclusionOverride, error) {
	list, err := s.ListOverrides(ctx, projectRoot)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.InclusionOverride, len(list))
	for _, o := range list {
		out[o.Path] = o.Value
	}
	return out, nil
}

// ListOverrides returns the overrides for projectRoot ordered by path.
func (s *Store) ListOverrides(ctx context.Context, projectRoot string) ([]Override, error) {
	root := types.NormalizePath("", projectRoot)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, value FROM context_overrides WHERE project_root = ? ORDER BY path", root)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var value string
		if err := rows.Scan(&o.Path, &value); err != nil {
			return nil, err
		}
		o.Value = types.InclusionOverride(value)
		out = append(out, o)
	}
	return out, rows.Err()
}
