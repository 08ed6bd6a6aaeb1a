package sqlite

import (
	"context"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

// UpsertProvider inserts or updates a provider row keyed by name and fills
// p.ID. Re-upserting re-enables a previously pruned provider.
func (s *Store) UpsertProvider(ctx context.Context, p *storage.Provider) error {
	now := timeStr(time.Now())
	return s.write.QueryRowContext(ctx,
		`INSERT INTO providers (name, family, base_url, max_attempts, timeout_ms, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   family = excluded.family,
		   base_url = excluded.base_url,
		   max_attempts = excluded.max_attempts,
		   timeout_ms = excluded.timeout_ms,
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		p.Name, p.Family, p.BaseURL, p.MaxAttempts, p.TimeoutMs,
		boolToInt(p.Enabled), now, now,
	).Scan(&p.ID)
}

// PruneProviders disables every provider whose name is not in keep.
func (s *Store) PruneProviders(ctx context.Context, keep []string) error {
	now := timeStr(time.Now())
	if len(keep) == 0 {
		_, err := s.write.ExecContext(ctx,
			`UPDATE providers SET enabled = 0, updated_at = ? WHERE enabled = 1`, now)
		return err
	}
	args := append([]any{now}, stringArgs(keep)...)
	_, err := s.write.ExecContext(ctx,
		`UPDATE providers SET enabled = 0, updated_at = ?
		 WHERE enabled = 1 AND name NOT IN (`+inPlaceholders(len(keep))+`)`, args...)
	return err
}

// ListProviders returns all provider rows, enabled or not, ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]storage.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, family, base_url, max_attempts, timeout_ms, enabled, created_at, updated_at
		 FROM providers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Provider
	for rows.Next() {
		var p storage.Provider
		var enabled int
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Name, &p.Family, &p.BaseURL,
			&p.MaxAttempts, &p.TimeoutMs, &enabled, &created, &updated); err != nil {
			return nil, err
		}
		p.Enabled = enabled != 0
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}
