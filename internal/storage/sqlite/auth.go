package sqlite

import (
	"context"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

// UpsertUser inserts or finds a user keyed by name and fills u.ID.
func (s *Store) UpsertUser(ctx context.Context, u *storage.User) error {
	now := timeStr(time.Now())
	// ON CONFLICT DO UPDATE rather than DO NOTHING so RETURNING always
	// yields the row id.
	return s.write.QueryRowContext(ctx,
		`INSERT INTO users (name, created_at) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET name = excluded.name
		 RETURNING id`,
		u.Name, now,
	).Scan(&u.ID)
}

// UpsertAPIKey inserts or updates a key row keyed by its hash and fills k.ID.
// Re-upserting re-enables a previously pruned key.
func (s *Store) UpsertAPIKey(ctx context.Context, k *storage.APIKey) error {
	now := timeStr(time.Now())
	return s.write.QueryRowContext(ctx,
		`INSERT INTO api_keys (user_id, name, key_hash, key_prefix, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_hash) DO UPDATE SET
		   user_id = excluded.user_id,
		   name = excluded.name,
		   key_prefix = excluded.key_prefix,
		   enabled = excluded.enabled
		 RETURNING id`,
		k.UserID, k.Name, k.KeyHash, k.KeyPrefix, boolToInt(k.Enabled), now,
	).Scan(&k.ID)
}

// PruneAPIKeys disables keys whose hash is not in keep. Rows are kept for
// traffic attribution; disabled keys authenticate as 403.
func (s *Store) PruneAPIKeys(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		_, err := s.write.ExecContext(ctx, `UPDATE api_keys SET enabled = 0 WHERE enabled = 1`)
		return err
	}
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET enabled = 0
		 WHERE enabled = 1 AND key_hash NOT IN (`+inPlaceholders(len(keep))+`)`,
		stringArgs(keep)...)
	return err
}

// ListAPIKeys returns all keys with their owning user name joined in.
func (s *Store) ListAPIKeys(ctx context.Context) ([]storage.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT k.id, k.user_id, u.name, k.name, k.key_hash, k.key_prefix, k.enabled, k.created_at
		 FROM api_keys k
		 JOIN users u ON u.id = k.user_id
		 ORDER BY k.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.APIKey
	for rows.Next() {
		var k storage.APIKey
		var enabled int
		var created string
		if err := rows.Scan(&k.ID, &k.UserID, &k.UserName, &k.Name,
			&k.KeyHash, &k.KeyPrefix, &enabled, &created); err != nil {
			return nil, err
		}
		k.Enabled = enabled != 0
		k.CreatedAt = parseTime(created)
		out = append(out, k)
	}
	return out, rows.Err()
}
