package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// UpsertCredential inserts or updates a config-seeded credential keyed by
// (provider_id, name) and fills c.ID. Secrets are stored verbatim; the pool
// and providers treat them as opaque JSON.
func (s *Store) UpsertCredential(ctx context.Context, c *storage.Credential) error {
	now := timeStr(time.Now())
	return s.write.QueryRowContext(ctx,
		`INSERT INTO credentials (provider_id, name, origin, secret, meta, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, name) DO UPDATE SET
		   origin = excluded.origin,
		   secret = excluded.secret,
		   meta = excluded.meta,
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		c.ProviderID, c.Name, storage.OriginConfig,
		string(c.Secret), nullBytes(c.Meta), boolToInt(c.Enabled), now, now,
	).Scan(&c.ID)
}

// PruneCredentials disables config-origin credentials of the provider whose
// names are not in keep. OAuth-issued credentials are untouched.
func (s *Store) PruneCredentials(ctx context.Context, providerID int64, keep []string) error {
	now := timeStr(time.Now())
	if len(keep) == 0 {
		_, err := s.write.ExecContext(ctx,
			`UPDATE credentials SET enabled = 0, updated_at = ?
			 WHERE provider_id = ? AND origin = ? AND enabled = 1`,
			now, providerID, storage.OriginConfig)
		return err
	}
	args := append([]any{now, providerID, storage.OriginConfig}, stringArgs(keep)...)
	_, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET enabled = 0, updated_at = ?
		 WHERE provider_id = ? AND origin = ? AND enabled = 1
		   AND name NOT IN (`+inPlaceholders(len(keep))+`)`, args...)
	return err
}

// StoreCredential persists an OAuth-issued credential. A zero cred.ID inserts
// a fresh row under the named provider; otherwise only the secret rotates.
// Satisfies the provider credential sink.
func (s *Store) StoreCredential(ctx context.Context, cred relay.Credential) (relay.Credential, error) {
	now := timeStr(time.Now())

	if cred.ID != 0 {
		res, err := s.write.ExecContext(ctx,
			`UPDATE credentials SET secret = ?, updated_at = ? WHERE id = ?`,
			string(cred.Secret), now, cred.ID)
		if err != nil {
			return relay.Credential{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return relay.Credential{}, err
		}
		if n == 0 {
			return relay.Credential{}, fmt.Errorf("credential %d: %w", cred.ID, relay.ErrNotFound)
		}
		return cred, nil
	}

	var providerID int64
	err := s.read.QueryRowContext(ctx,
		`SELECT id FROM providers WHERE name = ?`, cred.Provider).Scan(&providerID)
	if err != nil {
		return relay.Credential{}, fmt.Errorf("provider %q: %w", cred.Provider, notFoundErr(err))
	}

	name := "oauth-" + uuid.Must(uuid.NewV7()).String()
	err = s.write.QueryRowContext(ctx,
		`INSERT INTO credentials (provider_id, name, origin, secret, meta, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		providerID, name, storage.OriginOAuth,
		string(cred.Secret), nullBytes(cred.Meta), boolToInt(cred.Enabled), now, now,
	).Scan(&cred.ID)
	if err != nil {
		return relay.Credential{}, err
	}
	return cred, nil
}

// ListPoolCredentials returns every credential of enabled providers in the
// pool's shape, provider id resolved to its name.
func (s *Store) ListPoolCredentials(ctx context.Context) ([]relay.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT c.id, p.name, c.secret, c.meta, c.enabled
		 FROM credentials c
		 JOIN providers p ON p.id = c.provider_id
		 WHERE p.enabled = 1
		 ORDER BY c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Credential
	for rows.Next() {
		var cred relay.Credential
		var secret string
		var meta sql.NullString
		var enabled int
		if err := rows.Scan(&cred.ID, &cred.Provider, &secret, &meta, &enabled); err != nil {
			return nil, err
		}
		cred.Secret = json.RawMessage(secret)
		if meta.Valid {
			cred.Meta = json.RawMessage(meta.String)
		}
		cred.Enabled = enabled != 0
		out = append(out, cred)
	}
	return out, rows.Err()
}

// --- disallow persistence ---

// UpsertDisallow records a pool exclusion so it survives restarts.
func (s *Store) UpsertDisallow(ctx context.Context, d storage.Disallow) error {
	updated := d.Entry.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credential_disallow (credential_id, model, level, reason, until_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id, model) DO UPDATE SET
		   level = excluded.level,
		   reason = excluded.reason,
		   until_at = excluded.until_at,
		   updated_at = excluded.updated_at`,
		d.CredentialID, d.Model, string(d.Entry.Level), string(d.Entry.Reason),
		nullTimeStr(d.Entry.Until), timeStr(updated),
	)
	return err
}

// DeleteDisallow removes a recorded exclusion once the pool lifts it.
func (s *Store) DeleteDisallow(ctx context.Context, credentialID int64, model string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM credential_disallow WHERE credential_id = ? AND model = ?`,
		credentialID, model)
	return err
}

// ListDisallows returns exclusions still active at now: permanent entries and
// those whose deadline has not passed. Expired rows are dropped on the way.
func (s *Store) ListDisallows(ctx context.Context, now time.Time) ([]storage.Disallow, error) {
	cutoff := timeStr(now)
	if _, err := s.write.ExecContext(ctx,
		`DELETE FROM credential_disallow WHERE until_at IS NOT NULL AND until_at <= ?`, cutoff); err != nil {
		return nil, err
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT credential_id, model, level, reason, until_at, updated_at
		 FROM credential_disallow
		 ORDER BY credential_id, model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Disallow
	for rows.Next() {
		var d storage.Disallow
		var level, reason string
		var until sql.NullString
		var updated string
		if err := rows.Scan(&d.CredentialID, &d.Model, &level, &reason, &until, &updated); err != nil {
			return nil, err
		}
		d.Entry = relay.DisallowEntry{
			Level:     relay.DisallowLevel(level),
			Reason:    relay.UnavailableReason(reason),
			Until:     parseNullTime(until),
			UpdatedAt: parseTime(updated),
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
