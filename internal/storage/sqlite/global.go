package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

// GlobalConfig loads the settings singleton. An absent row yields the zero
// value, not an error.
func (s *Store) GlobalConfig(ctx context.Context) (storage.GlobalConfig, error) {
	var raw string
	err := s.read.QueryRowContext(ctx,
		`SELECT config_json FROM global_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GlobalConfig{}, nil
	}
	if err != nil {
		return storage.GlobalConfig{}, err
	}

	var gc storage.GlobalConfig
	if err := json.Unmarshal([]byte(raw), &gc); err != nil {
		return storage.GlobalConfig{}, fmt.Errorf("parse global config: %w", err)
	}
	return gc, nil
}

// SetGlobalConfig writes the settings singleton.
func (s *Store) SetGlobalConfig(ctx context.Context, gc storage.GlobalConfig) error {
	raw, err := json.Marshal(gc)
	if err != nil {
		return fmt.Errorf("marshal global config: %w", err)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO global_config (id, config_json, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   config_json = excluded.config_json,
		   updated_at = excluded.updated_at`,
		string(raw), timeStr(time.Now()),
	)
	return err
}
