package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	relay "github.com/eugener/palantir/internal"
)

// AppendEvent persists one operational event as its JSON envelope.
func (s *Store) AppendEvent(ctx context.Context, ev relay.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO internal_events (kind, at, payload) VALUES (?, ?, ?)`,
		string(ev.Kind), timeStr(ev.At), string(payload),
	)
	return err
}
