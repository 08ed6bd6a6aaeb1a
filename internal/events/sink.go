package events

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

const appendTimeout = 5 * time.Second

// Appender persists a single event. *sqlite.EventStore satisfies it.
type Appender interface {
	AppendEvent(ctx context.Context, ev relay.Event) error
}

// StoreSink persists operational events best-effort. Traffic events are
// skipped here; they reach the database through the traffic recorder's
// batched path instead.
type StoreSink struct {
	store Appender
}

// NewStoreSink returns a sink writing to store.
func NewStoreSink(store Appender) *StoreSink {
	return &StoreSink{store: store}
}

// Write implements Sink. Errors are logged and swallowed.
func (s *StoreSink) Write(ctx context.Context, ev relay.Event) {
	switch ev.Kind {
	case relay.EventDownstream, relay.EventUpstream:
		return
	}

	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	if err := s.store.AppendEvent(ctx, ev); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "event append failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// DisallowSink mirrors model-disallow transitions into storage so marks
// survive a restart; the pool rehydrates them via Restore at startup.
// Writes are best-effort like every sink.
type DisallowSink struct {
	store storage.DisallowStore
}

// NewDisallowSink returns a sink persisting disallow transitions to store.
func NewDisallowSink(store storage.DisallowStore) *DisallowSink {
	return &DisallowSink{store: store}
}

// Write implements Sink. Errors are logged and swallowed.
func (s *DisallowSink) Write(ctx context.Context, ev relay.Event) {
	mc := ev.ModelUnavailable
	if mc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case relay.EventModelUnavailableStart:
		entry := relay.DisallowEntry{Level: mc.Level, Reason: mc.Reason, UpdatedAt: ev.At}
		if mc.Until != nil {
			entry.Until = *mc.Until
		}
		err = s.store.UpsertDisallow(ctx, storage.Disallow{
			CredentialID: mc.CredentialID,
			Model:        mc.Model,
			Entry:        entry,
		})
	case relay.EventModelUnavailableEnd:
		err = s.store.DeleteDisallow(ctx, mc.CredentialID, mc.Model)
	default:
		return
	}
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "disallow persist failed",
			slog.String("kind", string(ev.Kind)),
			slog.Int64("credential_id", mc.CredentialID),
			slog.String("error", err.Error()),
		)
	}
}

// LogSink mirrors credential availability transitions to the process log.
type LogSink struct{}

// Write implements Sink.
func (LogSink) Write(ctx context.Context, ev relay.Event) {
	switch ev.Kind {
	case relay.EventUnavailableStart:
		slog.LogAttrs(ctx, slog.LevelWarn, "credential unavailable",
			slog.String("provider", ev.Unavailable.Provider),
			slog.Int64("credential_id", ev.Unavailable.CredentialID),
			slog.String("reason", string(ev.Unavailable.Reason)),
		)
	case relay.EventUnavailableEnd:
		slog.LogAttrs(ctx, slog.LevelInfo, "credential recovered",
			slog.String("provider", ev.Unavailable.Provider),
			slog.Int64("credential_id", ev.Unavailable.CredentialID),
		)
	case relay.EventModelUnavailableStart:
		slog.LogAttrs(ctx, slog.LevelWarn, "model unavailable",
			slog.String("provider", ev.ModelUnavailable.Provider),
			slog.Int64("credential_id", ev.ModelUnavailable.CredentialID),
			slog.String("model", ev.ModelUnavailable.Model),
			slog.String("level", string(ev.ModelUnavailable.Level)),
			slog.String("reason", string(ev.ModelUnavailable.Reason)),
		)
	case relay.EventModelUnavailableEnd:
		slog.LogAttrs(ctx, slog.LevelInfo, "model recovered",
			slog.String("provider", ev.ModelUnavailable.Provider),
			slog.Int64("credential_id", ev.ModelUnavailable.CredentialID),
			slog.String("model", ev.ModelUnavailable.Model),
		)
	}
}
