package testutil

import (
	"context"
	"sync"

	relay "github.com/eugener/palantir/internal"
)

// MemTrafficStore collects traffic records in memory. It satisfies
// traffic.Store and events.Appender.
type MemTrafficStore struct {
	mu         sync.Mutex
	Downstream []relay.DownstreamTraffic
	Upstream   []relay.UpstreamTraffic
	Events     []relay.Event
}

func (s *MemTrafficStore) InsertDownstream(_ context.Context, recs []relay.DownstreamTraffic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downstream = append(s.Downstream, recs...)
	return nil
}

func (s *MemTrafficStore) InsertUpstream(_ context.Context, recs []relay.UpstreamTraffic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upstream = append(s.Upstream, recs...)
	return nil
}

func (s *MemTrafficStore) AppendEvent(_ context.Context, ev relay.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return nil
}

// Snapshot returns copies of the collected records.
func (s *MemTrafficStore) Snapshot() ([]relay.DownstreamTraffic, []relay.UpstreamTraffic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.DownstreamTraffic(nil), s.Downstream...),
		append([]relay.UpstreamTraffic(nil), s.Upstream...)
}
