package pool

import (
	"container/heap"
	"context"
	"sync"
	"time"

	relay "github.com/eugener/palantir/internal"
)

// schedEntry is one pending recovery. An empty model means the whole
// credential; otherwise a single (credential, model) disallow.
type schedEntry struct {
	until  time.Time
	credID int64
	model  string
}

type entryHeap []schedEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].until.Before(h[j].until) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(schedEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// scheduler is a deadline min-heap plus a wake channel for the worker.
// Entries are never removed on re-mark; a newer mark pushes a second entry
// and the pop-side state check discards the stale one.
type scheduler struct {
	mu   sync.Mutex
	h    entryHeap
	wake chan struct{}
}

func newScheduler() *scheduler {
	return &scheduler{wake: make(chan struct{}, 1)}
}

func (s *scheduler) push(e schedEntry) {
	s.mu.Lock()
	heap.Push(&s.h, e)
	s.mu.Unlock()
	// Always wake: the worker re-computes the next deadline.
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].until, true
}

func (s *scheduler) popDue(now time.Time) []schedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []schedEntry
	for len(s.h) > 0 && !s.h[0].until.After(now) {
		due = append(due, heap.Pop(&s.h).(schedEntry))
	}
	return due
}

// Run is the recovery worker: it sleeps until the earliest deadline, pops
// everything due, and flips still-expired entries back to Active. It blocks
// until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	for {
		next, ok := p.sched.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.sched.wake:
			}
			continue
		}

		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-p.sched.wake:
				// An earlier deadline may have been pushed; recompute.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		now := time.Now()
		for _, e := range p.sched.popDue(now) {
			p.recover(e, now)
		}
	}
}

// recover restores one due entry, guarding against stale heap entries: if a
// newer mark pushed the deadline past now, the newer entry is already on the
// heap and this one is dropped without emitting. This keeps End events
// exactly once per actual transition.
func (p *Pool) recover(e schedEntry, now time.Time) {
	p.mu.Lock()

	cred, known := p.creds[e.credID]
	if !known {
		p.mu.Unlock()
		return
	}

	if e.model == "" {
		st := p.states[e.credID]
		if st.Active() || st.Until.After(now) {
			p.mu.Unlock()
			return
		}
		p.states[e.credID] = relay.CredentialState{}
		p.mu.Unlock()

		p.events.Emit(relay.Event{
			Kind: relay.EventUnavailableEnd,
			At:   time.Now().UTC(),
			Unavailable: &relay.UnavailableChange{
				Provider:     cred.Provider,
				CredentialID: e.credID,
			},
		})
		return
	}

	key := disallowKey{credID: e.credID, model: e.model}
	entry, ok := p.disallow[key]
	if !ok || entry.Until.IsZero() || entry.Until.After(now) {
		p.mu.Unlock()
		return
	}
	delete(p.disallow, key)
	p.mu.Unlock()

	p.events.Emit(relay.Event{
		Kind: relay.EventModelUnavailableEnd,
		At:   time.Now().UTC(),
		ModelUnavailable: &relay.ModelUnavailableChange{
			Provider:     cred.Provider,
			CredentialID: e.credID,
			Model:        e.model,
		},
	})
}
