// Package pool manages upstream credentials: rotation, unavailability
// marks, per-model disallows, and timed recovery back into rotation.
package pool

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	relay "github.com/eugener/palantir/internal"
)

// Emitter receives operational events from the pool. *events.Hub satisfies it.
type Emitter interface {
	Emit(ev relay.Event)
}

type disallowKey struct {
	credID int64
	model  string
}

// Pool holds every provider's credentials and their availability state.
// Select never returns a credential that is benched or disallowed for the
// requested model; recovery back to Active happens only through the
// scheduler worker (Run), never implicitly by the clock.
type Pool struct {
	events Emitter
	sched  *scheduler

	mu         sync.RWMutex
	creds      map[int64]relay.Credential
	byProvider map[string][]int64
	states     map[int64]relay.CredentialState
	disallow   map[disallowKey]relay.DisallowEntry
	cursors    map[string]*atomic.Uint64
}

// New creates an empty pool reporting transitions to events.
// Call Run on a background goroutine to enable timed recovery.
func New(events Emitter) *Pool {
	return &Pool{
		events:     events,
		sched:      newScheduler(),
		creds:      make(map[int64]relay.Credential),
		byProvider: make(map[string][]int64),
		states:     make(map[int64]relay.CredentialState),
		disallow:   make(map[disallowKey]relay.DisallowEntry),
		cursors:    make(map[string]*atomic.Uint64),
	}
}

// Insert adds or updates a credential. Idempotent: re-inserting an existing
// ID updates the value and keeps its availability state.
func (p *Pool) Insert(cred relay.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, known := p.creds[cred.ID]
	p.creds[cred.ID] = cred
	if !known {
		p.byProvider[cred.Provider] = append(p.byProvider[cred.Provider], cred.ID)
	}
	if _, ok := p.states[cred.ID]; !ok {
		p.states[cred.ID] = relay.CredentialState{}
	}
	if _, ok := p.cursors[cred.Provider]; !ok {
		p.cursors[cred.Provider] = new(atomic.Uint64)
	}
}

// UpdateSecret swaps the secret of an existing credential in place, keeping
// state and rotation position. Used by OAuth token refresh.
func (p *Pool) UpdateSecret(id int64, secret json.RawMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[id]
	if !ok {
		return false
	}
	cred.Secret = secret
	p.creds[id] = cred
	return true
}

// SetEnabled toggles a credential in or out of rotation. Disabling clears
// its per-model disallows; availability state is kept either way.
func (p *Pool) SetEnabled(id int64, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred, ok := p.creds[id]
	if !ok {
		return
	}
	cred.Enabled = enabled
	p.creds[id] = cred
	if !enabled {
		for key := range p.disallow {
			if key.credID == id {
				delete(p.disallow, key)
			}
		}
	}
}

// Select picks the next eligible credential for provider in round-robin
// order. model scopes the disallow check; empty means any model. Returns
// false when no enabled, active, non-disallowed credential exists.
func (p *Pool) Select(provider, model string) (relay.Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := p.byProvider[provider]
	cursor := p.cursors[provider]
	if len(ids) == 0 || cursor == nil {
		return relay.Credential{}, false
	}

	now := time.Now()
	start := cursor.Add(1)
	for i := 0; i < len(ids); i++ {
		id := ids[(start+uint64(i))%uint64(len(ids))]
		cred := p.creds[id]
		if !cred.Enabled || !p.states[id].Active() {
			continue
		}
		if p.disallowedLocked(id, model, now) {
			continue
		}
		return cred, true
	}
	return relay.Credential{}, false
}

// disallowedLocked reports whether (id, model) is excluded by an active
// disallow entry. Callers hold at least a read lock.
func (p *Pool) disallowedLocked(id int64, model string, now time.Time) bool {
	if model == "" {
		return false
	}
	entry, ok := p.disallow[disallowKey{credID: id, model: model}]
	return ok && entry.ActiveAt(now)
}

// State returns the pool's view of one credential.
func (p *Pool) State(id int64) (relay.CredentialState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[id]
	return st, ok
}

// MarkUnavailable benches a credential for d and emits UnavailableStart.
// The scheduler restores it and emits UnavailableEnd once d has passed.
func (p *Pool) MarkUnavailable(id int64, d time.Duration, reason relay.UnavailableReason) {
	now := time.Now().UTC()
	until := now.Add(d)

	p.mu.Lock()
	cred, ok := p.creds[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.states[id] = relay.CredentialState{Unavailable: true, Until: until, Reason: reason}
	p.mu.Unlock()

	p.sched.push(schedEntry{until: until, credID: id})
	p.events.Emit(relay.Event{
		Kind: relay.EventUnavailableStart,
		At:   now,
		Unavailable: &relay.UnavailableChange{
			Provider:     cred.Provider,
			CredentialID: id,
			Reason:       reason,
			Until:        &until,
		},
	})
}

// MarkModelUnavailable excludes a single model on a credential. d <= 0
// installs a permanent entry (cleared only by snapshot replace or operator
// action); otherwise the scheduler removes the entry and emits
// ModelUnavailableEnd once d has passed.
func (p *Pool) MarkModelUnavailable(id int64, model string, d time.Duration, level relay.DisallowLevel, reason relay.UnavailableReason) {
	now := time.Now().UTC()
	var until time.Time
	if d > 0 {
		until = now.Add(d)
	}

	p.mu.Lock()
	cred, ok := p.creds[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.disallow[disallowKey{credID: id, model: model}] = relay.DisallowEntry{
		Level:     level,
		Until:     until,
		Reason:    reason,
		UpdatedAt: now,
	}
	p.mu.Unlock()

	ev := relay.Event{
		Kind: relay.EventModelUnavailableStart,
		At:   now,
		ModelUnavailable: &relay.ModelUnavailableChange{
			Provider:     cred.Provider,
			CredentialID: id,
			Model:        model,
			Level:        level,
			Reason:       reason,
		},
	}
	if !until.IsZero() {
		p.sched.push(schedEntry{until: until, credID: id, model: model})
		ev.ModelUnavailable.Until = &until
	}
	p.events.Emit(ev)
}

// Restore rehydrates a persisted disallow without emitting events. Used at
// startup to reload marks that outlived the process.
func (p *Pool) Restore(id int64, scope relay.DisallowScope, entry relay.DisallowEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.creds[id]; !ok {
		return
	}
	if scope.AllModels() {
		p.states[id] = relay.CredentialState{Unavailable: true, Until: entry.Until, Reason: entry.Reason}
		if !entry.Until.IsZero() {
			p.sched.push(schedEntry{until: entry.Until, credID: id})
		}
		return
	}
	p.disallow[disallowKey{credID: id, model: scope.Model}] = entry
	if !entry.Until.IsZero() {
		p.sched.push(schedEntry{until: entry.Until, credID: id, model: scope.Model})
	}
}

// ReplaceSnapshot swaps the full credential set atomically. States and
// disallows of still-present IDs are preserved; removed IDs drop both.
func (p *Pool) ReplaceSnapshot(creds []relay.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[int64]relay.Credential, len(creds))
	nextByProvider := make(map[string][]int64)
	for _, cred := range creds {
		next[cred.ID] = cred
		nextByProvider[cred.Provider] = append(nextByProvider[cred.Provider], cred.ID)
	}

	for id := range p.states {
		if _, ok := next[id]; !ok {
			delete(p.states, id)
		}
	}
	for key := range p.disallow {
		if _, ok := next[key.credID]; !ok {
			delete(p.disallow, key)
		}
	}
	for _, cred := range creds {
		if _, ok := p.states[cred.ID]; !ok {
			p.states[cred.ID] = relay.CredentialState{}
		}
		if _, ok := p.cursors[cred.Provider]; !ok {
			p.cursors[cred.Provider] = new(atomic.Uint64)
		}
	}

	p.creds = next
	p.byProvider = nextByProvider
}

// ModelDisallow pairs a model with its active disallow entry.
type ModelDisallow struct {
	Model string
	Entry relay.DisallowEntry
}

// ModelDisallows lists the still-active per-model exclusions on a
// credential, sorted by model.
func (p *Pool) ModelDisallows(id int64) []ModelDisallow {
	now := time.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []ModelDisallow
	for key, entry := range p.disallow {
		if key.credID != id || !entry.ActiveAt(now) {
			continue
		}
		out = append(out, ModelDisallow{Model: key.model, Entry: entry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// ProviderStats counts credentials for one provider family.
type ProviderStats struct {
	Total     int
	Available int
}

// Stats reports per-provider credential counts. Available counts enabled
// credentials whose state is Active, ignoring per-model disallows.
func (p *Pool) Stats() map[string]ProviderStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]ProviderStats, len(p.byProvider))
	for provider, ids := range p.byProvider {
		var stats ProviderStats
		for _, id := range ids {
			cred := p.creds[id]
			if !cred.Enabled {
				continue
			}
			stats.Total++
			if p.states[id].Active() {
				stats.Available++
			}
		}
		out[provider] = stats
	}
	return out
}
