// Package provider implements the registry and shared plumbing for upstream
// provider families.
package provider

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	relay "github.com/eugener/palantir/internal"
)

// Registry maps route names to relay.Provider instances. Lookups are
// lock-free; registration copies the map so in-flight readers keep a
// consistent view.
type Registry struct {
	mu sync.Mutex
	m  atomic.Pointer[map[string]relay.Provider]
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.m.Store(&map[string]relay.Provider{})
	return r
}

// Register adds a provider under the given name.
// It overwrites any previously registered provider with the same name.
func (r *Registry) Register(name string, p relay.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.m.Load()
	next := make(map[string]relay.Provider, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = p
	r.m.Store(&next)
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (relay.Provider, error) {
	p, ok := (*r.m.Load())[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", relay.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	m := *r.m.Load()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range m {
			if !yield(name) {
				return
			}
		}
	})
	slices.Sort(names)
	return names
}

// BuildURL joins a configured base URL and an endpoint path, tolerating a
// base that already carries the version segment (e.g. "https://host/v1" +
// "/v1/messages" yields a single "/v1").
func BuildURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	path = strings.TrimLeft(path, "/")
	for _, ver := range []string{"v1beta", "v1"} {
		if strings.HasSuffix(base, "/"+ver) {
			if path == ver {
				path = ""
			} else {
				path = strings.TrimPrefix(path, ver+"/")
			}
			break
		}
	}
	return base + "/" + path
}
