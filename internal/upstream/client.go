// Package upstream builds and shares the HTTP clients used for provider
// calls, one per proxy key, and performs the raw upstream exchanges.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/dnscache"

	relay "github.com/eugener/palantir/internal"
)

// Clients hands out shared *http.Client values keyed by proxy URL. Only the
// single globally configured proxy (or direct) is supported; requesting any
// other proxy fails with ErrProxyMismatch so client construction stays
// deterministic under load.
type Clients struct {
	proxyURL string
	resolver *dnscache.Resolver
	cache    *otter.Cache[string, *http.Client]
}

// NewClients validates proxyURL (empty means direct) and prepares the
// client cache.
func NewClients(proxyURL string) (*Clients, error) {
	if proxyURL != "" {
		if _, err := url.Parse(proxyURL); err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
	}
	cache, err := otter.New(&otter.Options[string, *http.Client]{
		MaximumSize: 4,
	})
	if err != nil {
		return nil, fmt.Errorf("create client cache: %w", err)
	}
	return &Clients{
		proxyURL: proxyURL,
		resolver: &dnscache.Resolver{},
		cache:    cache,
	}, nil
}

// For returns the shared client for the given proxy URL, building it on
// first use.
func (c *Clients) For(proxyURL string) (*http.Client, error) {
	if proxyURL != c.proxyURL {
		return nil, fmt.Errorf("%w: %q not configured", relay.ErrProxyMismatch, proxyURL)
	}
	if client, ok := c.cache.GetIfPresent(proxyURL); ok {
		return client, nil
	}

	transport := newTransport(c.resolver, true)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	// No client-level timeout: streaming responses stay open arbitrarily
	// long; per-attempt deadlines arrive via the request context.
	client := &http.Client{Transport: transport}
	c.cache.Set(proxyURL, client)
	return client, nil
}

// newTransport returns a tuned *http.Transport with connection pooling and
// cached DNS lookups.
func newTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}
