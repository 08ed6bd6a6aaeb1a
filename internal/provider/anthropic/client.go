// Package anthropic implements the claude-dialect provider family.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/upstream"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

var _ relay.Provider = (*Client)(nil)

// Config carries the per-instance settings for one Anthropic upstream.
type Config struct {
	Name        string
	BaseURL     string        // empty defaults to the public API
	Timeout     time.Duration // per attempt, non-streaming calls only
	MaxAttempts int           // credentials tried per request; 0 = engine default
}

// Client relays claude-dialect calls to the Anthropic API.
type Client struct {
	name     string
	baseURL  string
	timeout  time.Duration
	attempts int
	clients  *upstream.Clients
}

// New creates an Anthropic Client sending through the shared upstream clients.
func New(cfg Config, clients *upstream.Clients) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{name: cfg.Name, baseURL: base, timeout: cfg.Timeout, attempts: cfg.MaxAttempts, clients: clients}
}

// Name returns the instance identifier used in routes and records.
func (c *Client) Name() string { return c.name }

// MaxAttempts bounds the engine's per-request credential chain.
func (c *Client) MaxAttempts() int { return c.attempts }

// DispatchTable serves claude shapes natively and translates the other
// dialects to claude. The Responses API and OAuth have no Anthropic upstream;
// usage is answered locally for every dialect.
func (c *Client) DispatchTable() relay.DispatchTable {
	return func(tc relay.TransformContext) relay.DispatchRule {
		switch tc.DstOp {
		case relay.OpUsage:
			return relay.Native()
		case relay.OpResponses, relay.OpOAuthStart, relay.OpOAuthCallback:
			return relay.Unsupported()
		}
		if tc.SrcProto == relay.ProtoClaude {
			return relay.Native()
		}
		return relay.TransformTo(relay.ProtoClaude)
	}
}

type apiKeySecret struct {
	APIKey string `json:"api_key"`
}

// CallNative performs one upstream attempt. req.Body is already claude-shaped
// with its stream flag matching req.Operation.
func (c *Client) CallNative(ctx context.Context, req *relay.ProxyRequest, up *relay.UpstreamContext) (*relay.ProxyResponse, *relay.UpstreamRecordMeta, error) {
	var secret apiKeySecret
	if err := json.Unmarshal(up.Credential.Secret, &secret); err != nil || secret.APIKey == "" {
		return nil, nil, fmt.Errorf("%w: anthropic secret wants {\"api_key\":...}", relay.ErrInvalidConfig)
	}

	call, err := c.plan(req)
	if err != nil {
		return nil, nil, err
	}

	header := upstream.SanitizeHeader(req.Header)
	header.Set("x-api-key", secret.APIKey)
	header.Set("Accept", "application/json")
	if len(call.Body) > 0 {
		header.Set("Content-Type", "application/json")
	}
	if header.Get("anthropic-version") == "" {
		header.Set("anthropic-version", anthropicVersion)
	}

	return provider.Do(ctx, c.clients, c.baseURL, header, call, up.ProxyURL, c.timeout)
}

func (c *Client) plan(req *relay.ProxyRequest) (provider.Call, error) {
	switch req.Operation {
	case relay.OpGenerate:
		return provider.Call{Method: http.MethodPost, Path: "/v1/messages", Body: req.Body}, nil
	case relay.OpGenerateStream:
		return provider.Call{Method: http.MethodPost, Path: "/v1/messages", Body: req.Body, Stream: true}, nil
	case relay.OpCountTokens:
		return provider.Call{Method: http.MethodPost, Path: "/v1/messages/count_tokens", Body: req.Body}, nil
	case relay.OpListModels:
		return provider.Call{Method: http.MethodGet, Path: "/v1/models", Query: req.Query.Encode()}, nil
	case relay.OpGetModel:
		return provider.Call{Method: http.MethodGet, Path: "/v1/models/" + url.PathEscape(req.Model)}, nil
	default:
		return provider.Call{}, fmt.Errorf("%w: anthropic %s", relay.ErrUnsupported, req.Operation)
	}
}
