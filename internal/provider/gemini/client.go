// Package gemini implements the gemini-dialect provider family, including the
// interactive OAuth credential flow for Google accounts.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/transform"
	"github.com/eugener/palantir/internal/upstream"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

var (
	_ relay.Provider            = (*Client)(nil)
	_ relay.OAuthProvider       = (*Client)(nil)
	_ relay.CredentialRefresher = (*Client)(nil)
)

// Config carries the per-instance settings for one Gemini upstream.
type Config struct {
	Name        string
	BaseURL     string        // empty defaults to the public API
	Timeout     time.Duration // per attempt, non-streaming calls only
	MaxAttempts int           // credentials tried per request; 0 = engine default
	ProxyURL    string        // used by the OAuth exchange; per-call proxy arrives via the engine
	OAuth       OAuthConfig
}

// CredentialSink persists credentials issued or refreshed by the OAuth flow.
// The returned credential carries the storage-assigned id.
type CredentialSink interface {
	StoreCredential(ctx context.Context, cred relay.Credential) (relay.Credential, error)
}

// Client relays gemini-dialect calls to the Generative Language API.
type Client struct {
	name     string
	baseURL  string
	timeout  time.Duration
	attempts int
	proxyURL string
	clients  *upstream.Clients
	oauth    OAuthConfig
	sink     CredentialSink

	mu     sync.Mutex
	states map[string]oauthState
}

// New creates a Gemini Client sending through the shared upstream clients.
// sink may be nil when the OAuth flow is unused.
func New(cfg Config, clients *upstream.Clients, sink CredentialSink) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		name:     cfg.Name,
		baseURL:  base,
		timeout:  cfg.Timeout,
		attempts: cfg.MaxAttempts,
		proxyURL: cfg.ProxyURL,
		clients:  clients,
		oauth:    cfg.OAuth,
		sink:     sink,
		states:   make(map[string]oauthState),
	}
}

// Name returns the instance identifier used in routes and records.
func (c *Client) Name() string { return c.name }

// MaxAttempts bounds the engine's per-request credential chain.
func (c *Client) MaxAttempts() int { return c.attempts }

// DispatchTable serves gemini shapes natively and translates the other
// dialects to gemini. The Responses API has no gemini upstream; OAuth and
// usage are answered by the engine without a dispatch.
func (c *Client) DispatchTable() relay.DispatchTable {
	return func(tc relay.TransformContext) relay.DispatchRule {
		switch tc.DstOp {
		case relay.OpUsage, relay.OpOAuthStart, relay.OpOAuthCallback:
			return relay.Native()
		case relay.OpResponses:
			return relay.Unsupported()
		}
		if tc.SrcProto == relay.ProtoGemini {
			return relay.Native()
		}
		return relay.TransformTo(relay.ProtoGemini)
	}
}

// secret is the union of the two credential shapes the family accepts: a
// plain API key, or an OAuth token set issued by the callback flow.
type secret struct {
	APIKey       string    `json:"api_key,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	ProjectID    string    `json:"project_id,omitempty"`
}

// CallNative performs one upstream attempt. req.Body is already
// gemini-shaped; the operation decides the colon action on the model path.
func (c *Client) CallNative(ctx context.Context, req *relay.ProxyRequest, up *relay.UpstreamContext) (*relay.ProxyResponse, *relay.UpstreamRecordMeta, error) {
	header := upstream.SanitizeHeader(req.Header)
	if err := authorize(header, up.Credential); err != nil {
		return nil, nil, err
	}

	call, err := c.plan(req)
	if err != nil {
		return nil, nil, err
	}

	header.Set("Accept", "application/json")
	if len(call.Body) > 0 {
		header.Set("Content-Type", "application/json")
	}

	return provider.Do(ctx, c.clients, c.baseURL, header, call, up.ProxyURL, c.timeout)
}

func authorize(h http.Header, cred relay.Credential) error {
	var s secret
	if err := json.Unmarshal(cred.Secret, &s); err != nil {
		return fmt.Errorf("%w: gemini secret is not JSON", relay.ErrInvalidConfig)
	}
	switch {
	case s.APIKey != "":
		h.Set("x-goog-api-key", s.APIKey)
	case s.AccessToken != "":
		h.Set("Authorization", "Bearer "+s.AccessToken)
	default:
		return fmt.Errorf("%w: gemini secret wants {\"api_key\":...} or {\"access_token\":...}", relay.ErrInvalidConfig)
	}
	return nil
}

// plan picks the v1beta endpoint for the operation. Generate-family paths
// are the model resource plus a colon action; streams always request SSE
// framing upstream regardless of what the caller asked for downstream.
func (c *Client) plan(req *relay.ProxyRequest) (provider.Call, error) {
	model := modelPath(req.Model)
	switch req.Operation {
	case relay.OpGenerate:
		return provider.Call{Method: http.MethodPost, Path: "/v1beta/" + model + ":generateContent", Body: req.Body}, nil
	case relay.OpGenerateStream:
		return provider.Call{Method: http.MethodPost, Path: "/v1beta/" + model + ":streamGenerateContent", Query: "alt=sse", Body: req.Body, Stream: true}, nil
	case relay.OpCountTokens:
		return provider.Call{Method: http.MethodPost, Path: "/v1beta/" + model + ":countTokens", Body: req.Body}, nil
	case relay.OpListModels:
		return provider.Call{Method: http.MethodGet, Path: "/v1beta/models", Query: listQuery(req.Query)}, nil
	case relay.OpGetModel:
		return provider.Call{Method: http.MethodGet, Path: "/v1beta/" + model}, nil
	default:
		return provider.Call{}, fmt.Errorf("%w: gemini %s", relay.ErrUnsupported, req.Operation)
	}
}

// modelPath renders the model as a "models/{id}" resource path with the bare
// id escaped but the resource slash intact.
func modelPath(model string) string {
	return "models/" + url.PathEscape(transform.StripModelsPrefix(model))
}

// listQuery forwards paging parameters and drops downstream auth material.
func listQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	out := url.Values{}
	for _, k := range []string{"pageSize", "pageToken"} {
		if v := q.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out.Encode()
}
