// Package openai implements the openai-dialect provider family.
package openai

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

const defaultBaseURL = "https://api.openai.com"

var _ relay.Provider = (*Client)(nil)

// Config carries the per-instance settings for one OpenAI upstream.
type Config struct {
	Name        string
	BaseURL     string        // empty defaults to the public API
	Timeout     time.Duration // per attempt, non-streaming calls only
	MaxAttempts int           // credentials tried per request; 0 = engine default
}

// Client relays openai-dialect calls to the OpenAI API.
type Client struct {
	name     string
	baseURL  string
	timeout  time.Duration
	attempts int
	clients  *upstream.Clients
}

// New creates an OpenAI Client sending through the shared upstream clients.
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

// DispatchTable serves openai shapes natively, including the Responses API,
// and translates the other dialects to openai chat. Responses bodies are
// never translated, so only openai callers reach that endpoint.
func (c *Client) DispatchTable() relay.DispatchTable {
	return func(tc relay.TransformContext) relay.DispatchRule {
		switch tc.DstOp {
		case relay.OpUsage:
			return relay.Native()
		case relay.OpOAuthStart, relay.OpOAuthCallback:
			return relay.Unsupported()
		case relay.OpResponses:
			if tc.SrcProto == relay.ProtoOpenAI {
				return relay.Native()
			}
			return relay.Unsupported()
		}
		if tc.SrcProto == relay.ProtoOpenAI {
			return relay.Native()
		}
		return relay.TransformTo(relay.ProtoOpenAI)
	}
}

type apiKeySecret struct {
	APIKey string `json:"api_key"`
}

// CallNative performs one upstream attempt. req.Body is already
// openai-shaped with its stream flag matching req.Operation.
func (c *Client) CallNative(ctx context.Context, req *relay.ProxyRequest, up *relay.UpstreamContext) (*relay.ProxyResponse, *relay.UpstreamRecordMeta, error) {
	var secret apiKeySecret
	if err := json.Unmarshal(up.Credential.Secret, &secret); err != nil || secret.APIKey == "" {
		return nil, nil, fmt.Errorf("%w: openai secret wants {\"api_key\":...}", relay.ErrInvalidConfig)
	}

	call, err := c.plan(req)
	if err != nil {
		return nil, nil, err
	}

	header := upstream.SanitizeHeader(req.Header)
	header.Set("Authorization", "Bearer "+secret.APIKey)
	header.Set("Accept", "application/json")
	if len(call.Body) > 0 {
		header.Set("Content-Type", "application/json")
	}

	return provider.Do(ctx, c.clients, c.baseURL, header, call, up.ProxyURL, c.timeout)
}

func (c *Client) plan(req *relay.ProxyRequest) (provider.Call, error) {
	switch req.Operation {
	case relay.OpGenerate:
		return provider.Call{Method: http.MethodPost, Path: "/v1/chat/completions", Body: req.Body}, nil
	case relay.OpGenerateStream:
		return provider.Call{Method: http.MethodPost, Path: "/v1/chat/completions", Body: req.Body, Stream: true}, nil
	case relay.OpCountTokens:
		return provider.Call{Method: http.MethodPost, Path: "/v1/responses/input_tokens", Body: req.Body}, nil
	case relay.OpListModels:
		return provider.Call{Method: http.MethodGet, Path: "/v1/models", Query: req.Query.Encode()}, nil
	case relay.OpGetModel:
		return provider.Call{Method: http.MethodGet, Path: "/v1/models/" + url.PathEscape(req.Model)}, nil
	case relay.OpResponses:
		// Raw passthrough; the classifier read the stream flag off the body.
		return provider.Call{Method: http.MethodPost, Path: "/v1/responses", Body: req.Body, Stream: req.Stream}, nil
	default:
		return provider.Call{}, fmt.Errorf("%w: openai %s", relay.ErrUnsupported, req.Operation)
	}
}
