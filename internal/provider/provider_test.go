package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	relay "github.com/eugener/palantir/internal"
)

// fakeProvider is a minimal relay.Provider for registry tests.
type fakeProvider struct {
	name string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) DispatchTable() relay.DispatchTable {
	return func(relay.TransformContext) relay.DispatchRule { return relay.Native() }
}

func (f *fakeProvider) CallNative(_ context.Context, _ *relay.ProxyRequest, _ *relay.UpstreamContext) (*relay.ProxyResponse, *relay.UpstreamRecordMeta, error) {
	return nil, nil, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	p := &fakeProvider{name: "claude-main"}
	reg.Register("claude-main", p)

	got, err := reg.Get("claude-main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "claude-main" {
		t.Errorf("Name() = %q, want claude-main", got.Name())
	}

	_, err = reg.Get("nonexistent")
	if !errors.Is(err, relay.ErrProviderNotFound) {
		t.Fatalf("Get(nonexistent) = %v, want ErrProviderNotFound", err)
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("beta", &fakeProvider{name: "beta"})
	reg.Register("alpha", &fakeProvider{name: "alpha"})
	reg.Register("gamma", &fakeProvider{name: "gamma"})

	names := reg.List()
	if len(names) != 3 {
		t.Fatalf("got %d names, want 3", len(names))
	}
	if names[0] != "alpha" || names[1] != "beta" || names[2] != "gamma" {
		t.Errorf("names = %v, want [alpha beta gamma]", names)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	first := &fakeProvider{name: "first"}
	second := &fakeProvider{name: "second"}
	reg.Register("p1", first)
	reg.Register("p1", second)

	got, err := reg.Get("p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "second" {
		t.Errorf("Name() = %q, want second (overwritten)", got.Name())
	}
	if len(reg.List()) != 1 {
		t.Errorf("list len = %d, want 1", len(reg.List()))
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base, path, want string
	}{
		{"https://api.anthropic.com", "/v1/messages", "https://api.anthropic.com/v1/messages"},
		{"https://api.anthropic.com/", "v1/messages", "https://api.anthropic.com/v1/messages"},
		{"https://proxy.local/v1", "/v1/messages", "https://proxy.local/v1/messages"},
		{"https://host/v1beta", "/v1beta/models/gemini-pro:generateContent", "https://host/v1beta/models/gemini-pro:generateContent"},
		{"https://host", "/v1beta/models", "https://host/v1beta/models"},
	}
	for _, tt := range tests {
		if got := BuildURL(tt.base, tt.path); got != tt.want {
			t.Errorf("BuildURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}

func passthrough(status int, header http.Header, body string) error {
	return &relay.PassthroughError{Status: status, Header: header, Body: []byte(body)}
}

func TestDefaultUnavailability_Statuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		model     string
		reason    relay.UnavailableReason
		cooldown  time.Duration
		marked    string // expected Model on the verdict
		retryable bool
	}{
		{
			name:      "rate limit default cooldown",
			err:       passthrough(429, http.Header{}, `{"error":"slow down"}`),
			reason:    relay.ReasonRateLimit,
			cooldown:  30 * time.Second,
			retryable: true,
		},
		{
			name:      "rate limit honors retry-after",
			err:       passthrough(429, http.Header{"Retry-After": {"120"}}, ""),
			reason:    relay.ReasonRateLimit,
			cooldown:  120 * time.Second,
			retryable: true,
		},
		{
			name:      "unauthorized",
			err:       passthrough(401, http.Header{}, ""),
			reason:    relay.ReasonAuthInvalid,
			cooldown:  authInvalidCooldown,
			retryable: true,
		},
		{
			name:      "forbidden",
			err:       passthrough(403, http.Header{}, ""),
			reason:    relay.ReasonAuthInvalid,
			cooldown:  authInvalidCooldown,
			retryable: true,
		},
		{
			name:      "server error",
			err:       passthrough(503, http.Header{}, "upstream overloaded"),
			reason:    relay.ReasonUpstream5xx,
			cooldown:  10 * time.Second,
			retryable: true,
		},
		{
			name:     "model not found benches the model",
			err:      passthrough(404, http.Header{}, `{"error":{"message":"models/gemini-x is not found for API version v1beta"}}`),
			model:    "models/gemini-x",
			reason:   relay.ReasonModelDisallow,
			cooldown: time.Hour,
			marked:   "models/gemini-x",
		},
		{
			name:   "plain 404 is not a credential fault",
			err:    passthrough(404, http.Header{}, `{"error":"unknown path"}`),
			reason: "",
		},
		{
			name:   "model not found without a model passes through",
			err:    passthrough(404, http.Header{}, `{"error":"model not found"}`),
			reason: "",
		},
		{
			name:   "client error passes through",
			err:    passthrough(400, http.Header{}, `{"error":"bad request"}`),
			reason: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := DefaultUnavailability(tt.err, tt.model)
			if got.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", got.Reason, tt.reason)
			}
			if got.Cooldown != tt.cooldown {
				t.Errorf("Cooldown = %v, want %v", got.Cooldown, tt.cooldown)
			}
			if got.Model != tt.marked {
				t.Errorf("Model = %q, want %q", got.Model, tt.marked)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestDefaultUnavailability_Transport(t *testing.T) {
	t.Parallel()

	var ne net.Error = timeoutErr{}
	got := DefaultUnavailability(ne, "")
	if got.Reason != relay.ReasonTimeout {
		t.Fatalf("Reason = %q, want timeout", got.Reason)
	}
	if got.Cooldown != 10*time.Second || !got.Retryable {
		t.Errorf("verdict = %+v, want 10s retryable", got)
	}

	got = DefaultUnavailability(context.DeadlineExceeded, "")
	if got.Reason != relay.ReasonTimeout {
		t.Errorf("deadline: Reason = %q, want timeout", got.Reason)
	}

	got = DefaultUnavailability(context.Canceled, "")
	if got.Reason != "" {
		t.Errorf("canceled: Reason = %q, want no mark", got.Reason)
	}

	got = DefaultUnavailability(relay.ErrProxyMismatch, "")
	if got.Reason != "" {
		t.Errorf("proxy mismatch: Reason = %q, want no mark", got.Reason)
	}

	got = DefaultUnavailability(relay.ErrInvalidConfig, "")
	if got.Reason != relay.ReasonAuthInvalid {
		t.Errorf("invalid config: Reason = %q, want auth_invalid", got.Reason)
	}
}
