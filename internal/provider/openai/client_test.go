package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	clients, err := upstream.NewClients("")
	if err != nil {
		t.Fatalf("NewClients: %v", err)
	}
	return New(cfg, clients)
}

func cred(key string) relay.Credential {
	return relay.Credential{ID: 1, Provider: "openai-main", Secret: json.RawMessage(`{"api_key":"` + key + `"}`), Enabled: true}
}

func TestDispatchTable(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "openai-main"})
	table := c.DispatchTable()

	rule := table(relay.TransformContext{SrcProto: relay.ProtoOpenAI, DstProto: relay.ProtoOpenAI, SrcOp: relay.OpGenerate, DstOp: relay.OpGenerate})
	if rule.Kind != relay.RuleNative {
		t.Errorf("openai generate rule = %v, want native", rule.Kind)
	}

	rule = table(relay.TransformContext{SrcProto: relay.ProtoGemini, DstProto: relay.ProtoGemini, SrcOp: relay.OpCountTokens, DstOp: relay.OpCountTokens})
	if rule.Kind != relay.RuleTransform || rule.Target != relay.ProtoOpenAI {
		t.Errorf("gemini count rule = %+v, want transform to openai", rule)
	}

	// The Responses API passes through for openai callers only.
	rule = table(relay.TransformContext{SrcProto: relay.ProtoOpenAI, DstProto: relay.ProtoOpenAI, SrcOp: relay.OpResponses, DstOp: relay.OpResponses})
	if rule.Kind != relay.RuleNative {
		t.Errorf("openai responses rule = %v, want native", rule.Kind)
	}
	rule = table(relay.TransformContext{SrcProto: relay.ProtoClaude, DstProto: relay.ProtoClaude, SrcOp: relay.OpResponses, DstOp: relay.OpResponses})
	if rule.Kind != relay.RuleUnsupported {
		t.Errorf("claude responses rule = %v, want unsupported", rule.Kind)
	}

	rule = table(relay.TransformContext{SrcProto: relay.ProtoOpenAI, DstProto: relay.ProtoOpenAI, SrcOp: relay.OpOAuthStart, DstOp: relay.OpOAuthStart})
	if rule.Kind != relay.RuleUnsupported {
		t.Errorf("oauth rule = %v, want unsupported", rule.Kind)
	}
}

func TestPlanPaths(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "openai-main"})
	tests := []struct {
		op     relay.Operation
		model  string
		stream bool
		method string
		path   string
		want   bool // call.Stream
	}{
		{relay.OpGenerate, "gpt-4o", false, http.MethodPost, "/v1/chat/completions", false},
		{relay.OpGenerateStream, "gpt-4o", true, http.MethodPost, "/v1/chat/completions", true},
		{relay.OpCountTokens, "gpt-4o", false, http.MethodPost, "/v1/responses/input_tokens", false},
		{relay.OpListModels, "", false, http.MethodGet, "/v1/models", false},
		{relay.OpGetModel, "gpt-4o", false, http.MethodGet, "/v1/models/gpt-4o", false},
		{relay.OpResponses, "gpt-4o", true, http.MethodPost, "/v1/responses", true},
		{relay.OpResponses, "gpt-4o", false, http.MethodPost, "/v1/responses", false},
	}
	for _, tt := range tests {
		call, err := c.plan(&relay.ProxyRequest{Operation: tt.op, Model: tt.model, Stream: tt.stream})
		if err != nil {
			t.Fatalf("plan(%s): %v", tt.op, err)
		}
		if call.Method != tt.method || call.Path != tt.path || call.Stream != tt.want {
			t.Errorf("plan(%s) = %+v, want %s %s stream=%v", tt.op, call, tt.method, tt.path, tt.want)
		}
	}

	if _, err := c.plan(&relay.ProxyRequest{Operation: relay.OpOAuthStart}); !errors.Is(err, relay.ErrUnsupported) {
		t.Errorf("plan(oauth_start) = %v, want ErrUnsupported", err)
	}
}

func TestCallNativeChat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Name: "openai-main", BaseURL: srv.URL})
	req := &relay.ProxyRequest{
		Protocol:  relay.ProtoOpenAI,
		Operation: relay.OpGenerate,
		Model:     "gpt-4o",
		Body:      []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
		Header:    http.Header{},
	}
	resp, meta, err := c.CallNative(context.Background(), req, &relay.UpstreamContext{Credential: cred("sk-key")})
	if err != nil {
		t.Fatalf("CallNative: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d", resp.Status)
	}
	if meta == nil || meta.URL != srv.URL+"/v1/chat/completions" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestCallNativePassesThroughUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Name: "openai-main", BaseURL: srv.URL})
	req := &relay.ProxyRequest{Operation: relay.OpGenerate, Model: "gpt-4o", Body: []byte(`{}`), Header: http.Header{}}
	_, meta, err := c.CallNative(context.Background(), req, &relay.UpstreamContext{Credential: cred("sk-key")})

	var pe *relay.PassthroughError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PassthroughError", err)
	}
	if pe.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", pe.Status)
	}
	if meta == nil {
		t.Error("meta should accompany a passthrough error")
	}
}

func TestCallNativeRejectsBadSecret(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "openai-main"})
	req := &relay.ProxyRequest{Operation: relay.OpGenerate, Model: "gpt-4o", Header: http.Header{}}
	_, _, err := c.CallNative(context.Background(), req, &relay.UpstreamContext{Credential: relay.Credential{Secret: json.RawMessage(`{}`)}})
	if !errors.Is(err, relay.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}
