package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/upstream"
)

func newTestClient(t *testing.T, cfg Config, sink CredentialSink) *Client {
	t.Helper()
	clients, err := upstream.NewClients("")
	if err != nil {
		t.Fatalf("NewClients: %v", err)
	}
	return New(cfg, clients, sink)
}

func apiKeyCred(key string) relay.Credential {
	return relay.Credential{ID: 1, Provider: "gemini-main", Secret: json.RawMessage(`{"api_key":"` + key + `"}`), Enabled: true}
}

func TestDispatchTable(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "gemini-main"}, nil)
	table := c.DispatchTable()

	rule := table(relay.TransformContext{SrcProto: relay.ProtoGemini, DstProto: relay.ProtoGemini, SrcOp: relay.OpGenerate, DstOp: relay.OpGenerate})
	if rule.Kind != relay.RuleNative {
		t.Errorf("gemini generate rule = %v, want native", rule.Kind)
	}

	rule = table(relay.TransformContext{SrcProto: relay.ProtoClaude, DstProto: relay.ProtoClaude, SrcOp: relay.OpGenerateStream, DstOp: relay.OpGenerateStream})
	if rule.Kind != relay.RuleTransform || rule.Target != relay.ProtoGemini {
		t.Errorf("claude stream rule = %+v, want transform to gemini", rule)
	}

	rule = table(relay.TransformContext{SrcProto: relay.ProtoOpenAI, DstProto: relay.ProtoOpenAI, SrcOp: relay.OpResponses, DstOp: relay.OpResponses})
	if rule.Kind != relay.RuleUnsupported {
		t.Errorf("responses rule = %v, want unsupported", rule.Kind)
	}

	rule = table(relay.TransformContext{SrcProto: relay.ProtoGemini, DstProto: relay.ProtoGemini, SrcOp: relay.OpOAuthStart, DstOp: relay.OpOAuthStart})
	if rule.Kind != relay.RuleNative {
		t.Errorf("oauth rule = %v, want native", rule.Kind)
	}
}

func TestPlanPaths(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "gemini-main"}, nil)
	tests := []struct {
		op     relay.Operation
		model  string
		method string
		path   string
		query  string
		stream bool
	}{
		{relay.OpGenerate, "models/gemini-2.0-flash", http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", "", false},
		{relay.OpGenerateStream, "gemini-2.0-flash", http.MethodPost, "/v1beta/models/gemini-2.0-flash:streamGenerateContent", "alt=sse", true},
		{relay.OpCountTokens, "models/gemini-2.0-flash", http.MethodPost, "/v1beta/models/gemini-2.0-flash:countTokens", "", false},
		{relay.OpListModels, "", http.MethodGet, "/v1beta/models", "", false},
		{relay.OpGetModel, "models/gemini-2.0-flash", http.MethodGet, "/v1beta/models/gemini-2.0-flash", "", false},
	}
	for _, tt := range tests {
		call, err := c.plan(&relay.ProxyRequest{Operation: tt.op, Model: tt.model})
		if err != nil {
			t.Fatalf("plan(%s): %v", tt.op, err)
		}
		if call.Method != tt.method || call.Path != tt.path || call.Query != tt.query || call.Stream != tt.stream {
			t.Errorf("plan(%s) = %+v, want %s %s query=%q stream=%v", tt.op, call, tt.method, tt.path, tt.query, tt.stream)
		}
	}

	if _, err := c.plan(&relay.ProxyRequest{Operation: relay.OpResponses}); !errors.Is(err, relay.ErrUnsupported) {
		t.Errorf("plan(responses) = %v, want ErrUnsupported", err)
	}
}

func TestListQueryDropsAuthMaterial(t *testing.T) {
	t.Parallel()

	q := url.Values{}
	q.Set("key", "downstream-key")
	q.Set("pageSize", "10")
	q.Set("pageToken", "tok")
	got := listQuery(q)
	want := "pageSize=10&pageToken=tok"
	if got != want {
		t.Errorf("listQuery = %q, want %q", got, want)
	}
}

func TestAuthorizeSecretShapes(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	if err := authorize(h, apiKeyCred("g-key")); err != nil {
		t.Fatalf("authorize api key: %v", err)
	}
	if h.Get("x-goog-api-key") != "g-key" {
		t.Errorf("x-goog-api-key = %q", h.Get("x-goog-api-key"))
	}

	h = http.Header{}
	cred := relay.Credential{Secret: json.RawMessage(`{"access_token":"tok","refresh_token":"r"}`)}
	if err := authorize(h, cred); err != nil {
		t.Fatalf("authorize oauth: %v", err)
	}
	if h.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}

	if err := authorize(http.Header{}, relay.Credential{Secret: json.RawMessage(`{}`)}); !errors.Is(err, relay.ErrInvalidConfig) {
		t.Errorf("empty secret err = %v, want ErrInvalidConfig", err)
	}
	if err := authorize(http.Header{}, relay.Credential{Secret: json.RawMessage(`not json`)}); !errors.Is(err, relay.ErrInvalidConfig) {
		t.Errorf("bad json err = %v, want ErrInvalidConfig", err)
	}
}

func TestCallNativeGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Error("missing x-goog-api-key header")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hi!"}],"role":"model"},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Name: "gemini-main", BaseURL: srv.URL}, nil)
	req := &relay.ProxyRequest{
		Protocol:  relay.ProtoGemini,
		Operation: relay.OpGenerate,
		Model:     "models/gemini-2.0-flash",
		Body:      []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`),
		Header:    http.Header{},
	}
	resp, meta, err := c.CallNative(context.Background(), req, &relay.UpstreamContext{Credential: apiKeyCred("g-key")})
	if err != nil {
		t.Fatalf("CallNative: %v", err)
	}
	if resp.Status != http.StatusOK || resp.IsStream() {
		t.Fatalf("resp = status %d stream %v, want 200 non-stream", resp.Status, resp.IsStream())
	}
	if meta == nil || meta.Method != http.MethodPost {
		t.Errorf("meta = %+v, want POST", meta)
	}
}

func TestCallNativeStreamRequestsSSE(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("query = %s, want alt=sse", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hello\"}],\"role\":\"model\"},\"finishReason\":\"STOP\"}]}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, Config{Name: "gemini-main", BaseURL: srv.URL}, nil)
	req := &relay.ProxyRequest{
		Protocol:  relay.ProtoGemini,
		Operation: relay.OpGenerateStream,
		Model:     "models/gemini-2.0-flash",
		Stream:    true,
		Body:      []byte(`{"contents":[]}`),
		Header:    http.Header{},
	}
	resp, _, err := c.CallNative(context.Background(), req, &relay.UpstreamContext{Credential: apiKeyCred("g-key")})
	if err != nil {
		t.Fatalf("CallNative: %v", err)
	}
	if !resp.IsStream() {
		t.Fatal("want streaming response")
	}
	var got []byte
	for chunk := range resp.Stream {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		got = append(got, chunk.Data...)
	}
	if len(got) == 0 {
		t.Error("stream carried no data")
	}
}

func TestCallNativeRejectsBadSecret(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "gemini-main"}, nil)
	req := &relay.ProxyRequest{Operation: relay.OpGenerate, Model: "models/g", Header: http.Header{}}
	cred := relay.Credential{Secret: json.RawMessage(`{"token":"wrong shape"}`)}
	_, _, err := c.CallNative(context.Background(), req, &relay.UpstreamContext{Credential: cred})
	if !errors.Is(err, relay.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

// fakeSink records the credential handed to it and assigns an id.
type fakeSink struct {
	stored []relay.Credential
}

func (f *fakeSink) StoreCredential(_ context.Context, cred relay.Credential) (relay.Credential, error) {
	cred.ID = int64(len(f.stored) + 1)
	f.stored = append(f.stored, cred)
	return cred, nil
}

func TestOAuthStartAndCallback(t *testing.T) {
	t.Parallel()

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer token.Close()

	sink := &fakeSink{}
	c := newTestClient(t, Config{
		Name: "gemini-main",
		OAuth: OAuthConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			AuthURL:      token.URL + "/auth",
			TokenURL:     token.URL + "/token",
		},
	}, sink)

	start, err := c.OAuthStart(context.Background(), &relay.ProxyRequest{Query: url.Values{}})
	if err != nil {
		t.Fatalf("OAuthStart: %v", err)
	}
	var started struct {
		AuthURL     string `json:"auth_url"`
		State       string `json:"state"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := json.Unmarshal(start.Body, &started); err != nil {
		t.Fatalf("unmarshal start body: %v", err)
	}
	if started.State == "" || started.RedirectURI != defaultRedirectURI {
		t.Fatalf("start = %+v", started)
	}
	u, err := url.Parse(started.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if u.Query().Get("client_id") != "client-id" || u.Query().Get("access_type") != "offline" {
		t.Errorf("auth url query = %s", u.RawQuery)
	}

	cb := url.Values{}
	cb.Set("code", "auth-code")
	cb.Set("state", started.State)
	resp, err := c.OAuthCallback(context.Background(), &relay.ProxyRequest{Query: cb})
	if err != nil {
		t.Fatalf("OAuthCallback: %v", err)
	}
	var issued struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(resp.Body, &issued); err != nil {
		t.Fatalf("unmarshal callback body: %v", err)
	}
	if issued.AccessToken != "at-1" || issued.RefreshToken != "rt-1" {
		t.Errorf("issued = %+v", issued)
	}

	if len(sink.stored) != 1 {
		t.Fatalf("stored %d credentials, want 1", len(sink.stored))
	}
	var s secret
	if err := json.Unmarshal(sink.stored[0].Secret, &s); err != nil {
		t.Fatalf("unmarshal stored secret: %v", err)
	}
	if s.AccessToken != "at-1" || s.RefreshToken != "rt-1" {
		t.Errorf("stored secret = %+v", s)
	}
	if !sink.stored[0].Enabled || sink.stored[0].Provider != "gemini-main" {
		t.Errorf("stored credential = %+v", sink.stored[0])
	}

	// The remembered state is single-use; a replay falls back to the query
	// parameters and still exchanges.
	if _, err := c.OAuthCallback(context.Background(), &relay.ProxyRequest{Query: cb}); err != nil {
		t.Fatalf("replayed callback: %v", err)
	}
}

func TestOAuthCallbackErrors(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "gemini-main", OAuth: OAuthConfig{ClientID: "cid"}}, nil)

	q := url.Values{}
	q.Set("error", "access_denied")
	if _, err := c.OAuthCallback(context.Background(), &relay.ProxyRequest{Query: q}); !errors.Is(err, relay.ErrBadRequest) {
		t.Errorf("error param: err = %v, want ErrBadRequest", err)
	}

	if _, err := c.OAuthCallback(context.Background(), &relay.ProxyRequest{Query: url.Values{}}); !errors.Is(err, relay.ErrBadRequest) {
		t.Errorf("missing code: err = %v, want ErrBadRequest", err)
	}
}

func TestOAuthStartUnconfigured(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "gemini-main"}, nil)
	if _, err := c.OAuthStart(context.Background(), &relay.ProxyRequest{Query: url.Values{}}); !errors.Is(err, relay.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestRefreshCredential(t *testing.T) {
	t.Parallel()

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err == nil && r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-new","token_type":"Bearer","expires_in":3600}`)
	}))
	defer token.Close()

	sink := &fakeSink{}
	c := newTestClient(t, Config{
		Name:  "gemini-main",
		OAuth: OAuthConfig{ClientID: "cid", ClientSecret: "cs", TokenURL: token.URL},
	}, sink)

	cred := relay.Credential{ID: 7, Provider: "gemini-main", Secret: json.RawMessage(`{"access_token":"at-old","refresh_token":"rt-1"}`), Enabled: true}
	got, err := c.RefreshCredential(context.Background(), cred)
	if err != nil {
		t.Fatalf("RefreshCredential: %v", err)
	}
	var s secret
	if err := json.Unmarshal(got.Secret, &s); err != nil {
		t.Fatalf("unmarshal refreshed secret: %v", err)
	}
	if s.AccessToken != "at-new" {
		t.Errorf("access_token = %q, want at-new", s.AccessToken)
	}
	if s.RefreshToken != "rt-1" {
		t.Errorf("refresh_token = %q, want rt-1 kept", s.RefreshToken)
	}
	if len(sink.stored) != 1 {
		t.Errorf("stored %d credentials, want 1", len(sink.stored))
	}

	// API-key credentials cannot be refreshed.
	_, err = c.RefreshCredential(context.Background(), apiKeyCred("g-key"))
	if !errors.Is(err, relay.ErrInvalidConfig) {
		t.Errorf("api key refresh err = %v, want ErrInvalidConfig", err)
	}
}

func TestStateExpiry(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Config{Name: "gemini-main"}, nil)
	c.rememberState("fresh", oauthState{redirectURI: "http://x", created: time.Now()})
	c.rememberState("stale", oauthState{redirectURI: "http://y", created: time.Now().Add(-stateTTL - time.Minute)})

	if _, ok := c.takeState("stale"); ok {
		t.Error("stale state should not be usable")
	}
	st, ok := c.takeState("fresh")
	if !ok || st.redirectURI != "http://x" {
		t.Fatalf("fresh state = %+v ok=%v", st, ok)
	}
	if _, ok := c.takeState("fresh"); ok {
		t.Error("state should be single-use")
	}
}
