package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/pool"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/traffic"
)

// --- Fakes ---

// fakeProvider is a scriptable provider speaking one native dialect. ops
// lists the operations it serves; translate additionally accepts the other
// dialects by translating to the native one. CallNative consumes script in
// order and logs every call it sees.
type fakeProvider struct {
	name      string
	proto     relay.Protocol
	ops       map[relay.Operation]bool
	translate bool

	mu     sync.Mutex
	script []fakeResult
	calls  []fakeCall
}

type fakeResult struct {
	resp *relay.ProxyResponse
	meta *relay.UpstreamRecordMeta
	err  error
}

type fakeCall struct {
	req relay.ProxyRequest
	up  relay.UpstreamContext
}

func newFakeProvider(name string, proto relay.Protocol, ops ...relay.Operation) *fakeProvider {
	m := make(map[relay.Operation]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return &fakeProvider{name: name, proto: proto, ops: m}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) DispatchTable() relay.DispatchTable {
	return func(tc relay.TransformContext) relay.DispatchRule {
		if !f.ops[tc.DstOp] {
			return relay.Unsupported()
		}
		if tc.SrcProto == f.proto {
			return relay.Native()
		}
		if f.translate {
			return relay.TransformTo(f.proto)
		}
		return relay.Unsupported()
	}
}

func (f *fakeProvider) CallNative(_ context.Context, req *relay.ProxyRequest, up *relay.UpstreamContext) (*relay.ProxyResponse, *relay.UpstreamRecordMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{req: *req, up: *up})
	if len(f.script) == 0 {
		return nil, nil, errors.New("fake provider: script exhausted")
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.resp, next.meta, next.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) call(i int) fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// refreshingProvider adds a token refresh hook to fakeProvider.
type refreshingProvider struct {
	*fakeProvider
	fresh     relay.Credential
	refreshes int
}

func (p *refreshingProvider) RefreshCredential(context.Context, relay.Credential) (relay.Credential, error) {
	p.refreshes++
	return p.fresh, nil
}

// cappedProvider bounds the engine's attempt budget.
type cappedProvider struct {
	*fakeProvider
	max int
}

func (p *cappedProvider) MaxAttempts() int { return p.max }

// decidingProvider overrides the default unavailability mapping.
type decidingProvider struct {
	*fakeProvider
	verdict relay.Unavailability
}

func (p *decidingProvider) DecideUnavailable(error) (relay.Unavailability, bool) {
	return p.verdict, true
}

// oauthCapableProvider serves the interactive credential flow.
type oauthCapableProvider struct {
	*fakeProvider
}

func (p *oauthCapableProvider) OAuthStart(context.Context, *relay.ProxyRequest) (*relay.ProxyResponse, error) {
	return &relay.ProxyResponse{
		Status: http.StatusFound,
		Header: http.Header{"Location": {"https://auth.example.com/authorize?state=xyz"}},
	}, nil
}

func (p *oauthCapableProvider) OAuthCallback(context.Context, *relay.ProxyRequest) (*relay.ProxyResponse, error) {
	return &relay.ProxyResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("connected"),
	}, nil
}

type fakeUsage struct {
	rows []relay.UsageAggregate
	err  error
}

func (f *fakeUsage) UsageSummary(context.Context, string) ([]relay.UsageAggregate, error) {
	return f.rows, f.err
}

// --- Harness ---

type engineEnv struct {
	engine *Engine
	pool   *pool.Pool
	events <-chan relay.Event
}

func newEngineEnv(t *testing.T, p relay.Provider, creds ...relay.Credential) *engineEnv {
	t.Helper()

	hub := events.NewHub(128)
	ch, cancel := hub.Subscribe()
	t.Cleanup(cancel)

	pl := pool.New(hub)
	for _, c := range creds {
		pl.Insert(c)
	}

	reg := provider.NewRegistry()
	reg.Register(p.Name(), p)

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	eng := NewEngine(EngineConfig{
		Providers:   reg,
		Pool:        pl,
		Recorder:    traffic.NewRecorder(nil, metrics),
		Hub:         hub,
		Metrics:     metrics,
		ProviderIDs: map[string]int64{p.Name(): 7},
	})
	eng.delay = func(int) time.Duration { return 0 }
	return &engineEnv{engine: eng, pool: pl, events: ch}
}

func cred(id int64, providerName string) relay.Credential {
	return relay.Credential{
		ID:       id,
		Provider: providerName,
		Secret:   json.RawMessage(fmt.Sprintf(`{"api_key":"key-%d"}`, id)),
		Enabled:  true,
	}
}

func traceCtx() context.Context {
	return relay.ContextWithTraceID(context.Background(), "trace-1")
}

func drainEvents(ch <-chan relay.Event) []relay.Event {
	var out []relay.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func upstreamRecords(evs []relay.Event) []*relay.UpstreamTraffic {
	var out []*relay.UpstreamTraffic
	for _, ev := range evs {
		if ev.Kind == relay.EventUpstream {
			out = append(out, ev.Upstream)
		}
	}
	return out
}

func collectStream(t *testing.T, resp *relay.ProxyResponse) string {
	t.Helper()
	if !resp.IsStream() {
		t.Fatal("expected a stream response")
	}
	var b strings.Builder
	for chunk := range resp.Stream {
		if chunk.Err != nil {
			t.Fatalf("stream chunk error: %v", chunk.Err)
		}
		b.Write(chunk.Data)
	}
	return b.String()
}

func jsonResponse(status int, body string) *relay.ProxyResponse {
	return &relay.ProxyResponse{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
	}
}

func streamResponse(chunks ...string) *relay.ProxyResponse {
	ch := make(chan relay.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- relay.StreamChunk{Data: []byte(c)}
	}
	close(ch)
	return &relay.ProxyResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/event-stream"}},
		Stream: ch,
	}
}

func claudeGenRequest(model, body string, stream bool) *relay.ProxyRequest {
	op := relay.OpGenerate
	if stream {
		op = relay.OpGenerateStream
	}
	return &relay.ProxyRequest{
		Protocol:  relay.ProtoClaude,
		Operation: op,
		Model:     model,
		Stream:    stream,
		Body:      []byte(body),
	}
}

// --- Fixtures ---

const claudeMessageBody = `{"id":"msg_9","type":"message","role":"assistant","model":"claude-3","content":[{"type":"text","text":"Hello!"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":5}}`

const claudeStreamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}

event: message_stop
data: {"type":"message_stop"}

`

// --- Tests ---

func TestEngineNativePassthrough(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate, relay.OpGenerateStream)
	f.script = []fakeResult{{
		resp: &relay.ProxyResponse{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"application/json"}, "X-Upstream": {"1"}},
			Body:   []byte(claudeMessageBody),
		},
		meta: &relay.UpstreamRecordMeta{
			Method: "POST",
			URL:    "https://api.anthropic.com/v1/messages",
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(`{"model":"claude-3"}`),
		},
	}}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if string(resp.Body) != claudeMessageBody {
		t.Errorf("body not passed through: %s", resp.Body)
	}
	if resp.Header.Get("X-Upstream") != "1" {
		t.Error("upstream header dropped on passthrough")
	}
	if got := f.call(0).req; string(got.Body) != string(req.Body) || got.Protocol != relay.ProtoClaude {
		t.Errorf("upstream request altered: proto=%s body=%s", got.Protocol, got.Body)
	}

	recs := upstreamRecords(drainEvents(env.events))
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.TraceID != "trace-1" || rec.Provider != "claude" || rec.ProviderID != 7 {
		t.Errorf("record identity = %q %q %d", rec.TraceID, rec.Provider, rec.ProviderID)
	}
	if rec.Operation != "claude.generate" || rec.Model != "claude-3" || rec.Attempt != 1 {
		t.Errorf("record call = %q %q attempt %d", rec.Operation, rec.Model, rec.Attempt)
	}
	if rec.CredentialID == nil || *rec.CredentialID != 1 {
		t.Errorf("record credential = %v", rec.CredentialID)
	}
	if rec.Method != "POST" || rec.URL != "https://api.anthropic.com/v1/messages" {
		t.Errorf("record meta = %q %q", rec.Method, rec.URL)
	}
	if rec.Status != http.StatusOK || rec.RespBody != claudeMessageBody {
		t.Errorf("record response = %d %q", rec.Status, rec.RespBody)
	}
	if rec.Usage.ClaudeInputTokens == nil || *rec.Usage.ClaudeInputTokens != 12 {
		t.Errorf("record input tokens = %v", rec.Usage.ClaudeInputTokens)
	}
	if rec.Usage.ClaudeOutputTokens == nil || *rec.Usage.ClaudeOutputTokens != 5 {
		t.Errorf("record output tokens = %v", rec.Usage.ClaudeOutputTokens)
	}
	if rec.Usage.ClaudeTotalTokens == nil || *rec.Usage.ClaudeTotalTokens != 17 {
		t.Errorf("record total tokens = %v", rec.Usage.ClaudeTotalTokens)
	}
}

func TestEngineTransformsAcrossDialects(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	f.translate = true
	f.script = []fakeResult{{resp: jsonResponse(http.StatusOK, claudeMessageBody)}}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := &relay.ProxyRequest{
		Protocol:  relay.ProtoOpenAI,
		Operation: relay.OpGenerate,
		Model:     "gpt-4o",
		Body:      []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"Hi"}]}`),
	}
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sent := f.call(0).req
	if sent.Protocol != relay.ProtoClaude || sent.Operation != relay.OpGenerate {
		t.Errorf("upstream call = %s %s", sent.Protocol, sent.Operation)
	}
	if got := gjson.GetBytes(sent.Body, "model").String(); got != "gpt-4o" {
		t.Errorf("upstream model = %q", got)
	}
	if got := gjson.GetBytes(sent.Body, "messages.0.content.0.text").String(); got != "Hi" {
		t.Errorf("upstream message = %q", got)
	}

	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	if got := gjson.GetBytes(resp.Body, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
	if got := gjson.GetBytes(resp.Body, "choices.0.message.content").String(); got != "Hello!" {
		t.Errorf("content = %q", got)
	}
	if got := gjson.GetBytes(resp.Body, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish = %q", got)
	}
	if got := gjson.GetBytes(resp.Body, "usage.prompt_tokens").Int(); got != 12 {
		t.Errorf("prompt tokens = %d", got)
	}
}

func TestEngineRetriesRateLimitedCredential(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	f.script = []fakeResult{
		{err: &relay.PassthroughError{
			Status: http.StatusTooManyRequests,
			Header: http.Header{"Retry-After": {"7"}},
			Body:   []byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`),
		}},
		{resp: jsonResponse(http.StatusOK, claudeMessageBody)},
	}
	env := newEngineEnv(t, f, cred(1, "claude"), cred(2, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if f.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", f.callCount())
	}
	first, second := f.call(0), f.call(1)
	if first.up.Credential.ID == second.up.Credential.ID {
		t.Error("retry reused the rate-limited credential")
	}
	if first.up.Attempt != 1 || second.up.Attempt != 2 {
		t.Errorf("attempts = %d, %d", first.up.Attempt, second.up.Attempt)
	}

	st, ok := env.pool.State(first.up.Credential.ID)
	if !ok || !st.Unavailable || st.Reason != relay.ReasonRateLimit {
		t.Fatalf("benched state = %+v", st)
	}
	if d := time.Until(st.Until); d < 5*time.Second || d > 8*time.Second {
		t.Errorf("Retry-After not honored: until in %v", d)
	}

	evs := drainEvents(env.events)
	recs := upstreamRecords(evs)
	if len(recs) != 2 || recs[0].Status != http.StatusTooManyRequests || recs[1].Status != http.StatusOK {
		t.Fatalf("record statuses = %+v", recs)
	}
	var sawBench bool
	for _, ev := range evs {
		if ev.Kind == relay.EventUnavailableStart {
			sawBench = true
			if ev.Unavailable.Reason != relay.ReasonRateLimit || ev.Unavailable.CredentialID != first.up.Credential.ID {
				t.Errorf("bench event = %+v", ev.Unavailable)
			}
		}
	}
	if !sawBench {
		t.Error("no unavailable_start event")
	}
}

func TestEngineReturnsLastErrorWhenPoolEmpties(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	f.script = []fakeResult{
		{err: &relay.PassthroughError{Status: http.StatusInternalServerError, Body: []byte(`{"type":"error"}`)}},
	}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	_, err := env.engine.Execute(traceCtx(), "claude", req)

	var pe *relay.PassthroughError
	if !errors.As(err, &pe) || pe.Status != http.StatusInternalServerError {
		t.Fatalf("err = %v, want passthrough 500", err)
	}
	if errors.Is(err, relay.ErrNoCredentials) {
		t.Error("pool exhaustion masked the upstream error")
	}
	if f.callCount() != 1 {
		t.Errorf("calls = %d, want 1", f.callCount())
	}
	st, _ := env.pool.State(1)
	if !st.Unavailable || st.Reason != relay.ReasonUpstream5xx {
		t.Errorf("state = %+v", st)
	}
}

func TestEngineHonorsAttemptPolicy(t *testing.T) {
	t.Parallel()

	base := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	base.script = []fakeResult{
		{err: &relay.PassthroughError{Status: http.StatusTooManyRequests}},
		{err: &relay.PassthroughError{Status: http.StatusTooManyRequests}},
	}
	env := newEngineEnv(t, &cappedProvider{fakeProvider: base, max: 2},
		cred(1, "claude"), cred(2, "claude"), cred(3, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	_, err := env.engine.Execute(traceCtx(), "claude", req)

	var pe *relay.PassthroughError
	if !errors.As(err, &pe) || pe.Status != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want passthrough 429", err)
	}
	if base.callCount() != 2 {
		t.Errorf("calls = %d, want the policy's 2", base.callCount())
	}
	if base.call(0).up.Credential.ID == base.call(1).up.Credential.ID {
		t.Error("budgeted attempts reused one credential")
	}
}

func TestEngineSurfacesClientErrors(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	f.script = []fakeResult{
		{err: &relay.PassthroughError{
			Status: http.StatusBadRequest,
			Body:   []byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`),
		}},
	}
	env := newEngineEnv(t, f, cred(1, "claude"), cred(2, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","messages":[{"role":"user","content":"Hi"}]}`, false)
	_, err := env.engine.Execute(traceCtx(), "claude", req)

	var pe *relay.PassthroughError
	if !errors.As(err, &pe) || pe.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want passthrough 400", err)
	}
	if f.callCount() != 1 {
		t.Errorf("calls = %d, a client error must not burn credentials", f.callCount())
	}
	if st, _ := env.pool.State(f.call(0).up.Credential.ID); !st.Active() {
		t.Error("client error benched the credential")
	}
}

func TestEngineModelDisallowScopesToModel(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	f.script = []fakeResult{
		{err: &relay.PassthroughError{
			Status: http.StatusNotFound,
			Body:   []byte(`{"type":"error","error":{"type":"not_found_error","message":"model: claude-9 not found"}}`),
		}},
		{resp: jsonResponse(http.StatusOK, claudeMessageBody)},
	}
	env := newEngineEnv(t, f, cred(1, "claude"))

	_, err := env.engine.Execute(traceCtx(), "claude",
		claudeGenRequest("claude-9", `{"model":"claude-9","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false))
	var pe *relay.PassthroughError
	if !errors.As(err, &pe) || pe.Status != http.StatusNotFound {
		t.Fatalf("err = %v, want passthrough 404", err)
	}

	if st, _ := env.pool.State(1); !st.Active() {
		t.Error("model rejection benched the whole credential")
	}
	disallows := env.pool.ModelDisallows(1)
	if len(disallows) != 1 || disallows[0].Model != "claude-9" {
		t.Fatalf("disallows = %+v", disallows)
	}
	if disallows[0].Entry.Level != relay.LevelTransient {
		t.Errorf("level = %q", disallows[0].Entry.Level)
	}

	// Another model on the same credential still works.
	resp, err := env.engine.Execute(traceCtx(), "claude",
		claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false))
	if err != nil {
		t.Fatalf("Execute after disallow: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestEngineNoCredentials(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	disabled := cred(1, "claude")
	disabled.Enabled = false
	env := newEngineEnv(t, f, disabled)

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	_, err := env.engine.Execute(traceCtx(), "claude", req)
	if !errors.Is(err, relay.ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if f.callCount() != 0 {
		t.Errorf("calls = %d, want 0", f.callCount())
	}
}

func TestEngineProviderNotFound(t *testing.T) {
	t.Parallel()

	env := newEngineEnv(t, newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate))
	_, err := env.engine.Execute(traceCtx(), "nope", &relay.ProxyRequest{
		Protocol:  relay.ProtoClaude,
		Operation: relay.OpGenerate,
	})
	if !errors.Is(err, relay.ErrProviderNotFound) {
		t.Fatalf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestEngineUnsupportedOperation(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate, relay.OpGenerateStream)
	env := newEngineEnv(t, f, cred(1, "claude"))

	tests := []struct {
		name string
		req  *relay.ProxyRequest
	}{
		{
			name: "foreign dialect without translation",
			req: &relay.ProxyRequest{
				Protocol:  relay.ProtoOpenAI,
				Operation: relay.OpGenerate,
				Model:     "gpt-4o",
				Body:      []byte(`{"model":"gpt-4o","messages":[]}`),
			},
		},
		{
			name: "operation absent from the table",
			req: &relay.ProxyRequest{
				Protocol:  relay.ProtoClaude,
				Operation: relay.OpCountTokens,
				Model:     "claude-3",
				Body:      []byte(`{"model":"claude-3","messages":[]}`),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Execute(traceCtx(), "claude", tt.req)
			if !errors.Is(err, relay.ErrUnsupported) {
				t.Fatalf("err = %v, want ErrUnsupported", err)
			}
		})
	}
	if f.callCount() != 0 {
		t.Errorf("calls = %d, refusals must not reach upstream", f.callCount())
	}
}

func TestEngineRefreshRecoversExpiredToken(t *testing.T) {
	t.Parallel()

	base := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	base.script = []fakeResult{
		{err: &relay.PassthroughError{Status: http.StatusUnauthorized, Body: []byte(`{"type":"error"}`)}},
		{resp: jsonResponse(http.StatusOK, claudeMessageBody)},
	}
	rotated := cred(1, "claude")
	rotated.Secret = json.RawMessage(`{"api_key":"rotated"}`)
	p := &refreshingProvider{fakeProvider: base, fresh: rotated}
	env := newEngineEnv(t, p, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if p.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", p.refreshes)
	}
	if base.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", base.callCount())
	}
	if got := string(base.call(1).up.Credential.Secret); got != `{"api_key":"rotated"}` {
		t.Errorf("retry secret = %s", got)
	}
	if st, _ := env.pool.State(1); !st.Active() {
		t.Error("refreshed credential was benched")
	}
	if got, ok := env.pool.Select("claude", ""); !ok || string(got.Secret) != `{"api_key":"rotated"}` {
		t.Errorf("pool secret = %s, %v", got.Secret, ok)
	}
}

func TestEngineRefreshesOnlyOncePerRequest(t *testing.T) {
	t.Parallel()

	base := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	base.script = []fakeResult{
		{err: &relay.PassthroughError{Status: http.StatusUnauthorized}},
		{err: &relay.PassthroughError{Status: http.StatusUnauthorized}},
	}
	p := &refreshingProvider{fakeProvider: base, fresh: cred(1, "claude")}
	env := newEngineEnv(t, p, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	_, err := env.engine.Execute(traceCtx(), "claude", req)

	var pe *relay.PassthroughError
	if !errors.As(err, &pe) || pe.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want passthrough 401", err)
	}
	if p.refreshes != 1 {
		t.Errorf("refreshes = %d, want exactly 1", p.refreshes)
	}
	if base.callCount() != 2 {
		t.Errorf("calls = %d, want 2", base.callCount())
	}
	st, _ := env.pool.State(1)
	if !st.Unavailable || st.Reason != relay.ReasonAuthInvalid {
		t.Errorf("state = %+v, want auth_invalid bench", st)
	}
}

func TestEngineDeciderOverride(t *testing.T) {
	t.Parallel()

	base := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	base.script = []fakeResult{
		{err: &relay.PassthroughError{Status: http.StatusInternalServerError}},
	}
	p := &decidingProvider{
		fakeProvider: base,
		verdict: relay.Unavailability{
			Reason:    relay.ReasonManual,
			Cooldown:  time.Minute,
			Retryable: false,
		},
	}
	env := newEngineEnv(t, p, cred(1, "claude"), cred(2, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	_, err := env.engine.Execute(traceCtx(), "claude", req)
	if err == nil {
		t.Fatal("want error")
	}
	if base.callCount() != 1 {
		t.Errorf("calls = %d, the override is not retryable", base.callCount())
	}
	st, _ := env.pool.State(base.call(0).up.Credential.ID)
	if !st.Unavailable || st.Reason != relay.ReasonManual {
		t.Errorf("state = %+v, want the override's verdict", st)
	}
}

func TestEngineAggregatesUpstreamStream(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerateStream)
	f.script = []fakeResult{{resp: streamResponse(claudeStreamBody)}}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sent := f.call(0).req
	if sent.Operation != relay.OpGenerateStream || !sent.Stream {
		t.Errorf("upstream shape = %s stream=%t", sent.Operation, sent.Stream)
	}
	if !gjson.GetBytes(sent.Body, "stream").Bool() {
		t.Errorf("upstream body stream flag not set: %s", sent.Body)
	}

	if resp.IsStream() {
		t.Fatal("caller asked for a single response, got a stream")
	}
	if resp.Status != http.StatusOK || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("response = %d %q", resp.Status, resp.Header.Get("Content-Type"))
	}
	if got := gjson.GetBytes(resp.Body, "id").String(); got != "msg_1" {
		t.Errorf("id = %q", got)
	}
	if got := gjson.GetBytes(resp.Body, "content.0.text").String(); got != "Hello" {
		t.Errorf("text = %q", got)
	}
	if got := gjson.GetBytes(resp.Body, "stop_reason").String(); got != "end_turn" {
		t.Errorf("stop_reason = %q", got)
	}
	if in := gjson.GetBytes(resp.Body, "usage.input_tokens").Int(); in != 3 {
		t.Errorf("input tokens = %d", in)
	}
	if out := gjson.GetBytes(resp.Body, "usage.output_tokens").Int(); out != 2 {
		t.Errorf("output tokens = %d", out)
	}

	recs := upstreamRecords(drainEvents(env.events))
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Operation != "claude.generate_stream" {
		t.Errorf("record operation = %q", recs[0].Operation)
	}
	if recs[0].RespBody != claudeStreamBody {
		t.Error("record did not keep the raw upstream stream")
	}
	if recs[0].Usage.ClaudeTotalTokens == nil || *recs[0].Usage.ClaudeTotalTokens != 5 {
		t.Errorf("record usage = %+v", recs[0].Usage)
	}
}

func TestEngineSynthesizesDownstreamStream(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	f.script = []fakeResult{{resp: jsonResponse(http.StatusOK, claudeMessageBody)}}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`, true)
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	sent := f.call(0).req
	if sent.Operation != relay.OpGenerate || sent.Stream {
		t.Errorf("upstream shape = %s stream=%t", sent.Operation, sent.Stream)
	}
	if gjson.GetBytes(sent.Body, "stream").Bool() {
		t.Errorf("upstream body still asks for a stream: %s", sent.Body)
	}

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream; charset=utf-8" {
		t.Errorf("content type = %q", got)
	}
	out := collectStream(t, resp)
	for _, want := range []string{"event: message_start", `"text":"Hello!"`, "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("synthesized stream missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, `"output_tokens":5`) {
		t.Errorf("synthesized stream dropped usage:\n%s", out)
	}

	recs := upstreamRecords(drainEvents(env.events))
	if len(recs) != 1 || recs[0].Operation != "claude.generate" {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].Usage.ClaudeInputTokens == nil || *recs[0].Usage.ClaudeInputTokens != 12 {
		t.Errorf("record usage = %+v", recs[0].Usage)
	}
}

func TestEngineStreamPassthrough(t *testing.T) {
	t.Parallel()

	// Chunk boundaries land mid-event; passthrough must not care.
	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerateStream)
	f.script = []fakeResult{{resp: streamResponse(claudeStreamBody[:100], claudeStreamBody[100:])}}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`, true)
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream; charset=utf-8" {
		t.Errorf("content type = %q", got)
	}
	if out := collectStream(t, resp); out != claudeStreamBody {
		t.Errorf("stream altered in passthrough:\n%s", out)
	}

	recs := upstreamRecords(drainEvents(env.events))
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].RespBody != claudeStreamBody {
		t.Error("record body does not match the teed stream")
	}
	if recs[0].Usage.ClaudeInputTokens == nil || *recs[0].Usage.ClaudeInputTokens != 3 {
		t.Errorf("record input tokens = %v", recs[0].Usage.ClaudeInputTokens)
	}
	if recs[0].Usage.ClaudeOutputTokens == nil || *recs[0].Usage.ClaudeOutputTokens != 2 {
		t.Errorf("record output tokens = %v", recs[0].Usage.ClaudeOutputTokens)
	}
}

func TestEngineTranslatesStream(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerateStream)
	f.translate = true
	f.script = []fakeResult{{resp: streamResponse(claudeStreamBody)}}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := &relay.ProxyRequest{
		Protocol:  relay.ProtoOpenAI,
		Operation: relay.OpGenerateStream,
		Model:     "gpt-4o",
		Stream:    true,
		Body:      []byte(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"Hi"}]}`),
	}
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream; charset=utf-8" {
		t.Errorf("content type = %q", got)
	}

	out := collectStream(t, resp)
	var text strings.Builder
	sawDone := false
	for _, line := range strings.Split(out, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		text.WriteString(gjson.Get(data, "choices.0.delta.content").String())
	}
	if text.String() != "Hello" {
		t.Errorf("translated text = %q", text.String())
	}
	if !sawDone {
		t.Error("no [DONE] marker")
	}

	recs := upstreamRecords(drainEvents(env.events))
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Usage.ClaudeTotalTokens == nil || *recs[0].Usage.ClaudeTotalTokens != 5 {
		t.Errorf("record usage = %+v", recs[0].Usage)
	}
}

func TestEngineReframesGeminiStream(t *testing.T) {
	t.Parallel()

	payload1 := `{"candidates":[{"content":{"parts":[{"text":"Hel"}],"role":"model"},"index":0}]}`
	payload2 := `{"candidates":[{"content":{"parts":[{"text":"lo"}],"role":"model"},"finishReason":"STOP","index":0}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}`
	upstream := []string{
		"data: " + payload1 + "\n\n",
		"data: " + payload2 + "\n\n",
	}

	f := newFakeProvider("gemini", relay.ProtoGemini, relay.OpGenerateStream)
	f.script = []fakeResult{{resp: streamResponse(upstream...)}}
	env := newEngineEnv(t, f, cred(1, "gemini"))

	req := &relay.ProxyRequest{
		Protocol:  relay.ProtoGemini,
		Operation: relay.OpGenerateStream,
		Model:     "models/gemini-2.0-flash",
		Stream:    true,
		Body:      []byte(`{"contents":[{"parts":[{"text":"Hi"}]}]}`),
	}
	resp, err := env.engine.Execute(traceCtx(), "gemini", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	want := payload1 + "\n" + payload2 + "\n"
	if out := collectStream(t, resp); out != want {
		t.Errorf("reframed stream = %q, want %q", out, want)
	}

	recs := upstreamRecords(drainEvents(env.events))
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].RespBody != strings.Join(upstream, "") {
		t.Error("record should keep the raw SSE bytes from upstream")
	}
	u := recs[0].Usage
	if u.GeminiPromptTokens == nil || *u.GeminiPromptTokens != 4 {
		t.Errorf("prompt tokens = %v", u.GeminiPromptTokens)
	}
	if u.GeminiCandidatesTokens == nil || *u.GeminiCandidatesTokens != 2 {
		t.Errorf("candidates tokens = %v", u.GeminiCandidatesTokens)
	}
	if u.GeminiTotalTokens == nil || *u.GeminiTotalTokens != 6 {
		t.Errorf("total tokens = %v", u.GeminiTotalTokens)
	}
}

func TestEngineCountTokensFallback(t *testing.T) {
	t.Parallel()

	noUsage := `{"id":"msg_9","type":"message","role":"assistant","model":"claude-3","content":[{"type":"text","text":"Hi there"}],"stop_reason":"end_turn"}`

	t.Run("fills usage from count tokens", func(t *testing.T) {
		t.Parallel()

		f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate, relay.OpCountTokens)
		f.script = []fakeResult{
			{resp: jsonResponse(http.StatusOK, noUsage)},
			{resp: jsonResponse(http.StatusOK, `{"input_tokens":7}`)},
			{resp: jsonResponse(http.StatusOK, `{"input_tokens":4}`)},
		}
		env := newEngineEnv(t, f, cred(1, "claude"))

		req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
		resp, err := env.engine.Execute(traceCtx(), "claude", req)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if string(resp.Body) != noUsage {
			t.Error("fallback must not rewrite the response body")
		}
		if f.callCount() != 3 {
			t.Fatalf("calls = %d, want generate + 2 counts", f.callCount())
		}

		inputCount := f.call(1).req
		if inputCount.Operation != relay.OpCountTokens {
			t.Errorf("second call op = %s", inputCount.Operation)
		}
		if got := gjson.GetBytes(inputCount.Body, "messages.0.content.0.text").String(); got != "Hi" {
			t.Errorf("input count body = %s", inputCount.Body)
		}
		if gjson.GetBytes(inputCount.Body, "max_tokens").Exists() {
			t.Error("count request kept max_tokens")
		}
		outputCount := f.call(2).req
		if got := gjson.GetBytes(outputCount.Body, "messages.0.content.0.text").String(); got != "Hi there" {
			t.Errorf("output count body = %s", outputCount.Body)
		}

		recs := upstreamRecords(drainEvents(env.events))
		if len(recs) != 1 {
			t.Fatalf("records = %d, count calls are not recorded", len(recs))
		}
		u := recs[0].Usage
		if u.ClaudeInputTokens == nil || *u.ClaudeInputTokens != 7 {
			t.Errorf("input tokens = %v", u.ClaudeInputTokens)
		}
		if u.ClaudeOutputTokens == nil || *u.ClaudeOutputTokens != 4 {
			t.Errorf("output tokens = %v", u.ClaudeOutputTokens)
		}
		if u.ClaudeTotalTokens == nil || *u.ClaudeTotalTokens != 11 {
			t.Errorf("total tokens = %v", u.ClaudeTotalTokens)
		}
	})

	t.Run("skips fallback without native count tokens", func(t *testing.T) {
		t.Parallel()

		f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
		f.script = []fakeResult{{resp: jsonResponse(http.StatusOK, noUsage)}}
		env := newEngineEnv(t, f, cred(1, "claude"))

		req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
		if _, err := env.engine.Execute(traceCtx(), "claude", req); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if f.callCount() != 1 {
			t.Errorf("calls = %d, want 1", f.callCount())
		}
		recs := upstreamRecords(drainEvents(env.events))
		if len(recs) != 1 || !recs[0].Usage.Empty() {
			t.Errorf("records = %+v, want one with empty usage", recs)
		}
	})
}

func TestEngineUsageReport(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	env := newEngineEnv(t, f)
	req := &relay.ProxyRequest{Operation: relay.OpUsage}

	env.engine.usage = &fakeUsage{rows: []relay.UsageAggregate{{
		Provider:     "claude",
		Model:        "claude-3",
		Requests:     2,
		InputTokens:  10,
		OutputTokens: 4,
		TotalTokens:  14,
	}}}
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("response = %d %q", resp.Status, resp.Header.Get("Content-Type"))
	}
	if got := gjson.GetBytes(resp.Body, "usage.0.model").String(); got != "claude-3" {
		t.Errorf("model = %q", got)
	}
	if got := gjson.GetBytes(resp.Body, "usage.0.total_tokens").Int(); got != 14 {
		t.Errorf("total tokens = %d", got)
	}

	env.engine.usage = &fakeUsage{}
	resp, err = env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute with no rows: %v", err)
	}
	if string(resp.Body) != `{"usage":[]}` {
		t.Errorf("empty report = %s", resp.Body)
	}

	env.engine.usage = &fakeUsage{err: errors.New("store gone")}
	if _, err := env.engine.Execute(traceCtx(), "claude", req); err == nil {
		t.Error("store failure not surfaced")
	}

	env.engine.usage = nil
	if _, err := env.engine.Execute(traceCtx(), "claude", req); !errors.Is(err, relay.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported when not configured", err)
	}
}

func TestEngineOAuthRouting(t *testing.T) {
	t.Parallel()

	p := &oauthCapableProvider{fakeProvider: newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)}
	env := newEngineEnv(t, p)

	resp, err := env.engine.Execute(traceCtx(), "claude", &relay.ProxyRequest{Operation: relay.OpOAuthStart})
	if err != nil {
		t.Fatalf("oauth start: %v", err)
	}
	if resp.Status != http.StatusFound || resp.Header.Get("Location") == "" {
		t.Errorf("start response = %d %q", resp.Status, resp.Header.Get("Location"))
	}

	resp, err = env.engine.Execute(traceCtx(), "claude", &relay.ProxyRequest{
		Operation: relay.OpOAuthCallback,
		Query:     url.Values{"code": {"abc"}},
	})
	if err != nil {
		t.Fatalf("oauth callback: %v", err)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "connected" {
		t.Errorf("callback response = %d %q", resp.Status, resp.Body)
	}

	plain := newEngineEnv(t, newFakeProvider("gemini", relay.ProtoGemini, relay.OpGenerate))
	if _, err := plain.engine.Execute(traceCtx(), "gemini", &relay.ProxyRequest{Operation: relay.OpOAuthStart}); !errors.Is(err, relay.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported without an oauth flow", err)
	}
}

func TestEngineTranslatesPassthroughErrorBody(t *testing.T) {
	t.Parallel()

	f := newFakeProvider("openai", relay.ProtoOpenAI, relay.OpGenerate)
	f.translate = true
	f.script = []fakeResult{
		{err: &relay.PassthroughError{
			Status: http.StatusTooManyRequests,
			Header: http.Header{"Retry-After": {"3"}},
			Body:   []byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`),
		}},
	}
	env := newEngineEnv(t, f, cred(1, "openai"))

	req := claudeGenRequest("gpt-4o-mini", `{"model":"gpt-4o-mini","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	_, err := env.engine.Execute(traceCtx(), "openai", req)

	var pe *relay.PassthroughError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want passthrough", err)
	}
	if pe.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", pe.Status)
	}
	if got := gjson.GetBytes(pe.Body, "type").String(); got != "error" {
		t.Errorf("body type = %q in %s", got, pe.Body)
	}
	if got := gjson.GetBytes(pe.Body, "error.type").String(); got != "rate_limit_error" {
		t.Errorf("error type = %q in %s", got, pe.Body)
	}
	if got := gjson.GetBytes(pe.Body, "error.message").String(); got != "slow down" {
		t.Errorf("message = %q", got)
	}
}

func TestEngineMirrorsUpstreamStatus(t *testing.T) {
	t.Parallel()

	// Aggregated: stream-only upstream answered 201, non-stream caller.
	f := newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerateStream)
	up := streamResponse(claudeStreamBody)
	up.Status = http.StatusCreated
	f.script = []fakeResult{{resp: up}}
	env := newEngineEnv(t, f, cred(1, "claude"))

	req := claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"messages":[{"role":"user","content":"Hi"}]}`, false)
	resp, err := env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("aggregated status = %d, want %d", resp.Status, http.StatusCreated)
	}

	// Stream passthrough keeps the upstream status on the response head.
	f = newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerateStream)
	up = streamResponse(claudeStreamBody)
	up.Status = http.StatusCreated
	f.script = []fakeResult{{resp: up}}
	env = newEngineEnv(t, f, cred(1, "claude"))

	req = claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`, true)
	resp, err = env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("stream status = %d, want %d", resp.Status, http.StatusCreated)
	}
	collectStream(t, resp)

	// Synthesized: non-stream upstream answered 201, stream caller.
	f = newFakeProvider("claude", relay.ProtoClaude, relay.OpGenerate)
	f.script = []fakeResult{{resp: jsonResponse(http.StatusCreated, claudeMessageBody)}}
	env = newEngineEnv(t, f, cred(1, "claude"))

	req = claudeGenRequest("claude-3", `{"model":"claude-3","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`, true)
	resp, err = env.engine.Execute(traceCtx(), "claude", req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("synthesized status = %d, want %d", resp.Status, http.StatusCreated)
	}
	if out := collectStream(t, resp); !strings.Contains(out, "message_stop") {
		t.Errorf("synthesized stream incomplete:\n%s", out)
	}
}
