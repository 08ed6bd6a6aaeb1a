// Package app ties classification, dispatch, the credential pool and the
// transform layer into the relay's request path.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/pool"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/traffic"
	"github.com/eugener/palantir/internal/transform"
)

const (
	defaultMaxAttempts = 3

	// Backoff between attempts doubles from the base, keeps up to one base
	// interval of jitter, and never exceeds the cap: a credential pool worth
	// retrying is one that answers quickly.
	backoffBase = 200 * time.Millisecond
	backoffCap  = 2 * time.Second

	// streamRecordLimit caps how much of a streamed upstream body is kept
	// for the traffic record. The stream itself is never truncated.
	streamRecordLimit = 50 << 20
)

// UsageReader serves the usage operation from persisted upstream traffic.
type UsageReader interface {
	UsageSummary(ctx context.Context, provider string) ([]relay.UsageAggregate, error)
}

// EngineConfig carries the engine's collaborators. Usage may be nil, which
// refuses the usage operation.
type EngineConfig struct {
	Providers   *provider.Registry
	Pool        *pool.Pool
	Recorder    *traffic.Recorder
	Hub         *events.Hub
	Metrics     *telemetry.Metrics
	Usage       UsageReader
	ProviderIDs map[string]int64 // provider name -> storage id, for records
	ProxyURL    string
	MaxAttempts int // default credential budget per request; 0 means 3
}

// Engine owns the upstream half of a relayed request: it resolves the
// dispatch plan, walks the credential pool until an attempt sticks, adapts
// the response shape back to what the caller asked for, and records every
// upstream exchange.
type Engine struct {
	providers   *provider.Registry
	pool        *pool.Pool
	recorder    *traffic.Recorder
	hub         *events.Hub
	metrics     *telemetry.Metrics
	usage       UsageReader
	providerIDs map[string]int64
	proxyURL    string
	attempts    int

	delay func(attempt int) time.Duration // test seam
}

func NewEngine(cfg EngineConfig) *Engine {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Engine{
		providers:   cfg.Providers,
		pool:        cfg.Pool,
		recorder:    cfg.Recorder,
		hub:         cfg.Hub,
		metrics:     cfg.Metrics,
		usage:       cfg.Usage,
		providerIDs: cfg.ProviderIDs,
		proxyURL:    cfg.ProxyURL,
		attempts:    attempts,
		delay:       retryDelay,
	}
}

// Execute relays one classified request through the named provider. The
// returned response is ready to write downstream; errors are sentinel-wrapped
// for status mapping, with upstream non-2xx replies surfacing as
// *relay.PassthroughError already re-spelled in the caller's dialect.
func (e *Engine) Execute(ctx context.Context, providerName string, req *relay.ProxyRequest) (*relay.ProxyResponse, error) {
	p, err := e.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	switch req.Operation {
	case relay.OpOAuthStart, relay.OpOAuthCallback:
		return e.oauth(ctx, p, req)
	case relay.OpUsage:
		return e.usageReport(ctx, providerName)
	}

	call, ok := relay.ResolveCall(p.DispatchTable(), req.Protocol, req.Operation)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not serve %s", relay.ErrUnsupported, providerName, req.OperationLabel())
	}

	upReq, err := e.upstreamRequest(req, call)
	if err != nil {
		return nil, err
	}

	resp, err := e.forward(ctx, p, providerName, req, upReq, call)
	if err != nil {
		var pe *relay.PassthroughError
		if errors.As(err, &pe) {
			pe.Body = transform.TranslateErrorBody(call.Proto, req.Protocol, pe.Status, pe.Body)
		}
		return nil, err
	}
	return resp, nil
}

func (e *Engine) oauth(ctx context.Context, p relay.Provider, req *relay.ProxyRequest) (*relay.ProxyResponse, error) {
	op, ok := p.(relay.OAuthProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no oauth flow", relay.ErrUnsupported, p.Name())
	}
	if req.Operation == relay.OpOAuthStart {
		return op.OAuthStart(ctx, req)
	}
	return op.OAuthCallback(ctx, req)
}

func (e *Engine) usageReport(ctx context.Context, providerName string) (*relay.ProxyResponse, error) {
	if e.usage == nil {
		return nil, fmt.Errorf("%w: usage reporting is not configured", relay.ErrUnsupported)
	}
	rows, err := e.usage.UsageSummary(ctx, providerName)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	if rows == nil {
		rows = []relay.UsageAggregate{}
	}
	body, err := json.Marshal(map[string][]relay.UsageAggregate{"usage": rows})
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return &relay.ProxyResponse{
		Status: http.StatusOK,
		Header: jsonHeader(),
		Body:   body,
	}, nil
}

// upstreamRequest shapes the downstream request into the resolved upstream
// call. Native same-shape calls pass the body through byte-for-byte; a
// same-dialect shape fallback only flips the stream flag; everything else
// goes through the transform layer.
func (e *Engine) upstreamRequest(req *relay.ProxyRequest, call relay.ResolvedCall) (*relay.ProxyRequest, error) {
	body := req.Body
	var err error
	switch {
	case call.Proto != req.Protocol:
		body, err = transform.Request(req.Protocol, call.Proto, call.Op, req.Model, req.Body)
	case call.Op != req.Operation && isGenerate(call.Op):
		body, err = transform.SetStreamFlag(call.Proto, req.Body, call.Op == relay.OpGenerateStream)
	}
	if err != nil {
		return nil, err
	}
	return &relay.ProxyRequest{
		Protocol:  call.Proto,
		Operation: call.Op,
		Model:     transform.ModelForProto(req.Model, call.Proto),
		Stream:    call.Op == relay.OpGenerateStream || (call.Op == relay.OpResponses && req.Stream),
		Body:      body,
		Query:     req.Query,
		Header:    req.Header,
	}, nil
}

// forward walks the credential pool until an attempt succeeds or the request
// runs out of credentials, budget, or retryable verdicts.
func (e *Engine) forward(ctx context.Context, p relay.Provider, providerName string, req, upReq *relay.ProxyRequest, call relay.ResolvedCall) (*relay.ProxyResponse, error) {
	budget := e.attempts
	if ap, ok := p.(relay.AttemptPolicy); ok && ap.MaxAttempts() > 0 {
		budget = ap.MaxAttempts()
	}
	traceID := relay.TraceIDFromContext(ctx)

	var lastErr error
	refreshed := false
	cred, avail := e.pool.Select(providerName, upReq.Model)
	for attempt := 1; ; attempt++ {
		if !avail {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("%w: provider %s", relay.ErrNoCredentials, providerName)
		}

		up := &relay.UpstreamContext{
			TraceID:    traceID,
			Provider:   providerName,
			Credential: cred,
			Attempt:    attempt,
			ProxyURL:   e.proxyURL,
		}
		started := time.Now()
		resp, meta, err := p.CallNative(ctx, upReq, up)
		e.metrics.UpstreamDuration.WithLabelValues(providerName, string(call.Op)).Observe(time.Since(started).Seconds())

		if err == nil {
			return e.deliver(ctx, p, req, upReq, call, up, meta, resp)
		}
		lastErr = err
		e.metrics.UpstreamErrors.WithLabelValues(providerName, errorStatusLabel(err)).Inc()
		e.recordAttempt(up, upReq, meta, errorStatus(err), errorHeader(err), errorBody(err), relay.UpstreamUsage{})

		verdict := e.verdict(p, err, upReq.Model)
		if verdict.Reason == "" {
			// The failure says nothing about the credential: surface it.
			return nil, err
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
			slog.String("provider", providerName),
			slog.String("operation", upReq.OperationLabel()),
			slog.Int64("credential_id", cred.ID),
			slog.Int("attempt", attempt),
			slog.String("reason", string(verdict.Reason)),
			slog.String("error", err.Error()),
		)

		// An auth rejection may just mean an expired token. Give the family
		// one chance per request to refresh before the credential is benched.
		if verdict.Reason == relay.ReasonAuthInvalid && !refreshed {
			refreshed = true
			if fresh, ok := e.refresh(ctx, p, cred); ok {
				if attempt >= budget {
					return nil, lastErr
				}
				cred = fresh
				continue
			}
		}

		e.bench(providerName, cred.ID, verdict)

		if !verdict.Retryable || attempt >= budget {
			return nil, lastErr
		}
		next, ok := e.pool.Select(providerName, upReq.Model)
		if !ok {
			return nil, lastErr
		}
		if err := e.sleep(ctx, attempt); err != nil {
			return nil, err
		}
		cred, avail = next, true
	}
}

func (e *Engine) verdict(p relay.Provider, err error, model string) relay.Unavailability {
	if d, ok := p.(relay.UnavailabilityDecider); ok {
		if v, ok := d.DecideUnavailable(err); ok {
			return v
		}
	}
	return provider.DefaultUnavailability(err, model)
}

func (e *Engine) bench(providerName string, credID int64, v relay.Unavailability) {
	if v.Model != "" {
		e.pool.MarkModelUnavailable(credID, v.Model, v.Cooldown, v.Level, v.Reason)
	} else {
		e.pool.MarkUnavailable(credID, v.Cooldown, v.Reason)
	}
	e.metrics.CredentialUnavailable.WithLabelValues(providerName, string(v.Reason)).Inc()
}

func (e *Engine) refresh(ctx context.Context, p relay.Provider, cred relay.Credential) (relay.Credential, bool) {
	rf, ok := p.(relay.CredentialRefresher)
	if !ok {
		return cred, false
	}
	fresh, err := rf.RefreshCredential(ctx, cred)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "credential refresh failed",
			slog.String("provider", cred.Provider),
			slog.Int64("credential_id", cred.ID),
			slog.String("error", err.Error()),
		)
		return cred, false
	}
	e.pool.UpdateSecret(cred.ID, fresh.Secret)
	slog.LogAttrs(ctx, slog.LevelInfo, "credential refreshed",
		slog.String("provider", cred.Provider),
		slog.Int64("credential_id", cred.ID),
	)
	return fresh, true
}

func (e *Engine) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(e.delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay doubles from the base per attempt with up to one base interval
// of jitter, capped.
func retryDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	d := backoffBase<<shift + time.Duration(rand.Int64N(int64(backoffBase)))
	return min(d, backoffCap)
}

// --- Response delivery ---

// deliver adapts a successful upstream response to the shape the caller
// asked for and records the attempt.
func (e *Engine) deliver(ctx context.Context, p relay.Provider, req, upReq *relay.ProxyRequest, call relay.ResolvedCall, up *relay.UpstreamContext, meta *relay.UpstreamRecordMeta, resp *relay.ProxyResponse) (*relay.ProxyResponse, error) {
	if resp.IsStream() {
		if call.Mode == relay.ModeStreamToNon {
			return e.deliverAggregated(ctx, p, req, upReq, call, up, meta, resp)
		}
		return e.deliverStream(ctx, req, upReq, call, up, meta, resp)
	}
	return e.deliverBody(ctx, p, req, upReq, call, up, meta, resp)
}

// deliverBody handles a non-stream upstream response: ModeSame passthrough or
// translation, and ModeNonToStream synthesis.
func (e *Engine) deliverBody(ctx context.Context, p relay.Provider, req, upReq *relay.ProxyRequest, call relay.ResolvedCall, up *relay.UpstreamContext, meta *relay.UpstreamRecordMeta, resp *relay.ProxyResponse) (*relay.ProxyResponse, error) {
	usage := transform.ExtractUpstreamUsage(call.Proto, call.Op, resp.Body)
	var summary transform.UsageSummary
	if isGenerate(call.Op) {
		summary = transform.ExtractUsageSummary(call.Proto, resp.Body)
	}

	var msg transform.Message
	var msgErr error
	parsed := false
	parse := func() bool {
		if !parsed {
			parsed = true
			msg, msgErr = transform.ParseMessage(call.Proto, upReq.Model, resp.Body)
		}
		return msgErr == nil
	}

	if isGenerate(call.Op) && usage.Empty() {
		var text string
		if parse() {
			text = msg.Text()
		}
		if fb := e.fallbackUsage(ctx, p, upReq, up, text); fb != (transform.UsageSummary{}) {
			summary = fb
			usage = transform.UpstreamUsageFromSummary(call.Proto, fb)
		}
	}

	e.recordAttempt(up, upReq, meta, resp.Status, resp.Header, resp.Body, usage)
	e.countTokens(up.Provider, summary)

	if call.Mode == relay.ModeNonToStream {
		if !parse() {
			return nil, fmt.Errorf("%w: %v", relay.ErrBadUpstream, msgErr)
		}
		msg.Usage.Merge(summary)
		return streamFromBytes(req.Protocol, resp.Status, transform.Synthesize(req.Protocol, msg)), nil
	}

	if call.Proto == req.Protocol {
		return &relay.ProxyResponse{Status: resp.Status, Header: resp.Header, Body: resp.Body}, nil
	}
	body, err := transform.Response(call.Proto, req.Protocol, req.Operation, req.Model, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrBadUpstream, err)
	}
	return &relay.ProxyResponse{Status: resp.Status, Header: jsonHeader(), Body: body}, nil
}

// deliverAggregated folds an upstream stream into the single response the
// caller asked for.
func (e *Engine) deliverAggregated(ctx context.Context, p relay.Provider, req, upReq *relay.ProxyRequest, call relay.ResolvedCall, up *relay.UpstreamContext, meta *relay.UpstreamRecordMeta, resp *relay.ProxyResponse) (*relay.ProxyResponse, error) {
	agg := transform.NewAggregator(call.Proto, upReq.Model)
	tee := newCappedBuffer(streamRecordLimit)
	var streamErr error
	for chunk := range resp.Stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		tee.Write(chunk.Data)
		if err := agg.Feed(chunk.Data); err != nil {
			streamErr = err
			break
		}
	}

	msg, err := agg.Finish()
	if streamErr == nil {
		streamErr = err
	}
	if streamErr != nil {
		e.recordAttempt(up, upReq, meta, resp.Status, resp.Header, tee.Bytes(), relay.UpstreamUsage{})
		return nil, fmt.Errorf("%w: %v", relay.ErrBadUpstream, streamErr)
	}

	if msg.Usage == (transform.UsageSummary{}) {
		msg.Usage.Merge(e.fallbackUsage(ctx, p, upReq, up, msg.Text()))
	}
	usage := transform.UpstreamUsageFromSummary(call.Proto, msg.Usage)
	e.recordAttempt(up, upReq, meta, resp.Status, resp.Header, tee.Bytes(), usage)
	e.countTokens(up.Provider, msg.Usage)

	body, err := transform.RenderMessage(req.Protocol, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrBadUpstream, err)
	}
	return &relay.ProxyResponse{Status: resp.Status, Header: jsonHeader(), Body: body}, nil
}

// deliverStream relays an upstream stream downstream, re-framing or
// translating as the dialect pair demands, teeing a capped copy for the
// record. The attempt record is emitted when the stream ends, so it carries
// whatever usage the stream reported.
func (e *Engine) deliverStream(ctx context.Context, req, upReq *relay.ProxyRequest, call relay.ResolvedCall, up *relay.UpstreamContext, meta *relay.UpstreamRecordMeta, resp *relay.ProxyResponse) (*relay.ProxyResponse, error) {
	out := make(chan relay.StreamChunk, 8)
	if call.Proto == req.Protocol {
		go e.pumpSameDialect(ctx, req, upReq, call, up, meta, resp, out)
	} else {
		go e.pumpTranslated(ctx, req, upReq, call, up, meta, resp, out)
	}
	header := http.Header{"Content-Type": {transform.StreamContentType(req.Protocol)}}
	return &relay.ProxyResponse{Status: resp.Status, Header: header, Stream: out}, nil
}

// pumpSameDialect forwards a same-dialect stream. Claude and openai streams
// pass through byte-for-byte; gemini is decoded and re-framed because the
// upstream is asked for SSE while gemini callers are answered with JSON
// lines. Usage is scanned off the events either way.
func (e *Engine) pumpSameDialect(ctx context.Context, req, upReq *relay.ProxyRequest, call relay.ResolvedCall, up *relay.UpstreamContext, meta *relay.UpstreamRecordMeta, resp *relay.ProxyResponse, out chan<- relay.StreamChunk) {
	defer close(out)

	reframe := transform.FormatFor(req.Protocol, req.Operation) == transform.FormatJSONLines
	decoder := transform.NewDecoder(call.Proto)
	scanner := transform.NewUsageScanner(call.Proto, call.Op)
	tee := newCappedBuffer(streamRecordLimit)

	// The record goes out however the stream ends, carrying whatever usage
	// was scanned by then.
	defer func() {
		e.recordAttempt(up, upReq, meta, resp.Status, resp.Header, tee.Bytes(), scanner.Upstream())
		e.countTokens(up.Provider, scanner.Summary())
	}()

	send := func(chunk relay.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for chunk := range resp.Stream {
		if chunk.Err != nil {
			send(relay.StreamChunk{Err: chunk.Err})
			return
		}
		tee.Write(chunk.Data)
		evs := decoder.Feed(chunk.Data)
		for _, ev := range evs {
			scanner.Scan(ev)
		}
		if reframe {
			for _, ev := range evs {
				if !send(relay.StreamChunk{Data: transform.EncodeEvent(ev, req.Operation)}) {
					return
				}
			}
			continue
		}
		if !send(relay.StreamChunk{Data: chunk.Data}) {
			return
		}
	}
	for _, ev := range decoder.Finish() {
		scanner.Scan(ev)
		if reframe && !send(relay.StreamChunk{Data: transform.EncodeEvent(ev, req.Operation)}) {
			return
		}
	}
}

// pumpTranslated re-frames a stream across dialects chunk by chunk.
func (e *Engine) pumpTranslated(ctx context.Context, req, upReq *relay.ProxyRequest, call relay.ResolvedCall, up *relay.UpstreamContext, meta *relay.UpstreamRecordMeta, resp *relay.ProxyResponse, out chan<- relay.StreamChunk) {
	defer close(out)

	tr := transform.NewStreamTranslator(call.Proto, req.Protocol, req.Model)
	tee := newCappedBuffer(streamRecordLimit)

	defer func() {
		e.recordAttempt(up, upReq, meta, resp.Status, resp.Header, tee.Bytes(), tr.UpstreamUsage())
		e.countTokens(up.Provider, tr.Usage())
	}()

	send := func(chunk relay.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for chunk := range resp.Stream {
		if chunk.Err != nil {
			send(relay.StreamChunk{Err: chunk.Err})
			return
		}
		tee.Write(chunk.Data)
		data, err := tr.Feed(chunk.Data)
		if err != nil {
			send(relay.StreamChunk{Err: fmt.Errorf("%w: %v", relay.ErrBadUpstream, err)})
			return
		}
		if len(data) > 0 && !send(relay.StreamChunk{Data: data}) {
			return
		}
	}
	tail, err := tr.Finish()
	if err != nil {
		send(relay.StreamChunk{Err: fmt.Errorf("%w: %v", relay.ErrBadUpstream, err)})
		return
	}
	if len(tail) > 0 {
		send(relay.StreamChunk{Data: tail})
	}
}

// --- Usage fallback ---

// fallbackUsage fills in usage the upstream never reported by asking it to
// count tokens: the input side from the request that was sent, the output
// side from the text the model produced. Requires the resolved dialect to
// serve count_tokens natively; anything that fails along the way simply
// leaves the counter unset.
func (e *Engine) fallbackUsage(ctx context.Context, p relay.Provider, upReq *relay.ProxyRequest, up *relay.UpstreamContext, outputText string) transform.UsageSummary {
	var s transform.UsageSummary
	rule := p.DispatchTable()(relay.TransformContext{
		SrcProto: upReq.Protocol,
		DstProto: upReq.Protocol,
		SrcOp:    relay.OpCountTokens,
		DstOp:    relay.OpCountTokens,
	})
	if rule.Kind != relay.RuleNative {
		return s
	}

	if body, err := transform.CountTokensRequestFromBody(upReq.Protocol, upReq.Model, upReq.Body); err == nil {
		if n, err := e.countUpstream(ctx, p, upReq, up, body); err == nil {
			s.Input = &n
		}
	}
	if outputText == "" {
		zero := int64(0)
		s.Output = &zero
	} else if body, err := transform.CountTokensRequestFromText(upReq.Protocol, upReq.Model, outputText); err == nil {
		if n, err := e.countUpstream(ctx, p, upReq, up, body); err == nil {
			s.Output = &n
		}
	}
	if s != (transform.UsageSummary{}) {
		slog.LogAttrs(ctx, slog.LevelDebug, "usage filled via count tokens",
			slog.String("provider", up.Provider),
			slog.String("model", upReq.Model),
		)
	}
	return s
}

func (e *Engine) countUpstream(ctx context.Context, p relay.Provider, upReq *relay.ProxyRequest, up *relay.UpstreamContext, body []byte) (int64, error) {
	req := &relay.ProxyRequest{
		Protocol:  upReq.Protocol,
		Operation: relay.OpCountTokens,
		Model:     upReq.Model,
		Body:      body,
		Header:    upReq.Header,
	}
	resp, _, err := p.CallNative(ctx, req, up)
	if err != nil {
		return 0, err
	}
	return transform.ParseCountTokensTotal(upReq.Protocol, resp.Body)
}

// --- Records and metrics ---

func (e *Engine) recordAttempt(up *relay.UpstreamContext, upReq *relay.ProxyRequest, meta *relay.UpstreamRecordMeta, status int, respHeader http.Header, respBody []byte, usage relay.UpstreamUsage) {
	credID := up.Credential.ID
	rec := relay.UpstreamTraffic{
		TraceID:      up.TraceID,
		Provider:     up.Provider,
		ProviderID:   e.providerIDs[up.Provider],
		Operation:    upReq.OperationLabel(),
		Model:        upReq.Model,
		CredentialID: &credID,
		Attempt:      up.Attempt,
		Status:       status,
		RespHeaders:  relay.HeaderJSON(respHeader),
		RespBody:     string(respBody),
		Usage:        usage,
		CreatedAt:    time.Now().UTC(),
	}
	if meta != nil {
		rec.Method = meta.Method
		rec.URL = meta.URL
		rec.Query = meta.Query
		rec.ReqHeaders = relay.HeaderJSON(meta.Header)
		rec.ReqBody = string(meta.Body)
	}
	e.recorder.RecordUpstream(rec)
	e.hub.Emit(relay.Event{Kind: relay.EventUpstream, At: rec.CreatedAt, Upstream: &rec})
}

func (e *Engine) countTokens(providerName string, s transform.UsageSummary) {
	if s.Input != nil {
		e.metrics.TokensProcessed.WithLabelValues(providerName, "input").Add(float64(*s.Input))
	}
	if s.Output != nil {
		e.metrics.TokensProcessed.WithLabelValues(providerName, "output").Add(float64(*s.Output))
	}
}

// --- Small helpers ---

func isGenerate(op relay.Operation) bool {
	return op == relay.OpGenerate || op == relay.OpGenerateStream
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": {"application/json"}}
}

// streamFromBytes wraps an already-complete stream body as a single-chunk
// stream response carrying the upstream status.
func streamFromBytes(proto relay.Protocol, status int, body []byte) *relay.ProxyResponse {
	ch := make(chan relay.StreamChunk, 1)
	ch <- relay.StreamChunk{Data: body}
	close(ch)
	return &relay.ProxyResponse{
		Status: status,
		Header: http.Header{"Content-Type": {transform.StreamContentType(proto)}},
		Stream: ch,
	}
}

func errorStatus(err error) int {
	var pe *relay.PassthroughError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}

func errorStatusLabel(err error) string {
	if s := errorStatus(err); s != 0 {
		return strconv.Itoa(s)
	}
	return "transport"
}

func errorHeader(err error) http.Header {
	var pe *relay.PassthroughError
	if errors.As(err, &pe) {
		return pe.Header
	}
	return nil
}

func errorBody(err error) []byte {
	var pe *relay.PassthroughError
	if errors.As(err, &pe) {
		return pe.Body
	}
	return []byte(err.Error())
}

// cappedBuffer accumulates up to limit bytes and silently drops the rest.
type cappedBuffer struct {
	buf   []byte
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf = append(b.buf, p...)
	}
}

func (b *cappedBuffer) Bytes() []byte { return b.buf }
