package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/transform"
)

// downstreamRecordLimit caps how much of a streamed response body lands in
// the downstream traffic record. The stream itself is never truncated.
const downstreamRecordLimit = 50 << 20

// handleRelay serves the whole downstream surface: it classifies the subpath
// into a dialect and operation, authenticates, hands the call to the engine
// and writes whatever shape comes back. Every classified request leaves one
// downstream traffic record carrying the final status.
func (s *server) handleRelay(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	subpath := "/" + chi.URLParam(r, "*")

	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorJSON(w, relay.ProtoOpenAI, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeErrorJSON(w, relay.ProtoOpenAI, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	req, err := app.Classify(r.Method, subpath, r.URL.Query(), r.Header, body)
	if err != nil {
		// Not classified, so no dialect to answer in: openai shape is the
		// least surprising default for tooling.
		writeErrorJSON(w, relay.ProtoOpenAI, errorStatus(err), err.Error())
		return
	}

	ctx := r.Context()
	var identity *relay.Identity
	if req.Operation != relay.OpOAuthStart && req.Operation != relay.OpOAuthCallback {
		identity, err = s.deps.Auth.Authenticate(ctx, r)
		if err != nil {
			status := errorStatus(err)
			s.recordDownstream(ctx, providerName, req, identity, r, status, nil, transform.ErrorBody(req.Protocol, status, err.Error()))
			writeErrorJSON(w, req.Protocol, status, err.Error())
			return
		}
		ctx = relay.ContextWithIdentity(ctx, identity)
	}

	m := s.deps.Metrics
	m.ActiveRequests.Inc()
	start := time.Now()
	defer func() {
		m.ActiveRequests.Dec()
		m.RequestDuration.WithLabelValues(providerName, string(req.Operation)).Observe(time.Since(start).Seconds())
	}()

	resp, err := s.deps.Engine.Execute(ctx, providerName, req)
	if err != nil {
		status, header, errBody := errorReply(req.Protocol, err)
		m.RequestsTotal.WithLabelValues(providerName, string(req.Operation), statusText[status]).Inc()
		s.recordDownstream(ctx, providerName, req, identity, r, status, header, errBody)
		writeReply(w, status, header, errBody)
		return
	}

	if resp.IsStream() {
		status, streamed := s.writeStream(w, r, req, resp)
		m.RequestsTotal.WithLabelValues(providerName, string(req.Operation), statusText[status]).Inc()
		s.recordDownstream(ctx, providerName, req, identity, r, status, resp.Header, streamed)
		return
	}

	m.RequestsTotal.WithLabelValues(providerName, string(req.Operation), statusText[resp.Status]).Inc()
	s.recordDownstream(ctx, providerName, req, identity, r, resp.Status, resp.Header, resp.Body)
	writeReply(w, resp.Status, resp.Header, resp.Body)
}

// recordDownstream hands the completed exchange to the traffic recorder and
// the event hub. Both collaborators are optional.
func (s *server) recordDownstream(ctx context.Context, providerName string, req *relay.ProxyRequest, identity *relay.Identity, r *http.Request, status int, respHeader http.Header, respBody []byte) {
	if s.deps.Recorder == nil && s.deps.Hub == nil {
		return
	}
	rec := relay.DownstreamTraffic{
		TraceID:     relay.TraceIDFromContext(ctx),
		Provider:    providerName,
		ProviderID:  s.deps.ProviderIDs[providerName],
		Operation:   req.OperationLabel(),
		Model:       req.Model,
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       req.Query.Encode(),
		ReqHeaders:  relay.HeaderJSON(req.Header),
		ReqBody:     string(req.Body),
		Status:      status,
		RespHeaders: relay.HeaderJSON(respHeader),
		RespBody:    string(respBody),
		CreatedAt:   time.Now().UTC(),
	}
	if identity != nil {
		rec.UserID = &identity.UserID
		rec.KeyID = &identity.KeyID
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordDownstream(rec)
	}
	if s.deps.Hub != nil {
		s.deps.Hub.Emit(relay.Event{Kind: relay.EventDownstream, At: rec.CreatedAt, Downstream: &rec})
	}
}

// writeReply writes a complete response, defaulting the Content-Type to JSON
// when the upstream headers carried none.
func writeReply(w http.ResponseWriter, status int, header http.Header, body []byte) {
	h := w.Header()
	for k, vs := range header {
		h[k] = vs
	}
	if h.Get("Content-Type") == "" {
		h["Content-Type"] = jsonCT
	}
	w.WriteHeader(status)
	w.Write(body)
}

// errorReply maps an engine failure onto the wire: passthrough errors keep
// their upstream status, headers and (already translated) body, everything
// else is rendered as the dialect's error payload.
func errorReply(proto relay.Protocol, err error) (int, http.Header, []byte) {
	var pe *relay.PassthroughError
	if errors.As(err, &pe) {
		return pe.Status, pe.Header, pe.Body
	}
	status := errorStatus(err)
	return status, nil, transform.ErrorBody(proto, status, err.Error())
}

// errorStatus maps relay sentinel errors to HTTP status codes. Unmapped
// errors are internal faults.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrNotFound), errors.Is(err, relay.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, relay.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrBadUpstream):
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrUnsupported),
		errors.Is(err, relay.ErrNoCredentials),
		errors.Is(err, relay.ErrParseFailure),
		errors.Is(err, relay.ErrProxyMismatch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates.
var jsonCT = []string{"application/json"}

// writeErrorJSON writes a dialect-shaped error payload.
func writeErrorJSON(w http.ResponseWriter, proto relay.Protocol, status int, msg string) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(transform.ErrorBody(proto, status, msg))
}

func logStreamError(r *http.Request, err error) {
	slog.LogAttrs(r.Context(), slog.LevelError, "stream error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}
