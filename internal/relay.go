// Package relay defines domain types and interfaces for the Palantir LLM relay.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
)

// --- Protocol model ---

// Protocol identifies one of the wire dialects spoken on either side of the
// relay: downstream callers pick one by the path they hit, upstream provider
// families speak exactly one natively.
type Protocol string

const (
	ProtoClaude Protocol = "claude"
	ProtoGemini Protocol = "gemini"
	ProtoOpenAI Protocol = "openai"
)

// Protocols lists every dialect in a stable order.
var Protocols = []Protocol{ProtoClaude, ProtoGemini, ProtoOpenAI}

// Operation is a dialect-agnostic name for what a request wants done.
type Operation string

const (
	OpGenerate       Operation = "generate"
	OpGenerateStream Operation = "generate_stream"
	OpCountTokens    Operation = "count_tokens"
	OpListModels     Operation = "list_models"
	OpGetModel       Operation = "get_model"
	OpUsage          Operation = "usage"
	OpOAuthStart     Operation = "oauth_start"
	OpOAuthCallback  Operation = "oauth_callback"
	// OpResponses is the OpenAI Responses API passthrough. It is never
	// translated; a provider either serves it natively or not at all.
	OpResponses Operation = "responses"
)

// Operations lists every operation in a stable order.
var Operations = []Operation{
	OpGenerate, OpGenerateStream, OpCountTokens, OpListModels, OpGetModel,
	OpUsage, OpOAuthStart, OpOAuthCallback, OpResponses,
}

// OperationLabel names a call for logs and traffic records, e.g.
// "claude.generate_stream". Operations with no dialect, such as usage and the
// OAuth pair, are labeled bare.
func OperationLabel(p Protocol, op Operation) string {
	if p == "" {
		return string(op)
	}
	return string(p) + "." + string(op)
}

// --- Requests and responses ---

// ProxyRequest is a classified request. Body is the raw JSON payload in the
// dialect named by Protocol; typed decoding happens in the transform layer and
// only when translation is required, so native passthrough never re-serializes
// a body it did not change.
type ProxyRequest struct {
	Protocol  Protocol
	Operation Operation
	Model     string // dialect-native spelling; gemini keeps its "models/" prefix
	Stream    bool
	Body      []byte
	Query     url.Values
	Header    http.Header
}

// OperationLabel names this request for logs and traffic records.
func (r *ProxyRequest) OperationLabel() string {
	return OperationLabel(r.Protocol, r.Operation)
}

// StreamChunk is one frame of a streaming response body. Channel close signals
// end of stream; a chunk with Err set signals abnormal termination.
type StreamChunk struct {
	Data []byte
	Err  error
}

// ProxyResponse is the outcome of an upstream call. Exactly one of Body or
// Stream is set.
type ProxyResponse struct {
	Status int
	Header http.Header
	Body   []byte
	Stream <-chan StreamChunk
}

// IsStream reports whether the response body arrives incrementally.
func (r *ProxyResponse) IsStream() bool { return r.Stream != nil }

// --- Provider contract ---

// UpstreamContext is the upstream-visible slice of a request's context: who we
// call as, on which attempt, and through what.
type UpstreamContext struct {
	TraceID    string
	Provider   string
	Credential Credential
	Attempt    int    // 1-based
	ProxyURL   string // empty = direct
}

// UpstreamRecordMeta is the request-side snapshot a provider hands back so the
// engine can record the upstream exchange after the attempt settles.
type UpstreamRecordMeta struct {
	Method string
	URL    string
	Query  string
	Header http.Header
	Body   []byte
}

// Provider is the contract every upstream family implements.
type Provider interface {
	// Name returns the provider identifier used in routes and records.
	Name() string
	// DispatchTable reports which call shapes the provider serves and how.
	DispatchTable() DispatchTable
	// CallNative performs one upstream attempt with req already in the
	// provider's native dialect. A non-2xx upstream reply surfaces as
	// *PassthroughError; transport failures surface as ordinary errors.
	// The record meta is returned even when the call fails, when known.
	CallNative(ctx context.Context, req *ProxyRequest, up *UpstreamContext) (*ProxyResponse, *UpstreamRecordMeta, error)
}

// UnavailabilityDecider is an optional provider interface overriding the
// default mapping from a failed attempt to a cooldown verdict. Returning
// ok=false falls back to the default mapping. Checked via type assertion.
type UnavailabilityDecider interface {
	DecideUnavailable(err error) (Unavailability, bool)
}

// CredentialRefresher is an optional provider interface that refreshes a
// rejected credential (e.g. an expired OAuth access token) once per request
// before the credential is marked unavailable. Checked via type assertion.
type CredentialRefresher interface {
	RefreshCredential(ctx context.Context, cred Credential) (Credential, error)
}

// AttemptPolicy is an optional provider interface bounding how many
// credentials the engine tries for one downstream request. Zero or absent
// means the engine default. Checked via type assertion.
type AttemptPolicy interface {
	MaxAttempts() int
}

// OAuthProvider is an optional provider interface serving the interactive
// credential-issuance operations. Checked via type assertion.
type OAuthProvider interface {
	OAuthStart(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	OAuthCallback(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
}

// --- Identity ---

// Identity is the authenticated caller context attached to request context.
type Identity struct {
	UserID int64  `json:"user_id"`
	KeyID  int64  `json:"key_id"`
	Name   string `json:"name"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	TraceID  string
	Identity *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// TraceIDFromContext extracts the trace id from context.
func TraceIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.TraceID
	}
	return ""
}

// ContextWithTraceID returns a context carrying the given trace id.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{TraceID: id})
}

// --- Shared helpers ---

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
