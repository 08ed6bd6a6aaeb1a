package app

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/transform"
)

// Classify maps one downstream HTTP request onto a dialect and operation.
// path is relative to the provider mount, so "/acme/v1/messages" arrives here
// as "/v1/messages". The path alone decides the dialect except under
// /v1/models, where claude, gemini and openai overlap and the request is
// disambiguated by a colon action in the model segment or, failing that, by
// auth-shaped headers.
//
// The returned request carries a sanitized query: the gemini "key" parameter
// is auth material and never forwarded or recorded.
func Classify(method, path string, query url.Values, header http.Header, body []byte) (*relay.ProxyRequest, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty path", relay.ErrNotFound)
	}
	hasKey := query.Has("key")
	query.Del("key")

	switch segs[0] {
	case "oauth":
		return classifyOAuth(method, segs[1:], query, header)
	case "usage":
		if len(segs) != 1 {
			return nil, errNoRoute(path)
		}
		if method != http.MethodGet {
			return nil, errMethod(method)
		}
		return &relay.ProxyRequest{Operation: relay.OpUsage, Query: query, Header: header}, nil
	case "v1":
		return classifyV1(method, path, segs[1:], query, header, body, hasKey)
	case "v1beta":
		return classifyGeminiNative(method, path, segs[1:], query, header, body)
	default:
		return nil, errNoRoute(path)
	}
}

func classifyOAuth(method string, rest []string, query url.Values, header http.Header) (*relay.ProxyRequest, error) {
	var op relay.Operation
	switch {
	case len(rest) == 0:
		op = relay.OpOAuthStart
	case len(rest) == 1 && rest[0] == "callback":
		op = relay.OpOAuthCallback
	default:
		return nil, fmt.Errorf("%w: unknown oauth route", relay.ErrNotFound)
	}
	if method != http.MethodGet {
		return nil, errMethod(method)
	}
	return &relay.ProxyRequest{Operation: op, Query: query, Header: header}, nil
}

func classifyV1(method, path string, segs []string, query url.Values, header http.Header, body []byte, hasKey bool) (*relay.ProxyRequest, error) {
	if len(segs) == 0 {
		return nil, errNoRoute(path)
	}
	rest := segs[1:]
	switch segs[0] {
	case "messages":
		switch {
		case len(rest) == 0:
			return generateFromBody(method, relay.ProtoClaude, query, header, body)
		case len(rest) == 1 && rest[0] == "count_tokens":
			return postWithBodyModel(method, relay.ProtoClaude, relay.OpCountTokens, query, header, body)
		}
		return nil, errNoRoute(path)
	case "chat":
		if len(rest) == 1 && rest[0] == "completions" {
			return generateFromBody(method, relay.ProtoOpenAI, query, header, body)
		}
		return nil, errNoRoute(path)
	case "responses":
		switch {
		case len(rest) == 0:
			return postWithBodyModel(method, relay.ProtoOpenAI, relay.OpResponses, query, header, body)
		case len(rest) == 1 && rest[0] == "input_tokens":
			return postWithBodyModel(method, relay.ProtoOpenAI, relay.OpCountTokens, query, header, body)
		}
		return nil, errNoRoute(path)
	case "models":
		return classifyModels(method, path, rest, query, header, body, hasKey)
	default:
		return nil, errNoRoute(path)
	}
}

// classifyModels handles /v1/models, which all three dialects use. A colon
// action in the model segment is decisive for gemini; plain listing and get
// requests fall back to header sniffing.
func classifyModels(method, path string, rest []string, query url.Values, header http.Header, body []byte, hasKey bool) (*relay.ProxyRequest, error) {
	if len(rest) > 1 {
		return nil, errNoRoute(path)
	}
	if len(rest) == 1 {
		if model, action, ok := strings.Cut(rest[0], ":"); ok {
			return classifyGeminiAction(method, model, action, query, header, body)
		}
	}

	proto := sniffProtocol(header, hasKey)
	if method != http.MethodGet {
		return nil, errMethod(method)
	}
	if len(rest) == 0 {
		return &relay.ProxyRequest{Protocol: proto, Operation: relay.OpListModels, Query: query, Header: header}, nil
	}
	model := rest[0]
	if proto == relay.ProtoGemini {
		model = transform.EnsureModelsPrefix(model)
	}
	return &relay.ProxyRequest{Protocol: proto, Operation: relay.OpGetModel, Model: model, Query: query, Header: header}, nil
}

// classifyGeminiNative handles the /v1beta surface, which only gemini speaks.
func classifyGeminiNative(method, path string, segs []string, query url.Values, header http.Header, body []byte) (*relay.ProxyRequest, error) {
	if len(segs) == 0 || segs[0] != "models" || len(segs) > 2 {
		return nil, errNoRoute(path)
	}
	if len(segs) == 1 {
		if method != http.MethodGet {
			return nil, errMethod(method)
		}
		return &relay.ProxyRequest{Protocol: relay.ProtoGemini, Operation: relay.OpListModels, Query: query, Header: header}, nil
	}
	model, action, ok := strings.Cut(segs[1], ":")
	if !ok {
		if method != http.MethodGet {
			return nil, errMethod(method)
		}
		return &relay.ProxyRequest{
			Protocol:  relay.ProtoGemini,
			Operation: relay.OpGetModel,
			Model:     transform.EnsureModelsPrefix(model),
			Query:     query,
			Header:    header,
		}, nil
	}
	return classifyGeminiAction(method, model, action, query, header, body)
}

func classifyGeminiAction(method, model, action string, query url.Values, header http.Header, body []byte) (*relay.ProxyRequest, error) {
	var op relay.Operation
	var stream bool
	switch action {
	case "generateContent":
		op = relay.OpGenerate
	case "streamGenerateContent":
		op, stream = relay.OpGenerateStream, true
	case "countTokens":
		op = relay.OpCountTokens
	default:
		return nil, fmt.Errorf("%w: unknown model action %q", relay.ErrNotFound, action)
	}
	if method != http.MethodPost {
		return nil, errMethod(method)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON body", relay.ErrBadRequest)
	}
	return &relay.ProxyRequest{
		Protocol:  relay.ProtoGemini,
		Operation: op,
		Model:     transform.EnsureModelsPrefix(model),
		Stream:    stream,
		Body:      body,
		Query:     query,
		Header:    header,
	}, nil
}

// generateFromBody classifies the claude and openai generate endpoints, where
// the body's stream flag picks between the stream and non-stream operations.
func generateFromBody(method string, proto relay.Protocol, query url.Values, header http.Header, body []byte) (*relay.ProxyRequest, error) {
	req, err := postWithBodyModel(method, proto, relay.OpGenerate, query, header, body)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		req.Operation = relay.OpGenerateStream
	}
	return req, nil
}

// postWithBodyModel classifies a POST whose dialect carries the model inside
// the JSON body. A missing model is a client error: every downstream feature
// from routing to per-model disallows keys off it.
func postWithBodyModel(method string, proto relay.Protocol, op relay.Operation, query url.Values, header http.Header, body []byte) (*relay.ProxyRequest, error) {
	if method != http.MethodPost {
		return nil, errMethod(method)
	}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON body", relay.ErrBadRequest)
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return nil, fmt.Errorf("%w: missing model", relay.ErrBadRequest)
	}
	return &relay.ProxyRequest{
		Protocol:  proto,
		Operation: op,
		Model:     model,
		Stream:    gjson.GetBytes(body, "stream").Bool(),
		Body:      body,
		Query:     query,
		Header:    header,
	}, nil
}

// sniffProtocol guesses the dialect of an ambiguous /v1/models request from
// how the caller shaped its auth.
func sniffProtocol(header http.Header, hasKey bool) relay.Protocol {
	if header.Get("anthropic-version") != "" {
		return relay.ProtoClaude
	}
	if header.Get("x-goog-api-key") != "" || hasKey {
		return relay.ProtoGemini
	}
	return relay.ProtoOpenAI
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func errNoRoute(path string) error {
	return fmt.Errorf("%w: no route for %s", relay.ErrNotFound, path)
}

func errMethod(method string) error {
	return fmt.Errorf("%w: %s", relay.ErrMethodNotAllowed, method)
}
