// Package transform translates request and response bodies between the wire
// dialects the relay speaks. Every pairwise translation hops through a small
// neutral representation per operation family, so each dialect only needs one
// parser and one renderer rather than a function per dialect pair.
//
// Translation is lossy by contract: fields a target dialect cannot express
// are dropped, missing timestamps become the epoch, and missing identity
// fields become "unknown".
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	relay "github.com/eugener/palantir/internal"
)

// Request translates a request body from the src dialect to the dst dialect
// for the given provider-side operation. The op decides the stream flag in
// the rendered body, so a same-dialect call still re-renders when the shape
// changes. model supplies the model id for dialects that carry it outside
// the body.
func Request(src, dst relay.Protocol, op relay.Operation, model string, body []byte) ([]byte, error) {
	switch op {
	case relay.OpGenerate, relay.OpGenerateStream:
		req, err := parseGenRequest(src, model, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrParseFailure, err)
		}
		req.Stream = op == relay.OpGenerateStream
		return renderGenRequest(dst, req)
	case relay.OpCountTokens:
		req, err := parseCountRequest(src, model, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrParseFailure, err)
		}
		return renderCountRequest(dst, req)
	case relay.OpListModels, relay.OpGetModel:
		// Listing requests carry no body.
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: transform %s request", relay.ErrUnsupported, op)
	}
}

// SetStreamFlag rewrites the stream flag on a native body in place, leaving
// every other field byte-identical. Same-dialect shape fallbacks go through
// here instead of Request so fields the neutral model cannot express survive.
// Gemini carries streamness in the URL, so its bodies pass through untouched.
func SetStreamFlag(proto relay.Protocol, body []byte, stream bool) ([]byte, error) {
	if proto == relay.ProtoGemini || len(body) == 0 {
		return body, nil
	}
	out, err := sjson.SetBytes(body, "stream", stream)
	if err != nil {
		return nil, fmt.Errorf("%w: set stream flag: %v", relay.ErrParseFailure, err)
	}
	return out, nil
}

// Response translates a non-stream response body from the src dialect to the
// dst dialect.
func Response(src, dst relay.Protocol, op relay.Operation, model string, body []byte) ([]byte, error) {
	if src == dst {
		return body, nil
	}
	switch op {
	case relay.OpGenerate, relay.OpGenerateStream:
		msg, err := ParseMessage(src, model, body)
		if err != nil {
			return nil, err
		}
		return RenderMessage(dst, msg)
	case relay.OpCountTokens:
		total, err := parseCountResponse(src, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrParseFailure, err)
		}
		return renderCountResponse(dst, total), nil
	case relay.OpListModels:
		list, err := parseModelList(src, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrParseFailure, err)
		}
		return renderModelList(dst, list), nil
	case relay.OpGetModel:
		info, err := parseModel(src, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relay.ErrParseFailure, err)
		}
		return renderModel(dst, info), nil
	default:
		return nil, fmt.Errorf("%w: transform %s response", relay.ErrUnsupported, op)
	}
}

// ParseMessage decodes a non-stream generate response into the neutral form.
func ParseMessage(proto relay.Protocol, model string, body []byte) (Message, error) {
	var msg Message
	var err error
	switch proto {
	case relay.ProtoClaude:
		msg, err = parseClaudeResponse(body)
	case relay.ProtoGemini:
		msg, err = parseGeminiResponse(model, body)
	case relay.ProtoOpenAI:
		msg, err = parseOpenAIResponse(body)
	default:
		return Message{}, fmt.Errorf("%w: parse %s response", relay.ErrUnsupported, proto)
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", relay.ErrParseFailure, err)
	}
	if msg.Model == "" {
		msg.Model = StripModelsPrefix(model)
	}
	return msg, nil
}

// RenderMessage encodes a neutral message as a non-stream generate response.
func RenderMessage(proto relay.Protocol, msg Message) ([]byte, error) {
	switch proto {
	case relay.ProtoClaude:
		return renderClaudeResponse(msg)
	case relay.ProtoGemini:
		return renderGeminiResponse(msg)
	case relay.ProtoOpenAI:
		return renderOpenAIResponse(msg)
	default:
		return nil, fmt.Errorf("%w: render %s response", relay.ErrUnsupported, proto)
	}
}

// --- Dialect dispatch ---

func parseGenRequest(proto relay.Protocol, model string, body []byte) (GenRequest, error) {
	switch proto {
	case relay.ProtoClaude:
		return parseClaudeRequest(model, body)
	case relay.ProtoGemini:
		return parseGeminiRequest(model, body)
	case relay.ProtoOpenAI:
		return parseOpenAIRequest(model, body)
	default:
		return GenRequest{}, fmt.Errorf("%w: parse %s request", relay.ErrUnsupported, proto)
	}
}

func renderGenRequest(proto relay.Protocol, req GenRequest) ([]byte, error) {
	switch proto {
	case relay.ProtoClaude:
		return renderClaudeRequest(req)
	case relay.ProtoGemini:
		return renderGeminiRequest(req)
	case relay.ProtoOpenAI:
		return renderOpenAIRequest(req)
	default:
		return nil, fmt.Errorf("%w: render %s request", relay.ErrUnsupported, proto)
	}
}

func parseCountRequest(proto relay.Protocol, model string, body []byte) (GenRequest, error) {
	switch proto {
	case relay.ProtoClaude:
		return parseClaudeCountRequest(model, body)
	case relay.ProtoGemini:
		return parseGeminiCountRequest(model, body)
	case relay.ProtoOpenAI:
		return parseOpenAICountRequest(model, body)
	default:
		return GenRequest{}, fmt.Errorf("%w: parse %s count request", relay.ErrUnsupported, proto)
	}
}

func renderCountRequest(proto relay.Protocol, req GenRequest) ([]byte, error) {
	switch proto {
	case relay.ProtoClaude:
		return renderClaudeCountRequest(req)
	case relay.ProtoGemini:
		return renderGeminiCountRequest(req)
	case relay.ProtoOpenAI:
		return renderOpenAICountRequest(req)
	default:
		return nil, fmt.Errorf("%w: render %s count request", relay.ErrUnsupported, proto)
	}
}

func parseCountResponse(proto relay.Protocol, body []byte) (int64, error) {
	switch proto {
	case relay.ProtoClaude:
		return parseClaudeCountResponse(body)
	case relay.ProtoGemini:
		return parseGeminiCountResponse(body)
	case relay.ProtoOpenAI:
		return parseOpenAICountResponse(body)
	default:
		return 0, fmt.Errorf("%w: parse %s count response", relay.ErrUnsupported, proto)
	}
}

func renderCountResponse(proto relay.Protocol, total int64) []byte {
	switch proto {
	case relay.ProtoClaude:
		return renderClaudeCountResponse(total)
	case relay.ProtoGemini:
		return renderGeminiCountResponse(total)
	default:
		return renderOpenAICountResponse(total)
	}
}

func parseModelList(proto relay.Protocol, body []byte) (ModelList, error) {
	switch proto {
	case relay.ProtoClaude:
		return parseClaudeModelList(body)
	case relay.ProtoGemini:
		return parseGeminiModelList(body)
	case relay.ProtoOpenAI:
		return parseOpenAIModelList(body)
	default:
		return ModelList{}, fmt.Errorf("%w: parse %s model list", relay.ErrUnsupported, proto)
	}
}

func renderModelList(proto relay.Protocol, list ModelList) []byte {
	switch proto {
	case relay.ProtoClaude:
		return renderClaudeModelList(list)
	case relay.ProtoGemini:
		return renderGeminiModelList(list)
	default:
		return renderOpenAIModelList(list)
	}
}

func parseModel(proto relay.Protocol, body []byte) (ModelInfo, error) {
	switch proto {
	case relay.ProtoClaude:
		return parseClaudeModel(body)
	case relay.ProtoGemini:
		return parseGeminiModel(body)
	case relay.ProtoOpenAI:
		return parseOpenAIModel(body)
	default:
		return ModelInfo{}, fmt.Errorf("%w: parse %s model", relay.ErrUnsupported, proto)
	}
}

func renderModel(proto relay.Protocol, info ModelInfo) []byte {
	switch proto {
	case relay.ProtoClaude:
		return renderClaudeModel(info)
	case relay.ProtoGemini:
		return renderGeminiModel(info)
	default:
		return renderOpenAIModel(info)
	}
}

// --- Shared helpers ---

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// jsonObjectOrEmpty returns args as raw JSON, or an empty object when args is
// blank or not valid JSON.
func jsonObjectOrEmpty(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(trimmed)
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// flattenContent extracts plain text from a content field that is a JSON
// string, a list of text blocks, or an arbitrary JSON value.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return string(raw)
}

func clampOpt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := ClampTokens(*v)
	return &c
}
