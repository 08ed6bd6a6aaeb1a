package transform

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/palantir/internal"
)

// UsageScanner watches response payloads for usage counters without
// translating them. Later sightings of a counter override earlier ones,
// matching dialects that report cumulative totals in terminal frames. The
// same scanner handles stream events and whole non-stream bodies, which
// share their usage shapes.
type UsageScanner struct {
	proto     relay.Protocol
	responses bool
	summary   UsageSummary
	upstream  relay.UpstreamUsage
}

func NewUsageScanner(proto relay.Protocol, op relay.Operation) *UsageScanner {
	return &UsageScanner{proto: proto, responses: op == relay.OpResponses}
}

func (s *UsageScanner) Scan(ev StreamEvent) {
	if s.responses {
		s.scanResponses(ev.Data)
		return
	}
	switch s.proto {
	case relay.ProtoClaude:
		var wire claudeStreamEvent
		if json.Unmarshal(ev.Data, &wire) != nil {
			return
		}
		if wire.Message != nil && wire.Message.Usage != nil {
			s.claude(wire.Message.Usage)
		}
		if wire.Usage != nil {
			s.claude(wire.Usage)
		}
	case relay.ProtoGemini:
		var wire geminiResponse
		if json.Unmarshal(ev.Data, &wire) != nil {
			return
		}
		if wire.UsageMetadata != nil {
			s.gemini(wire.UsageMetadata)
		}
	default:
		var wire openaiResponse
		if json.Unmarshal(ev.Data, &wire) != nil {
			return
		}
		if wire.Usage != nil {
			s.openai(wire.Usage)
		}
	}
}

// Summary reports the neutral usage observed so far.
func (s *UsageScanner) Summary() UsageSummary {
	return s.summary
}

// Upstream reports the dialect-native counters observed so far.
func (s *UsageScanner) Upstream() relay.UpstreamUsage {
	return s.upstream
}

// The wire shapes cannot distinguish an absent counter from zero, so a zero
// never overrides an earlier sighting.

func (s *UsageScanner) claude(u *claudeUsage) {
	if u.InputTokens > 0 {
		v := u.InputTokens
		s.summary.Input = &v
		s.upstream.ClaudeInputTokens = &v
	}
	if u.OutputTokens > 0 {
		v := u.OutputTokens
		s.summary.Output = &v
		s.upstream.ClaudeOutputTokens = &v
	}
	if u.CacheCreationInputTokens != nil {
		s.summary.CacheCreation = u.CacheCreationInputTokens
		s.upstream.ClaudeCacheCreationInputTokens = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens != nil {
		s.summary.CacheRead = u.CacheReadInputTokens
		s.upstream.ClaudeCacheReadInputTokens = u.CacheReadInputTokens
	}
	if s.upstream.ClaudeInputTokens != nil || s.upstream.ClaudeOutputTokens != nil {
		t := or0(s.upstream.ClaudeInputTokens) + or0(s.upstream.ClaudeOutputTokens)
		s.upstream.ClaudeTotalTokens = &t
	}
}

func (s *UsageScanner) gemini(u *geminiUsage) {
	if u.PromptTokenCount > 0 {
		v := u.PromptTokenCount
		s.summary.Input = &v
		s.upstream.GeminiPromptTokens = &v
	}
	if u.CandidatesTokenCount > 0 {
		v := u.CandidatesTokenCount
		s.summary.Output = &v
		s.upstream.GeminiCandidatesTokens = &v
	}
	if u.TotalTokenCount > 0 {
		v := u.TotalTokenCount
		s.upstream.GeminiTotalTokens = &v
	}
	if u.CachedContentTokenCount > 0 {
		v := u.CachedContentTokenCount
		s.summary.CacheRead = &v
		s.upstream.GeminiCachedTokens = &v
	}
}

func (s *UsageScanner) openai(u *openaiUsage) {
	if u.PromptTokens > 0 {
		v := u.PromptTokens
		s.summary.Input = &v
		s.upstream.OpenAIPromptTokens = &v
	}
	if u.CompletionTokens > 0 {
		v := u.CompletionTokens
		s.summary.Output = &v
		s.upstream.OpenAICompletionTokens = &v
	}
	if u.TotalTokens > 0 {
		v := u.TotalTokens
		s.upstream.OpenAITotalTokens = &v
	}
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > 0 {
		v := u.PromptTokensDetails.CachedTokens
		s.summary.CacheRead = &v
	}
}

// scanResponses pulls usage out of a responses-dialect payload, which nests
// usage under the response object in stream frames.
func (s *UsageScanner) scanResponses(data []byte) {
	prefix := "usage"
	if gjson.GetBytes(data, "response.usage").Exists() {
		prefix = "response.usage"
	} else if !gjson.GetBytes(data, "usage").Exists() {
		return
	}
	set := func(dst **int64, path string) {
		if v := gjson.GetBytes(data, prefix+path); v.Exists() && v.Int() > 0 {
			n := v.Int()
			*dst = &n
		}
	}
	set(&s.upstream.ResponsesInputTokens, ".input_tokens")
	set(&s.upstream.ResponsesOutputTokens, ".output_tokens")
	set(&s.upstream.ResponsesTotalTokens, ".total_tokens")
	set(&s.upstream.ResponsesInputCachedTokens, ".input_tokens_details.cached_tokens")
	set(&s.upstream.ResponsesOutputReasoningTokens, ".output_tokens_details.reasoning_tokens")
	s.summary.Input = s.upstream.ResponsesInputTokens
	s.summary.Output = s.upstream.ResponsesOutputTokens
}

// ExtractUpstreamUsage reads the dialect-native usage counters from a
// non-stream response body.
func ExtractUpstreamUsage(proto relay.Protocol, op relay.Operation, body []byte) relay.UpstreamUsage {
	s := NewUsageScanner(proto, op)
	s.Scan(StreamEvent{Proto: proto, Data: body})
	return s.Upstream()
}

// ExtractUsageSummary reads the neutral usage from a non-stream response
// body.
func ExtractUsageSummary(proto relay.Protocol, body []byte) UsageSummary {
	s := NewUsageScanner(proto, relay.OpGenerate)
	s.Scan(StreamEvent{Proto: proto, Data: body})
	return s.Summary()
}

// UpstreamUsageFromSummary spells a neutral usage summary in the given
// dialect's counter group. Records built from aggregated streams or
// count-tokens fallbacks go through here so they stay shaped like usage the
// upstream reported itself.
func UpstreamUsageFromSummary(proto relay.Protocol, s UsageSummary) relay.UpstreamUsage {
	var u relay.UpstreamUsage
	if s == (UsageSummary{}) {
		return u
	}
	total := func() *int64 {
		if s.Input == nil && s.Output == nil {
			return nil
		}
		t := or0(s.Input) + or0(s.Output)
		return &t
	}
	switch proto {
	case relay.ProtoClaude:
		u.ClaudeInputTokens = s.Input
		u.ClaudeOutputTokens = s.Output
		u.ClaudeTotalTokens = total()
		u.ClaudeCacheReadInputTokens = s.CacheRead
		u.ClaudeCacheCreationInputTokens = s.CacheCreation
	case relay.ProtoGemini:
		u.GeminiPromptTokens = s.Input
		u.GeminiCandidatesTokens = s.Output
		u.GeminiTotalTokens = total()
		u.GeminiCachedTokens = s.CacheRead
	default:
		u.OpenAIPromptTokens = s.Input
		u.OpenAICompletionTokens = s.Output
		u.OpenAITotalTokens = total()
	}
	return u
}

// --- Count-tokens fallbacks ---

// CountTokensRequestFromBody derives a count-tokens request from a generate
// request body in the same dialect.
func CountTokensRequestFromBody(proto relay.Protocol, model string, genBody []byte) ([]byte, error) {
	req, err := parseGenRequest(proto, model, genBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrParseFailure, err)
	}
	return renderCountRequest(proto, req)
}

// CountTokensRequestFromText builds a count-tokens request for a single
// user message holding the given text.
func CountTokensRequestFromText(proto relay.Protocol, model, text string) ([]byte, error) {
	req := GenRequest{
		Model: model,
		Messages: []ReqMessage{{
			Role:  "user",
			Parts: []ReqPart{{Kind: PartText, Text: text}},
		}},
	}
	return renderCountRequest(proto, req)
}

// ParseCountTokensTotal reads the token total from a count-tokens response.
func ParseCountTokensTotal(proto relay.Protocol, body []byte) (int64, error) {
	return parseCountResponse(proto, body)
}

func or0(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
