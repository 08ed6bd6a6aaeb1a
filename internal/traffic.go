package relay

import (
	"encoding/json"
	"net/http"
	"time"
)

// --- Traffic records ---

// DownstreamTraffic is one downstream exchange as persisted and broadcast.
// For streaming responses RespBody is the teed copy accumulated by the stream
// engine, capped at the recording limit.
type DownstreamTraffic struct {
	TraceID     string    `json:"trace_id"`
	Provider    string    `json:"provider"`
	ProviderID  int64     `json:"provider_id,omitempty"`
	Operation   string    `json:"operation"`
	Model       string    `json:"model,omitempty"`
	UserID      *int64    `json:"user_id,omitempty"`
	KeyID       *int64    `json:"key_id,omitempty"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Query       string    `json:"query,omitempty"`
	ReqHeaders  string    `json:"req_headers"`
	ReqBody     string    `json:"req_body"`
	Status      int       `json:"status"`
	RespHeaders string    `json:"resp_headers"`
	RespBody    string    `json:"resp_body"`
	CreatedAt   time.Time `json:"created_at"`
}

// UpstreamTraffic is one upstream attempt as persisted and broadcast. Usage
// counters are dialect-specific; only the group matching the upstream dialect
// is populated.
type UpstreamTraffic struct {
	TraceID      string    `json:"trace_id"`
	Provider     string    `json:"provider"`
	ProviderID   int64     `json:"provider_id,omitempty"`
	Operation    string    `json:"operation"`
	Model        string    `json:"model,omitempty"`
	CredentialID *int64    `json:"credential_id,omitempty"`
	Attempt      int       `json:"attempt"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	Query        string    `json:"query,omitempty"`
	ReqHeaders   string    `json:"req_headers"`
	ReqBody      string    `json:"req_body"`
	Status       int       `json:"status"`
	RespHeaders  string    `json:"resp_headers"`
	RespBody     string    `json:"resp_body"`

	Usage UpstreamUsage `json:"usage"`

	CreatedAt time.Time `json:"created_at"`
}

// UpstreamUsage carries the per-dialect token counters of one upstream
// exchange. Field groups mirror each dialect's own accounting so records stay
// faithful to what the upstream reported.
type UpstreamUsage struct {
	ClaudeInputTokens              *int64 `json:"claude_input_tokens,omitempty"`
	ClaudeOutputTokens             *int64 `json:"claude_output_tokens,omitempty"`
	ClaudeTotalTokens              *int64 `json:"claude_total_tokens,omitempty"`
	ClaudeCacheCreationInputTokens *int64 `json:"claude_cache_creation_input_tokens,omitempty"`
	ClaudeCacheReadInputTokens     *int64 `json:"claude_cache_read_input_tokens,omitempty"`

	GeminiPromptTokens     *int64 `json:"gemini_prompt_tokens,omitempty"`
	GeminiCandidatesTokens *int64 `json:"gemini_candidates_tokens,omitempty"`
	GeminiTotalTokens      *int64 `json:"gemini_total_tokens,omitempty"`
	GeminiCachedTokens     *int64 `json:"gemini_cached_tokens,omitempty"`

	OpenAIPromptTokens     *int64 `json:"openai_prompt_tokens,omitempty"`
	OpenAICompletionTokens *int64 `json:"openai_completion_tokens,omitempty"`
	OpenAITotalTokens      *int64 `json:"openai_total_tokens,omitempty"`

	ResponsesInputTokens           *int64 `json:"responses_input_tokens,omitempty"`
	ResponsesOutputTokens          *int64 `json:"responses_output_tokens,omitempty"`
	ResponsesTotalTokens           *int64 `json:"responses_total_tokens,omitempty"`
	ResponsesInputCachedTokens     *int64 `json:"responses_input_cached_tokens,omitempty"`
	ResponsesOutputReasoningTokens *int64 `json:"responses_output_reasoning_tokens,omitempty"`
}

// Empty reports whether no counter group is populated.
func (u UpstreamUsage) Empty() bool {
	return u == UpstreamUsage{}
}

// UsageAggregate is the per-model rollup of upstream usage served by the
// usage operation. Dialect counter groups are folded into unified columns.
type UsageAggregate struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	CachedTokens int64  `json:"cached_tokens"`
}

// --- Record helpers ---

// redactedHeaders are replaced in traffic records so secrets never land in
// storage or on the event hub.
var redactedHeaders = map[string]bool{
	"Authorization":  true,
	"Cookie":         true,
	"X-Api-Key":      true,
	"X-Goog-Api-Key": true,
}

// HeaderJSON renders a header bag as a flat JSON object for storage.
// Multi-valued headers keep their first value; secret-bearing headers are
// redacted.
func HeaderJSON(h http.Header) string {
	if len(h) == 0 {
		return "{}"
	}
	m := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		if redactedHeaders[http.CanonicalHeaderKey(k)] {
			m[k] = "[redacted]"
			continue
		}
		m[k] = vs[0]
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
