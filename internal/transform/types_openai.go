package transform

import "encoding/json"

// Wire shapes of the openai dialect (Chat Completions API). Streams reuse the
// response envelope with choices[].delta instead of choices[].message.

type openaiRequest struct {
	Model               string            `json:"model"`
	Messages            []openaiMessage   `json:"messages"`
	MaxTokens           *int64            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int64            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64          `json:"temperature,omitempty"`
	TopP                *float64          `json:"top_p,omitempty"`
	Stop                json.RawMessage   `json:"stop,omitempty"` // string or []string
	Stream              bool              `json:"stream,omitempty"`
	StreamOptions       *openaiStreamOpts `json:"stream_options,omitempty"`
	Tools               []openaiTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage   `json:"tool_choice,omitempty"`
}

type openaiStreamOpts struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"` // string or content parts
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int           `json:"index,omitempty"` // streaming deltas only
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openaiFuncBody `json:"function"`
}

type openaiFuncBody struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string        `json:"type"`
	Function openaiFuncDef `json:"function"`
}

type openaiFuncDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Index        int            `json:"index"`
	Message      *openaiMessage `json:"message,omitempty"`
	Delta        *openaiMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens        int64                `json:"prompt_tokens"`
	CompletionTokens    int64                `json:"completion_tokens"`
	TotalTokens         int64                `json:"total_tokens"`
	PromptTokensDetails *openaiPromptDetails `json:"prompt_tokens_details,omitempty"`
}

type openaiPromptDetails struct {
	CachedTokens int64 `json:"cached_tokens,omitempty"`
}

// Count tokens (the responses input_tokens shape).

type openaiCountRequest struct {
	Model    string          `json:"model"`
	Input    json.RawMessage `json:"input,omitempty"`
	Messages []openaiMessage `json:"messages,omitempty"`
}

type openaiCountResponse struct {
	Object      string `json:"object,omitempty"`
	InputTokens int64  `json:"input_tokens"`
}

// Model listing. Created is unix seconds on this dialect.

type openaiModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type openaiModelList struct {
	Object string        `json:"object"`
	Data   []openaiModel `json:"data"`
}
