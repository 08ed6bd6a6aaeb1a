package transform

import "encoding/json"

// Wire shapes of the claude dialect (Anthropic Messages API). Only the fields
// the translations touch are modeled; unknown fields drop on re-render.

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int64           `json:"max_tokens,omitempty"`
	System        json.RawMessage `json:"system,omitempty"` // string or block list
	Messages      []claudeMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int64          `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []claudeBlock
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`          // tool_use
	Name      string          `json:"name,omitempty"`        // tool_use
	Input     json.RawMessage `json:"input,omitempty"`       // tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []claudeBlock `json:"content"`
	StopReason   string        `json:"stop_reason,omitempty"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        *claudeUsage  `json:"usage,omitempty"`
}

type claudeUsage struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens,omitempty"`
}

// Streaming events. Type discriminates; the rest is sparse.

type claudeStreamEvent struct {
	Type         string             `json:"type"`
	Message      *claudeResponse    `json:"message,omitempty"`       // message_start
	Index        int                `json:"index,omitempty"`         // content_block_*
	ContentBlock *claudeBlock       `json:"content_block,omitempty"` // content_block_start
	Delta        *claudeStreamDelta `json:"delta,omitempty"`         // content_block_delta, message_delta
	Usage        *claudeUsage       `json:"usage,omitempty"`         // message_delta
}

type claudeStreamDelta struct {
	Type         string  `json:"type,omitempty"` // text_delta, input_json_delta
	Text         string  `json:"text,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// Count tokens.

type claudeCountRequest struct {
	Model    string          `json:"model"`
	System   json.RawMessage `json:"system,omitempty"`
	Messages []claudeMessage `json:"messages"`
	Tools    []claudeTool    `json:"tools,omitempty"`
}

type claudeCountResponse struct {
	InputTokens       int64                    `json:"input_tokens"`
	ContextManagement *claudeContextManagement `json:"context_management,omitempty"`
}

type claudeContextManagement struct {
	OriginalInputTokens int64 `json:"original_input_tokens"`
}

// Model listing. CreatedAt is RFC 3339 on this dialect.

type claudeModel struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type claudeModelList struct {
	Data    []claudeModel `json:"data"`
	FirstID *string       `json:"first_id"`
	LastID  *string       `json:"last_id"`
	HasMore bool          `json:"has_more"`
}
