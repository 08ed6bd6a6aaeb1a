package transform

import "encoding/json"

// The neutral model: every dialect parses into these shapes and renders out of
// them, so each translation is one hop and the pairwise product stays small.

// GenRequest is a dialect-neutral generate request.
type GenRequest struct {
	Model       string
	System      string
	Messages    []ReqMessage
	MaxTokens   *int64
	Temperature *float64
	TopP        *float64
	TopK        *int64
	Stop        []string
	Stream      bool
	Tools       []ToolDef
	ToolChoice  string // "", "auto", "required", or a tool name
}

// ReqMessage is one conversation turn.
type ReqMessage struct {
	Role  string // "user" or "assistant"
	Parts []ReqPart
}

// ReqPart is one piece of a turn: text, an assistant tool call, or a tool
// result supplied by the user side.
type ReqPart struct {
	Kind       PartKind
	Text       string
	Tool       *ToolCall
	ToolResult *ToolResult
}

// PartKind discriminates ReqPart and Part payloads.
type PartKind uint8

const (
	PartText PartKind = iota
	PartToolCall
	PartToolResult
)

// ToolCall is an invocation of a tool by the model.
type ToolCall struct {
	ID   string
	Name string
	Args string // raw JSON object
}

// ToolResult is the caller-supplied outcome of an earlier tool call.
type ToolResult struct {
	CallID  string
	Name    string
	Content string // text or raw JSON
}

// ToolDef declares a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Message is a dialect-neutral complete generate response.
type Message struct {
	ID         string
	Model      string
	Created    int64 // unix seconds; 0 when the source dialect has none
	Role       string
	Parts      []Part
	StopReason StopReason
	Usage      UsageSummary
}

// Part is one ordered piece of response content.
type Part struct {
	Kind PartKind
	Text string
	Tool *ToolCall
}

// Text concatenates the text parts.
func (m *Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			s += p.Text
		}
	}
	return s
}

// StopReason is the dialect-neutral termination cause.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
	StopFilter       StopReason = "filter"
)

// UsageSummary is the dialect-neutral token accounting. Nil fields were never
// reported by the upstream.
type UsageSummary struct {
	Input         *int64 `json:"input,omitempty"`
	Output        *int64 `json:"output,omitempty"`
	CacheRead     *int64 `json:"cache_read,omitempty"`
	CacheCreation *int64 `json:"cache_creation,omitempty"`
}

// Merge folds o into u field-wise; reported values win over absent ones and
// later reports win over earlier ones.
func (u *UsageSummary) Merge(o UsageSummary) {
	if o.Input != nil {
		u.Input = o.Input
	}
	if o.Output != nil {
		u.Output = o.Output
	}
	if o.CacheRead != nil {
		u.CacheRead = o.CacheRead
	}
	if o.CacheCreation != nil {
		u.CacheCreation = o.CacheCreation
	}
}

// InputOr returns the input count or def.
func (u UsageSummary) InputOr(def int64) int64 {
	if u.Input != nil {
		return *u.Input
	}
	return def
}

// OutputOr returns the output count or def.
func (u UsageSummary) OutputOr(def int64) int64 {
	if u.Output != nil {
		return *u.Output
	}
	return def
}

// Delta is the neutral stream-event alphabet every dialect decodes into and
// encodes out of. Field validity follows Kind.
type Delta struct {
	Kind       DeltaKind
	MessageID  string // Start
	Model      string // Start
	Role       string // Start
	Text       string // Text
	ToolIndex  int    // ToolStart, ToolArgs: 0-based ordinal of the tool call
	ToolID     string // ToolStart
	ToolName   string // ToolStart
	Args       string // ToolArgs: JSON fragment
	Usage      *UsageSummary // Usage
	StopReason StopReason    // Stop
}

// DeltaKind discriminates Delta payloads.
type DeltaKind uint8

const (
	DeltaStart DeltaKind = iota
	DeltaText
	DeltaToolStart
	DeltaToolArgs
	DeltaUsage
	DeltaStop
	DeltaEnd
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaStart:
		return "start"
	case DeltaText:
		return "text"
	case DeltaToolStart:
		return "tool_start"
	case DeltaToolArgs:
		return "tool_args"
	case DeltaUsage:
		return "usage"
	case DeltaStop:
		return "stop"
	case DeltaEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ModelInfo is a dialect-neutral model listing entry. Placeholder rules: a
// missing creation time is the unix epoch, missing ownership and version are
// "unknown".
type ModelInfo struct {
	ID          string // unprefixed id
	DisplayName string
	Description string
	Created     int64
	OwnedBy     string
	Version     string
}

// ModelList is a dialect-neutral model listing.
type ModelList struct {
	Models []ModelInfo
}

const (
	placeholderOwner   = "unknown"
	placeholderVersion = "unknown"
)
