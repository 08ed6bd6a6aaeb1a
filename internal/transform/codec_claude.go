package transform

import (
	"encoding/json"
	"fmt"
	"time"

	relay "github.com/eugener/palantir/internal"
)

// defaultMaxTokens fills the claude dialect's mandatory max_tokens when the
// source dialect did not set one.
const defaultMaxTokens = 4096

// --- Requests ---

func parseClaudeRequest(model string, body []byte) (GenRequest, error) {
	var wire claudeRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return GenRequest{}, fmt.Errorf("claude request: %w", err)
	}
	out := GenRequest{
		Model:       firstNonEmpty(wire.Model, model),
		System:      claudeSystemText(wire.System),
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		TopK:        wire.TopK,
		Stop:        wire.StopSequences,
		Stream:      wire.Stream,
		ToolChoice:  claudeToolChoiceName(wire.ToolChoice),
	}
	if wire.MaxTokens > 0 {
		mt := wire.MaxTokens
		out.MaxTokens = &mt
	}
	for _, m := range wire.Messages {
		parts, err := claudeParts(m.Content)
		if err != nil {
			return GenRequest{}, err
		}
		out.Messages = append(out.Messages, ReqMessage{Role: m.Role, Parts: parts})
	}
	for _, t := range wire.Tools {
		out.Tools = append(out.Tools, ToolDef{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return out, nil
}

func renderClaudeRequest(req GenRequest) ([]byte, error) {
	wire := claudeRequest{
		Model:         StripModelsPrefix(req.Model),
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil {
		wire.MaxTokens = *req.MaxTokens
	}
	if req.System != "" {
		b, _ := json.Marshal(req.System)
		wire.System = b
	}
	for _, m := range req.Messages {
		blocks := make([]claudeBlock, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				blocks = append(blocks, claudeBlock{Type: "text", Text: p.Text})
			case PartToolCall:
				blocks = append(blocks, claudeBlock{
					Type:  "tool_use",
					ID:    p.Tool.ID,
					Name:  p.Tool.Name,
					Input: jsonObjectOrEmpty(p.Tool.Args),
				})
			case PartToolResult:
				content, _ := json.Marshal(p.ToolResult.Content)
				blocks = append(blocks, claudeBlock{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.CallID,
					Content:   content,
				})
			}
		}
		raw, _ := json.Marshal(blocks)
		wire.Messages = append(wire.Messages, claudeMessage{Role: m.Role, Content: raw})
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, claudeTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}
	switch req.ToolChoice {
	case "":
	case "auto":
		wire.ToolChoice = json.RawMessage(`{"type":"auto"}`)
	case "required":
		wire.ToolChoice = json.RawMessage(`{"type":"any"}`)
	default:
		b, _ := json.Marshal(map[string]string{"type": "tool", "name": req.ToolChoice})
		wire.ToolChoice = b
	}
	return json.Marshal(wire)
}

// claudeSystemText flattens the system field, which is a string or a list of
// text blocks.
func claudeSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []claudeBlock
	if json.Unmarshal(raw, &blocks) == nil {
		for _, b := range blocks {
			s += b.Text
		}
	}
	return s
}

// claudeParts decodes a message content field, which is a string or a list of
// typed blocks.
func claudeParts(raw json.RawMessage) ([]ReqPart, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []ReqPart{{Kind: PartText, Text: s}}, nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("claude message content: %w", err)
	}
	parts := make([]ReqPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, ReqPart{Kind: PartText, Text: b.Text})
		case "tool_use":
			parts = append(parts, ReqPart{Kind: PartToolCall, Tool: &ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: rawOrEmptyObject(b.Input),
			}})
		case "tool_result":
			parts = append(parts, ReqPart{Kind: PartToolResult, ToolResult: &ToolResult{
				CallID:  b.ToolUseID,
				Content: flattenContent(b.Content),
			}})
		}
	}
	return parts, nil
}

func claudeToolChoiceName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if json.Unmarshal(raw, &tc) != nil {
		return ""
	}
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return tc.Name
	}
	return ""
}

// --- Responses ---

func parseClaudeResponse(body []byte) (Message, error) {
	var wire claudeResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Message{}, fmt.Errorf("claude response: %w", err)
	}
	msg := Message{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       firstNonEmpty(wire.Role, "assistant"),
		StopReason: claudeStopToNeutral(wire.StopReason),
		Usage:      claudeUsageSummary(wire.Usage),
	}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: b.Text})
		case "tool_use":
			msg.Parts = append(msg.Parts, Part{Kind: PartToolCall, Tool: &ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: rawOrEmptyObject(b.Input),
			}})
		}
	}
	return msg, nil
}

func renderClaudeResponse(msg Message) ([]byte, error) {
	wire := claudeResponse{
		ID:         firstNonEmpty(msg.ID, "msg_unknown"),
		Type:       "message",
		Role:       "assistant",
		Model:      StripModelsPrefix(msg.Model),
		Content:    []claudeBlock{},
		StopReason: claudeStopFromNeutral(msg.StopReason),
		Usage: &claudeUsage{
			InputTokens:              clampPtr(msg.Usage.Input, 0),
			OutputTokens:             clampPtr(msg.Usage.Output, 0),
			CacheCreationInputTokens: clampOpt(msg.Usage.CacheCreation),
			CacheReadInputTokens:     clampOpt(msg.Usage.CacheRead),
		},
	}
	for _, p := range msg.Parts {
		switch p.Kind {
		case PartText:
			wire.Content = append(wire.Content, claudeBlock{Type: "text", Text: p.Text})
		case PartToolCall:
			wire.Content = append(wire.Content, claudeBlock{
				Type:  "tool_use",
				ID:    p.Tool.ID,
				Name:  p.Tool.Name,
				Input: jsonObjectOrEmpty(p.Tool.Args),
			})
		}
	}
	return json.Marshal(wire)
}

func claudeUsageSummary(u *claudeUsage) UsageSummary {
	if u == nil {
		return UsageSummary{}
	}
	in, out := u.InputTokens, u.OutputTokens
	s := UsageSummary{Input: &in, Output: &out}
	if u.CacheReadInputTokens != nil {
		s.CacheRead = u.CacheReadInputTokens
	}
	if u.CacheCreationInputTokens != nil {
		s.CacheCreation = u.CacheCreationInputTokens
	}
	return s
}

func claudeStopToNeutral(s string) StopReason {
	switch s {
	case "end_turn":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	case "tool_use":
		return StopToolUse
	case "stop_sequence":
		return StopStopSequence
	case "refusal":
		return StopFilter
	default:
		return ""
	}
}

func claudeStopFromNeutral(s StopReason) string {
	switch s {
	case StopMaxTokens:
		return "max_tokens"
	case StopToolUse:
		return "tool_use"
	case StopStopSequence:
		return "stop_sequence"
	case StopFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

// --- Count tokens ---

func parseClaudeCountRequest(model string, body []byte) (GenRequest, error) {
	var wire claudeCountRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return GenRequest{}, fmt.Errorf("claude count request: %w", err)
	}
	out := GenRequest{
		Model:  firstNonEmpty(wire.Model, model),
		System: claudeSystemText(wire.System),
	}
	for _, m := range wire.Messages {
		parts, err := claudeParts(m.Content)
		if err != nil {
			return GenRequest{}, err
		}
		out.Messages = append(out.Messages, ReqMessage{Role: m.Role, Parts: parts})
	}
	for _, t := range wire.Tools {
		out.Tools = append(out.Tools, ToolDef{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return out, nil
}

func renderClaudeCountRequest(req GenRequest) ([]byte, error) {
	full, err := renderClaudeRequest(req)
	if err != nil {
		return nil, err
	}
	var wire claudeCountRequest
	if err := json.Unmarshal(full, &wire); err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

func parseClaudeCountResponse(body []byte) (int64, error) {
	var wire claudeCountResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("claude count response: %w", err)
	}
	return wire.InputTokens, nil
}

// renderClaudeCountResponse mirrors the count into
// context_management.original_input_tokens, which claude-side token tooling
// reads when deciding context trimming.
func renderClaudeCountResponse(total int64) []byte {
	t := ClampTokens(total)
	b, _ := json.Marshal(claudeCountResponse{
		InputTokens:       t,
		ContextManagement: &claudeContextManagement{OriginalInputTokens: t},
	})
	return b
}

// --- Model listing ---

func parseClaudeModelList(body []byte) (ModelList, error) {
	var wire claudeModelList
	if err := json.Unmarshal(body, &wire); err != nil {
		return ModelList{}, fmt.Errorf("claude model list: %w", err)
	}
	var out ModelList
	for _, m := range wire.Data {
		out.Models = append(out.Models, claudeModelInfo(m))
	}
	return out, nil
}

func renderClaudeModelList(list ModelList) []byte {
	wire := claudeModelList{Data: []claudeModel{}}
	for _, m := range list.Models {
		wire.Data = append(wire.Data, claudeModelEntry(m))
	}
	if len(wire.Data) > 0 {
		wire.FirstID = &wire.Data[0].ID
		wire.LastID = &wire.Data[len(wire.Data)-1].ID
	}
	b, _ := json.Marshal(wire)
	return b
}

func parseClaudeModel(body []byte) (ModelInfo, error) {
	var wire claudeModel
	if err := json.Unmarshal(body, &wire); err != nil {
		return ModelInfo{}, fmt.Errorf("claude model: %w", err)
	}
	return claudeModelInfo(wire), nil
}

func renderClaudeModel(m ModelInfo) []byte {
	b, _ := json.Marshal(claudeModelEntry(m))
	return b
}

func claudeModelInfo(m claudeModel) ModelInfo {
	var created int64
	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		created = t.Unix()
	}
	return ModelInfo{
		ID:          StripModelsPrefix(m.ID),
		DisplayName: m.DisplayName,
		Created:     created,
	}
}

func claudeModelEntry(m ModelInfo) claudeModel {
	return claudeModel{
		ID:          StripModelsPrefix(m.ID),
		Type:        "model",
		DisplayName: firstNonEmpty(m.DisplayName, StripModelsPrefix(m.ID)),
		CreatedAt:   time.Unix(m.Created, 0).UTC().Format(time.RFC3339),
	}
}

// --- Stream deltas ---

// claudeDeltaDecoder folds claude stream events into neutral deltas. Claude
// indexes content blocks globally; tool deltas are re-keyed to per-tool
// ordinals.
type claudeDeltaDecoder struct {
	blockTool map[int]int
	toolSeen  int
}

func (d *claudeDeltaDecoder) decode(ev StreamEvent) ([]Delta, error) {
	var wire claudeStreamEvent
	if err := json.Unmarshal(ev.Data, &wire); err != nil {
		return nil, fmt.Errorf("claude stream event: %w", err)
	}
	switch wire.Type {
	case "ping":
		return nil, nil
	case "message_start":
		start := Delta{Kind: DeltaStart, Role: "assistant"}
		var usage *UsageSummary
		if wire.Message != nil {
			start.MessageID = wire.Message.ID
			start.Model = wire.Message.Model
			start.Role = firstNonEmpty(wire.Message.Role, "assistant")
			if wire.Message.Usage != nil {
				u := claudeUsageSummary(wire.Message.Usage)
				u.Output = nil // output is unknown until message_delta
				usage = &u
			}
		}
		out := []Delta{start}
		if usage != nil {
			out = append(out, Delta{Kind: DeltaUsage, Usage: usage})
		}
		return out, nil
	case "content_block_start":
		if wire.ContentBlock == nil {
			return nil, nil
		}
		switch wire.ContentBlock.Type {
		case "tool_use":
			ordinal := d.toolSeen
			d.toolSeen++
			if d.blockTool == nil {
				d.blockTool = make(map[int]int)
			}
			d.blockTool[wire.Index] = ordinal
			return []Delta{{
				Kind:      DeltaToolStart,
				ToolIndex: ordinal,
				ToolID:    wire.ContentBlock.ID,
				ToolName:  wire.ContentBlock.Name,
			}}, nil
		case "text":
			if wire.ContentBlock.Text != "" {
				return []Delta{{Kind: DeltaText, Text: wire.ContentBlock.Text}}, nil
			}
		}
		return nil, nil
	case "content_block_delta":
		if wire.Delta == nil {
			return nil, nil
		}
		switch wire.Delta.Type {
		case "text_delta":
			return []Delta{{Kind: DeltaText, Text: wire.Delta.Text}}, nil
		case "input_json_delta":
			ordinal, ok := d.blockTool[wire.Index]
			if !ok {
				return nil, fmt.Errorf("claude stream: input_json_delta for unknown block %d", wire.Index)
			}
			return []Delta{{Kind: DeltaToolArgs, ToolIndex: ordinal, Args: wire.Delta.PartialJSON}}, nil
		}
		return nil, nil
	case "content_block_stop":
		return nil, nil
	case "message_delta":
		var out []Delta
		if wire.Delta != nil && wire.Delta.StopReason != "" {
			out = append(out, Delta{Kind: DeltaStop, StopReason: claudeStopToNeutral(wire.Delta.StopReason)})
		}
		if wire.Usage != nil {
			u := UsageSummary{Output: &wire.Usage.OutputTokens}
			if wire.Usage.InputTokens > 0 {
				u.Input = &wire.Usage.InputTokens
			}
			out = append(out, Delta{Kind: DeltaUsage, Usage: &u})
		}
		return out, nil
	case "message_stop":
		return []Delta{{Kind: DeltaEnd}}, nil
	default:
		return nil, nil
	}
}

// finish emits nothing: the claude dialect marks the end of a message with an
// explicit message_stop event.
func (d *claudeDeltaDecoder) finish() []Delta {
	return nil
}

// claudeDeltaEncoder renders neutral deltas as claude stream events, managing
// content block indexes and the open-block lifecycle.
type claudeDeltaEncoder struct {
	messageID string
	model     string
	nextIndex int
	openIndex int // -1 when no block is open
	openTool  bool
	toolBlock map[int]int
	usage     UsageSummary
	stop      StopReason
	started   bool
	ended     bool
}

func newClaudeDeltaEncoder(model string) *claudeDeltaEncoder {
	return &claudeDeltaEncoder{model: model, openIndex: -1}
}

func (e *claudeDeltaEncoder) encode(d Delta) []StreamEvent {
	switch d.Kind {
	case DeltaStart:
		e.started = true
		e.messageID = firstNonEmpty(d.MessageID, "msg_unknown")
		if d.Model != "" {
			e.model = d.Model
		}
		return []StreamEvent{claudeEvent("message_start", claudeEvMessageStart{
			Type: "message_start",
			Message: claudeResponse{
				ID:      e.messageID,
				Type:    "message",
				Role:    "assistant",
				Model:   StripModelsPrefix(e.model),
				Content: []claudeBlock{},
				Usage:   &claudeUsage{},
			},
		})}
	case DeltaText:
		var out []StreamEvent
		if e.openIndex >= 0 && e.openTool {
			out = append(out, e.closeBlock())
		}
		if e.openIndex < 0 {
			e.openIndex = e.nextIndex
			e.nextIndex++
			e.openTool = false
			out = append(out, claudeEvent("content_block_start", claudeEvBlockStart{
				Type:         "content_block_start",
				Index:        e.openIndex,
				ContentBlock: claudeBlock{Type: "text"},
			}))
		}
		return append(out, claudeEvent("content_block_delta", claudeEvBlockDelta{
			Type:  "content_block_delta",
			Index: e.openIndex,
			Delta: claudeStreamDelta{Type: "text_delta", Text: d.Text},
		}))
	case DeltaToolStart:
		var out []StreamEvent
		if e.openIndex >= 0 {
			out = append(out, e.closeBlock())
		}
		e.openIndex = e.nextIndex
		e.nextIndex++
		e.openTool = true
		if e.toolBlock == nil {
			e.toolBlock = make(map[int]int)
		}
		e.toolBlock[d.ToolIndex] = e.openIndex
		return append(out, claudeEvent("content_block_start", claudeEvBlockStart{
			Type:  "content_block_start",
			Index: e.openIndex,
			ContentBlock: claudeBlock{
				Type:  "tool_use",
				ID:    firstNonEmpty(d.ToolID, fmt.Sprintf("toolu_%d", d.ToolIndex)),
				Name:  d.ToolName,
				Input: json.RawMessage(`{}`),
			},
		}))
	case DeltaToolArgs:
		idx, ok := e.toolBlock[d.ToolIndex]
		if !ok {
			return nil
		}
		return []StreamEvent{claudeEvent("content_block_delta", claudeEvBlockDelta{
			Type:  "content_block_delta",
			Index: idx,
			Delta: claudeStreamDelta{Type: "input_json_delta", PartialJSON: d.Args},
		})}
	case DeltaUsage:
		if d.Usage != nil {
			e.usage.Merge(*d.Usage)
		}
		return nil
	case DeltaStop:
		e.stop = d.StopReason
		return nil
	case DeltaEnd:
		return e.terminate()
	default:
		return nil
	}
}

func (e *claudeDeltaEncoder) finish() []StreamEvent {
	if !e.started || e.ended {
		return nil
	}
	return e.terminate()
}

func (e *claudeDeltaEncoder) terminate() []StreamEvent {
	if e.ended {
		return nil
	}
	e.ended = true
	var out []StreamEvent
	if e.openIndex >= 0 {
		out = append(out, e.closeBlock())
	}
	out = append(out, claudeEvent("message_delta", claudeEvMessageDelta{
		Type:  "message_delta",
		Delta: claudeStreamDelta{StopReason: claudeStopFromNeutral(e.stop)},
		Usage: claudeUsage{
			InputTokens:  clampPtr(e.usage.Input, 0),
			OutputTokens: clampPtr(e.usage.Output, 0),
		},
	}))
	return append(out, claudeEvent("message_stop", claudeEvMessageStop{Type: "message_stop"}))
}

func (e *claudeDeltaEncoder) closeBlock() StreamEvent {
	ev := claudeEvent("content_block_stop", claudeEvBlockStop{
		Type:  "content_block_stop",
		Index: e.openIndex,
	})
	e.openIndex = -1
	e.openTool = false
	return ev
}

// Encoding-side event shapes. Decoding uses the permissive claudeStreamEvent.

type claudeEvMessageStart struct {
	Type    string         `json:"type"`
	Message claudeResponse `json:"message"`
}

type claudeEvBlockStart struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	ContentBlock claudeBlock `json:"content_block"`
}

type claudeEvBlockDelta struct {
	Type  string            `json:"type"`
	Index int               `json:"index"`
	Delta claudeStreamDelta `json:"delta"`
}

type claudeEvBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type claudeEvMessageDelta struct {
	Type  string            `json:"type"`
	Delta claudeStreamDelta `json:"delta"`
	Usage claudeUsage       `json:"usage"`
}

type claudeEvMessageStop struct {
	Type string `json:"type"`
}

func claudeEvent(name string, v any) StreamEvent {
	b, _ := json.Marshal(v)
	return StreamEvent{Proto: relay.ProtoClaude, Name: name, Data: b}
}
