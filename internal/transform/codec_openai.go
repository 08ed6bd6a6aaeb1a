package transform

import (
	"encoding/json"
	"fmt"

	relay "github.com/eugener/palantir/internal"
)

// --- Requests ---

func parseOpenAIRequest(model string, body []byte) (GenRequest, error) {
	var wire openaiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return GenRequest{}, fmt.Errorf("openai request: %w", err)
	}
	out := GenRequest{
		Model:       firstNonEmpty(wire.Model, model),
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        openaiStopList(wire.Stop),
		Stream:      wire.Stream,
		ToolChoice:  openaiToolChoiceName(wire.ToolChoice),
	}
	if wire.MaxCompletionTokens != nil {
		out.MaxTokens = wire.MaxCompletionTokens
	} else {
		out.MaxTokens = wire.MaxTokens
	}
	for _, m := range wire.Messages {
		switch m.Role {
		case "system", "developer":
			if out.System != "" {
				out.System += "\n"
			}
			out.System += flattenContent(m.Content)
		case "tool":
			out.Messages = append(out.Messages, ReqMessage{Role: "user", Parts: []ReqPart{{
				Kind: PartToolResult,
				ToolResult: &ToolResult{
					CallID:  m.ToolCallID,
					Content: flattenContent(m.Content),
				},
			}}})
		case "assistant":
			msg := ReqMessage{Role: "assistant"}
			if text := flattenContent(m.Content); text != "" {
				msg.Parts = append(msg.Parts, ReqPart{Kind: PartText, Text: text})
			}
			for i, tc := range m.ToolCalls {
				msg.Parts = append(msg.Parts, ReqPart{Kind: PartToolCall, Tool: &ToolCall{
					ID:   firstNonEmpty(tc.ID, fmt.Sprintf("call_%d", i)),
					Name: tc.Function.Name,
					Args: firstNonEmpty(tc.Function.Arguments, "{}"),
				}})
			}
			out.Messages = append(out.Messages, msg)
		default:
			out.Messages = append(out.Messages, ReqMessage{Role: "user", Parts: []ReqPart{{
				Kind: PartText,
				Text: flattenContent(m.Content),
			}}})
		}
	}
	for _, t := range wire.Tools {
		out.Tools = append(out.Tools, ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}
	return out, nil
}

func renderOpenAIRequest(req GenRequest) ([]byte, error) {
	wire := openaiRequest{
		Model:       StripModelsPrefix(req.Model),
		MaxTokens:   clampOpt(req.MaxTokens),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.Stream {
		wire.StreamOptions = &openaiStreamOpts{IncludeUsage: true}
	}
	if len(req.Stop) > 0 {
		b, _ := json.Marshal(req.Stop)
		wire.Stop = b
	}
	if req.System != "" {
		content, _ := json.Marshal(req.System)
		wire.Messages = append(wire.Messages, openaiMessage{Role: "system", Content: content})
	}
	for _, m := range req.Messages {
		var text string
		var calls []openaiToolCall
		var results []*ToolResult
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				text += p.Text
			case PartToolCall:
				calls = append(calls, openaiToolCall{
					ID:   p.Tool.ID,
					Type: "function",
					Function: openaiFuncBody{
						Name:      p.Tool.Name,
						Arguments: firstNonEmpty(p.Tool.Args, "{}"),
					},
				})
			case PartToolResult:
				results = append(results, p.ToolResult)
			}
		}
		if text != "" || len(calls) > 0 {
			msg := openaiMessage{Role: m.Role, ToolCalls: calls}
			if text != "" {
				content, _ := json.Marshal(text)
				msg.Content = content
			}
			wire.Messages = append(wire.Messages, msg)
		}
		// The openai dialect carries each tool result as its own message.
		for _, r := range results {
			content, _ := json.Marshal(r.Content)
			wire.Messages = append(wire.Messages, openaiMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: r.CallID,
			})
		}
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, openaiTool{Type: "function", Function: openaiFuncDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		}})
	}
	switch req.ToolChoice {
	case "":
	case "auto", "required":
		b, _ := json.Marshal(req.ToolChoice)
		wire.ToolChoice = b
	default:
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice},
		})
		wire.ToolChoice = b
	}
	return json.Marshal(wire)
}

func openaiStopList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

func openaiToolChoiceName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto", "required":
			return s
		default: // "none" and unknown values fall back to unset
			return ""
		}
	}
	var tc struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &tc) == nil {
		return tc.Function.Name
	}
	return ""
}

// --- Responses ---

func parseOpenAIResponse(body []byte) (Message, error) {
	var wire openaiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Message{}, fmt.Errorf("openai response: %w", err)
	}
	msg := Message{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
		Role:    "assistant",
		Usage:   openaiUsageSummary(wire.Usage),
	}
	if len(wire.Choices) == 0 {
		return msg, nil
	}
	choice := wire.Choices[0]
	if choice.Message != nil {
		if text := flattenContent(choice.Message.Content); text != "" {
			msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: text})
		}
		for i, tc := range choice.Message.ToolCalls {
			msg.Parts = append(msg.Parts, Part{Kind: PartToolCall, Tool: &ToolCall{
				ID:   firstNonEmpty(tc.ID, fmt.Sprintf("call_%d", i)),
				Name: tc.Function.Name,
				Args: firstNonEmpty(tc.Function.Arguments, "{}"),
			}})
		}
	}
	if choice.FinishReason != nil {
		msg.StopReason = openaiStopToNeutral(*choice.FinishReason)
	}
	return msg, nil
}

func renderOpenAIResponse(msg Message) ([]byte, error) {
	out := openaiMessage{Role: "assistant"}
	if text := msg.Text(); text != "" {
		content, _ := json.Marshal(text)
		out.Content = content
	}
	for _, p := range msg.Parts {
		if p.Kind == PartToolCall {
			out.ToolCalls = append(out.ToolCalls, openaiToolCall{
				ID:   p.Tool.ID,
				Type: "function",
				Function: openaiFuncBody{
					Name:      p.Tool.Name,
					Arguments: firstNonEmpty(p.Tool.Args, "{}"),
				},
			})
		}
	}
	finish := openaiStopFromNeutral(msg.StopReason)
	wire := openaiResponse{
		ID:      firstNonEmpty(msg.ID, "chatcmpl-unknown"),
		Object:  "chat.completion",
		Created: msg.Created,
		Model:   StripModelsPrefix(msg.Model),
		Choices: []openaiChoice{{Message: &out, FinishReason: &finish}},
		Usage: &openaiUsage{
			PromptTokens:     ClampTokens(msg.Usage.InputOr(0)),
			CompletionTokens: ClampTokens(msg.Usage.OutputOr(0)),
			TotalTokens:      ClampTokens(msg.Usage.InputOr(0)) + ClampTokens(msg.Usage.OutputOr(0)),
		},
	}
	if msg.Usage.CacheRead != nil {
		wire.Usage.PromptTokensDetails = &openaiPromptDetails{CachedTokens: ClampTokens(*msg.Usage.CacheRead)}
	}
	return json.Marshal(wire)
}

func openaiUsageSummary(u *openaiUsage) UsageSummary {
	if u == nil {
		return UsageSummary{}
	}
	in, out := u.PromptTokens, u.CompletionTokens
	s := UsageSummary{Input: &in, Output: &out}
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > 0 {
		cached := u.PromptTokensDetails.CachedTokens
		s.CacheRead = &cached
	}
	return s
}

func openaiStopToNeutral(s string) StopReason {
	switch s {
	case "stop":
		return StopEndTurn
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	case "content_filter":
		return StopFilter
	default:
		return ""
	}
}

func openaiStopFromNeutral(s StopReason) string {
	switch s {
	case StopMaxTokens:
		return "length"
	case StopToolUse:
		return "tool_calls"
	case StopFilter:
		return "content_filter"
	default:
		// end_turn and stop_sequence are indistinguishable here.
		return "stop"
	}
}

// --- Count tokens ---

func parseOpenAICountRequest(model string, body []byte) (GenRequest, error) {
	var wire openaiCountRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return GenRequest{}, fmt.Errorf("openai count request: %w", err)
	}
	if len(wire.Messages) == 0 && len(wire.Input) > 0 {
		var text string
		if json.Unmarshal(wire.Input, &text) == nil {
			wire.Messages = []openaiMessage{{Role: "user", Content: wire.Input}}
		} else if err := json.Unmarshal(wire.Input, &wire.Messages); err != nil {
			return GenRequest{}, fmt.Errorf("openai count input: %w", err)
		}
	}
	full, _ := json.Marshal(openaiRequest{Model: firstNonEmpty(wire.Model, model), Messages: wire.Messages})
	return parseOpenAIRequest(model, full)
}

func renderOpenAICountRequest(req GenRequest) ([]byte, error) {
	full, err := renderOpenAIRequest(req)
	if err != nil {
		return nil, err
	}
	var wire openaiRequest
	if err := json.Unmarshal(full, &wire); err != nil {
		return nil, err
	}
	return json.Marshal(openaiCountRequest{Model: wire.Model, Messages: wire.Messages})
}

func parseOpenAICountResponse(body []byte) (int64, error) {
	var wire openaiCountResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("openai count response: %w", err)
	}
	return wire.InputTokens, nil
}

func renderOpenAICountResponse(total int64) []byte {
	b, _ := json.Marshal(openaiCountResponse{InputTokens: ClampTokens(total)})
	return b
}

// --- Model listing ---

func parseOpenAIModelList(body []byte) (ModelList, error) {
	var wire openaiModelList
	if err := json.Unmarshal(body, &wire); err != nil {
		return ModelList{}, fmt.Errorf("openai model list: %w", err)
	}
	var out ModelList
	for _, m := range wire.Data {
		out.Models = append(out.Models, openaiModelInfo(m))
	}
	return out, nil
}

func renderOpenAIModelList(list ModelList) []byte {
	wire := openaiModelList{Object: "list", Data: []openaiModel{}}
	for _, m := range list.Models {
		wire.Data = append(wire.Data, openaiModelEntry(m))
	}
	b, _ := json.Marshal(wire)
	return b
}

func parseOpenAIModel(body []byte) (ModelInfo, error) {
	var wire openaiModel
	if err := json.Unmarshal(body, &wire); err != nil {
		return ModelInfo{}, fmt.Errorf("openai model: %w", err)
	}
	return openaiModelInfo(wire), nil
}

func renderOpenAIModel(m ModelInfo) []byte {
	b, _ := json.Marshal(openaiModelEntry(m))
	return b
}

func openaiModelInfo(m openaiModel) ModelInfo {
	return ModelInfo{
		ID:      StripModelsPrefix(m.ID),
		Created: m.Created,
		OwnedBy: m.OwnedBy,
	}
}

func openaiModelEntry(m ModelInfo) openaiModel {
	return openaiModel{
		ID:      StripModelsPrefix(m.ID),
		Object:  "model",
		Created: m.Created,
		OwnedBy: firstNonEmpty(m.OwnedBy, placeholderOwner),
	}
}

// --- Stream deltas ---

// openaiDeltaDecoder folds openai chat completion chunks into neutral deltas.
// The dialect has no explicit end event; End is synthesized at finish.
type openaiDeltaDecoder struct {
	toolIndex map[int]int
	nextTool  int
	started   bool
}

func (d *openaiDeltaDecoder) decode(ev StreamEvent) ([]Delta, error) {
	var wire openaiResponse
	if err := json.Unmarshal(ev.Data, &wire); err != nil {
		return nil, fmt.Errorf("openai stream chunk: %w", err)
	}
	var out []Delta
	if !d.started {
		d.started = true
		role := "assistant"
		if len(wire.Choices) > 0 && wire.Choices[0].Delta != nil && wire.Choices[0].Delta.Role != "" {
			role = wire.Choices[0].Delta.Role
		}
		out = append(out, Delta{Kind: DeltaStart, MessageID: wire.ID, Model: wire.Model, Role: role})
	}
	for _, choice := range wire.Choices {
		if choice.Delta != nil {
			if text := flattenContent(choice.Delta.Content); text != "" {
				out = append(out, Delta{Kind: DeltaText, Text: text})
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if tc.ID != "" || tc.Function.Name != "" {
					if d.toolIndex == nil {
						d.toolIndex = make(map[int]int)
					}
					ordinal := d.nextTool
					d.nextTool++
					d.toolIndex[idx] = ordinal
					out = append(out, Delta{
						Kind:      DeltaToolStart,
						ToolIndex: ordinal,
						ToolID:    firstNonEmpty(tc.ID, fmt.Sprintf("call_%d", ordinal)),
						ToolName:  tc.Function.Name,
					})
					if tc.Function.Arguments != "" {
						out = append(out, Delta{Kind: DeltaToolArgs, ToolIndex: ordinal, Args: tc.Function.Arguments})
					}
					continue
				}
				ordinal, ok := d.toolIndex[idx]
				if !ok {
					return nil, fmt.Errorf("openai stream: arguments for unknown tool index %d", idx)
				}
				if tc.Function.Arguments != "" {
					out = append(out, Delta{Kind: DeltaToolArgs, ToolIndex: ordinal, Args: tc.Function.Arguments})
				}
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			out = append(out, Delta{Kind: DeltaStop, StopReason: openaiStopToNeutral(*choice.FinishReason)})
		}
	}
	if wire.Usage != nil {
		u := openaiUsageSummary(wire.Usage)
		out = append(out, Delta{Kind: DeltaUsage, Usage: &u})
	}
	return out, nil
}

func (d *openaiDeltaDecoder) finish() []Delta {
	if !d.started {
		return nil
	}
	return []Delta{{Kind: DeltaEnd}}
}

// openaiDeltaEncoder renders neutral deltas as openai chat completion chunks.
type openaiDeltaEncoder struct {
	id      string
	model   string
	usage   UsageSummary
	stop    StopReason
	started bool
	ended   bool
}

func newOpenAIDeltaEncoder(model string) *openaiDeltaEncoder {
	return &openaiDeltaEncoder{model: model}
}

func (e *openaiDeltaEncoder) encode(d Delta) []StreamEvent {
	switch d.Kind {
	case DeltaStart:
		e.started = true
		e.id = firstNonEmpty(d.MessageID, "chatcmpl-unknown")
		if d.Model != "" {
			e.model = d.Model
		}
		return []StreamEvent{e.chunk(&openaiMessage{Role: "assistant"}, nil)}
	case DeltaText:
		content, _ := json.Marshal(d.Text)
		return []StreamEvent{e.chunk(&openaiMessage{Content: content}, nil)}
	case DeltaToolStart:
		idx := d.ToolIndex
		return []StreamEvent{e.chunk(&openaiMessage{ToolCalls: []openaiToolCall{{
			Index:    &idx,
			ID:       firstNonEmpty(d.ToolID, fmt.Sprintf("call_%d", d.ToolIndex)),
			Type:     "function",
			Function: openaiFuncBody{Name: d.ToolName},
		}}}, nil)}
	case DeltaToolArgs:
		idx := d.ToolIndex
		return []StreamEvent{e.chunk(&openaiMessage{ToolCalls: []openaiToolCall{{
			Index:    &idx,
			Function: openaiFuncBody{Arguments: d.Args},
		}}}, nil)}
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

func (e *openaiDeltaEncoder) finish() []StreamEvent {
	if !e.started || e.ended {
		return nil
	}
	return e.terminate()
}

func (e *openaiDeltaEncoder) terminate() []StreamEvent {
	if e.ended {
		return nil
	}
	e.ended = true
	finish := openaiStopFromNeutral(e.stop)
	out := []StreamEvent{e.chunk(&openaiMessage{}, &finish)}
	in := ClampTokens(e.usage.InputOr(0))
	outTok := ClampTokens(e.usage.OutputOr(0))
	usage := &openaiUsage{
		PromptTokens:     in,
		CompletionTokens: outTok,
		TotalTokens:      in + outTok,
	}
	if e.usage.CacheRead != nil {
		usage.PromptTokensDetails = &openaiPromptDetails{CachedTokens: ClampTokens(*e.usage.CacheRead)}
	}
	final := openaiResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Model:   StripModelsPrefix(e.model),
		Choices: []openaiChoice{},
		Usage:   usage,
	}
	b, _ := json.Marshal(final)
	return append(out, StreamEvent{Proto: relay.ProtoOpenAI, Data: b})
}

func (e *openaiDeltaEncoder) chunk(delta *openaiMessage, finish *string) StreamEvent {
	wire := openaiResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Model:   StripModelsPrefix(e.model),
		Choices: []openaiChoice{{Delta: delta, FinishReason: finish}},
	}
	b, _ := json.Marshal(wire)
	return StreamEvent{Proto: relay.ProtoOpenAI, Data: b}
}
