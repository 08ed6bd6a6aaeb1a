package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	relay "github.com/eugener/palantir/internal"
)

// The gemini dialect has no tool-call identifiers: calls and results pair up
// by function name and order. Synthetic ids keep that pairing stable when a
// conversation round-trips through a dialect that requires ids.
type geminiCallIDs struct {
	calls   map[string]int
	results map[string]int
}

func (g *geminiCallIDs) call(name string) string {
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	n := g.calls[name]
	g.calls[name]++
	return fmt.Sprintf("call_%s_%d", name, n)
}

func (g *geminiCallIDs) result(name string) string {
	if g.results == nil {
		g.results = make(map[string]int)
	}
	n := g.results[name]
	g.results[name]++
	return fmt.Sprintf("call_%s_%d", name, n)
}

// --- Requests ---

func parseGeminiRequest(model string, body []byte) (GenRequest, error) {
	var wire geminiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return GenRequest{}, fmt.Errorf("gemini request: %w", err)
	}
	out := GenRequest{Model: StripModelsPrefix(model)}
	if wire.SystemInstruction != nil {
		var sb strings.Builder
		for _, p := range wire.SystemInstruction.Parts {
			sb.WriteString(p.Text)
		}
		out.System = sb.String()
	}
	var ids geminiCallIDs
	for _, c := range wire.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}
		msg := ReqMessage{Role: role}
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				msg.Parts = append(msg.Parts, ReqPart{Kind: PartToolCall, Tool: &ToolCall{
					ID:   ids.call(p.FunctionCall.Name),
					Name: p.FunctionCall.Name,
					Args: rawOrEmptyObject(p.FunctionCall.Args),
				}})
			case p.FunctionResponse != nil:
				msg.Parts = append(msg.Parts, ReqPart{Kind: PartToolResult, ToolResult: &ToolResult{
					CallID:  ids.result(p.FunctionResponse.Name),
					Name:    p.FunctionResponse.Name,
					Content: flattenContent(p.FunctionResponse.Response),
				}})
			default:
				msg.Parts = append(msg.Parts, ReqPart{Kind: PartText, Text: p.Text})
			}
		}
		out.Messages = append(out.Messages, msg)
	}
	for _, set := range wire.Tools {
		for _, d := range set.FunctionDeclarations {
			out.Tools = append(out.Tools, ToolDef{Name: d.Name, Description: d.Description, Schema: d.Parameters})
		}
	}
	if wire.ToolConfig != nil && wire.ToolConfig.FunctionCallingConfig != nil {
		fc := wire.ToolConfig.FunctionCallingConfig
		switch fc.Mode {
		case "AUTO":
			out.ToolChoice = "auto"
		case "ANY":
			if len(fc.AllowedFunctionNames) == 1 {
				out.ToolChoice = fc.AllowedFunctionNames[0]
			} else {
				out.ToolChoice = "required"
			}
		}
	}
	if gc := wire.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.TopK = gc.TopK
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
	}
	return out, nil
}

func renderGeminiRequest(req GenRequest) ([]byte, error) {
	var wire geminiRequest
	if req.System != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role, Parts: []geminiPart{}}
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				content.Parts = append(content.Parts, geminiPart{Text: p.Text})
			case PartToolCall:
				content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFuncCall{
					Name: p.Tool.Name,
					Args: jsonObjectOrEmpty(p.Tool.Args),
				}})
			case PartToolResult:
				content.Parts = append(content.Parts, geminiPart{FunctionResponse: &geminiFuncResp{
					Name:     firstNonEmpty(p.ToolResult.Name, "tool"),
					Response: wrapResultObject(p.ToolResult.Content),
				}})
			}
		}
		wire.Contents = append(wire.Contents, content)
	}
	if len(req.Tools) > 0 {
		set := geminiToolSet{}
		for _, t := range req.Tools {
			set.FunctionDeclarations = append(set.FunctionDeclarations, geminiFuncDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			})
		}
		wire.Tools = []geminiToolSet{set}
	}
	switch req.ToolChoice {
	case "":
	case "auto":
		wire.ToolConfig = &geminiToolConf{FunctionCallingConfig: &geminiFuncConf{Mode: "AUTO"}}
	case "required":
		wire.ToolConfig = &geminiToolConf{FunctionCallingConfig: &geminiFuncConf{Mode: "ANY"}}
	default:
		wire.ToolConfig = &geminiToolConf{FunctionCallingConfig: &geminiFuncConf{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{req.ToolChoice},
		}}
	}
	if req.Temperature != nil || req.TopP != nil || req.TopK != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		wire.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: clampOpt(req.MaxTokens),
			StopSequences:   req.Stop,
		}
	}
	return json.Marshal(wire)
}

// wrapResultObject coerces a tool result into the object shape the gemini
// dialect requires for functionResponse.response.
func wrapResultObject(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(map[string]string{"result": content})
	return b
}

// --- Responses ---

func parseGeminiResponse(model string, body []byte) (Message, error) {
	var wire geminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Message{}, fmt.Errorf("gemini response: %w", err)
	}
	msg := Message{
		ID:    wire.ResponseID,
		Model: firstNonEmpty(wire.ModelVersion, StripModelsPrefix(model)),
		Role:  "assistant",
		Usage: geminiUsageSummary(wire.UsageMetadata),
	}
	if len(wire.Candidates) == 0 {
		return msg, nil
	}
	cand := wire.Candidates[0]
	var ids geminiCallIDs
	hasTool := false
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				hasTool = true
				msg.Parts = append(msg.Parts, Part{Kind: PartToolCall, Tool: &ToolCall{
					ID:   ids.call(p.FunctionCall.Name),
					Name: p.FunctionCall.Name,
					Args: rawOrEmptyObject(p.FunctionCall.Args),
				}})
			case p.Text != "":
				msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: p.Text})
			}
		}
	}
	msg.StopReason = geminiStopToNeutral(cand.FinishReason, hasTool)
	return msg, nil
}

func renderGeminiResponse(msg Message) ([]byte, error) {
	parts := []geminiPart{}
	for _, p := range msg.Parts {
		switch p.Kind {
		case PartText:
			parts = append(parts, geminiPart{Text: p.Text})
		case PartToolCall:
			parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{
				Name: p.Tool.Name,
				Args: jsonObjectOrEmpty(p.Tool.Args),
			}})
		}
	}
	in := ClampTokens(msg.Usage.InputOr(0))
	out := ClampTokens(msg.Usage.OutputOr(0))
	wire := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      &geminiContent{Role: "model", Parts: parts},
			FinishReason: geminiStopFromNeutral(msg.StopReason),
		}},
		UsageMetadata: &geminiUsage{
			PromptTokenCount:     in,
			CandidatesTokenCount: out,
			TotalTokenCount:      in + out,
		},
		ModelVersion: StripModelsPrefix(msg.Model),
		ResponseID:   msg.ID,
	}
	if msg.Usage.CacheRead != nil {
		wire.UsageMetadata.CachedContentTokenCount = ClampTokens(*msg.Usage.CacheRead)
	}
	return json.Marshal(wire)
}

func geminiUsageSummary(u *geminiUsage) UsageSummary {
	if u == nil {
		return UsageSummary{}
	}
	in, out := u.PromptTokenCount, u.CandidatesTokenCount
	s := UsageSummary{Input: &in, Output: &out}
	if u.CachedContentTokenCount > 0 {
		cached := u.CachedContentTokenCount
		s.CacheRead = &cached
	}
	return s
}

func geminiStopToNeutral(finish string, hasTool bool) StopReason {
	switch finish {
	case "STOP":
		if hasTool {
			return StopToolUse
		}
		return StopEndTurn
	case "MAX_TOKENS":
		return StopMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return StopFilter
	default:
		return ""
	}
}

func geminiStopFromNeutral(s StopReason) string {
	switch s {
	case StopMaxTokens:
		return "MAX_TOKENS"
	case StopFilter:
		return "SAFETY"
	default:
		// Tool calls and stop sequences both finish with STOP in this
		// dialect; the parts carry the distinction.
		return "STOP"
	}
}

// --- Count tokens ---

func parseGeminiCountRequest(model string, body []byte) (GenRequest, error) {
	var wire geminiCountRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return GenRequest{}, fmt.Errorf("gemini count request: %w", err)
	}
	full, _ := json.Marshal(geminiRequest{Contents: wire.Contents})
	return parseGeminiRequest(model, full)
}

func renderGeminiCountRequest(req GenRequest) ([]byte, error) {
	full, err := renderGeminiRequest(req)
	if err != nil {
		return nil, err
	}
	var wire geminiRequest
	if err := json.Unmarshal(full, &wire); err != nil {
		return nil, err
	}
	return json.Marshal(geminiCountRequest{Contents: wire.Contents})
}

func parseGeminiCountResponse(body []byte) (int64, error) {
	var wire geminiCountResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return 0, fmt.Errorf("gemini count response: %w", err)
	}
	return wire.TotalTokens, nil
}

func renderGeminiCountResponse(total int64) []byte {
	b, _ := json.Marshal(geminiCountResponse{TotalTokens: ClampTokens(total)})
	return b
}

// --- Model listing ---

func parseGeminiModelList(body []byte) (ModelList, error) {
	var wire geminiModelList
	if err := json.Unmarshal(body, &wire); err != nil {
		return ModelList{}, fmt.Errorf("gemini model list: %w", err)
	}
	var out ModelList
	for _, m := range wire.Models {
		out.Models = append(out.Models, geminiModelInfo(m))
	}
	return out, nil
}

func renderGeminiModelList(list ModelList) []byte {
	wire := geminiModelList{Models: []geminiModel{}}
	for _, m := range list.Models {
		wire.Models = append(wire.Models, geminiModelEntry(m))
	}
	b, _ := json.Marshal(wire)
	return b
}

func parseGeminiModel(body []byte) (ModelInfo, error) {
	var wire geminiModel
	if err := json.Unmarshal(body, &wire); err != nil {
		return ModelInfo{}, fmt.Errorf("gemini model: %w", err)
	}
	return geminiModelInfo(wire), nil
}

func renderGeminiModel(m ModelInfo) []byte {
	b, _ := json.Marshal(geminiModelEntry(m))
	return b
}

func geminiModelInfo(m geminiModel) ModelInfo {
	return ModelInfo{
		ID:          StripModelsPrefix(m.Name),
		DisplayName: m.DisplayName,
		Description: m.Description,
		Version:     m.Version,
	}
}

func geminiModelEntry(m ModelInfo) geminiModel {
	return geminiModel{
		Name:        EnsureModelsPrefix(m.ID),
		Version:     firstNonEmpty(m.Version, placeholderVersion),
		DisplayName: firstNonEmpty(m.DisplayName, StripModelsPrefix(m.ID)),
		Description: m.Description,
	}
}

// --- Stream deltas ---

// geminiDeltaDecoder folds gemini stream chunks into neutral deltas. The
// dialect has no explicit start or end events, so both are synthesized, and
// function calls always arrive complete in a single part.
type geminiDeltaDecoder struct {
	model    string
	ids      geminiCallIDs
	toolSeen int
	started  bool
	sawTool  bool
}

func (d *geminiDeltaDecoder) decode(ev StreamEvent) ([]Delta, error) {
	var wire geminiResponse
	if err := json.Unmarshal(ev.Data, &wire); err != nil {
		return nil, fmt.Errorf("gemini stream chunk: %w", err)
	}
	var out []Delta
	if !d.started {
		d.started = true
		out = append(out, Delta{
			Kind:      DeltaStart,
			MessageID: wire.ResponseID,
			Model:     firstNonEmpty(wire.ModelVersion, d.model),
			Role:      "assistant",
		})
	}
	for _, cand := range wire.Candidates {
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					d.sawTool = true
					ordinal := d.toolSeen
					d.toolSeen++
					out = append(out,
						Delta{
							Kind:      DeltaToolStart,
							ToolIndex: ordinal,
							ToolID:    d.ids.call(p.FunctionCall.Name),
							ToolName:  p.FunctionCall.Name,
						},
						Delta{
							Kind:      DeltaToolArgs,
							ToolIndex: ordinal,
							Args:      rawOrEmptyObject(p.FunctionCall.Args),
						})
				case p.Text != "":
					out = append(out, Delta{Kind: DeltaText, Text: p.Text})
				}
			}
		}
		if cand.FinishReason != "" {
			out = append(out, Delta{Kind: DeltaStop, StopReason: geminiStopToNeutral(cand.FinishReason, d.sawTool)})
		}
	}
	if wire.UsageMetadata != nil {
		u := geminiUsageSummary(wire.UsageMetadata)
		out = append(out, Delta{Kind: DeltaUsage, Usage: &u})
	}
	return out, nil
}

func (d *geminiDeltaDecoder) finish() []Delta {
	if !d.started {
		return nil
	}
	return []Delta{{Kind: DeltaEnd}}
}

// geminiDeltaEncoder renders neutral deltas as gemini stream chunks. Tool
// argument fragments are buffered until the tool closes so each functionCall
// part goes out complete.
type geminiDeltaEncoder struct {
	model    string
	respID   string
	toolName string
	toolArgs strings.Builder
	toolOpen bool
	usage    UsageSummary
	stop     StopReason
	sawTool  bool
	started  bool
	ended    bool
}

func newGeminiDeltaEncoder(model string) *geminiDeltaEncoder {
	return &geminiDeltaEncoder{model: model}
}

func (e *geminiDeltaEncoder) encode(d Delta) []StreamEvent {
	switch d.Kind {
	case DeltaStart:
		e.started = true
		e.respID = d.MessageID
		if d.Model != "" {
			e.model = d.Model
		}
		return nil
	case DeltaText:
		out := e.flushTool()
		return append(out, e.chunk([]geminiPart{{Text: d.Text}}, "", false))
	case DeltaToolStart:
		out := e.flushTool()
		e.toolOpen = true
		e.sawTool = true
		e.toolName = d.ToolName
		e.toolArgs.Reset()
		return out
	case DeltaToolArgs:
		if e.toolOpen {
			e.toolArgs.WriteString(d.Args)
		}
		return nil
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

func (e *geminiDeltaEncoder) finish() []StreamEvent {
	if !e.started || e.ended {
		return nil
	}
	return e.terminate()
}

func (e *geminiDeltaEncoder) terminate() []StreamEvent {
	if e.ended {
		return nil
	}
	e.ended = true
	out := e.flushTool()
	return append(out, e.chunk([]geminiPart{}, geminiStopFromNeutral(e.stop), true))
}

func (e *geminiDeltaEncoder) flushTool() []StreamEvent {
	if !e.toolOpen {
		return nil
	}
	e.toolOpen = false
	part := geminiPart{FunctionCall: &geminiFuncCall{
		Name: e.toolName,
		Args: jsonObjectOrEmpty(e.toolArgs.String()),
	}}
	return []StreamEvent{e.chunk([]geminiPart{part}, "", false)}
}

func (e *geminiDeltaEncoder) chunk(parts []geminiPart, finish string, final bool) StreamEvent {
	wire := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      &geminiContent{Role: "model", Parts: parts},
			FinishReason: finish,
		}},
		ModelVersion: StripModelsPrefix(e.model),
		ResponseID:   e.respID,
	}
	if final {
		in := ClampTokens(e.usage.InputOr(0))
		outTok := ClampTokens(e.usage.OutputOr(0))
		wire.UsageMetadata = &geminiUsage{
			PromptTokenCount:     in,
			CandidatesTokenCount: outTok,
			TotalTokenCount:      in + outTok,
		}
		if e.usage.CacheRead != nil {
			wire.UsageMetadata.CachedContentTokenCount = ClampTokens(*e.usage.CacheRead)
		}
	}
	b, _ := json.Marshal(wire)
	return StreamEvent{Proto: relay.ProtoGemini, Data: b}
}
