package transform

import (
	relay "github.com/eugener/palantir/internal"
)

// Synthesize renders a complete message as a stream body in the given
// dialect, for callers that asked for a stream when the upstream call
// produced a single response. A message with no content still yields a valid
// stream: a start frame, the terminal frames and zeroed usage.
func Synthesize(proto relay.Protocol, msg Message) []byte {
	enc := newDeltaEncoder(proto, msg.Model)
	var out []byte
	emit := func(deltas ...Delta) {
		for _, d := range deltas {
			for _, ev := range enc.encode(d) {
				out = append(out, EncodeEvent(ev, relay.OpGenerateStream)...)
			}
		}
	}
	emit(Delta{
		Kind:      DeltaStart,
		MessageID: msg.ID,
		Model:     msg.Model,
		Role:      firstNonEmpty(msg.Role, "assistant"),
	})
	tool := 0
	for _, p := range msg.Parts {
		switch p.Kind {
		case PartText:
			if p.Text != "" {
				emit(Delta{Kind: DeltaText, Text: p.Text})
			}
		case PartToolCall:
			emit(
				Delta{Kind: DeltaToolStart, ToolIndex: tool, ToolID: p.Tool.ID, ToolName: p.Tool.Name},
				Delta{Kind: DeltaToolArgs, ToolIndex: tool, Args: firstNonEmpty(p.Tool.Args, "{}")},
			)
			tool++
		}
	}
	usage := msg.Usage
	emit(
		Delta{Kind: DeltaUsage, Usage: &usage},
		Delta{Kind: DeltaStop, StopReason: msg.StopReason},
		Delta{Kind: DeltaEnd},
	)
	out = append(out, DoneMarker(proto, relay.OpGenerateStream)...)
	return out
}
