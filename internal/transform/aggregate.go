package transform

import (
	"errors"
	"fmt"
	"strings"

	relay "github.com/eugener/palantir/internal"
)

// Aggregator folds a streamed generate response into a single neutral
// message. Deltas must arrive in order: one start, then any mix of text,
// tool and usage deltas, then one end. An out-of-order delta fails the whole
// response and the partial state is discarded.
type Aggregator struct {
	decoder *Decoder
	deltas  deltaDecoder
	msg     Message
	tools   map[int]*toolAccum
	started bool
	ended   bool
	err     error
}

type toolAccum struct {
	part int
	args strings.Builder
}

func NewAggregator(proto relay.Protocol, model string) *Aggregator {
	return &Aggregator{
		decoder: NewDecoder(proto),
		deltas:  newDeltaDecoder(proto, model),
		msg:     Message{Model: StripModelsPrefix(model), Role: "assistant"},
	}
}

// Feed consumes one upstream chunk. A returned error is terminal: the
// aggregate is lost and Finish will fail with the same error.
func (a *Aggregator) Feed(chunk []byte) error {
	if a.err != nil {
		return a.err
	}
	for _, ev := range a.decoder.Feed(chunk) {
		if err := a.consume(ev); err != nil {
			return err
		}
	}
	return nil
}

// Finish flushes the decoders and returns the folded message.
func (a *Aggregator) Finish() (Message, error) {
	if a.err == nil {
		for _, ev := range a.decoder.Finish() {
			if a.consume(ev) != nil {
				break
			}
		}
	}
	if a.err == nil {
		for _, d := range a.deltas.finish() {
			if err := a.apply(d); err != nil {
				a.fail(err)
				break
			}
		}
	}
	if a.err == nil && (!a.started || !a.ended) {
		a.fail(errors.New("stream closed before completion"))
	}
	if a.err != nil {
		return Message{}, a.err
	}
	for _, t := range a.tools {
		a.msg.Parts[t.part].Tool.Args = t.args.String()
	}
	return a.msg, nil
}

func (a *Aggregator) consume(ev StreamEvent) error {
	deltas, err := a.deltas.decode(ev)
	if err != nil {
		a.fail(err)
		return a.err
	}
	for _, d := range deltas {
		if err := a.apply(d); err != nil {
			a.fail(err)
			return a.err
		}
	}
	return nil
}

func (a *Aggregator) apply(d Delta) error {
	if a.ended {
		return fmt.Errorf("%s delta after stream end", d.Kind)
	}
	if !a.started && d.Kind != DeltaStart {
		return fmt.Errorf("%s delta before stream start", d.Kind)
	}
	switch d.Kind {
	case DeltaStart:
		if a.started {
			return errors.New("second stream start")
		}
		a.started = true
		if d.MessageID != "" {
			a.msg.ID = d.MessageID
		}
		if d.Model != "" {
			a.msg.Model = d.Model
		}
		if d.Role != "" {
			a.msg.Role = d.Role
		}
	case DeltaText:
		if n := len(a.msg.Parts); n > 0 && a.msg.Parts[n-1].Kind == PartText {
			a.msg.Parts[n-1].Text += d.Text
			break
		}
		a.msg.Parts = append(a.msg.Parts, Part{Kind: PartText, Text: d.Text})
	case DeltaToolStart:
		if a.tools == nil {
			a.tools = make(map[int]*toolAccum)
		}
		if _, dup := a.tools[d.ToolIndex]; dup {
			return fmt.Errorf("second start for tool %d", d.ToolIndex)
		}
		a.tools[d.ToolIndex] = &toolAccum{part: len(a.msg.Parts)}
		a.msg.Parts = append(a.msg.Parts, Part{Kind: PartToolCall, Tool: &ToolCall{
			ID:   d.ToolID,
			Name: d.ToolName,
		}})
	case DeltaToolArgs:
		t, ok := a.tools[d.ToolIndex]
		if !ok {
			return fmt.Errorf("arguments before start for tool %d", d.ToolIndex)
		}
		t.args.WriteString(d.Args)
	case DeltaUsage:
		if d.Usage != nil {
			a.msg.Usage.Merge(*d.Usage)
		}
	case DeltaStop:
		a.msg.StopReason = d.StopReason
	case DeltaEnd:
		a.ended = true
	}
	return nil
}

func (a *Aggregator) fail(err error) {
	a.err = fmt.Errorf("aggregate stream: %w", err)
	a.msg = Message{}
	a.tools = nil
}
