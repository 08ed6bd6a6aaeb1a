package transform

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/sse"
)

// Format is the wire framing a dialect uses for stream responses.
type Format uint8

const (
	// FormatNamedEvents frames each chunk as an SSE event whose name
	// repeats the payload's type field.
	FormatNamedEvents Format = iota
	// FormatDataOnly frames chunks as anonymous SSE data lines and closes
	// the stream with a [DONE] marker.
	FormatDataOnly
	// FormatJSONLines frames chunks as newline-delimited JSON objects.
	FormatJSONLines
)

// FormatFor returns the framing the given dialect and operation use
// downstream.
func FormatFor(proto relay.Protocol, op relay.Operation) Format {
	switch proto {
	case relay.ProtoClaude:
		return FormatNamedEvents
	case relay.ProtoGemini:
		return FormatJSONLines
	default:
		if op == relay.OpResponses {
			return FormatNamedEvents
		}
		return FormatDataOnly
	}
}

// StreamContentType returns the Content-Type header for a stream response in
// the given dialect.
func StreamContentType(proto relay.Protocol) string {
	if proto == relay.ProtoGemini {
		return "application/json"
	}
	return "text/event-stream; charset=utf-8"
}

// StreamEvent is one decoded stream chunk: a JSON payload plus the SSE event
// name when the framing carries one.
type StreamEvent struct {
	Proto relay.Protocol
	Name  string
	Data  []byte
}

// Decoder splits a raw upstream byte stream into events. It speaks SSE and
// falls back to newline-delimited JSON when the first payload byte opens a
// JSON value, which the gemini dialect emits when alt=sse is not honored.
// Empty payloads and [DONE] markers are dropped.
type Decoder struct {
	proto   relay.Protocol
	sse     sse.Parser
	buf     []byte
	decided bool
	ndjson  bool
}

func NewDecoder(proto relay.Protocol) *Decoder {
	return &Decoder{proto: proto}
}

// Feed consumes a chunk and returns any events completed by it.
func (d *Decoder) Feed(chunk []byte) []StreamEvent {
	if !d.decided {
		d.buf = append(d.buf, chunk...)
		i := indexNonSpace(d.buf)
		if i < 0 {
			return nil
		}
		d.decided = true
		d.ndjson = d.buf[i] == '{' || d.buf[i] == '['
		pending := d.buf
		d.buf = nil
		if d.ndjson {
			return d.feedLines(pending)
		}
		return d.events(d.sse.Feed(pending))
	}
	if d.ndjson {
		return d.feedLines(chunk)
	}
	return d.events(d.sse.Feed(chunk))
}

// Finish flushes any event left unterminated when the stream closed.
func (d *Decoder) Finish() []StreamEvent {
	if !d.decided {
		d.buf = nil
		return nil
	}
	if d.ndjson {
		line := d.buf
		d.buf = nil
		if ev, ok := d.jsonLine(line); ok {
			return []StreamEvent{ev}
		}
		return nil
	}
	return d.events(d.sse.Finish())
}

func (d *Decoder) feedLines(chunk []byte) []StreamEvent {
	d.buf = append(d.buf, chunk...)
	var out []StreamEvent
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return out
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if ev, ok := d.jsonLine(line); ok {
			out = append(out, ev)
		}
	}
}

// jsonLine strips array framing from a line and keeps it when a JSON object
// remains.
func (d *Decoder) jsonLine(line []byte) (StreamEvent, bool) {
	s := bytes.TrimSpace(line)
	s = bytes.TrimLeft(s, "[, \t")
	s = bytes.TrimRight(s, "], \t")
	if len(s) == 0 || s[0] != '{' {
		return StreamEvent{}, false
	}
	return StreamEvent{Proto: d.proto, Data: s}, true
}

func (d *Decoder) events(evs []sse.Event) []StreamEvent {
	var out []StreamEvent
	for _, ev := range evs {
		data := strings.TrimSpace(ev.Data)
		if data == "" || data == "[DONE]" {
			continue
		}
		out = append(out, StreamEvent{Proto: d.proto, Name: ev.Name, Data: []byte(data)})
	}
	return out
}

func indexNonSpace(b []byte) int {
	for i, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			return i
		}
	}
	return -1
}

// EncodeEvent frames one event for the wire in the dialect's stream format.
func EncodeEvent(ev StreamEvent, op relay.Operation) []byte {
	switch FormatFor(ev.Proto, op) {
	case FormatNamedEvents:
		name := ev.Name
		if name == "" {
			name = gjson.GetBytes(ev.Data, "type").String()
		}
		return []byte(sse.Encode(sse.Event{Name: name, Data: string(ev.Data)}))
	case FormatJSONLines:
		return append(append([]byte{}, ev.Data...), '\n')
	default:
		return []byte(sse.Encode(sse.Event{Data: string(ev.Data)}))
	}
}

// DoneMarker returns the terminal frame for dialects that require one, or
// nil.
func DoneMarker(proto relay.Protocol, op relay.Operation) []byte {
	if FormatFor(proto, op) == FormatDataOnly {
		return []byte("data: [DONE]\n\n")
	}
	return nil
}

// --- Delta plumbing ---

// A deltaDecoder turns dialect stream events into neutral deltas; a
// deltaEncoder does the reverse. Both are stateful per stream.
type deltaDecoder interface {
	decode(StreamEvent) ([]Delta, error)
	finish() []Delta
}

type deltaEncoder interface {
	encode(Delta) []StreamEvent
	finish() []StreamEvent
}

func newDeltaDecoder(proto relay.Protocol, model string) deltaDecoder {
	switch proto {
	case relay.ProtoClaude:
		return &claudeDeltaDecoder{}
	case relay.ProtoGemini:
		return &geminiDeltaDecoder{model: model}
	default:
		return &openaiDeltaDecoder{}
	}
}

func newDeltaEncoder(proto relay.Protocol, model string) deltaEncoder {
	switch proto {
	case relay.ProtoClaude:
		return newClaudeDeltaEncoder(model)
	case relay.ProtoGemini:
		return newGeminiDeltaEncoder(model)
	default:
		return newOpenAIDeltaEncoder(model)
	}
}

// StreamTranslator re-frames a live stream from the src dialect into the dst
// dialect, chunk in, bytes out.
type StreamTranslator struct {
	dst     relay.Protocol
	decoder *Decoder
	src     deltaDecoder
	enc     deltaEncoder
	scanner *UsageScanner
}

func NewStreamTranslator(src, dst relay.Protocol, model string) *StreamTranslator {
	return &StreamTranslator{
		dst:     dst,
		decoder: NewDecoder(src),
		src:     newDeltaDecoder(src, model),
		enc:     newDeltaEncoder(dst, model),
		scanner: NewUsageScanner(src, relay.OpGenerateStream),
	}
}

// Feed translates one upstream chunk. The returned bytes are ready to write
// downstream and may be empty when the chunk completed no event.
func (t *StreamTranslator) Feed(chunk []byte) ([]byte, error) {
	var out []byte
	for _, ev := range t.decoder.Feed(chunk) {
		t.scanner.Scan(ev)
		deltas, err := t.src.decode(ev)
		if err != nil {
			return out, err
		}
		for _, d := range deltas {
			out = t.append(out, t.enc.encode(d))
		}
	}
	return out, nil
}

// Finish flushes both sides of the translation and appends the dst dialect's
// terminal frame when it has one.
func (t *StreamTranslator) Finish() ([]byte, error) {
	var out []byte
	for _, ev := range t.decoder.Finish() {
		t.scanner.Scan(ev)
		deltas, err := t.src.decode(ev)
		if err != nil {
			return out, err
		}
		for _, d := range deltas {
			out = t.append(out, t.enc.encode(d))
		}
	}
	for _, d := range t.src.finish() {
		out = t.append(out, t.enc.encode(d))
	}
	out = t.append(out, t.enc.finish())
	out = append(out, DoneMarker(t.dst, relay.OpGenerateStream)...)
	return out, nil
}

// Usage reports the usage observed on the source stream so far.
func (t *StreamTranslator) Usage() UsageSummary {
	return t.scanner.Summary()
}

// UpstreamUsage reports the dialect-native usage counters observed on the
// source stream so far.
func (t *StreamTranslator) UpstreamUsage() relay.UpstreamUsage {
	return t.scanner.Upstream()
}

func (t *StreamTranslator) append(out []byte, evs []StreamEvent) []byte {
	for _, ev := range evs {
		out = append(out, EncodeEvent(ev, relay.OpGenerateStream)...)
	}
	return out
}
