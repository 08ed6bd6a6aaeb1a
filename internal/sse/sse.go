// Package sse implements server-sent-event framing: an incremental parser
// that turns an arbitrarily chunked byte stream into events, and an encoder
// that writes events back in wire form.
package sse

import (
	"bytes"
	"strings"
	"unicode"
)

// Event is one framed server-sent event. Multi-line data is joined with \n.
type Event struct {
	Name string // empty when no event line was seen
	Data string
}

// Parser is an incremental SSE framer. Feed it bytes in any chunking; complete
// events come back in arrival order. The zero value is ready to use.
type Parser struct {
	buf  []byte
	name string
	data []string
}

// Feed consumes a chunk and returns the events completed by it.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		nl := bytes.IndexByte(p.buf, '\n')
		if nl < 0 {
			break
		}
		line := string(p.buf[:nl])
		p.buf = p.buf[nl+1:]
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "":
			p.flush(&events)
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			p.setName(line[len("event:"):])
		case line == "event":
			p.name = ""
		case strings.HasPrefix(line, "data:"):
			p.data = append(p.data, trimValue(line[len("data:"):]))
		case line == "data":
			p.data = append(p.data, "")
		}
	}
	return events
}

// Finish flushes a trailing unterminated line, then emits the pending event if
// one accumulated. Call once, after the byte stream ends.
func (p *Parser) Finish() []Event {
	if len(p.buf) > 0 {
		line := strings.TrimSuffix(string(p.buf), "\r")
		p.buf = nil
		if strings.HasPrefix(line, "event:") {
			p.setName(line[len("event:"):])
		} else if strings.HasPrefix(line, "data:") {
			p.data = append(p.data, trimValue(line[len("data:"):]))
		}
	}
	var events []Event
	p.flush(&events)
	return events
}

// setName sets the pending event name; an empty value clears it.
func (p *Parser) setName(raw string) {
	p.name = trimValue(raw)
}

// flush appends the pending event, if any, and resets the accumulator.
func (p *Parser) flush(events *[]Event) {
	if p.name == "" && len(p.data) == 0 {
		return
	}
	*events = append(*events, Event{
		Name: p.name,
		Data: strings.Join(p.data, "\n"),
	})
	p.name = ""
	p.data = p.data[:0:0]
}

// trimValue strips the leading whitespace between the field colon and value.
func trimValue(v string) string {
	return strings.TrimLeftFunc(v, unicode.IsSpace)
}

// Encode renders one event in wire form: an optional event line, one data line
// per line of data, and the blank-line terminator.
func Encode(ev Event) []byte {
	var b bytes.Buffer
	if ev.Name != "" {
		b.WriteString("event: ")
		b.WriteString(ev.Name)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

// Comment renders an SSE comment line, used as a keepalive. Parsers skip it
// and it carries no dispatching blank line, so a pending event is undisturbed.
func Comment(text string) []byte {
	return []byte(": " + text + "\n")
}
