// Package testutil provides shared fakes for relay tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	relay "github.com/eugener/palantir/internal"
)

// ScriptedProvider is a relay.Provider speaking one native dialect and
// answering CallNative from a queued script. Ops lists the operations it
// serves; with Translate set it additionally accepts the other dialects by
// translating to the native one. Every call it sees is logged.
type ScriptedProvider struct {
	ProviderName string
	Proto        relay.Protocol
	Translate    bool

	ops map[relay.Operation]bool

	mu     sync.Mutex
	script []scriptEntry
	calls  []ProviderCall
}

type scriptEntry struct {
	resp *relay.ProxyResponse
	meta *relay.UpstreamRecordMeta
	err  error
}

// ProviderCall is one recorded CallNative invocation.
type ProviderCall struct {
	Req relay.ProxyRequest
	Up  relay.UpstreamContext
}

// NewScriptedProvider builds a provider serving the given operations in the
// given dialect.
func NewScriptedProvider(name string, proto relay.Protocol, ops ...relay.Operation) *ScriptedProvider {
	m := make(map[relay.Operation]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return &ScriptedProvider{ProviderName: name, Proto: proto, ops: m}
}

func (f *ScriptedProvider) Name() string { return f.ProviderName }

func (f *ScriptedProvider) DispatchTable() relay.DispatchTable {
	return func(tc relay.TransformContext) relay.DispatchRule {
		if !f.ops[tc.DstOp] {
			return relay.Unsupported()
		}
		if tc.SrcProto == f.Proto {
			return relay.Native()
		}
		if f.Translate {
			return relay.TransformTo(f.Proto)
		}
		return relay.Unsupported()
	}
}

func (f *ScriptedProvider) CallNative(_ context.Context, req *relay.ProxyRequest, up *relay.UpstreamContext) (*relay.ProxyResponse, *relay.UpstreamRecordMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ProviderCall{Req: *req, Up: *up})
	if len(f.script) == 0 {
		return nil, nil, errors.New("scripted provider: script exhausted")
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.resp, next.meta, next.err
}

// Respond queues a successful response.
func (f *ScriptedProvider) Respond(resp *relay.ProxyResponse) *ScriptedProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, scriptEntry{resp: resp})
	return f
}

// Fail queues a failing attempt.
func (f *ScriptedProvider) Fail(err error) *ScriptedProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, scriptEntry{err: err})
	return f
}

// Calls returns a copy of the recorded invocations.
func (f *ScriptedProvider) Calls() []ProviderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ProviderCall(nil), f.calls...)
}

// StreamResponse wraps pre-framed chunks as a streaming ProxyResponse.
func StreamResponse(contentType string, chunks ...[]byte) *relay.ProxyResponse {
	ch := make(chan relay.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- relay.StreamChunk{Data: c}
	}
	close(ch)
	return &relay.ProxyResponse{
		Status: 200,
		Header: map[string][]string{"Content-Type": {contentType}},
		Stream: ch,
	}
}
