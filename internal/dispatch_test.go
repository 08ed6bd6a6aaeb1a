package relay

import "testing"

// nativeClaudeTable serves every translatable operation, natively for claude
// callers and via transform for the rest. Mirrors a full provider family.
func nativeClaudeTable(tc TransformContext) DispatchRule {
	switch tc.DstOp {
	case OpGenerate, OpGenerateStream, OpCountTokens, OpListModels, OpGetModel:
		if tc.SrcProto == ProtoClaude {
			return Native()
		}
		return TransformTo(ProtoClaude)
	default:
		return Unsupported()
	}
}

// nonStreamOnlyTable refuses the streaming generate shape.
func nonStreamOnlyTable(tc TransformContext) DispatchRule {
	if tc.DstOp == OpGenerate {
		return TransformTo(ProtoGemini)
	}
	return Unsupported()
}

// streamOnlyTable refuses the non-streaming generate shape.
func streamOnlyTable(tc TransformContext) DispatchRule {
	if tc.DstOp == OpGenerateStream {
		return TransformTo(ProtoOpenAI)
	}
	return Unsupported()
}

func TestResolveCall_Totality(t *testing.T) {
	t.Parallel()

	// Every (proto, op) pair must resolve or report false, never panic.
	for _, p := range Protocols {
		for _, op := range Operations {
			call, ok := ResolveCall(nativeClaudeTable, p, op)
			if !ok {
				continue
			}
			if call.Proto == "" || call.Op == "" {
				t.Errorf("ResolveCall(%s, %s) returned ok with empty fields: %+v", p, op, call)
			}
			if op != OpGenerate && op != OpGenerateStream {
				if call.Mode != ModeSame || call.Op != op {
					t.Errorf("non-generate %s/%s resolved with mode=%s op=%s", p, op, call.Mode, call.Op)
				}
			}
		}
	}
}

func TestResolveCall_NativeSameShape(t *testing.T) {
	t.Parallel()

	call, ok := ResolveCall(nativeClaudeTable, ProtoClaude, OpGenerateStream)
	if !ok {
		t.Fatal("expected a resolved call")
	}
	if call.Proto != ProtoClaude || call.Op != OpGenerateStream || call.Mode != ModeSame {
		t.Errorf("call = %+v, want native same-shape", call)
	}
}

func TestResolveCall_TransformTarget(t *testing.T) {
	t.Parallel()

	call, ok := ResolveCall(nativeClaudeTable, ProtoGemini, OpGenerate)
	if !ok {
		t.Fatal("expected a resolved call")
	}
	if call.Proto != ProtoClaude {
		t.Errorf("Proto = %s, want %s (transform target)", call.Proto, ProtoClaude)
	}
	if call.Mode != ModeSame {
		t.Errorf("Mode = %s, want same (same shape is supported)", call.Mode)
	}
}

func TestResolveCall_SameShapeBeatsFallback(t *testing.T) {
	t.Parallel()

	// Table supports both generate shapes; the user's shape must win.
	call, ok := ResolveCall(nativeClaudeTable, ProtoOpenAI, OpGenerateStream)
	if !ok {
		t.Fatal("expected a resolved call")
	}
	if call.Op != OpGenerateStream || call.Mode != ModeSame {
		t.Errorf("call = %+v, want same-shape stream call", call)
	}
}

func TestResolveCall_StreamWantedFallsBackToNonStream(t *testing.T) {
	t.Parallel()

	call, ok := ResolveCall(nonStreamOnlyTable, ProtoClaude, OpGenerateStream)
	if !ok {
		t.Fatal("expected a resolved call")
	}
	if call.Op != OpGenerate {
		t.Errorf("Op = %s, want %s", call.Op, OpGenerate)
	}
	if call.Mode != ModeNonToStream {
		t.Errorf("Mode = %s, want non_to_stream", call.Mode)
	}
	if call.Proto != ProtoGemini {
		t.Errorf("Proto = %s, want %s", call.Proto, ProtoGemini)
	}
}

func TestResolveCall_NonStreamWantedFallsBackToStream(t *testing.T) {
	t.Parallel()

	call, ok := ResolveCall(streamOnlyTable, ProtoClaude, OpGenerate)
	if !ok {
		t.Fatal("expected a resolved call")
	}
	if call.Op != OpGenerateStream {
		t.Errorf("Op = %s, want %s", call.Op, OpGenerateStream)
	}
	if call.Mode != ModeStreamToNon {
		t.Errorf("Mode = %s, want stream_to_non", call.Mode)
	}
}

func TestResolveCall_AllUnsupported(t *testing.T) {
	t.Parallel()

	refuse := func(TransformContext) DispatchRule { return Unsupported() }
	if _, ok := ResolveCall(refuse, ProtoClaude, OpGenerate); ok {
		t.Error("expected no resolution from an all-unsupported table")
	}
	if _, ok := ResolveCall(refuse, ProtoGemini, OpGenerateStream); ok {
		t.Error("expected no resolution from an all-unsupported table")
	}
}

func TestResolveCall_NonGenerateHasNoFallback(t *testing.T) {
	t.Parallel()

	// Generate ops are served but count-tokens is not; count-tokens must not
	// borrow the generate fallback path.
	table := func(tc TransformContext) DispatchRule {
		if tc.DstOp == OpGenerate || tc.DstOp == OpGenerateStream {
			return Native()
		}
		return Unsupported()
	}
	if _, ok := ResolveCall(table, ProtoClaude, OpCountTokens); ok {
		t.Error("count_tokens must not resolve through generate fallbacks")
	}
}

func TestOperationLabel(t *testing.T) {
	t.Parallel()

	if got := OperationLabel(ProtoClaude, OpGenerateStream); got != "claude.generate_stream" {
		t.Errorf("label = %q", got)
	}
	r := &ProxyRequest{Protocol: ProtoGemini, Operation: OpCountTokens}
	if got := r.OperationLabel(); got != "gemini.count_tokens" {
		t.Errorf("label = %q", got)
	}
}
