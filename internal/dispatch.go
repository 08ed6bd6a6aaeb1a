package relay

// --- Dispatch rules ---

// RuleKind classifies how a provider answers one call context.
type RuleKind uint8

const (
	// RuleNative serves the call with no translation.
	RuleNative RuleKind = iota
	// RuleTransform serves the call by translating to the target dialect.
	RuleTransform
	// RuleUnsupported refuses the call.
	RuleUnsupported
)

// DispatchRule is a provider's answer for one TransformContext.
type DispatchRule struct {
	Kind   RuleKind
	Target Protocol // set when Kind == RuleTransform
}

// Native builds the no-translation rule.
func Native() DispatchRule { return DispatchRule{Kind: RuleNative} }

// TransformTo builds the rule translating to the provider dialect p.
func TransformTo(p Protocol) DispatchRule { return DispatchRule{Kind: RuleTransform, Target: p} }

// Unsupported builds the refusal rule.
func Unsupported() DispatchRule { return DispatchRule{Kind: RuleUnsupported} }

// TransformContext is one candidate call shape the resolver probes a table
// with. SrcProto/SrcOp are what the user sent. DstOp is the upstream operation
// being tried; it differs from SrcOp only for the generate shape fallbacks.
// DstProto mirrors SrcProto at every probe site: the rule's Transform target,
// not the context, names the provider dialect.
type TransformContext struct {
	SrcProto Protocol
	DstProto Protocol
	SrcOp    Operation
	DstOp    Operation
}

// DispatchTable decides, per candidate context, whether and how a provider
// serves it. Tables are total: any context a table does not recognize must map
// to Unsupported.
type DispatchTable func(TransformContext) DispatchRule

// --- Resolution ---

// CallMode says how the upstream call shape relates to what the user asked.
type CallMode uint8

const (
	// ModeSame forwards the upstream body shape unchanged.
	ModeSame CallMode = iota
	// ModeStreamToNon aggregates an upstream stream into one response.
	ModeStreamToNon
	// ModeNonToStream synthesizes a downstream stream from one response.
	ModeNonToStream
)

func (m CallMode) String() string {
	switch m {
	case ModeStreamToNon:
		return "stream_to_non"
	case ModeNonToStream:
		return "non_to_stream"
	default:
		return "same"
	}
}

// ResolvedCall is the dispatch plan for one downstream request: the dialect
// and operation to call upstream, and how to adapt the body shape on the way
// back. For non-generate operations Mode is always ModeSame and Op equals the
// user operation.
type ResolvedCall struct {
	Proto Protocol
	Op    Operation
	Mode  CallMode
}

// ResolveCall maps what the user asked for to the upstream call the provider
// is willing to serve. Non-generate operations must be served in the user's
// shape. Generate operations prefer the same stream shape; when that is
// unsupported, a stream request falls back to the non-stream operation with
// the stream synthesized downstream, and a non-stream request falls back to
// the stream operation with the stream aggregated. ok is false when every
// candidate is unsupported.
func ResolveCall(table DispatchTable, userProto Protocol, userOp Operation) (ResolvedCall, bool) {
	probe := func(dstOp Operation) (ResolvedCall, bool) {
		rule := table(TransformContext{
			SrcProto: userProto,
			DstProto: userProto,
			SrcOp:    userOp,
			DstOp:    dstOp,
		})
		switch rule.Kind {
		case RuleNative:
			return ResolvedCall{Proto: userProto, Op: dstOp}, true
		case RuleTransform:
			return ResolvedCall{Proto: rule.Target, Op: dstOp}, true
		default:
			return ResolvedCall{}, false
		}
	}

	if userOp != OpGenerate && userOp != OpGenerateStream {
		return probe(userOp)
	}
	if call, ok := probe(userOp); ok {
		return call, true
	}
	if userOp == OpGenerateStream {
		if call, ok := probe(OpGenerate); ok {
			call.Mode = ModeNonToStream
			return call, true
		}
		return ResolvedCall{}, false
	}
	if call, ok := probe(OpGenerateStream); ok {
		call.Mode = ModeStreamToNon
		return call, true
	}
	return ResolvedCall{}, false
}
