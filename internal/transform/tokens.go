package transform

import "math"

// ClampTokens narrows a 64-bit token counter to the unsigned 32-bit range the
// narrower dialects carry. Negative values clamp to zero.
func ClampTokens(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return v
}

// clampPtr clamps through a possibly-absent counter, defaulting to def.
func clampPtr(v *int64, def int64) int64 {
	if v == nil {
		return ClampTokens(def)
	}
	return ClampTokens(*v)
}
