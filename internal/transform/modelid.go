package transform

import (
	"strings"

	relay "github.com/eugener/palantir/internal"
)

// modelsPrefix is the resource prefix the gemini dialect puts on model ids.
const modelsPrefix = "models/"

// StripModelsPrefix removes the gemini "models/" resource prefix. Stable under
// repeated application.
func StripModelsPrefix(id string) string {
	for strings.HasPrefix(id, modelsPrefix) {
		id = id[len(modelsPrefix):]
	}
	return id
}

// EnsureModelsPrefix adds the gemini "models/" resource prefix to a bare id.
// Stable under repeated application.
func EnsureModelsPrefix(id string) string {
	if id == "" || strings.HasPrefix(id, modelsPrefix) {
		return id
	}
	return modelsPrefix + id
}

// ModelForProto spells a model id the way the given dialect expects it.
func ModelForProto(id string, p relay.Protocol) string {
	if p == relay.ProtoGemini {
		return EnsureModelsPrefix(id)
	}
	return StripModelsPrefix(id)
}
