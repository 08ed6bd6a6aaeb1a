package relay

import "time"

// --- Operational events ---

// EventKind discriminates Event payloads.
type EventKind string

const (
	EventUnavailableStart      EventKind = "unavailable_start"
	EventUnavailableEnd        EventKind = "unavailable_end"
	EventModelUnavailableStart EventKind = "model_unavailable_start"
	EventModelUnavailableEnd   EventKind = "model_unavailable_end"
	EventDownstream            EventKind = "downstream"
	EventUpstream              EventKind = "upstream"
)

// Event is the single JSON-serializable envelope broadcast on the hub and
// persisted to the internal events table. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind             EventKind               `json:"kind"`
	At               time.Time               `json:"at"`
	Unavailable      *UnavailableChange      `json:"unavailable,omitempty"`
	ModelUnavailable *ModelUnavailableChange `json:"model_unavailable,omitempty"`
	Downstream       *DownstreamTraffic      `json:"downstream,omitempty"`
	Upstream         *UpstreamTraffic        `json:"upstream,omitempty"`
}

// UnavailableChange reports a credential leaving (start) or rejoining (end)
// rotation. Reason and Until are set on start only.
type UnavailableChange struct {
	Provider     string            `json:"provider"`
	CredentialID int64             `json:"credential_id"`
	Reason       UnavailableReason `json:"reason,omitempty"`
	Until        *time.Time        `json:"until,omitempty"`
}

// ModelUnavailableChange reports a per-model disallow starting or ending.
// Level, Reason and Until are set on start only; a nil Until never expires.
type ModelUnavailableChange struct {
	Provider     string            `json:"provider"`
	CredentialID int64             `json:"credential_id"`
	Model        string            `json:"model"`
	Level        DisallowLevel     `json:"level,omitempty"`
	Reason       UnavailableReason `json:"reason,omitempty"`
	Until        *time.Time        `json:"until,omitempty"`
}
