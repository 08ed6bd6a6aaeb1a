package relay

import (
	"encoding/json"
	"time"
)

// --- Credentials ---

// Credential is one upstream secret managed by the pool. Secret and Meta are
// opaque to the core; each provider family defines and validates their shape.
type Credential struct {
	ID       int64           `json:"id"`
	Provider string          `json:"provider"`
	Secret   json.RawMessage `json:"secret"`
	Meta     json.RawMessage `json:"meta,omitempty"`
	Enabled  bool            `json:"enabled"`
}

// UnavailableReason says why a credential was taken out of rotation.
type UnavailableReason string

const (
	ReasonRateLimit     UnavailableReason = "rate_limit"
	ReasonTimeout       UnavailableReason = "timeout"
	ReasonUpstream5xx   UnavailableReason = "upstream_5xx"
	ReasonAuthInvalid   UnavailableReason = "auth_invalid"
	ReasonModelDisallow UnavailableReason = "model_disallow"
	ReasonManual        UnavailableReason = "manual"
	ReasonUnknown       UnavailableReason = "unknown"
)

// CredentialState is the pool's view of one credential. The zero value is
// Active. Transitions back to Active happen only through the scheduler, never
// implicitly by the clock.
type CredentialState struct {
	Unavailable bool              `json:"unavailable"`
	Until       time.Time         `json:"until,omitempty"`
	Reason      UnavailableReason `json:"reason,omitempty"`
}

// Active reports whether the credential may be selected.
func (s CredentialState) Active() bool { return !s.Unavailable }

// --- Disallow scopes ---

// DisallowLevel grades how hard a disallow is.
type DisallowLevel string

const (
	// LevelCooldown expires on its own shortly.
	LevelCooldown DisallowLevel = "cooldown"
	// LevelTransient expires but signals a model fault rather than load.
	LevelTransient DisallowLevel = "transient"
	// LevelDead never expires; cleared only by snapshot replace or operator action.
	LevelDead DisallowLevel = "dead"
)

// DisallowScope is what a disallow entry covers: every model when Model is
// empty, otherwise the single named model.
type DisallowScope struct {
	Model string
}

// ScopeAllModels covers every model on the credential.
func ScopeAllModels() DisallowScope { return DisallowScope{} }

// ScopeModel covers a single model on the credential.
func ScopeModel(model string) DisallowScope { return DisallowScope{Model: model} }

// AllModels reports whether the scope covers every model.
func (s DisallowScope) AllModels() bool { return s.Model == "" }

// DisallowEntry is the pool's record of one (credential, scope) exclusion.
// A zero Until never expires.
type DisallowEntry struct {
	Level     DisallowLevel     `json:"level"`
	Until     time.Time         `json:"until,omitempty"`
	Reason    UnavailableReason `json:"reason,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ActiveAt reports whether the entry still excludes its scope at now.
func (e DisallowEntry) ActiveAt(now time.Time) bool {
	return e.Until.IsZero() || e.Until.After(now)
}

// --- Failure verdicts ---

// Unavailability is the verdict on a failed upstream attempt: why it failed,
// how long to bench the credential (or one model on it), and whether another
// credential is worth trying within the same downstream request.
type Unavailability struct {
	Reason    UnavailableReason
	Cooldown  time.Duration
	Model     string        // non-empty: disallow (credential, Model) instead of the credential
	Level     DisallowLevel // level of a model-scoped disallow
	Retryable bool
}
