// Package storage defines persistence interfaces for the relay.
package storage

import (
	"context"
	"encoding/json"
	"time"

	relay "github.com/eugener/palantir/internal"
)

// Provider is one configured upstream instance as persisted. The row exists
// so credentials and traffic records have a stable numeric id to reference;
// runtime provider construction happens from the config file.
type Provider struct {
	ID          int64
	Name        string
	Family      string // claude | gemini | openai
	BaseURL     string
	MaxAttempts int
	TimeoutMs   int
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential is the stored form of an upstream secret. The pool consumes
// relay.Credential; ListPoolCredentials does the translation. Origin records
// where the row came from: config-seeded rows are reconciled against the
// file on reload, oauth-issued rows are left alone.
type Credential struct {
	ID         int64
	ProviderID int64
	Name       string
	Origin     string // "config" | "oauth"
	Secret     json.RawMessage
	Meta       json.RawMessage
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Credential origins.
const (
	OriginConfig = "config"
	OriginOAuth  = "oauth"
)

// User owns API keys. Users exist purely to label downstream traffic.
type User struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// APIKey is one downstream key. Only the SHA-256 hash is stored; UserName is
// joined in for auth snapshots.
type APIKey struct {
	ID        int64
	UserID    int64
	UserName  string
	Name      string
	KeyHash   string
	KeyPrefix string
	Enabled   bool
	CreatedAt time.Time
}

// GlobalConfig is the operator-level settings singleton, stored as one JSON
// row. The config file seeds it at bootstrap.
type GlobalConfig struct {
	ProxyURL string `json:"proxy_url,omitempty"`
}

// Disallow is one persisted pool exclusion. An empty Model covers the whole
// credential.
type Disallow struct {
	CredentialID int64
	Model        string
	Entry        relay.DisallowEntry
}

// ProviderStore manages provider rows. Upserts key on Name and fill ID.
type ProviderStore interface {
	UpsertProvider(ctx context.Context, p *Provider) error
	// PruneProviders disables every provider whose name is not in keep.
	PruneProviders(ctx context.Context, keep []string) error
	ListProviders(ctx context.Context) ([]Provider, error)
}

// CredentialStore manages upstream secrets.
type CredentialStore interface {
	// UpsertCredential inserts or updates a config-seeded credential, keyed
	// by (ProviderID, Name). Fills c.ID.
	UpsertCredential(ctx context.Context, c *Credential) error
	// PruneCredentials disables config-origin credentials of the provider
	// whose names are not in keep. OAuth-issued credentials are untouched.
	PruneCredentials(ctx context.Context, providerID int64, keep []string) error
	// StoreCredential persists an OAuth-issued credential: inserts when
	// cred.ID is zero, updates the secret otherwise. Satisfies the provider
	// credential sink.
	StoreCredential(ctx context.Context, cred relay.Credential) (relay.Credential, error)
	// ListPoolCredentials returns every credential of enabled providers in
	// the pool's shape.
	ListPoolCredentials(ctx context.Context) ([]relay.Credential, error)
}

// DisallowStore persists pool exclusions so they survive restarts.
type DisallowStore interface {
	UpsertDisallow(ctx context.Context, d Disallow) error
	DeleteDisallow(ctx context.Context, credentialID int64, model string) error
	// ListDisallows returns entries still active at now.
	ListDisallows(ctx context.Context, now time.Time) ([]Disallow, error)
}

// AuthStore manages users and downstream API keys. Upserts key on natural
// keys (user name, key hash) and fill IDs.
type AuthStore interface {
	UpsertUser(ctx context.Context, u *User) error
	UpsertAPIKey(ctx context.Context, k *APIKey) error
	// PruneAPIKeys disables keys whose hash is not in keep.
	PruneAPIKeys(ctx context.Context, keep []string) error
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
}

// ConfigStore manages the global settings singleton.
type ConfigStore interface {
	GlobalConfig(ctx context.Context) (GlobalConfig, error)
	SetGlobalConfig(ctx context.Context, gc GlobalConfig) error
}

// TrafficStore persists request records and serves the usage rollup.
type TrafficStore interface {
	InsertDownstream(ctx context.Context, recs []relay.DownstreamTraffic) error
	InsertUpstream(ctx context.Context, recs []relay.UpstreamTraffic) error
	// UsageSummary rolls upstream traffic up per (provider, model). An empty
	// provider covers all providers.
	UsageSummary(ctx context.Context, provider string) ([]relay.UsageAggregate, error)
}

// EventStore appends operational events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev relay.Event) error
}

// Store combines all storage interfaces.
type Store interface {
	ProviderStore
	CredentialStore
	DisallowStore
	AuthStore
	ConfigStore
	TrafficStore
	EventStore
	Ping(ctx context.Context) error
	Close() error
}
