package config

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() *Config {
	enabled := false
	return &Config{
		ProxyURL: "http://egress:3128",
		Providers: []ProviderEntry{
			{
				Name:        "claude-main",
				Family:      string(relay.ProtoClaude),
				BaseURL:     "https://api.anthropic.com",
				MaxAttempts: 4,
				Timeout:     90 * time.Second,
				Credentials: []CredentialEntry{
					{APIKey: "sk-ant-one"},
					{Name: "backup", APIKey: "sk-ant-two", Enabled: &enabled},
				},
			},
			{
				Name:   "gemini-main",
				Family: string(relay.ProtoGemini),
				Credentials: []CredentialEntry{
					{
						Name:   "studio",
						Secret: map[string]any{"api_key": "gm-key"},
						Meta:   map[string]any{"project_id": "proj-1"},
					},
				},
			},
		},
		Keys: []KeyEntry{
			{Name: "ana-laptop", Key: "sk-relay-ana", User: "ana"},
			{Name: "ci", Key: "sk-relay-ci"},
		},
	}
}

func TestBootstrapSeedsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()

	ids, err := Bootstrap(ctx, cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids["claude-main"] == 0 || ids["gemini-main"] == 0 {
		t.Fatalf("provider ids = %v, want two nonzero entries", ids)
	}

	gc, err := store.GlobalConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gc.ProxyURL != "http://egress:3128" {
		t.Errorf("proxy_url = %q", gc.ProxyURL)
	}

	creds, err := store.ListPoolCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 3 {
		t.Fatalf("pool credentials = %d, want 3", len(creds))
	}
	var backup *relay.Credential
	for i, c := range creds {
		if string(c.Secret) == `{"api_key":"sk-ant-two"}` {
			backup = &creds[i]
		}
		if c.Meta != nil {
			var meta map[string]any
			if err := json.Unmarshal(c.Meta, &meta); err != nil {
				t.Fatalf("meta round-trip: %v", err)
			}
			if meta["project_id"] != "proj-1" {
				t.Errorf("meta = %v", meta)
			}
		}
	}
	if backup == nil || backup.Enabled {
		t.Errorf("backup credential = %+v, want present but disabled", backup)
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("api keys = %d, want 2", len(keys))
	}
	if keys[0].KeyHash != relay.HashKey("sk-relay-ana") || keys[0].UserName != "ana" {
		t.Errorf("key[0] = %+v", keys[0])
	}
	if keys[1].UserName != "ci" {
		t.Errorf("key[1] user = %q, want name fallback", keys[1].UserName)
	}
	if !strings.HasPrefix("sk-relay-ana", keys[0].KeyPrefix) {
		t.Errorf("prefix %q is not a prefix of the key", keys[0].KeyPrefix)
	}

	// Re-running the same config changes nothing.
	again, err := Bootstrap(ctx, cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	if again["claude-main"] != ids["claude-main"] || again["gemini-main"] != ids["gemini-main"] {
		t.Errorf("second run ids = %v, want %v", again, ids)
	}
	creds, err = store.ListPoolCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 3 {
		t.Errorf("pool credentials after re-run = %d, want 3", len(creds))
	}
}

func TestBootstrapReconciles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()

	if _, err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	// An OAuth-issued credential must survive config prunes.
	oauthCred, err := store.StoreCredential(ctx, relay.Credential{
		Provider: "gemini-main",
		Secret:   json.RawMessage(`{"access_token":"at"}`),
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Drop the backup credential, leave gemini with only the oauth row, and
	// remove the ci key.
	cfg.Providers[0].Credentials = cfg.Providers[0].Credentials[:1]
	cfg.Providers[1].Credentials = nil
	cfg.Keys = cfg.Keys[:1]
	if _, err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	creds, err := store.ListPoolCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var live int
	oauthLive := false
	for _, c := range creds {
		if c.Enabled {
			live++
		}
		if c.ID == oauthCred.ID && c.Enabled {
			oauthLive = true
		}
	}
	if !oauthLive {
		t.Error("oauth credential was pruned by config reconciliation")
	}
	if live != 2 { // sk-ant-one plus the oauth row
		t.Errorf("enabled credentials = %d, want 2", live)
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		switch k.Name {
		case "ana-laptop":
			if !k.Enabled {
				t.Error("kept key was disabled")
			}
		case "ci":
			if k.Enabled {
				t.Error("removed key is still enabled")
			}
		}
	}

	// Removing a provider disables it and empties the pool listing for it.
	cfg.Providers = cfg.Providers[:1]
	if _, err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}
	creds, err = store.ListPoolCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range creds {
		if c.Provider == "gemini-main" {
			t.Errorf("credential %d still listed for disabled provider", c.ID)
		}
	}
}

func TestBootstrapAdminKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	cfg := &Config{
		Auth: AuthConfig{AdminKey: "plt_admin-secret"},
		Keys: []KeyEntry{
			{Name: "placeholder"}, // no key material, skipped
		},
	}
	if _, err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal(err)
	}

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("api keys = %d, want only the admin key", len(keys))
	}
	if keys[0].UserName != "admin" || keys[0].KeyHash != relay.HashKey("plt_admin-secret") {
		t.Errorf("admin key = %+v", keys[0])
	}
}

func TestGenerateAdminKey(t *testing.T) {
	t.Parallel()

	key := GenerateAdminKey()
	if !strings.HasPrefix(key, "plt_") {
		t.Errorf("key = %q, want plt_ prefix", key)
	}
	if len(key) < 20 {
		t.Errorf("key too short: %d", len(key))
	}
	if GenerateAdminKey() == key {
		t.Error("keys are not random")
	}
}
