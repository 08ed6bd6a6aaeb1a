package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

// Bootstrap reconciles the database with the config file: global settings,
// providers, credentials, users and API keys are upserted by their natural
// keys, and config-seeded rows that vanished from the file are disabled.
// Re-running with the same file is a no-op. Returns provider name -> storage
// id for traffic records.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) (map[string]int64, error) {
	if err := store.SetGlobalConfig(ctx, storage.GlobalConfig{ProxyURL: cfg.ProxyURL}); err != nil {
		return nil, fmt.Errorf("seed global config: %w", err)
	}

	providerIDs := make(map[string]int64, len(cfg.Providers))
	providerNames := make([]string, 0, len(cfg.Providers))

	for _, p := range cfg.Providers {
		row := &storage.Provider{
			Name:        p.Name,
			Family:      p.Family,
			BaseURL:     p.BaseURL,
			MaxAttempts: p.MaxAttempts,
			TimeoutMs:   int(p.Timeout.Milliseconds()),
			Enabled:     p.IsEnabled(),
		}
		if err := store.UpsertProvider(ctx, row); err != nil {
			return nil, fmt.Errorf("seed provider %q: %w", p.Name, err)
		}
		providerIDs[p.Name] = row.ID
		providerNames = append(providerNames, p.Name)

		credNames := make([]string, 0, len(p.Credentials))
		for i, entry := range p.Credentials {
			secret, err := entry.SecretJSON()
			if err != nil {
				return nil, fmt.Errorf("provider %q credential %d: %w", p.Name, i+1, err)
			}
			meta, err := entry.MetaJSON()
			if err != nil {
				return nil, fmt.Errorf("provider %q credential %d: %w", p.Name, i+1, err)
			}
			cred := &storage.Credential{
				ProviderID: row.ID,
				Name:       entry.ResolvedName(i),
				Secret:     secret,
				Meta:       meta,
				Enabled:    entry.IsEnabled(),
			}
			if err := store.UpsertCredential(ctx, cred); err != nil {
				return nil, fmt.Errorf("seed credential %q/%q: %w", p.Name, cred.Name, err)
			}
			credNames = append(credNames, cred.Name)
		}
		if err := store.PruneCredentials(ctx, row.ID, credNames); err != nil {
			return nil, fmt.Errorf("prune credentials of %q: %w", p.Name, err)
		}

		slog.LogAttrs(ctx, slog.LevelInfo, "bootstrapped provider",
			slog.String("name", p.Name),
			slog.String("family", p.Family),
			slog.Int("credentials", len(credNames)),
		)
	}
	if err := store.PruneProviders(ctx, providerNames); err != nil {
		return nil, fmt.Errorf("prune providers: %w", err)
	}

	if err := seedKeys(ctx, cfg, store); err != nil {
		return nil, err
	}
	return providerIDs, nil
}

// seedKeys reconciles users and downstream API keys. The operator admin key,
// when configured, lands under the "admin" user like any other seed.
func seedKeys(ctx context.Context, cfg *Config, store storage.Store) error {
	entries := cfg.Keys
	if cfg.Auth.AdminKey != "" {
		entries = append([]KeyEntry{{Name: "admin", Key: cfg.Auth.AdminKey}}, entries...)
	}

	hashes := make([]string, 0, len(entries))
	for _, k := range entries {
		if k.Key == "" {
			continue // named but keyless entries are placeholders, skip
		}
		user := &storage.User{Name: k.UserName()}
		if err := store.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %q: %w", user.Name, err)
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		key := &storage.APIKey{
			UserID:    user.ID,
			Name:      k.Name,
			KeyHash:   relay.HashKey(k.Key),
			KeyPrefix: prefix,
			Enabled:   true,
		}
		if err := store.UpsertAPIKey(ctx, key); err != nil {
			return fmt.Errorf("seed api key %q: %w", k.Name, err)
		}
		hashes = append(hashes, key.KeyHash)

		slog.LogAttrs(ctx, slog.LevelInfo, "bootstrapped api key",
			slog.String("name", k.Name),
			slog.String("user", user.Name),
			slog.String("prefix", prefix),
		)
	}
	if err := store.PruneAPIKeys(ctx, hashes); err != nil {
		return fmt.Errorf("prune api keys: %w", err)
	}
	return nil
}

// GenerateAdminKey creates a random admin key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return "plt_" + base64.RawURLEncoding.EncodeToString(raw)
}
