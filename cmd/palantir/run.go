package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/events"
	"github.com/eugener/palantir/internal/pool"
	"github.com/eugener/palantir/internal/provider"
	"github.com/eugener/palantir/internal/provider/anthropic"
	"github.com/eugener/palantir/internal/provider/gemini"
	"github.com/eugener/palantir/internal/provider/openai"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/traffic"
	"github.com/eugener/palantir/internal/upstream"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	var promHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promReg.MustRegister(collectors.NewGoCollector())
		promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	}

	providerIDs, err := config.Bootstrap(ctx, cfg, store)
	if err != nil {
		return err
	}

	hub := events.NewHub(256)
	hub.AddSink(events.NewStoreSink(store))
	hub.AddSink(events.NewDisallowSink(store))
	hub.AddSink(events.LogSink{})

	pl := pool.New(hub)
	if err := loadPool(ctx, pl, store); err != nil {
		return err
	}

	clients, err := upstream.NewClients(cfg.ProxyURL)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	registerProviders(registry, cfg, clients, store)

	recorder := traffic.NewRecorder(store, metrics)

	engine := app.NewEngine(app.EngineConfig{
		Providers:   registry,
		Pool:        pl,
		Recorder:    recorder,
		Hub:         hub,
		Metrics:     metrics,
		Usage:       store,
		ProviderIDs: providerIDs,
		ProxyURL:    cfg.ProxyURL,
	})

	keyAuth := auth.NewKeyAuth(nil)
	if err := reloadKeys(ctx, keyAuth, store); err != nil {
		return err
	}

	handler := server.New(server.Deps{
		Auth:        keyAuth,
		Engine:      engine,
		Recorder:    recorder,
		Hub:         hub,
		Pool:        pl,
		Metrics:     metrics,
		ReadyCheck:  store.Ping,
		Prometheus:  promHandler,
		ProviderIDs: providerIDs,
		MaxBody:     cfg.Server.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// The config watcher re-seeds storage and swaps the credential and key
	// snapshots in place; provider construction stays fixed until restart.
	watcher := config.NewWatcher(configPath, func(ctx context.Context, next *config.Config) error {
		ids, err := config.Bootstrap(ctx, next, store)
		if err != nil {
			return err
		}
		for name, id := range ids {
			providerIDs[name] = id
		}
		creds, err := store.ListPoolCredentials(ctx)
		if err != nil {
			return err
		}
		pl.ReplaceSnapshot(creds)
		return reloadKeys(ctx, keyAuth, store)
	})

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	runner := worker.NewRunner(pl, recorder, watcher)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "addr", cfg.Server.Addr, "providers", registry.List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workerErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Workers stop after the listener drains; the recorder flushes its
	// queues on the way out.
	stopWorkers()
	select {
	case <-workerErr:
	case <-shutdownCtx.Done():
	}

	slog.Info("palantir stopped")
	return nil
}

// loadPool seeds the credential pool from storage and rehydrates persisted
// disallow marks without re-emitting their start events.
func loadPool(ctx context.Context, pl *pool.Pool, store *sqlite.Store) error {
	creds, err := store.ListPoolCredentials(ctx)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		pl.Insert(cred)
	}
	disallows, err := store.ListDisallows(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, d := range disallows {
		scope := relay.ScopeModel(d.Model)
		if d.Model == "" {
			scope = relay.ScopeAllModels()
		}
		pl.Restore(d.CredentialID, scope, d.Entry)
	}
	slog.Info("credential pool loaded", "credentials", len(creds), "disallows", len(disallows))
	return nil
}

// registerProviders builds one client per enabled provider entry, keyed by
// the entry name family.
func registerProviders(registry *provider.Registry, cfg *config.Config, clients *upstream.Clients, store *sqlite.Store) {
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		switch relay.Protocol(p.Family) {
		case relay.ProtoClaude:
			registry.Register(p.Name, anthropic.New(anthropic.Config{
				Name:        p.Name,
				BaseURL:     p.BaseURL,
				Timeout:     p.Timeout,
				MaxAttempts: p.MaxAttempts,
			}, clients))
		case relay.ProtoGemini:
			gc := gemini.Config{
				Name:        p.Name,
				BaseURL:     p.BaseURL,
				Timeout:     p.Timeout,
				MaxAttempts: p.MaxAttempts,
				ProxyURL:    cfg.ProxyURL,
			}
			if p.OAuth != nil {
				gc.OAuth = gemini.OAuthConfig{
					ClientID:     p.OAuth.ClientID,
					ClientSecret: p.OAuth.ClientSecret,
					AuthURL:      p.OAuth.AuthURL,
					TokenURL:     p.OAuth.TokenURL,
					RedirectURL:  p.OAuth.RedirectURL,
					Scopes:       p.OAuth.Scopes,
				}
			}
			registry.Register(p.Name, gemini.New(gc, clients, store))
		case relay.ProtoOpenAI:
			registry.Register(p.Name, openai.New(openai.Config{
				Name:        p.Name,
				BaseURL:     p.BaseURL,
				Timeout:     p.Timeout,
				MaxAttempts: p.MaxAttempts,
			}, clients))
		default:
			slog.Warn("unknown provider family, skipping", "name", p.Name, "family", p.Family)
		}
	}
}

// reloadKeys swaps the downstream key snapshot from storage.
func reloadKeys(ctx context.Context, keyAuth *auth.KeyAuth, store *sqlite.Store) error {
	rows, err := store.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	keys := make([]auth.Key, 0, len(rows))
	for _, k := range rows {
		keys = append(keys, auth.Key{
			ID:       k.ID,
			UserID:   k.UserID,
			UserName: k.UserName,
			Hash:     k.KeyHash,
			Enabled:  k.Enabled,
		})
	}
	keyAuth.Replace(keys)
	return nil
}
