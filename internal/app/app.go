package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	grpcapp "tokend/internal/app/grpc"
	httpapp "tokend/internal/app/http"
	"tokend/internal/config"
	"tokend/internal/http/token"
	"tokend/internal/lib/audit"
	"tokend/internal/lib/jwt"
	"tokend/internal/lib/metrics"
	"tokend/internal/lib/sl"
	"tokend/internal/services/credentials"
	"tokend/internal/services/grant"
	"tokend/internal/services/janitor"
)

type App struct {
	HTTPSrv   *httpapp.App
	GRPCSrv   *grpcapp.App
	Janitor   *janitor.Janitor
	Processor *grant.Processor
	Handler   *token.Handler
	Store     Store

	log *slog.Logger
}

func New(ctx context.Context, log *slog.Logger, cfg *config.Config) (*App, error) {
	const op = "app.New"

	store, err := OpenStore(ctx, log, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a, err := NewWithStore(ctx, log, cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return a, nil
}

// NewWithStore wires the service around an already opened store.
func NewWithStore(ctx context.Context, log *slog.Logger, cfg *config.Config, store Store) (*App, error) {
	const op = "app.NewWithStore"

	if cfg.UsersFile != "" {
		seeds, err := LoadUsers(cfg.UsersFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := SeedUsers(ctx, log, store, seeds, cfg.Scopes); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	ring, err := Keyring(log, cfg.Tokens.SigningKeys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var codecOpts []jwt.CodecOption
	if cfg.Tokens.Audience != "" {
		codecOpts = append(codecOpts, jwt.WithAudience(cfg.Tokens.Audience))
	}
	codec := jwt.NewCodec(ring, cfg.Tokens.Issuer, nil, codecOpts...)

	recorder, err := metrics.New(otel.Meter("tokend"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	processor := grant.New(
		log,
		credentials.New(log, store),
		store,
		codec,
		grant.Config{
			AccessTTL:    cfg.Tokens.AccessTTL,
			RefreshTTL:   cfg.Tokens.RefreshTTL,
			StoreTimeout: cfg.Storage.Timeout,
			Scopes:       cfg.Scopes,
		},
		grant.WithAuditSink(audit.NewSlogSink(log)),
		grant.WithMetrics(recorder),
	)

	handler := token.New(log, processor, store, cfg.Storage.Timeout)

	return &App{
		HTTPSrv: httpapp.New(log, handler.Routes(), httpapp.Options{
			Address:         cfg.HTTP.Address,
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			WriteTimeout:    cfg.HTTP.WriteTimeout,
			IdleTimeout:     cfg.HTTP.IdleTimeout,
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		}),
		GRPCSrv:   grpcapp.New(log, store, cfg.GRPC.Port, cfg.GRPC.Timeout),
		Janitor:   janitor.New(log, store, recorder, cfg.Tokens.GCInterval, cfg.Tokens.Retention, cfg.Storage.Timeout),
		Processor: processor,
		Handler:   handler,
		Store:     store,
		log:       log,
	}, nil
}

// Keyring builds the signing keyring from configuration. Without configured
// keys an ephemeral Ed25519 key is generated, so tokens do not survive a restart.
func Keyring(log *slog.Logger, keys []config.SigningKey) (*jwt.Keyring, error) {
	const op = "app.Keyring"

	if len(keys) == 0 {
		log.Warn("no signing keys configured, using an ephemeral key", slog.String("op", op))

		key, err := jwt.NewEphemeralKey()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return jwt.NewKeyring(key)
	}

	ring := make([]jwt.Key, 0, len(keys))
	for _, k := range keys {
		key, err := jwt.NewKey(k.ID, k.Algorithm, []byte(k.Key))
		if err != nil {
			return nil, fmt.Errorf("%s: key %q: %w", op, k.ID, err)
		}
		ring = append(ring, key)
	}

	r, err := jwt.NewKeyring(ring...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return r, nil
}

// Start launches the background janitor. Servers are started by the caller.
func (a *App) Start() {
	a.Janitor.Start()
}

// Stop shuts the servers down, then stops the janitor and closes the store.
func (a *App) Stop() {
	const op = "app.Stop"

	a.HTTPSrv.Stop()
	a.GRPCSrv.Stop()
	a.Janitor.Stop()

	if err := a.Store.Close(); err != nil {
		a.log.Error("failed to close storage", slog.String("op", op), sl.Err(err))
	}
}
