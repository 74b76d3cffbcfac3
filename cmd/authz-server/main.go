// Command authz-server runs the OAuth 2.1 authorization server.
//
// Configuration is read from the environment (and a .env file when
// present). See config.go for the variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	oauth "github.com/giantswarm/oauth-authz"
	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/security"
	"github.com/giantswarm/oauth-authz/server"
	"github.com/giantswarm/oauth-authz/signer"
	"github.com/giantswarm/oauth-authz/storage"
	"github.com/giantswarm/oauth-authz/storage/memory"
	"github.com/giantswarm/oauth-authz/storage/postgres"
	"github.com/giantswarm/oauth-authz/storage/redis"
	"github.com/giantswarm/oauth-authz/storage/valkey"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authz-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-authz",
		ServiceVersion: cfg.ServiceVersion,
		Enabled:        cfg.EnableTracing,
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = inst.Shutdown(sctx)
	}()

	stores, closeStores, err := openStores(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeStores()

	jwtSigner, err := newSigner(cfg)
	if err != nil {
		return err
	}

	auditor := security.NewAuditor(logger, cfg.AuditLogging)
	auditor.SetInstrumentation(inst)

	srv, err := oauth.NewServer(stores, jwtSigner, &server.Config{
		Issuer:                  cfg.Issuer,
		AuthorizationCodeTTL:    int64(cfg.AuthorizationCodeTTL.Seconds()),
		AccessTokenTTL:          int64(cfg.AccessTokenTTL.Seconds()),
		RefreshTokenTTL:         int64(cfg.RefreshTokenTTL.Seconds()),
		ConsentTTL:              int64(cfg.ConsentTTL.Seconds()),
		CleanupInterval:         int64(cfg.CleanupInterval.Seconds()),
		SupportedScopes:         cfg.Scopes,
		AllowPKCEPlain:          cfg.AllowPKCEPlain,
		DetectRefreshTokenReuse: cfg.DetectRefreshTokenReuse,
		SecretHashAlgorithm:     cfg.SecretHashAlgorithm,
		KeyPrefix:               cfg.KeyPrefix,
	}, logger, server.WithAuditor(auditor), server.WithInstrumentation(inst))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	srv.StartJanitor()
	defer srv.Shutdown()

	handler, err := oauth.NewHandler(srv, oauth.HeaderIdentity{Header: cfg.IdentityHeader}, &oauth.Config{
		ConsentPageURL: cfg.ConsentPageURL,
		RateLimit: oauth.RateLimitConfig{
			Rate:              cfg.RateLimit,
			Burst:             cfg.RateBurst,
			TrustProxy:        cfg.TrustProxy,
			TrustedProxyCount: cfg.ProxyCount,
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	defer handler.Close()

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting authorization server",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"durable_backend", cfg.DurableBackend,
			"ephemeral_backend", cfg.EphemeralBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(sctx)
}

func setupLogger(cfg config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStores connects the configured backends. The returned func closes
// them.
func openStores(ctx context.Context, cfg config, logger *slog.Logger, inst *instrumentation.Instrumentation) (server.Stores, func(), error) {
	var (
		stores  server.Stores
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var mem *memory.Store
	memoryStore := func() *memory.Store {
		if mem == nil {
			mem = memory.New()
			mem.SetLogger(logger.With("component", "storage"))
			mem.SetInstrumentation(inst)
			closers = append(closers, mem.Stop)
		}
		return mem
	}

	switch cfg.DurableBackend {
	case backendPostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.PostgresDSN,
			Logger:          logger.With("component", "storage"),
			Instrumentation: inst,
		})
		if err != nil {
			return stores, nil, err
		}
		closers = append(closers, pg.Close)
		if cfg.RunMigrations {
			if err := pg.Migrate(); err != nil {
				closeAll()
				return stores, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		stores.Clients, stores.Consents = pg, pg
	default:
		m := memoryStore()
		stores.Clients, stores.Consents = m, m
	}

	var ephemeral storage.EphemeralStore
	switch cfg.EphemeralBackend {
	case backendValkey:
		vk, err := valkey.New(valkey.Config{
			Address:         cfg.ValkeyAddr,
			Password:        cfg.ValkeyPassword,
			KeyPrefix:       cfg.KeyPrefix,
			Logger:          logger.With("component", "storage"),
			Instrumentation: inst,
		})
		if err != nil {
			closeAll()
			return stores, nil, err
		}
		closers = append(closers, vk.Close)
		ephemeral = vk
	case backendRedis:
		rd, err := redis.New(redis.Config{
			URL:             cfg.RedisURL,
			KeyPrefix:       cfg.KeyPrefix,
			Logger:          logger.With("component", "storage"),
			Instrumentation: inst,
		})
		if err != nil {
			closeAll()
			return stores, nil, err
		}
		closers = append(closers, func() { _ = rd.Close() })
		ephemeral = rd
	default:
		ephemeral = memoryStore()
	}
	stores.Ephemeral = ephemeral

	return stores, closeAll, nil
}

func newSigner(cfg config) (*signer.JWT, error) {
	sc := signer.Config{
		Issuer: cfg.Issuer,
		KeyID:  cfg.JWTKeyID,
	}
	if cfg.JWTRSAKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.JWTRSAKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read JWT key: %w", err)
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("parse JWT key: %w", err)
		}
		sc.RSAKey = key
	} else {
		sc.HMACKey = cfg.JWTHMACKey
	}
	return signer.NewJWT(sc)
}
