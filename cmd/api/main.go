package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cinetenant.org/internal/audit"
	"cinetenant.org/internal/auth"
	"cinetenant.org/internal/authn"
	"cinetenant.org/internal/config"
	"cinetenant.org/internal/credential"
	"cinetenant.org/internal/httpapi"
	"cinetenant.org/internal/obs"
	"cinetenant.org/internal/principalcache"
	"cinetenant.org/internal/revocation"
	"cinetenant.org/internal/store/pg"
	"cinetenant.org/internal/tenancy"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CINETENANT_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(cfg.Environment, cfg.Logger.Level, "cinetenant-api")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	scope, err := tenancy.New(tenancy.WithPrefix(cfg.Tenancy.Prefix), tenancy.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("tenant scope: %w", err)
	}
	store, err := pg.Open(cfg.Database.DSN, pg.WithScope(scope))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	var rdb redis.UniversalClient
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	keys, err := credential.NewKeyring(cfg.Credentials.KeyID, cfg.Credentials.Secret)
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	for _, k := range cfg.Credentials.RetiredKeys {
		if err := keys.AddVerificationKey(k.KeyID, k.Secret); err != nil {
			return fmt.Errorf("retired key %s: %w", k.KeyID, err)
		}
	}
	codec, err := credential.NewCodec(keys,
		credential.WithIssuer(cfg.Credentials.Issuer),
		credential.WithAccessTTL(cfg.AccessTTL()),
		credential.WithRefreshTTL(cfg.RefreshTTL()),
	)
	if err != nil {
		return fmt.Errorf("credential codec: %w", err)
	}

	var backend revocation.Backend
	switch cfg.Revocation.Backend {
	case "redis":
		backend = revocation.NewRedis(rdb)
	default:
		logger.Warn("in-memory revocation registry; revocations are not shared between instances")
		backend = revocation.NewMemory(time.Now)
	}
	revOpts := []revocation.Option{revocation.WithLogger(logger)}
	if cfg.Revocation.FailClosed {
		revOpts = append(revOpts, revocation.WithFailClosed())
	}
	registry, err := revocation.New(backend, revOpts...)
	if err != nil {
		return fmt.Errorf("revocation registry: %w", err)
	}

	var cache principalcache.Cache
	switch cfg.PrincipalCache.Backend {
	case "redis":
		cache, err = principalcache.NewRedis(rdb, cfg.AccessTTL(), logger)
	default:
		cache, err = principalcache.NewLocal(cfg.PrincipalCache.Size, cfg.AccessTTL())
	}
	if err != nil {
		return fmt.Errorf("principal cache: %w", err)
	}

	auditLog := audit.NewLogger(logger)
	authenticator, err := authn.New(codec, registry, store,
		authn.WithCache(cache, cfg.AccessTTL()),
		authn.WithAudit(auditLog),
		authn.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}
	sessions, err := authn.NewSessions(codec, store, store, registry,
		authn.WithSessionCache(cache),
		authn.WithSessionAudit(auditLog),
		authn.WithSessionLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	rbac, err := auth.NewRBACService(store, scope.DeferInvalidation(cache),
		auth.WithCredentialRevoker(scope.RestampRevocation(registry), cfg.AccessTTL()),
	)
	if err != nil {
		return fmt.Errorf("rbac: %w", err)
	}

	api, err := httpapi.New(httpapi.Deps{
		Sessions:      sessions,
		RBAC:          rbac,
		Authenticator: authenticator,
		Scope:         scope,
		DB:            store.DB(),
		Ready:         httpapi.ReadyProbe{DB: store.DB(), Redis: rdb},
	},
		httpapi.WithLogger(logger),
		httpapi.WithAudit(auditLog),
		httpapi.WithVersion(version),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	read, write, idle := cfg.Timeouts()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}

	logger.Info("starting cinetenant-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.String("revocation_backend", cfg.Revocation.Backend),
		zap.String("cache_backend", cfg.PrincipalCache.Backend))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}
