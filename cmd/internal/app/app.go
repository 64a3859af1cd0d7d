// Package app wires the Aegis server runtime: config, logging, HTTP routes,
// and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and
// behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/auth/api"
	"aegis/cmd/internal/auth/session"
	"aegis/cmd/internal/kv"
	"aegis/cmd/internal/notify"
	"aegis/cmd/internal/realtime"
	"aegis/cmd/internal/stepup"

	"aidanwoods.dev/go-paseto"
	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the Aegis server runtime: it owns the HTTP server wiring and the
// lifecycle of the stores underneath it.
type App struct {
	cfg Config
	log Logger

	store kv.Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub  *realtime.Hub
	ws   *realtime.WSGateway
	auth *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	store, err := newKVStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	ids, pool, dbEnabled, err := newIdentityStore(ctx, cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	fail := func(err error) (*App, error) {
		_ = store.Close()
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	sessCfg, err := sessionConfig(cfg, log)
	if err != nil {
		return fail(err)
	}

	manager, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		return fail(err)
	}

	versions := session.NewVersions(store, ids, sessCfg.VersionCacheTTL)
	sessions := session.NewService(sessCfg, manager, versions, ids)

	stepupCfg, err := stepup.LoadConfigFromEnv()
	if err != nil {
		return fail(err)
	}

	channel := newChallengeChannel(log)

	engine := stepup.NewEngine(stepupCfg, store, ids, channel, log)
	issuer := stepup.NewIssuer(stepupCfg, store)
	binder := stepup.NewBinder(stepupCfg, store, ids)

	var apiOpts []api.HandlerOption
	if pool != nil {
		apiOpts = append(apiOpts, api.WithAuditPool(pool))
	}

	authHandler, err := api.NewHandler(log, api.LoadConfigFromEnv(), ids, sessions, engine, issuer, binder, store, apiOpts...)
	if err != nil {
		return fail(err)
	}

	hub := realtime.NewHub(log)
	admission := realtime.NewAdmission(store)
	ws := realtime.NewWSGateway(log, hub, sessions, admission)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		hub:       hub,
		ws:        ws,
		auth:      authHandler,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.auth)

	handler := WithRequestLogging(mux, a.log)
	handler = WithCORS(handler, a.cfg, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.close()

	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newKVStore decides between the Redis-backed ephemeral store and the
// in-process one. The in-process store is single-node only: revocation,
// challenges, and connection caps do not propagate across replicas.
func newKVStore(ctx context.Context, cfg Config, log Logger) (kv.Store, error) {
	if cfg.RedisURL == "" {
		log.Info("kv.inmemory")
		return kv.NewMemoryStore(), nil
	}

	store, err := kv.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Info("kv.redis")
	return store, nil
}

// newIdentityStore decides between Postgres-backed persistence and the
// in-memory dev store. The app owns the pool lifecycle.
func newIdentityStore(ctx context.Context, cfg Config, log Logger) (identity.Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_identity")
		return identity.NewMemoryStore(), nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	ids, err := identity.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_identity")
	return ids, pool, true, nil
}

// sessionConfig loads session configuration from the environment. In dev
// mode a missing signing key is replaced by an ephemeral one, so every
// credential dies with the process.
func sessionConfig(cfg Config, log Logger) (session.Config, error) {
	sessCfg, err := session.LoadConfigFromEnv()
	if err == nil {
		return sessCfg, nil
	}

	if cfg.DevInsecure && os.Getenv("AEGIS_PASETO_V4_SECRET_KEY_HEX") == "" {
		key := paseto.NewV4AsymmetricSecretKey()
		dev := session.DefaultConfig()
		dev.PasetoV4SecretKeyHex = key.ExportHex()
		log.Warn("session.key.ephemeral", "reason", "AEGIS_DEV_INSECURE")
		return dev, nil
	}

	return session.Config{}, err
}

// newChallengeChannel wires the webhook channel when configured, otherwise
// challenges are dropped (enrolled users would never confirm, so this is
// only acceptable in dev and test).
func newChallengeChannel(log Logger) notify.Channel {
	wcfg, err := notify.LoadWebhookConfigFromEnv()
	if err != nil {
		log.Info("notify.noop")
		return notify.Noop{}
	}

	hook, err := notify.NewWebhook(wcfg)
	if err != nil {
		log.Warn("notify.webhook.invalid", "err", err)
		return notify.Noop{}
	}

	log.Info("notify.webhook", "url", wcfg.URL)
	return hook
}
