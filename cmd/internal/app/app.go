// Package app wires the chatrooms server runtime: config, logging, storage, HTTP routes and the
// live websocket gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chatrooms/cmd/identity"
	authapi "chatrooms/cmd/internal/auth/api"
	"chatrooms/cmd/internal/auth/session"
	"chatrooms/cmd/internal/chat"
	"chatrooms/cmd/internal/chatapi"
	"chatrooms/cmd/internal/realtime"
)

var errDatabaseURLMissing = errors.New("app: CHAT_DATABASE_URL is not set")

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// stores bundles the persistence chosen at startup.
type stores struct {
	lifecycle Store
	users     identity.Store
	chat      chat.Store
	pool      *pgxpool.Pool
}

// App is the chatrooms server runtime: it owns HTTP server wiring and the realtime gateway.
type App struct {
	cfg Config
	log Logger

	store     Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	svc     *chat.Service
	metrics *prometheus.Registry

	ws   *realtime.WSGateway
	auth *authapi.Handler
	chat *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(sessCfg, log); err != nil {
		return nil, err
	}
	tokens, err := session.NewJWTManager(sessCfg)
	if err != nil {
		return nil, err
	}

	st, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := wire(cfg, log, st, tokens)
	if err != nil {
		_ = st.lifecycle.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, st stores, tokens session.AccessTokenManager) (*App, error) {
	hasher, err := identity.NewHasher()
	if err != nil {
		return nil, err
	}
	authHandler, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), st.users, hasher, tokens)
	if err != nil {
		return nil, err
	}

	svc, err := chat.NewService(log, st.chat, st.users)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(promReg)

	gwCfg, err := realtime.LoadGatewayConfig(wsOrigins(cfg.CORSAllowedOrigins))
	if err != nil {
		return nil, err
	}
	reg := realtime.NewRegistry(log, metrics)
	bc := realtime.NewBroadcaster(log, reg, svc, gwCfg.Fanout)
	ws, err := realtime.NewWSGateway(log, gwCfg, reg, bc, svc,
		realtime.WithTokens(tokens),
		realtime.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	chatHandler, err := chatapi.NewHandler(log, svc, st.users, tokens,
		chatapi.WithPublisher(bc),
		chatapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st.lifecycle,
		dbPool:    st.pool,
		dbEnabled: st.pool != nil,
		svc:       svc,
		metrics:   promReg,
		ws:        ws,
		auth:      authHandler,
		chat:      chatHandler,
	}, nil
}

// Handler returns the full middleware-wrapped route tree.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"metrics", a.cfg.MetricsEnabled,
	)

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
		_ = a.store.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newStores decides between Postgres-backed persistence and the in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		users := identity.NewMemoryStore()
		return stores{
			lifecycle: nopStore{},
			users:     users,
			chat:      chat.NewMemoryStore(users),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, err
	}
	fail := func(err error) (stores, error) {
		pool.Close()
		return stores{}, err
	}

	if cfg.DBAutoMigrate {
		if err := MigrateDB(ctx, pool, cfg.DBSchema, log); err != nil {
			return fail(err)
		}
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	msgs, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return stores{
		lifecycle: dbStore{pool: pool},
		users:     users,
		chat:      msgs,
		pool:      pool,
	}, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://")
	default:
		return "ws://" + httpBase
	}
}
