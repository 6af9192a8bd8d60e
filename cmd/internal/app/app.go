// Package app wires the deskwire runtime: config, logging, the operational
// HTTP endpoints, and either the console client or the development gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"deskwire/cmd/internal/archive"
	"deskwire/cmd/internal/devgw"
	"deskwire/cmd/internal/history"
	"deskwire/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns the long-lived dependencies of one deskwire process.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *realtime.Metrics

	dbPool  *pgxpool.Pool
	archive archive.Store

	// devgw mode
	gateway *devgw.Gateway

	// client mode
	session *realtime.Session
	history *history.Manager
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  realtime.NewMetrics(reg),
	}

	if err := a.openArchive(ctx); err != nil {
		return nil, err
	}

	var err error
	switch cfg.Mode {
	case ModeDevGW:
		a.newGateway()
	case ModeClient:
		err = a.newClient()
	}
	if err != nil {
		a.closeArchive()
		return nil, err
	}
	return a, nil
}

// openArchive decides between the PostgreSQL archive and the in-memory one.
func (a *App) openArchive(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_archive")
		a.archive = archive.NewMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	st, err := archive.NewPostgresStore(pool, archive.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("db: ensure schema: %w", err)
	}

	// The app owns the pool; PostgresStore.Close does not close it.
	a.dbPool = pool
	a.archive = st
	a.log.Info("db.enabled.postgres_archive", "schema", a.cfg.DBSchema)
	return nil
}

func (a *App) closeArchive() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Error("archive.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func (a *App) newGateway() {
	opts := devgw.Options{
		Logger:         a.log,
		Store:          a.archive,
		AllowedOrigins: a.cfg.AllowedOrigins,
		OriginRequired: a.cfg.OriginRequired,
	}
	if len(a.cfg.DevGWTokens) > 0 {
		opts.Auth = devgw.TokenAuth(a.cfg.DevGWTokens)
	} else {
		a.log.Warn("devgw.auth.open", "hint", "set DESK_DEVGW_TOKENS=uid=token,... to require tokens")
	}
	a.gateway = devgw.New(opts)
}

func (a *App) newClient() error {
	dialer, err := realtime.NewDialer(a.cfg.WSDriver, realtime.DialOptions{Origin: a.cfg.Origin})
	if err != nil {
		return err
	}

	a.session = realtime.NewSession(realtime.Options{
		Dialer:         dialer,
		Logger:         a.log,
		Metrics:        a.metrics,
		ConnectTimeout: a.cfg.ConnectTimeout,
		ReconnectDelay: a.cfg.ReconnectDelay,
		AckTimeout:     a.cfg.AckTimeout,
		SendLimiter:    realtime.NewRateLimiter(a.cfg.SendRateEvents, a.cfg.SendRateWindow),
	})

	fetcher, err := archive.NewCachingFetcher(a.session, a.archive, a.log)
	if err != nil {
		return err
	}
	a.history = history.NewManager(a.session.Dispatcher(), fetcher, a.session, history.Options{
		PageSize: a.cfg.HistoryPage,
		Logger:   a.log,
	})
	return nil
}

// Run serves until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.closeArchive()

	mux := http.NewServeMux()
	registerHTTP(mux, a)

	servers := []*http.Server{a.httpServer(a.cfg.HTTPAddr, WithSecurityHeaders(mux), false)}
	if a.gateway != nil {
		ws := http.NewServeMux()
		ws.Handle("/ws", a.gateway)
		servers = append(servers, a.httpServer(a.cfg.DevGWAddr, ws, true))
		a.log.Info("devgw.start", "addr", a.cfg.DevGWAddr, "ws_url", wsBaseURL(runtimeBaseURL(a.cfg.DevGWAddr))+"/ws")
	}

	errCh := make(chan error, len(servers)+1)
	for _, srv := range servers {
		srv := srv
		a.log.Info("server.start", "addr", srv.Addr, "mode", a.cfg.Mode, "db_enabled", a.dbPool != nil)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if a.session != nil {
		go func() {
			if err := a.runClient(runCtx); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}
	cancelRun()

	if a.session != nil {
		a.history.Stop()
		a.session.SafeDisconnect()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "addr", srv.Addr, "err", err)
			if runErr == nil {
				runErr = err
			}
		}
	}

	a.log.Info("server.stopped")
	return runErr
}

// httpServer builds a server with the configured timeouts. Long-lived
// websocket servers get no read or write timeout: those deadlines would
// outlive the upgrade.
func (a *App) httpServer(addr string, h http.Handler, longLived bool) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           WithRequestLogging(h, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	if longLived {
		srv.ReadTimeout = 0
		srv.WriteTimeout = 0
	}
	return srv
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
