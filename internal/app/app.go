package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/proposal-discounts/internal/domain/catalog"
	"github.com/xenking/proposal-discounts/internal/domain/engine"
	"github.com/xenking/proposal-discounts/internal/handler"
	"github.com/xenking/proposal-discounts/internal/storage/postgres"
	redisstore "github.com/xenking/proposal-discounts/internal/storage/redis"
	"github.com/xenking/proposal-discounts/pkg/health"
	"github.com/xenking/proposal-discounts/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the sweep
// scheduler, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	var guard Guard
	if cfg.RedisURL != "" {
		rdb, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
		guard = redisGuard(redisstore.NewLocker(rdb, "discount-engine:lock:"), cfg.Sweep.LockTTL, lg)
	} else {
		lg.Info("Redis not configured, every replica sweeps")
	}

	router, eng, err := NewRouter(pool, m, cfg, healthSvc)
	if err != nil {
		return err
	}

	scheduler, err := NewScheduler(lg.Named("sweep"), cfg.Sweep.Schedule, cfg.Sweep.LockTTL, eng, guard)
	if err != nil {
		return err
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           Middleware(ctx, router, m, cfg),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

// NewRouter builds the engine and the API router on top of pool. The health
// endpoints are served from the same router.
func NewRouter(pool *pgxpool.Pool, m httpmiddleware.Telemetry, cfg *Config, healthSvc *health.Health) (chi.Router, *engine.Engine, error) {
	tm := postgres.NewTxManager(pool)
	eng, err := newEngine(tm, m, cfg)
	if err != nil {
		return nil, nil, err
	}

	h := handler.NewHandler(handler.Config{},
		eng,
		catalog.NewManager(postgres.NewCatalogRepository(tm)),
		handler.NewSecurity(postgres.NewAPIKeyRepository(tm), []byte(cfg.APIKeyPepper)),
	)
	router := h.Router()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	return router, eng, nil
}

// Middleware wraps the router with the server middleware chain. The rate
// limiter cleanup stops with ctx.
func Middleware(ctx context.Context, router http.Handler, m httpmiddleware.Telemetry, cfg *Config) http.Handler {
	return httpmiddleware.Wrap(router,
		httpmiddleware.Recovery(),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Routes(),
		httpmiddleware.Instrument("discount-engine", m),
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	)
}

// newEngine builds the engine on the Postgres repositories.
func newEngine(tm *postgres.TxManager, m httpmiddleware.Telemetry, cfg *Config) (*engine.Engine, error) {
	eng, err := engine.New(engine.Deps{
		Catalog:        postgres.NewCatalogRepository(tm),
		Usage:          postgres.NewUsageLedger(tm),
		Points:         postgres.NewPointsLedger(tm),
		Approvals:      postgres.NewApprovalRepository(tm),
		Applied:        postgres.NewAppliedRepository(tm),
		Tx:             tm,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	}, engine.Config{
		ReservationTTL:     cfg.Ledger.ReservationTTL,
		ConflictRetryDelay: cfg.Ledger.ConflictRetryDelay,
		Approver:           cfg.Approval.Approver,
		EscalateTo:         cfg.Approval.EscalateTo,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create engine")
	}
	return eng, nil
}
