package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tunebridge/internal/auth"
	"tunebridge/internal/config"
	"tunebridge/internal/music"
	"tunebridge/internal/ratelimit"
	"tunebridge/internal/request"
	"tunebridge/internal/storage"
	"tunebridge/internal/worker"
)

// staleTokenRetention is how long an untouched credential row survives
// before the daily cleanup removes it.
const staleTokenRetention = 90 * 24 * time.Hour

// Application holds all the major components of the service.
type Application struct {
	cfg    *config.Config
	logger zerolog.Logger

	db       *storage.SQLiteStorage
	sessions *auth.SessionManager
	auth     *auth.Manager
	receiver *auth.CallbackReceiver
	limiter  *ratelimit.Limiter
	music    *music.Client
	pool     *worker.Pool
	sweeper  *auth.RefreshSweeper

	apiServer     *http.Server
	metricsServer *http.Server

	stop context.CancelFunc
}

// New creates and wires a new Application instance.
func New(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	db, err := storage.NewSQLiteStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	salt, err := db.EncryptionSalt(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption salt: %w", err)
	}
	key, err := storage.DeriveKey(cfg.EncryptionSecret, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	tokenStore, err := storage.NewTokenStore(db, key, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	sessions := auth.NewSessionManager()
	exchange := auth.NewExchangeClient(auth.ProviderConfig{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		AuthURL:      cfg.Provider.AuthURL,
		TokenURL:     cfg.Provider.TokenURL,
		RedirectURI:  cfg.Provider.RedirectURI,
		Scopes:       cfg.Provider.Scopes,
	}, logger)

	manager := auth.NewManager(sessions, exchange, tokenStore, cfg.Refresh.ExpiryMargin.Duration, logger)

	receiver, err := auth.NewCallbackReceiver(cfg.Provider.RedirectURI,
		func(ctx context.Context, result auth.CallbackResult) error {
			_, err := manager.CompleteAuthorization(ctx, result)
			return err
		}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback receiver: %w", err)
	}

	limiter := ratelimit.NewLimiter(
		cfg.RateLimit.BucketCapacity,
		cfg.RateLimit.RefillPerSec,
		cfg.RateLimit.SweepInterval.Duration,
		logger,
	)
	exec := request.NewExecutor(limiter,
		cfg.RateLimit.GlobalPerSec,
		cfg.Retry.Budget,
		cfg.Retry.InitialBackoff.Duration,
		cfg.Retry.MaxBackoff.Duration,
		logger,
	)

	musicClient := music.NewClient(cfg.API.BaseURL, cfg.API.Timeout.Duration, manager, exec, logger)

	pool := worker.NewPool(cfg.NumWorkers, 64)
	sweeper := auth.NewRefreshSweeper(manager, pool, cfg.Refresh.SweepInterval.Duration, logger)

	app := &Application{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		sessions: sessions,
		auth:     manager,
		receiver: receiver,
		limiter:  limiter,
		music:    musicClient,
		pool:     pool,
		sweeper:  sweeper,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	app.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	app.apiServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// Start begins the application's services.
func (a *Application) Start(ctx context.Context) error {
	ctx, a.stop = context.WithCancel(ctx)

	a.pool.Start()
	a.logger.Info().Int("workers", a.pool.Workers()).Msg("worker pool started")

	if err := a.receiver.Start(); err != nil {
		return err
	}

	go a.sweeper.Run(ctx)
	go a.cleanupLoop(ctx)

	go func() {
		a.logger.Info().Str("addr", a.metricsServer.Addr).Msg("metrics server listening")
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	go func() {
		a.logger.Info().Str("addr", a.apiServer.Addr).Msg("api server listening")
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("api server stopped")
		}
	}()

	return nil
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info().Msg("stopping application")

	if a.stop != nil {
		a.stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("api server shutdown")
	}
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("metrics server shutdown")
	}
	if err := a.receiver.Stop(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("callback receiver shutdown")
	}

	a.pool.Stop()
	a.limiter.Stop()
	a.sessions.Stop()

	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing storage")
	}

	a.logger.Info().Msg("application stopped")
	return nil
}

// cleanupLoop removes credential rows nobody has touched in a long
// time, once a day.
func (a *Application) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runCleanup(ctx)
		}
	}
}

// runCleanup drops stale credential rows and compacts the database
// when anything was removed.
func (a *Application) runCleanup(ctx context.Context) {
	removed, err := a.db.CleanupStaleTokens(ctx, staleTokenRetention)
	if err != nil {
		a.logger.Warn().Err(err).Msg("stale token cleanup failed")
		return
	}
	if removed == 0 {
		return
	}
	a.logger.Info().Int64("removed", removed).Msg("stale credentials cleaned up")

	if err := a.db.Vacuum(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("database vacuum failed")
	}
}
