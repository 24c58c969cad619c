package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"batchgen/internal/backoff"
	"batchgen/internal/dispatch"
	"batchgen/internal/finalize"
	"batchgen/internal/http/handlers"
	"batchgen/internal/http/httpapi"
	"batchgen/internal/infra"
	"batchgen/internal/pool"
	"batchgen/internal/progress"
	"batchgen/internal/provider"
	"batchgen/internal/stream"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: store setup failed")
	}
	defer cleanup()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	gen, err := provider.NewClient(provider.Options{
		APIKey:       cfg.ProviderAPIKey,
		BaseURL:      cfg.ProviderBaseURL,
		Model:        cfg.ProviderModel,
		PollInterval: cfg.ProviderPoll,
		HTTPClient:   httpClient,
		Logger:       &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: provider client setup failed")
	}
	if !gen.HasCredentials() {
		logger.Warn().Str("model", gen.Model()).Msg("api: provider api key missing, using synthetic generation")
	}

	finalizer := finalize.New(store, finalize.Options{
		MinSuccessPercent: cfg.MinSuccessPercent,
		Logger:            &logger,
	})

	workers := pool.New(store, gen, finalizer.Finalize, pool.Options{
		Workers:       cfg.WorkerCount,
		QueueCapacity: cfg.QueueCapacity,
		ItemTimeout:   cfg.ItemTimeout,
		Policy: backoff.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.RetryBase,
			Max:         cfg.RetryMax,
		},
		Logger: &logger,
	})

	dispatcher := dispatch.New(store, workers, dispatch.Options{
		MaxBatchSize: cfg.MaxBatchSize,
		Finalize:     finalizer.Finalize,
		Logger:       &logger,
	})

	gateway := stream.New(store, stream.Options{
		IdleTimeout: cfg.StreamIdle,
		MaxAge:      cfg.StreamMaxAge,
		Logger:      &logger,
	})

	app := handlers.NewApp(dispatcher, store, gateway, &logger)
	router := httpapi.NewRouter(app, httpapi.Options{RateLimitPerMin: cfg.RateLimitPerMin})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	workers.Shutdown(15 * time.Second)
	logger.Info().Msg("api: stopped")
}

// newStore picks the Postgres store when DATABASE_URL is configured and the
// in-memory store otherwise, and starts a purge loop for the former.
func newStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) (progress.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("api: DATABASE_URL not set, using in-memory progress store")
		store := progress.NewMemoryStore(progress.MemoryOptions{
			RetentionTTL:     cfg.RetentionTTL,
			ReapInterval:     cfg.ReapInterval,
			SubscriberBuffer: cfg.SubscriberBuf,
			Logger:           &logger,
		})
		return store, store.Close, nil
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := progress.NewPGStore(ctx, pool, logger, progress.PGOptions{
		RetentionTTL:     cfg.RetentionTTL,
		SubscriberBuffer: cfg.SubscriberBuf,
	})
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	go func() {
		ticker := time.NewTicker(cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if purged, err := store.PurgeExpired(ctx); err != nil {
					logger.Error().Err(err).Msg("api: purge failed")
				} else if purged > 0 {
					logger.Info().Int64("jobs", purged).Msg("api: expired jobs purged")
				}
			}
		}
	}()

	cleanup := func() {
		store.Close()
		pool.Close()
	}
	return store, cleanup, nil
}
