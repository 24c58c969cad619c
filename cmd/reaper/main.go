// Command reaper purges jobs past their retention window from the Postgres
// progress store. Intended for cron in deployments that keep the API nodes
// lean; the API runs the same purge on its own interval when it owns the
// database.
package main

import (
	"context"
	"time"

	"github.com/joho/godotenv"

	"batchgen/internal/infra"
	"batchgen/internal/progress"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("reaper: DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reaper: db connection failed")
	}
	defer pool.Close()

	store, err := progress.NewPGStore(ctx, pool, logger, progress.PGOptions{RetentionTTL: cfg.RetentionTTL})
	if err != nil {
		logger.Fatal().Err(err).Msg("reaper: store setup failed")
	}
	defer store.Close()

	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("reaper: purge failed")
	}
	logger.Info().Int64("jobs", purged).Msg("reaper: done")
}
