package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rexanwong/textbehindimage/backend/internal/config"
	"github.com/rexanwong/textbehindimage/backend/internal/httpserver"
	"github.com/rexanwong/textbehindimage/backend/internal/logging"
	"github.com/rexanwong/textbehindimage/backend/internal/metrics"
	"github.com/rexanwong/textbehindimage/backend/internal/migrations"
	"github.com/rexanwong/textbehindimage/backend/internal/store"
	"github.com/rexanwong/textbehindimage/backend/internal/stripe"
	"github.com/rexanwong/textbehindimage/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "backend",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := httpserver.Deps{}

	if cfg.StripeConfigured() {
		deps.Processor = stripe.NewClient(cfg.StripeSecretKey, stripe.WithMaxNetworkRetries(int64(cfg.StripeMaxNetworkRetries)))
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; checkout, cancellation and webhook answer 503")
	}
	if !cfg.WebhookConfigured() {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook answers 503")
	}
	if !cfg.OpsConfigured() {
		log.Warn().Msg("OPS_API_TOKEN not set; operator routes answer 503")
	}

	var db *sql.DB
	if cfg.DatabaseConfigured() {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Str("target", cfg.RedactedDatabaseTarget()).Msg("failed to connect to database")
		}
		defer db.Close()
		log.Info().Str("target", cfg.RedactedDatabaseTarget()).Msg("database connected")

		if err := runMigrationsWithDirtyFix(db); err != nil {
			log.Fatal().Err(err).Msg("failed to apply database migrations")
		}

		wireDatabase(cfg, db, &deps)
	} else {
		log.Warn().Msg("DATABASE_URL not set; cancellation and webhook answer 503")
	}

	srv := httpserver.New(cfg, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func wireDatabase(cfg config.Config, db *sql.DB, deps *httpserver.Deps) {
	profiles, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	events, err := store.NewEventStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event store")
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	wcfg := worker.DefaultConfig()
	wcfg.MaxConcurrent = cfg.WorkerConcurrency
	w := worker.New(wcfg, jobs, nil)
	w.SetInstrumentation(metrics.WorkerInstrumentation())
	worker.RegisterReconciliationJobs(w, profiles)

	deps.Profiles = profiles
	deps.Events = events
	deps.Jobs = jobs
	deps.EventLookup = events
	deps.ProfileLookup = profiles
	deps.DB = profiles
	deps.Worker = w
}

func runMigrationsWithDirtyFix(db *sql.DB) error {
	err := migrations.Up(db)
	if err == nil || !migrations.IsDirty(err) {
		return err
	}

	log.Warn().Err(err).Msg("migrations: dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Error().Err(fixErr).Msg("migrations: failed to fix dirty database")
		return err
	}
	return migrations.Up(db)
}
