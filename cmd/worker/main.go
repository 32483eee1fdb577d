package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/configs"
	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/jobs"
	"github.com/basetrust/reputation-engine/internal/queue"
	"github.com/basetrust/reputation-engine/internal/repositories"
	"github.com/basetrust/reputation-engine/internal/scoring"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("model_version", cfg.Scoring.ModelVersion).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting reputation scoring worker")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	// Initialize Redis Stream client
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	// Initialize Redis Cache client
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize chain access
	chainClient := chain.NewClient(cfg.Chain)
	chainClient.Start()
	defer chainClient.Stop()

	reader := chain.NewReader(chainClient, cfg.Chain, cfg.Scoring)

	// Initialize repositories
	scoreRepo := repositories.NewScoreRepository(db)
	metricsRepo := repositories.NewMetricsRepository(db)
	transferRepo := repositories.NewTransferRepository(db)
	relationshipRepo := repositories.NewRelationshipRepository(db)
	snapshotRepo := repositories.NewSnapshotRepository(db)
	queryLogRepo := repositories.NewQueryLogRepository(db)
	ratingRepo := repositories.NewRatingRepository(db)
	fraudRepo := repositories.NewFraudReportRepository(db)
	profileRepo := repositories.NewProfileRepository(db)
	adaptiveRepo := repositories.NewAdaptiveRepository(db)
	outcomeRepo := repositories.NewOutcomeRepository(db)
	economyRepo := repositories.NewEconomyRepository(db)
	anomalyRepo := repositories.NewAnomalyRepository(db)

	// Initialize the adaptive layer and the scoring orchestrator
	adaptiveManager := scoring.NewAdaptiveManager(cfg.Adaptive, cfg.Scoring.Weights, adaptiveRepo, outcomeRepo, scoreRepo)

	stores := scoring.Stores{
		Scores:        scoreRepo,
		Metrics:       metricsRepo,
		Transfers:     transferRepo,
		Relationships: relationshipRepo,
		Snapshots:     snapshotRepo,
		QueryLog:      queryLogRepo,
		Ratings:       ratingRepo,
		Fraud:         fraudRepo,
		Profiles:      profileRepo,
	}

	orchestrator := scoring.NewOrchestrator(cfg.Scoring, cfg.Chain, reader, stores, adaptiveManager, cacheClient, streamClient)

	// Create refresh worker
	workerID, err := os.Hostname()
	if err != nil || workerID == "" {
		workerID = "refresh-worker"
	}
	worker := scoring.NewWorker(workerID, orchestrator, streamClient, cfg.Worker)

	// Register background jobs
	scheduler := jobs.NewScheduler()

	hourlyRefresh := jobs.NewHourlyRefresh(
		scoreRepo,
		reader,
		snapshotRepo,
		transferRepo,
		metricsRepo,
		relationshipRepo,
		economyRepo,
		orchestrator,
		cfg.Chain.USDCContract,
	)
	outcomeMatcher := jobs.NewOutcomeMatcher(queryLogRepo, fraudRepo, transferRepo, outcomeRepo, adaptiveManager)
	anomalyDetector := jobs.NewAnomalyDetector(scoreRepo, fraudRepo, snapshotRepo, anomalyRepo)

	for _, job := range []jobs.Job{hourlyRefresh, outcomeMatcher, anomalyDetector} {
		if err := scheduler.Register(job); err != nil {
			log.Fatal().Err(err).Str("job", job.Name()).Msg("Failed to register job")
		}
	}
	scheduler.Start()

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start worker in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Worker error")
		}
	}

	// Stop worker, then let running jobs finish (bounded).
	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop worker")
	}

	jobsDone := scheduler.Stop()
	select {
	case <-jobsDone.Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Jobs still running at shutdown deadline")
	}

	log.Info().Msg("Worker shutdown complete")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
