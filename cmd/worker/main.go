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

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/behavioral"
	"github.com/fraudshield/fraud-engine/internal/cache"
	"github.com/fraudshield/fraud-engine/internal/calibrator"
	"github.com/fraudshield/fraud-engine/internal/engine"
	"github.com/fraudshield/fraud-engine/internal/ensemble"
	"github.com/fraudshield/fraud-engine/internal/queue"
	"github.com/fraudshield/fraud-engine/internal/repositories"
	"github.com/fraudshield/fraud-engine/internal/worker"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Environment)

	if err := cfg.Engine.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid engine configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("model_version", cfg.Engine.ModelVersion).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting fraud assessment worker")

	// Database for assessment persistence
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	assessmentRepo := repositories.NewAssessmentRepository(db)

	// Redis: transaction stream plus shared assessment cache
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Kafka publisher feeds the analytics pipeline. Optional: the worker
	// still assesses and persists without it.
	var publisher worker.EventPublisher
	kafkaPublisher, err := queue.NewAssessmentPublisher(cfg.Kafka)
	if err != nil {
		log.Warn().Err(err).Msg("Kafka unavailable, assessment events will not be published")
	} else {
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	// Assemble the assessment engine
	provider := ensemble.NewLogisticProvider()
	specs := ensemble.SpecsFromWeights(cfg.Engine.EnsembleWeights)
	ens := ensemble.New(cfg.Engine, provider, specs)
	analyzer := behavioral.NewStatisticalAnalyzer()
	store := cache.NewRedisStore(cacheClient)
	eng := engine.New(cfg.Engine, ens, analyzer, calibrator.NewBlend(), store)

	workerPool := worker.NewWorkerPool(
		cfg.Worker.Concurrency,
		eng,
		streamClient,
		assessmentRepo,
		publisher,
		cfg.Worker,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reportStatus(ctx, workerPool, db, streamClient)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- workerPool.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Worker pool error")
		}
	}

	log.Info().Msg("Worker shutdown complete")
}

// reportStatus logs pool throughput and infrastructure health every 30
// seconds.
func reportStatus(ctx context.Context, pool *worker.WorkerPool, db *repositories.Database, streamClient *queue.RedisStreamClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := pool.GetAggregatedMetrics()
			event := log.Info().
				Int64("total_processed", metrics["total_processed"].(int64)).
				Int64("total_failed", metrics["total_failed"].(int64)).
				Float64("avg_processing_ms", metrics["avg_processing_ms"].(float64)).
				Int("active_workers", metrics["active_workers"].(int))

			if pending, err := streamClient.PendingCount(ctx); err == nil {
				event = event.Int64("pending_messages", pending)
			}
			event.Msg("Worker pool status")

			if err := db.HealthCheck(ctx); err != nil {
				log.Warn().Err(err).Msg("Database health check failed")
			}
		case <-ctx.Done():
			return
		}
	}
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
