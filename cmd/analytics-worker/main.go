package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/analytics"
	"github.com/fraudshield/fraud-engine/internal/models"
	"github.com/fraudshield/fraud-engine/internal/queue"
	"github.com/fraudshield/fraud-engine/internal/repositories"
)

// Redis key holding the latest metrics snapshot for dashboards.
const metricsSnapshotKey = "analytics:assessment_metrics"

func main() {
	_ = godotenv.Load()

	cfg := configs.Load()
	setupLogging(cfg.Environment)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.Topic).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("Starting assessment analytics worker")

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	// Persisted decision counts enrich the snapshot. Optional: live
	// metrics still flow without the database.
	var assessmentRepo *repositories.AssessmentRepository
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Warn().Err(err).Msg("Database unavailable, persisted decision counts disabled")
	} else {
		defer db.Close()
		assessmentRepo = repositories.NewAssessmentRepository(db)
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Kafka may come up after us; retry before giving up.
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	handler := &assessmentHandler{
		metrics:     analytics.NewAssessmentMetrics(),
		cacheClient: cacheClient,
		repo:        assessmentRepo,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutdown signal received, stopping analytics worker")
		cancel()
	}()

	go handler.reportLoop(ctx)

	for {
		if err := consumerGroup.Consume(ctx, []string{cfg.Kafka.Topic}, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}
		if ctx.Err() != nil {
			log.Info().Msg("Analytics worker shutdown complete")
			return
		}
	}
}

// assessmentHandler folds assessment events into the live metrics.
type assessmentHandler struct {
	metrics     *analytics.AssessmentMetrics
	cacheClient *queue.CacheClient
	repo        *repositories.AssessmentRepository
}

func (h *assessmentHandler) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics consumer session started")
	return nil
}

func (h *assessmentHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Analytics consumer session ended")
	return nil
}

func (h *assessmentHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.processMessage(message)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *assessmentHandler) processMessage(message *sarama.ConsumerMessage) {
	var event models.AssessmentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		log.Error().Err(err).Msg("Failed to parse assessment event")
		return
	}

	h.metrics.RecordEvent(&event)

	if event.Decision == models.DecisionDecline {
		log.Info().
			Str("transaction_id", event.TransactionID).
			Float64("risk_score", event.RiskScore).
			Str("risk_level", event.RiskLevel).
			Msg("Declined transaction observed")
	}
}

// reportLoop logs the snapshot and mirrors it to Redis every 30 seconds.
func (h *assessmentHandler) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := h.metrics.Snapshot()
			event := log.Info().
				Int64("total_assessments", snapshot["total_assessments"].(int64)).
				Float64("avg_risk_score", snapshot["avg_risk_score"].(float64)).
				Float64("avg_latency_ms", snapshot["avg_latency_ms"].(float64)).
				Float64("events_per_sec", snapshot["events_per_second"].(float64)).
				Float64("decline_rate", h.metrics.DeclineRate())

			if h.repo != nil {
				counts, err := h.repo.CountByDecision(ctx, time.Now().Add(-time.Hour))
				if err != nil {
					log.Warn().Err(err).Msg("Failed to load persisted decision counts")
				} else {
					snapshot["persisted_decisions_last_hour"] = counts
					event = event.Interface("persisted_decisions_last_hour", counts)
				}
			}
			event.Msg("Assessment analytics snapshot")

			if err := h.cacheClient.Set(ctx, metricsSnapshotKey, snapshot, 5*time.Minute); err != nil {
				log.Warn().Err(err).Msg("Failed to store metrics snapshot")
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
