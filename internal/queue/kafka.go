package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/models"
)

// AssessmentPublisher emits completed assessments to Kafka for the
// analytics consumers. Publishing is best-effort from the worker's
// perspective; a failed publish never fails the assessment.
type AssessmentPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewAssessmentPublisher connects a sync producer to the configured
// brokers.
func NewAssessmentPublisher(cfg configs.KafkaConfig) (*AssessmentPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Msg("Kafka assessment publisher initialized")

	return &AssessmentPublisher{producer: producer, topic: cfg.Topic}, nil
}

// Publish sends one assessment event, keyed by transaction ID so events
// for the same transaction stay ordered within a partition.
func (p *AssessmentPublisher) Publish(ctx context.Context, event *models.AssessmentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TransactionID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish assessment event: %w", err)
	}

	log.Debug().
		Str("transaction_id", event.TransactionID).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Assessment event published")
	return nil
}

// Close shuts the producer down.
func (p *AssessmentPublisher) Close() error {
	return p.producer.Close()
}
