package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/decision"
	"github.com/fraudshield/fraud-engine/internal/engine"
	"github.com/fraudshield/fraud-engine/internal/models"
	"github.com/fraudshield/fraud-engine/internal/queue"
)

// AssessmentStore persists finished assessments. Satisfied by
// repositories.AssessmentRepository.
type AssessmentStore interface {
	Create(ctx context.Context, a *models.RiskAssessment) error
	GetByTransactionID(ctx context.Context, transactionID string) (*models.RiskAssessment, error)
}

// EventPublisher forwards assessment summaries downstream. Satisfied by
// queue.AssessmentPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.AssessmentEvent) error
}

// StreamConsumer is the transaction stream surface the worker drives.
// Satisfied by queue.RedisStreamClient.
type StreamConsumer interface {
	Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]queue.StreamMessage, error)
	Acknowledge(ctx context.Context, messageIDs ...string) error
	Requeue(ctx context.Context, event *models.TransactionEvent) error
	SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error
}

// Worker consumes transaction events from the stream, runs them through
// the engine, persists the result, and publishes a summary event.
type Worker struct {
	id           string
	engine       *engine.Engine
	streamClient StreamConsumer
	store        AssessmentStore
	publisher    EventPublisher
	config       configs.WorkerConfig
	wg           sync.WaitGroup
	stopCh       chan struct{}
	metrics      *Metrics
}

// Metrics tracks per-worker throughput.
type Metrics struct {
	mu                sync.RWMutex
	ProcessedCount    int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

// NewWorker creates a worker. Store and publisher may be nil; the worker
// then only assesses and acknowledges.
func NewWorker(id string, eng *engine.Engine, streamClient StreamConsumer, store AssessmentStore, publisher EventPublisher, config configs.WorkerConfig) *Worker {
	return &Worker{
		id:           id,
		engine:       eng,
		streamClient: streamClient,
		store:        store,
		publisher:    publisher,
		config:       config,
		stopCh:       make(chan struct{}),
		metrics:      &Metrics{},
	}
}

// Start runs the consume loops until the context is cancelled or Stop is
// called.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting assessment worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	<-ctx.Done()
	return w.Stop()
}

// Stop drains the consume loops.
func (w *Worker) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	return nil
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Consumer loop started")

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.streamClient.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		time.Sleep(time.Second)
		return
	}

	if len(messages) == 0 {
		return
	}

	var ackIDs []string
	for _, msg := range messages {
		ackable := true
		if err := w.processMessage(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("transaction_id", msg.Event.TransactionID).
				Msg("Failed to process message")
			ackable = w.handleFailure(ctx, msg.Event, err)

			w.metrics.mu.Lock()
			w.metrics.FailedCount++
			w.metrics.mu.Unlock()
		}
		if ackable {
			ackIDs = append(ackIDs, msg.ID)
		}
	}

	if err := w.streamClient.Acknowledge(ctx, ackIDs...); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge messages")
	}
}

// handleFailure requeues the event while retries remain, then parks it
// on the dead letter stream. Returns false when neither succeeded; the
// message must then stay pending so the claim path can retry it.
func (w *Worker) handleFailure(ctx context.Context, event *models.TransactionEvent, cause error) bool {
	if event.RetryCount < w.config.RetryAttempts {
		if err := w.streamClient.Requeue(ctx, event); err != nil {
			log.Error().Err(err).Str("transaction_id", event.TransactionID).Msg("Failed to requeue message")
			return false
		}
		return true
	}
	if err := w.streamClient.SendToDeadLetter(ctx, event, cause); err != nil {
		log.Error().Err(err).Str("transaction_id", event.TransactionID).Msg("Failed to send to dead letter queue")
		return false
	}
	return true
}

func (w *Worker) processMessage(ctx context.Context, msg queue.StreamMessage) error {
	startTime := time.Now()

	tx, err := msg.Event.ToRecord()
	if err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}

	assessment, err := w.engine.Assess(ctx, tx)
	if err != nil {
		return fmt.Errorf("assessment failed: %w", err)
	}

	if w.store != nil && !assessment.CacheHit && !w.alreadyPersisted(ctx, msg.Event) {
		if err := w.store.Create(ctx, assessment); err != nil {
			return fmt.Errorf("failed to persist assessment: %w", err)
		}
	}

	// Publishing is best-effort; the assessment already succeeded.
	if w.publisher != nil {
		event := assessmentEvent(assessment, msg.Event.CustomerID)
		if err := w.publisher.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to publish assessment event")
		}
	}

	w.metrics.mu.Lock()
	w.metrics.ProcessedCount++
	w.metrics.TotalProcessingMs += time.Since(startTime).Milliseconds()
	w.metrics.LastProcessedAt = time.Now()
	w.metrics.mu.Unlock()

	return nil
}

// alreadyPersisted reports whether a redelivered event was stored by an
// earlier attempt that failed after the insert. Only retried messages
// pay for the lookup; lookup failures fall through to a fresh insert.
func (w *Worker) alreadyPersisted(ctx context.Context, event *models.TransactionEvent) bool {
	if event.RetryCount == 0 {
		return false
	}
	existing, err := w.store.GetByTransactionID(ctx, event.TransactionID)
	return err == nil && existing != nil
}

// assessmentEvent builds the light summary with the top factors only.
func assessmentEvent(a *models.RiskAssessment, customerID string) *models.AssessmentEvent {
	factors := a.RiskFactors
	if len(factors) > decision.LightFactorLimit {
		factors = factors[:decision.LightFactorLimit]
	}
	return &models.AssessmentEvent{
		AssessmentID:     a.AssessmentID,
		TransactionID:    a.TransactionID,
		CustomerID:       customerID,
		RiskScore:        a.RiskScore,
		Decision:         a.Decision,
		RiskLevel:        a.RiskLevel,
		FraudProbability: a.FraudProbability,
		Confidence:       a.Confidence,
		TopFactors:       factors,
		ProcessingTimeMs: a.ProcessingTimeMs,
		Timestamp:        a.Timestamp,
	}
}

// GetMetrics returns a copy of the worker metrics.
func (w *Worker) GetMetrics() Metrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return Metrics{
		ProcessedCount:    w.metrics.ProcessedCount,
		FailedCount:       w.metrics.FailedCount,
		TotalProcessingMs: w.metrics.TotalProcessingMs,
		LastProcessedAt:   w.metrics.LastProcessedAt,
	}
}

// WorkerPool fans the stream out across multiple workers.
type WorkerPool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates numWorkers workers sharing the same
// collaborators.
func NewWorkerPool(numWorkers int, eng *engine.Engine, streamClient StreamConsumer, store AssessmentStore, publisher EventPublisher, config configs.WorkerConfig) *WorkerPool {
	pool := &WorkerPool{workers: make([]*Worker, numWorkers)}
	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(fmt.Sprintf("worker-%d", i), eng, streamClient, store, publisher, config)
	}
	return pool
}

// Start runs all workers until the context ends.
func (p *WorkerPool) Start(ctx context.Context) error {
	log.Info().Int("num_workers", len(p.workers)).Msg("Starting worker pool")

	for _, worker := range p.workers {
		w := worker
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = w.Start(ctx)
		}()
	}

	<-ctx.Done()
	return p.Stop()
}

// Stop stops every worker and waits for them to drain.
func (p *WorkerPool) Stop() error {
	for _, worker := range p.workers {
		_ = worker.Stop()
	}
	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
	return nil
}

// GetAggregatedMetrics sums metrics across the pool.
func (p *WorkerPool) GetAggregatedMetrics() map[string]interface{} {
	var totalProcessed, totalFailed, totalProcessingMs int64
	var lastProcessedAt time.Time

	for _, worker := range p.workers {
		metrics := worker.GetMetrics()
		totalProcessed += metrics.ProcessedCount
		totalFailed += metrics.FailedCount
		totalProcessingMs += metrics.TotalProcessingMs
		if metrics.LastProcessedAt.After(lastProcessedAt) {
			lastProcessedAt = metrics.LastProcessedAt
		}
	}

	avgProcessingMs := float64(0)
	if totalProcessed > 0 {
		avgProcessingMs = float64(totalProcessingMs) / float64(totalProcessed)
	}

	return map[string]interface{}{
		"total_processed":   totalProcessed,
		"total_failed":      totalFailed,
		"avg_processing_ms": avgProcessingMs,
		"last_processed_at": lastProcessedAt,
		"active_workers":    len(p.workers),
	}
}
