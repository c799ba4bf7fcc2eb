package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/behavioral"
	"github.com/fraudshield/fraud-engine/internal/cache"
	"github.com/fraudshield/fraud-engine/internal/calibrator"
	"github.com/fraudshield/fraud-engine/internal/engine"
	"github.com/fraudshield/fraud-engine/internal/ensemble"
	"github.com/fraudshield/fraud-engine/internal/models"
	"github.com/fraudshield/fraud-engine/internal/queue"
)

var errNotFound = errors.New("assessment not found")

type fakeStore struct {
	created  []*models.RiskAssessment
	existing *models.RiskAssessment
	err      error
}

func (f *fakeStore) Create(_ context.Context, a *models.RiskAssessment) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, a)
	return nil
}

func (f *fakeStore) GetByTransactionID(_ context.Context, transactionID string) (*models.RiskAssessment, error) {
	if f.existing != nil && f.existing.TransactionID == transactionID {
		return f.existing, nil
	}
	for _, a := range f.created {
		if a.TransactionID == transactionID {
			return a, nil
		}
	}
	return nil, errNotFound
}

type fakeStream struct {
	messages   []queue.StreamMessage
	acked      []string
	requeued   []*models.TransactionEvent
	deadLetter []*models.TransactionEvent
	requeueErr error
}

func (f *fakeStream) Consume(_ context.Context, _ string, _ int64, _ time.Duration) ([]queue.StreamMessage, error) {
	msgs := f.messages
	f.messages = nil
	return msgs, nil
}

func (f *fakeStream) Acknowledge(_ context.Context, messageIDs ...string) error {
	f.acked = append(f.acked, messageIDs...)
	return nil
}

func (f *fakeStream) Requeue(_ context.Context, event *models.TransactionEvent) error {
	if f.requeueErr != nil {
		return f.requeueErr
	}
	event.RetryCount++
	f.requeued = append(f.requeued, event)
	return nil
}

func (f *fakeStream) SendToDeadLetter(_ context.Context, event *models.TransactionEvent, _ error) error {
	f.deadLetter = append(f.deadLetter, event)
	return nil
}

type fakePublisher struct {
	events []*models.AssessmentEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e *models.AssessmentEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func newStreamTestWorker(t *testing.T, stream StreamConsumer, store AssessmentStore, publisher EventPublisher) *Worker {
	t.Helper()
	cfg := configs.Load()
	ens := ensemble.New(cfg.Engine, ensemble.NewLogisticProvider(), ensemble.SpecsFromWeights(cfg.Engine.EnsembleWeights))
	eng := engine.New(cfg.Engine, ens, behavioral.NewStatisticalAnalyzer(), calibrator.NewBlend(), cache.NewMemoryStore())
	return NewWorker("test-worker", eng, stream, store, publisher, cfg.Worker)
}

func newTestWorker(t *testing.T, store AssessmentStore, publisher EventPublisher) *Worker {
	t.Helper()
	return newStreamTestWorker(t, nil, store, publisher)
}

func streamEvent(txID string) queue.StreamMessage {
	return queue.StreamMessage{
		ID: "1-0",
		Event: &models.TransactionEvent{
			TransactionID: txID,
			CustomerID:    "cust-1",
			Amount:        "250.00",
			Currency:      "USD",
			PaymentMethod: "credit_card",
			Timestamp:     time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		},
	}
}

func TestProcessMessagePersistsAndPublishes(t *testing.T) {
	store := &fakeStore{}
	publisher := &fakePublisher{}
	w := newTestWorker(t, store, publisher)

	err := w.processMessage(context.Background(), streamEvent("tx-1"))
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	assert.Equal(t, "tx-1", store.created[0].TransactionID)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "tx-1", publisher.events[0].TransactionID)
	assert.Equal(t, "cust-1", publisher.events[0].CustomerID)
	assert.LessOrEqual(t, len(publisher.events[0].TopFactors), 5)

	metrics := w.GetMetrics()
	assert.Equal(t, int64(1), metrics.ProcessedCount)
	assert.Equal(t, int64(0), metrics.FailedCount)
}

func TestProcessMessageCacheHitSkipsPersist(t *testing.T) {
	store := &fakeStore{}
	w := newTestWorker(t, store, nil)

	require.NoError(t, w.processMessage(context.Background(), streamEvent("tx-1")))
	// Second event for same customer and amount hits the cache.
	require.NoError(t, w.processMessage(context.Background(), streamEvent("tx-2")))

	assert.Len(t, store.created, 1)
}

func TestProcessMessageStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	w := newTestWorker(t, store, nil)

	err := w.processMessage(context.Background(), streamEvent("tx-1"))
	assert.Error(t, err)
}

func TestProcessMessagePublishFailureIsNonFatal(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("kafka down")}
	w := newTestWorker(t, &fakeStore{}, publisher)

	err := w.processMessage(context.Background(), streamEvent("tx-1"))
	assert.NoError(t, err)
}

func TestProcessMessageInvalidAmount(t *testing.T) {
	w := newTestWorker(t, &fakeStore{}, nil)

	msg := streamEvent("tx-1")
	msg.Event.Amount = "not-a-number"
	err := w.processMessage(context.Background(), msg)
	assert.Error(t, err)
}

func TestProcessMessageRetrySkipsDuplicatePersist(t *testing.T) {
	store := &fakeStore{existing: &models.RiskAssessment{AssessmentID: "a-0", TransactionID: "tx-1"}}
	w := newTestWorker(t, store, nil)

	// A redelivered event whose first attempt failed after the insert
	// must not produce a second row.
	msg := streamEvent("tx-1")
	msg.Event.RetryCount = 1
	require.NoError(t, w.processMessage(context.Background(), msg))

	assert.Empty(t, store.created)
}

func TestProcessBatchAcksAfterRequeue(t *testing.T) {
	stream := &fakeStream{}
	msg := streamEvent("tx-1")
	msg.Event.Amount = "not-a-number"
	stream.messages = []queue.StreamMessage{msg}

	w := newStreamTestWorker(t, stream, &fakeStore{}, nil)
	w.processBatch(context.Background(), "consumer-0")

	require.Len(t, stream.requeued, 1)
	assert.Equal(t, []string{"1-0"}, stream.acked)
}

func TestProcessBatchSkipsAckWhenRequeueFails(t *testing.T) {
	stream := &fakeStream{requeueErr: errors.New("redis down")}
	msg := streamEvent("tx-1")
	msg.Event.Amount = "not-a-number"
	stream.messages = []queue.StreamMessage{msg}

	w := newStreamTestWorker(t, stream, &fakeStore{}, nil)
	w.processBatch(context.Background(), "consumer-0")

	// The message stays pending for the claim path instead of being
	// acknowledged and lost.
	assert.Empty(t, stream.acked)
}

func TestProcessBatchDeadLettersExhaustedRetries(t *testing.T) {
	stream := &fakeStream{}
	msg := streamEvent("tx-1")
	msg.Event.Amount = "not-a-number"
	msg.Event.RetryCount = 99
	stream.messages = []queue.StreamMessage{msg}

	w := newStreamTestWorker(t, stream, &fakeStore{}, nil)
	w.processBatch(context.Background(), "consumer-0")

	require.Len(t, stream.deadLetter, 1)
	assert.Empty(t, stream.requeued)
	assert.Equal(t, []string{"1-0"}, stream.acked)
}

func TestWorkerPoolAggregatedMetrics(t *testing.T) {
	cfg := configs.Load()
	ens := ensemble.New(cfg.Engine, ensemble.NewLogisticProvider(), ensemble.SpecsFromWeights(cfg.Engine.EnsembleWeights))
	eng := engine.New(cfg.Engine, ens, behavioral.NewStatisticalAnalyzer(), calibrator.NewBlend(), cache.NewMemoryStore())
	pool := NewWorkerPool(2, eng, nil, &fakeStore{}, nil, cfg.Worker)

	require.NoError(t, pool.workers[0].processMessage(context.Background(), streamEvent("tx-1")))
	msg := streamEvent("tx-2")
	msg.Event.CustomerID = "cust-2"
	require.NoError(t, pool.workers[1].processMessage(context.Background(), msg))

	metrics := pool.GetAggregatedMetrics()
	assert.Equal(t, int64(2), metrics["total_processed"])
	assert.Equal(t, int64(0), metrics["total_failed"])
	assert.Equal(t, 2, metrics["active_workers"])
}

func TestAssessmentEventTrimsFactors(t *testing.T) {
	a := &models.RiskAssessment{
		AssessmentID:  "a-1",
		TransactionID: "tx-1",
		RiskFactors: []models.RiskFactor{
			{Factor: "f1"}, {Factor: "f2"}, {Factor: "f3"},
			{Factor: "f4"}, {Factor: "f5"}, {Factor: "f6"}, {Factor: "f7"},
		},
	}
	event := assessmentEvent(a, "cust-1")
	assert.Len(t, event.TopFactors, 5)
	assert.Equal(t, "f1", event.TopFactors[0].Factor)
}
