package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/behavioral"
	"github.com/fraudshield/fraud-engine/internal/cache"
	"github.com/fraudshield/fraud-engine/internal/calibrator"
	"github.com/fraudshield/fraud-engine/internal/ensemble"
	"github.com/fraudshield/fraud-engine/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := configs.Load().Engine
	require.NoError(t, cfg.Validate())

	ens := ensemble.New(cfg, ensemble.NewLogisticProvider(), ensemble.SpecsFromWeights(cfg.EnsembleWeights))
	return New(cfg, ens, behavioral.NewStatisticalAnalyzer(), calibrator.NewBlend(), cache.NewMemoryStore())
}

func highRiskTransaction() *models.TransactionRecord {
	return &models.TransactionRecord{
		ID:            "tx-high",
		Amount:        decimal.NewFromInt(5000),
		Currency:      "USD",
		Timestamp:     time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC), // Saturday night
		CustomerID:    "cust-77",
		PaymentMethod: "cryptocurrency",
		BillingAddress: models.Address{
			Country: "US",
		},
		ShippingAddress: models.Address{
			Country: "RO",
		},
	}
}

func lowRiskTransaction() *models.TransactionRecord {
	return &models.TransactionRecord{
		ID:            "tx-low",
		Amount:        decimal.NewFromInt(100),
		Currency:      "USD",
		Timestamp:     time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC),
		CustomerID:    "cust-12",
		PaymentMethod: "bank_transfer",
		BillingAddress: models.Address{
			Country: "US",
		},
		ShippingAddress: models.Address{
			Country: "US",
		},
	}
}

func TestAssessHighRiskDeclines(t *testing.T) {
	e := newTestEngine(t)

	assessment, err := e.Assess(context.Background(), highRiskTransaction())
	require.NoError(t, err)

	assert.Equal(t, models.DecisionDecline, assessment.Decision)
	assert.Equal(t, models.RiskLevelCritical, assessment.RiskLevel)
	assert.Greater(t, assessment.RiskScore, 85.0)
	assert.Greater(t, assessment.FraudProbability, 0.9)
	assert.NotEmpty(t, assessment.RiskFactors)
	assert.Contains(t, assessment.RecommendedActions, "decline_immediately")
	assert.NotEmpty(t, assessment.AssessmentID)
	assert.Equal(t, "tx-high", assessment.TransactionID)
	assert.False(t, assessment.CacheHit)
	assert.LessOrEqual(t, len(assessment.RiskFactors), 10)
}

func TestAssessLowRiskApproves(t *testing.T) {
	e := newTestEngine(t)

	assessment, err := e.Assess(context.Background(), lowRiskTransaction())
	require.NoError(t, err)

	assert.Equal(t, models.DecisionApprove, assessment.Decision)
	assert.Equal(t, models.RiskLevelVeryLow, assessment.RiskLevel)
	assert.Less(t, assessment.RiskScore, 30.0)
	assert.Equal(t, []string{"process_transaction"}, assessment.RecommendedActions)
}

func TestAssessIdempotentScore(t *testing.T) {
	e := newTestEngine(t)
	tx := lowRiskTransaction()

	first, err := e.Assess(context.Background(), tx)
	require.NoError(t, err)

	// Same fingerprint hits the cache and returns the stored assessment.
	tx2 := *tx
	tx2.ID = "tx-low-2"
	second, err := e.Assess(context.Background(), &tx2)
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, first.AssessmentID, second.AssessmentID)
	assert.Equal(t, first.RiskScore, second.RiskScore)
}

func TestAssessNoCustomerIDSkipsCache(t *testing.T) {
	e := newTestEngine(t)
	tx := lowRiskTransaction()
	tx.CustomerID = ""

	first, err := e.Assess(context.Background(), tx)
	require.NoError(t, err)
	second, err := e.Assess(context.Background(), tx)
	require.NoError(t, err)

	assert.False(t, second.CacheHit)
	assert.NotEqual(t, first.AssessmentID, second.AssessmentID)
}

func TestAssessInvalidInput(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Assess(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	tx := lowRiskTransaction()
	tx.ID = ""
	_, err = e.Assess(ctx, tx)
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	tx = lowRiskTransaction()
	tx.Amount = decimal.Zero
	_, err = e.Assess(ctx, tx)
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	tx = lowRiskTransaction()
	tx.Amount = decimal.NewFromInt(-5)
	_, err = e.Assess(ctx, tx)
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	tx = lowRiskTransaction()
	tx.Currency = ""
	_, err = e.Assess(ctx, tx)
	assert.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestAssessCancelledContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Assess(ctx, lowRiskTransaction())
	assert.Error(t, err)

	// Nothing was cached under the dying context.
	assessment, err := e.Assess(context.Background(), lowRiskTransaction())
	require.NoError(t, err)
	assert.False(t, assessment.CacheHit)
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(context.Context, string, *models.TransactionRecord, models.FeatureVector) (models.BehavioralResult, error) {
	return models.BehavioralResult{}, errors.New("profile store unavailable")
}

func TestAssessBehavioralFailureDegrades(t *testing.T) {
	cfg := configs.Load().Engine
	ens := ensemble.New(cfg, ensemble.NewLogisticProvider(), ensemble.SpecsFromWeights(cfg.EnsembleWeights))
	e := New(cfg, ens, failingAnalyzer{}, calibrator.NewBlend(), nil)

	assessment, err := e.Assess(context.Background(), lowRiskTransaction())
	require.NoError(t, err)
	assert.Equal(t, 50.0, assessment.BehavioralScore)
}

type failingCalibrator struct{}

func (failingCalibrator) Calibrate(context.Context, float64, float64, float64, *models.TransactionRecord) (calibrator.Result, error) {
	return calibrator.Result{}, errors.New("calibration service down")
}

func TestAssessCalibrationFailureUsesFallback(t *testing.T) {
	cfg := configs.Load().Engine
	ens := ensemble.New(cfg, ensemble.NewLogisticProvider(), ensemble.SpecsFromWeights(cfg.EnsembleWeights))
	e := New(cfg, ens, behavioral.NewStatisticalAnalyzer(), failingCalibrator{}, nil)

	assessment, err := e.Assess(context.Background(), lowRiskTransaction())
	require.NoError(t, err)
	assert.Contains(t, assessment.CalibrationFlags, "fallback_calculation")
	assert.GreaterOrEqual(t, assessment.RiskScore, 0.0)
	assert.LessOrEqual(t, assessment.RiskScore, 100.0)
}

func TestAssessBatchOrderAndIsolation(t *testing.T) {
	e := newTestEngine(t)

	bad := lowRiskTransaction()
	bad.ID = ""
	txs := []*models.TransactionRecord{
		highRiskTransaction(),
		bad,
		lowRiskTransaction(),
	}

	items := e.AssessBatch(context.Background(), txs)
	require.Len(t, items, 3)

	require.NoError(t, items[0].Err)
	assert.Equal(t, "tx-high", items[0].Assessment.TransactionID)

	assert.ErrorIs(t, items[1].Err, ErrInvalidTransaction)
	assert.Nil(t, items[1].Assessment)

	require.NoError(t, items[2].Err)
	assert.Equal(t, "tx-low", items[2].Assessment.TransactionID)
}

func TestAssessBatchEmpty(t *testing.T) {
	e := newTestEngine(t)
	items := e.AssessBatch(context.Background(), nil)
	assert.Empty(t, items)
}

func TestAssessConfidenceBounds(t *testing.T) {
	e := newTestEngine(t)

	for _, tx := range []*models.TransactionRecord{highRiskTransaction(), lowRiskTransaction()} {
		assessment, err := e.Assess(context.Background(), tx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, assessment.Confidence, 0.1)
		assert.LessOrEqual(t, assessment.Confidence, 1.0)
	}
}
