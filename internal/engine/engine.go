package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/behavioral"
	"github.com/fraudshield/fraud-engine/internal/cache"
	"github.com/fraudshield/fraud-engine/internal/calibrator"
	"github.com/fraudshield/fraud-engine/internal/decision"
	"github.com/fraudshield/fraud-engine/internal/ensemble"
	"github.com/fraudshield/fraud-engine/internal/features"
	"github.com/fraudshield/fraud-engine/internal/models"
)

// ErrInvalidTransaction marks input that cannot be assessed at all.
// Degraded dependencies never produce this error; they degrade the
// assessment instead.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Engine runs the full assessment pipeline: features, behavioral
// analysis, model ensemble, calibration, and decisioning.
type Engine struct {
	cfg        configs.EngineConfig
	builder    *features.Builder
	analyzer   behavioral.Analyzer
	ensemble   *ensemble.Ensemble
	calibrator calibrator.Calibrator
	decisions  *decision.Generator
	store      cache.Store
}

// New wires an engine from its collaborators. The cache store may be nil
// to disable caching entirely.
func New(
	cfg configs.EngineConfig,
	ens *ensemble.Ensemble,
	analyzer behavioral.Analyzer,
	cal calibrator.Calibrator,
	store cache.Store,
) *Engine {
	return &Engine{
		cfg:        cfg,
		builder:    features.NewBuilder(cfg),
		analyzer:   analyzer,
		ensemble:   ens,
		calibrator: cal,
		decisions:  decision.NewGenerator(cfg),
		store:      store,
	}
}

func (e *Engine) validate(tx *models.TransactionRecord) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if tx.ID == "" {
		return fmt.Errorf("%w: missing transaction id", ErrInvalidTransaction)
	}
	if !tx.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if tx.Currency == "" {
		return fmt.Errorf("%w: missing currency", ErrInvalidTransaction)
	}
	return nil
}

// Assess runs one transaction through the pipeline. It returns an error
// only for invalid input or a cancelled context; dependency failures
// degrade the result and are recorded in the calibration flags.
func (e *Engine) Assess(ctx context.Context, tx *models.TransactionRecord) (*models.RiskAssessment, error) {
	startTime := time.Now()

	if err := e.validate(tx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cacheKey := ""
	if e.store != nil {
		cacheKey = cache.Fingerprint(tx.CustomerID, tx.Amount, e.cfg.CacheAmountBucket)
		if cached, ok := e.store.Get(ctx, cacheKey); ok {
			hit := *cached
			hit.CacheHit = true
			log.Debug().
				Str("transaction_id", tx.ID).
				Str("assessment_id", hit.AssessmentID).
				Msg("Assessment cache hit")
			return &hit, nil
		}
	}

	fv := e.builder.Build(tx)

	var behavioralResult models.BehavioralResult
	var ensembleResult models.EnsembleResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bctx, cancel := context.WithTimeout(gctx, e.cfg.BehavioralTimeout)
		defer cancel()
		res, err := e.analyzer.Analyze(bctx, tx.CustomerID, tx, fv)
		if err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Behavioral analysis failed, using neutral score")
			behavioralResult = behavioral.FailedResult()
			return nil
		}
		behavioralResult = res
		return nil
	})
	g.Go(func() error {
		ensembleResult = e.ensemble.Predict(gctx, fv)
		return nil
	})
	// Branches swallow their own failures.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	calResult, err := e.calibrator.Calibrate(ctx, ensembleResult.Probability, behavioralResult.CompositeScore, ensembleResult.AnomalyScore, tx)
	if err != nil || math.IsNaN(calResult.Score) || math.IsInf(calResult.Score, 0) {
		if err != nil {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Calibration failed, using fallback blend")
		}
		calResult = calibrator.Fallback(ensembleResult.Probability, behavioralResult.CompositeScore, ensembleResult.AnomalyScore)
	}

	riskScore := math.Round(calResult.Score*100) / 100
	decided := e.decisions.Decide(riskScore, tx.Amount)
	riskLevel := e.decisions.RiskLevel(riskScore)
	factors := e.decisions.RiskFactors(ensembleResult, behavioralResult, fv, decision.FullFactorLimit)
	actions := e.decisions.RecommendedActions(decided, factors)

	confidence := math.Min(calResult.Confidence, ensembleResult.Confidence)

	assessment := &models.RiskAssessment{
		AssessmentID:       uuid.New().String(),
		TransactionID:      tx.ID,
		RiskScore:          riskScore,
		FraudProbability:   ensembleResult.Probability,
		Decision:           decided,
		RiskLevel:          riskLevel,
		BehavioralScore:    behavioralResult.CompositeScore,
		AnomalyScore:       ensembleResult.AnomalyScore,
		Confidence:         math.Round(confidence*100) / 100,
		RiskFactors:        factors,
		RecommendedActions: actions,
		CalibrationFlags:   calResult.Flags,
		ModelVersion:       ensembleResult.ModelVersion,
		ProcessingTimeMs:   time.Since(startTime).Milliseconds(),
		Timestamp:          time.Now().UTC(),
	}

	// Never cache a result assembled under a dying context.
	if e.store != nil && cacheKey != "" && ctx.Err() == nil {
		e.store.Put(ctx, cacheKey, assessment, e.cfg.CacheTTL)
	}

	log.Info().
		Str("transaction_id", tx.ID).
		Str("assessment_id", assessment.AssessmentID).
		Float64("risk_score", assessment.RiskScore).
		Str("decision", assessment.Decision).
		Str("risk_level", assessment.RiskLevel).
		Float64("fraud_probability", assessment.FraudProbability).
		Float64("behavioral_score", assessment.BehavioralScore).
		Float64("anomaly_score", assessment.AnomalyScore).
		Int64("processing_time_ms", assessment.ProcessingTimeMs).
		Msg("Transaction assessed")

	return assessment, nil
}

// BatchItem pairs one batch result with its error, in input order.
type BatchItem struct {
	Assessment *models.RiskAssessment
	Err        error
}

// AssessBatch assesses transactions concurrently, bounded by the
// configured concurrency limit. Output order matches input order and
// each item fails independently.
func (e *Engine) AssessBatch(ctx context.Context, txs []*models.TransactionRecord) []BatchItem {
	items := make([]BatchItem, len(txs))
	if len(txs) == 0 {
		return items
	}

	sem := semaphore.NewWeighted(e.cfg.MaxConcurrentAssessments)
	var wg errgroup.Group

	for i, tx := range txs {
		if err := sem.Acquire(ctx, 1); err != nil {
			items[i] = BatchItem{Err: err}
			continue
		}
		i, tx := i, tx
		wg.Go(func() error {
			defer sem.Release(1)
			assessment, err := e.Assess(ctx, tx)
			items[i] = BatchItem{Assessment: assessment, Err: err}
			return nil
		})
	}

	_ = wg.Wait()
	return items
}
