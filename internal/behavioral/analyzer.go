package behavioral

import (
	"context"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/fraudshield/fraud-engine/internal/models"
)

// Analyzer produces a behavioral risk score for a customer given the
// current transaction. Implementations may consult transaction history,
// device fingerprints, or external profiling services.
type Analyzer interface {
	Analyze(ctx context.Context, customerID string, tx *models.TransactionRecord, fv models.FeatureVector) (models.BehavioralResult, error)
}

// FailedResult is the neutral substitute used when behavioral analysis
// errors or times out. The assessment continues with this value.
func FailedResult() models.BehavioralResult {
	return models.BehavioralResult{
		CompositeScore: 50,
		VelocityScore:  50,
		PatternScore:   50,
		Indicators:     []string{"analysis_failed"},
	}
}

// StatisticalAnalyzer is the built-in analyzer. It derives velocity and
// pattern signals from the transaction itself via statistical heuristics;
// no history store is required.
type StatisticalAnalyzer struct{}

// NewStatisticalAnalyzer creates the default statistical analyzer.
func NewStatisticalAnalyzer() *StatisticalAnalyzer {
	return &StatisticalAnalyzer{}
}

// Analyze computes a composite behavioral score in [0,100]. A missing
// customer ID means no profile exists; the neutral score 50 is returned
// with the new-customer flag set.
func (a *StatisticalAnalyzer) Analyze(ctx context.Context, customerID string, tx *models.TransactionRecord, fv models.FeatureVector) (models.BehavioralResult, error) {
	if err := ctx.Err(); err != nil {
		return models.BehavioralResult{}, err
	}

	if customerID == "" {
		return models.BehavioralResult{
			CompositeScore: 50,
			VelocityScore:  50,
			PatternScore:   50,
			Indicators:     []string{"new_customer"},
			IsNewCustomer:  true,
		}, nil
	}

	indicators := make([]string, 0, 4)

	// Velocity proxy: sharp amount deviation from the customer baseline.
	zscore := fv.Get("amount_zscore")
	velocityScore := sigmoid(math.Abs(zscore)-2) * 100
	if math.Abs(zscore) > 2.5 {
		indicators = append(indicators, "amount_spike")
	}

	// Pattern signals from timing and payment instrument.
	var patternScore float64
	if fv.Get("is_night") == 1 {
		patternScore += 30
		indicators = append(indicators, "unusual_hour")
	}
	if fv.Get("is_weekend") == 1 {
		patternScore += 10
	}
	if fv.Get("address_country_mismatch") == 1 {
		patternScore += 35
		indicators = append(indicators, "address_mismatch")
	}
	if risk := fv.Get("payment_risk_score"); risk >= 0.7 {
		patternScore += risk * 30
		indicators = append(indicators, "high_risk_payment_method")
	}
	patternScore = math.Min(patternScore, 100)

	composite := clamp(0.55*velocityScore+0.45*patternScore, 0, 100)

	log.Debug().
		Str("customer_id", customerID).
		Float64("velocity_score", velocityScore).
		Float64("pattern_score", patternScore).
		Float64("composite_score", composite).
		Msg("Behavioral analysis complete")

	return models.BehavioralResult{
		CompositeScore: math.Round(composite*100) / 100,
		VelocityScore:  math.Round(velocityScore*100) / 100,
		PatternScore:   math.Round(patternScore*100) / 100,
		Indicators:     indicators,
	}, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
