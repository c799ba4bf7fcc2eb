package calibrator

import (
	"context"
	"math"

	"github.com/fraudshield/fraud-engine/internal/models"
)

// Result is the calibrated risk score with its confidence and any flags
// describing how it was produced.
type Result struct {
	Score      float64
	Confidence float64
	Flags      []string
}

// Calibrator maps the raw ensemble probability plus auxiliary signals
// onto the 0-100 risk score axis. Implementations may apply Platt
// scaling, isotonic regression, or a remote calibration service.
type Calibrator interface {
	Calibrate(ctx context.Context, ensembleProb, behavioralScore, anomalyScore float64, tx *models.TransactionRecord) (Result, error)
}

// Fallback is the deterministic blend used when calibration fails or
// produces a non-finite score. It must never fail.
func Fallback(ensembleProb, behavioralScore, anomalyScore float64) Result {
	score := blend(ensembleProb, behavioralScore, anomalyScore)
	return Result{
		Score:      score,
		Confidence: 0.7,
		Flags:      []string{"fallback_calculation"},
	}
}

func blend(ensembleProb, behavioralScore, anomalyScore float64) float64 {
	score := ensembleProb*40 + behavioralScore*0.4 + anomalyScore*0.2
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 50
	}
	return math.Min(math.Max(score, 0), 100)
}

// Blend is the default in-process calibrator. It applies the same linear
// blend as the fallback but reports full confidence since no degradation
// occurred.
type Blend struct{}

// NewBlend creates the default calibrator.
func NewBlend() *Blend {
	return &Blend{}
}

// Calibrate blends the three signals onto the risk score axis.
func (b *Blend) Calibrate(ctx context.Context, ensembleProb, behavioralScore, anomalyScore float64, _ *models.TransactionRecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Score:      blend(ensembleProb, behavioralScore, anomalyScore),
		Confidence: 0.85,
	}, nil
}
