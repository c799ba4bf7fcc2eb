package ensemble

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/models"
)

// ModelKind distinguishes fraud classifiers from anomaly detectors.
type ModelKind string

const (
	KindClassifier ModelKind = "classifier"
	KindAnomaly    ModelKind = "anomaly"
)

// Scaler standardizes a feature vector with per-feature mean and std.
// A nil scaler is the identity; a non-positive std falls back to 1.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// Transform returns the standardized copy of features.
func (s *Scaler) Transform(features []float64) []float64 {
	if s == nil {
		return features
	}
	out := make([]float64, len(features))
	for i, v := range features {
		mean, std := 0.0, 1.0
		if i < len(s.Mean) {
			mean = s.Mean[i]
		}
		if i < len(s.Std) && s.Std[i] > 0 {
			std = s.Std[i]
		}
		out[i] = (v - mean) / std
	}
	return out
}

// ModelSpec describes one member of the ensemble.
type ModelSpec struct {
	Name   string
	Kind   ModelKind
	Weight float64
	Scaler *Scaler
}

// Ensemble fans a feature vector out to every configured model, collects
// per-model predictions, and aggregates them into a single fraud
// probability with a confidence estimate.
type Ensemble struct {
	specs            []ModelSpec
	provider         ModelProvider
	defaultWeight    float64
	inferenceTimeout time.Duration
	modelVersion     string
}

// New creates an ensemble over the given model specs.
func New(cfg configs.EngineConfig, provider ModelProvider, specs []ModelSpec) *Ensemble {
	return &Ensemble{
		specs:            specs,
		provider:         provider,
		defaultWeight:    cfg.DefaultModelWeight,
		inferenceTimeout: cfg.InferenceTimeout,
		modelVersion:     cfg.ModelVersion,
	}
}

// SpecsFromWeights derives model specs from the configured weight map.
// The isolation forest is the only anomaly-kind model by convention.
func SpecsFromWeights(weights map[string]float64) []ModelSpec {
	// Stable order for deterministic aggregation and logging.
	order := []string{"random_forest", "xgboost", "neural_network", "isolation_forest"}
	specs := make([]ModelSpec, 0, len(weights))
	seen := make(map[string]bool, len(weights))
	for _, name := range order {
		if w, ok := weights[name]; ok {
			specs = append(specs, ModelSpec{Name: name, Kind: kindFor(name), Weight: w})
			seen[name] = true
		}
	}
	for name, w := range weights {
		if !seen[name] {
			specs = append(specs, ModelSpec{Name: name, Kind: kindFor(name), Weight: w})
		}
	}
	return specs
}

func kindFor(name string) ModelKind {
	if name == "isolation_forest" {
		return KindAnomaly
	}
	return KindClassifier
}

// fallbackResult is returned when no model produced a usable prediction.
func (e *Ensemble) fallbackResult(predictions map[string]models.ModelPrediction) models.EnsembleResult {
	return models.EnsembleResult{
		Probability:  0.5,
		Confidence:   0.3,
		AnomalyScore: 25,
		Predictions:  predictions,
		ModelVersion: "fallback",
	}
}

// Predict runs every model concurrently and aggregates the results.
// Individual model failures degrade the prediction but never fail it;
// only a fully empty or fully failed ensemble yields the fallback result.
func (e *Ensemble) Predict(ctx context.Context, fv models.FeatureVector) models.EnsembleResult {
	if len(e.specs) == 0 {
		return e.fallbackResult(map[string]models.ModelPrediction{})
	}

	raw := fv.Array()
	results := make([]models.ModelPrediction, len(e.specs))

	var wg sync.WaitGroup
	for i, spec := range e.specs {
		wg.Add(1)
		go func(i int, spec ModelSpec) {
			defer wg.Done()
			results[i] = e.predictOne(ctx, spec, raw)
		}(i, spec)
	}
	wg.Wait()

	predictions := make(map[string]models.ModelPrediction, len(e.specs))
	anomalyScore := 25.0
	allFailed := true

	var weightedProb, weightedConf, totalWeight float64
	probs := make([]float64, 0, len(e.specs))

	for i, spec := range e.specs {
		pred := results[i]
		predictions[spec.Name] = pred
		if !pred.Failed {
			allFailed = false
			if spec.Kind == KindAnomaly {
				anomalyScore = clamp((0.5-pred.RawScore)*100, 0, 100)
			}
		}

		weight := spec.Weight
		if weight <= 0 {
			weight = e.defaultWeight
		}
		weightedProb += weight * pred.Probability
		weightedConf += weight * pred.Confidence
		totalWeight += weight
		probs = append(probs, pred.Probability)
	}

	if allFailed {
		log.Warn().Int("model_count", len(e.specs)).Msg("All ensemble models failed, using fallback prediction")
		return e.fallbackResult(predictions)
	}

	var prob, conf float64
	if totalWeight > 0 {
		prob = weightedProb / totalWeight
		conf = weightedConf / totalWeight
	} else {
		prob = mean(probs)
		conf = meanConfidence(predictions)
	}

	// Penalize disagreement across models.
	agreement := math.Max(0.1, 1-stddev(probs))
	conf = clamp(conf*agreement, 0.1, 1)

	return models.EnsembleResult{
		Probability:       clamp(prob, 0, 1),
		Confidence:        conf,
		AnomalyScore:      anomalyScore,
		Predictions:       predictions,
		FeatureImportance: e.featureImportance(fv.Names),
		ModelVersion:      e.modelVersion,
	}
}

// predictOne invokes a single model under the inference timeout, applying
// the spec's scaler and the anomaly remap.
func (e *Ensemble) predictOne(ctx context.Context, spec ModelSpec, features []float64) models.ModelPrediction {
	tctx, cancel := context.WithTimeout(ctx, e.inferenceTimeout)
	defer cancel()

	scaled := spec.Scaler.Transform(features)
	pred, err := e.provider.Predict(tctx, spec.Name, scaled)
	if err != nil {
		log.Warn().Err(err).Str("model", spec.Name).Msg("Model prediction failed")
		return models.ModelPrediction{Probability: 0.5, Confidence: 0.1, Failed: true}
	}

	if spec.Kind == KindAnomaly {
		// The detector emits a raw decision score where lower means more
		// anomalous. Remap it onto the probability axis.
		return models.ModelPrediction{
			Probability: clamp((0.5-pred.Probability)/2, 0, 1),
			Confidence:  pred.Confidence,
			RawScore:    pred.Probability,
		}
	}

	if math.IsNaN(pred.Probability) || math.IsInf(pred.Probability, 0) {
		log.Warn().Str("model", spec.Name).Msg("Model returned non-finite probability")
		return models.ModelPrediction{Probability: 0.5, Confidence: 0.1, Failed: true}
	}

	return models.ModelPrediction{
		Probability: clamp(pred.Probability, 0, 1),
		Confidence:  clamp(pred.Confidence, 0, 1),
	}
}

func (e *Ensemble) featureImportance(names []string) map[string]float64 {
	fip, ok := e.provider.(FeatureImportanceProvider)
	if !ok {
		return nil
	}
	for _, spec := range e.specs {
		if imp := fip.FeatureImportance(spec.Name, names); len(imp) > 0 {
			return imp
		}
	}
	return nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func meanConfidence(preds map[string]models.ModelPrediction) float64 {
	if len(preds) == 0 {
		return 0
	}
	var sum float64
	for _, p := range preds {
		sum += p.Confidence
	}
	return sum / float64(len(preds))
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	m := mean(vals)
	var ss float64
	for _, v := range vals {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(vals)))
}
