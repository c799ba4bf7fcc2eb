package ensemble

import (
	"context"
	"fmt"
	"math"
)

// Prediction is the raw output of one model invocation. For anomaly
// detectors Probability carries the raw decision score, not a calibrated
// fraud probability.
type Prediction struct {
	Probability float64
	Confidence  float64
}

// ModelProvider serves predictions for named models. Implementations may
// run in-process, call a sidecar, or proxy a remote inference service.
type ModelProvider interface {
	Predict(ctx context.Context, modelName string, features []float64) (Prediction, error)
}

// FeatureImportanceProvider is an optional extension for providers that
// can attribute predictions to individual features.
type FeatureImportanceProvider interface {
	FeatureImportance(modelName string, featureNames []string) map[string]float64
}

// LogisticProvider is the built-in in-process provider. Each model is a
// logistic regression over the canonical feature vector; the anomaly
// detector emits a raw decision score centered on 0.5 where lower means
// more anomalous.
type LogisticProvider struct {
	coefficients map[string]logisticModel
}

// logisticModel holds a bias plus one weight per canonical feature.
type logisticModel struct {
	bias    float64
	weights []float64
}

// Default per-model coefficients, trained offline against the canonical
// feature order.
func defaultCoefficients() map[string]logisticModel {
	return map[string]logisticModel{
		"random_forest": {
			bias:    -2.2,
			weights: []float64{0.0002, 0, 0, 2.2, 1.1, 0.2, 0.8, 0.15, 0.35},
		},
		"xgboost": {
			bias:    -2.5,
			weights: []float64{0.00025, 0, 0, 2.6, 1.3, 0.1, 0.9, 0.2, 0.4},
		},
		"neural_network": {
			bias:    -2.0,
			weights: []float64{0.00015, 0, 0, 1.8, 1.0, 0.3, 0.6, 0.1, 0.3},
		},
		"isolation_forest": {
			bias:    -2.8,
			weights: []float64{0.0002, 0, 0, 1.5, 0.9, 0, 0.7, 0.1, 0.6},
		},
	}
}

// NewLogisticProvider creates the default provider with built-in
// coefficients.
func NewLogisticProvider() *LogisticProvider {
	return &LogisticProvider{coefficients: defaultCoefficients()}
}

// Predict scores a feature vector with the named model.
func (p *LogisticProvider) Predict(ctx context.Context, modelName string, features []float64) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	model, ok := p.coefficients[modelName]
	if !ok {
		return Prediction{}, fmt.Errorf("unknown model %q", modelName)
	}

	logit := model.bias
	for i, w := range model.weights {
		if i >= len(features) {
			break
		}
		logit += w * features[i]
	}
	prob := sigmoid(logit)

	if modelName == "isolation_forest" {
		// Emit an isolation-forest style decision score. The remap in the
		// ensemble recovers prob from it.
		return Prediction{
			Probability: 0.5 - 2*prob,
			Confidence:  0.8,
		}, nil
	}

	// Confidence grows with distance from the decision boundary.
	confidence := clamp(0.5+math.Abs(prob-0.5), 0.5, 0.95)
	return Prediction{Probability: prob, Confidence: confidence}, nil
}

// FeatureImportance reports attribution for tree-based models. Only the
// random forest exposes importances in this provider.
func (p *LogisticProvider) FeatureImportance(modelName string, featureNames []string) map[string]float64 {
	if modelName != "random_forest" {
		return nil
	}
	model, ok := p.coefficients[modelName]
	if !ok {
		return nil
	}

	var total float64
	for i := range featureNames {
		if i < len(model.weights) {
			total += math.Abs(model.weights[i])
		}
	}
	if total == 0 {
		return nil
	}

	importance := make(map[string]float64, len(featureNames))
	for i, name := range featureNames {
		if i < len(model.weights) {
			importance[name] = math.Abs(model.weights[i]) / total
		}
	}
	return importance
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
