package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Decision enum values
const (
	DecisionApprove = "approve"
	DecisionMonitor = "monitor"
	DecisionReview  = "review"
	DecisionDecline = "decline"
)

// RiskLevel enum values
const (
	RiskLevelVeryLow  = "very_low"
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// Address is a billing or shipping address attached to a transaction.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// TransactionRecord is the immutable input to an assessment. The engine
// never mutates it.
type TransactionRecord struct {
	ID              string          `json:"transaction_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Timestamp       time.Time       `json:"timestamp"`
	CustomerID      string          `json:"customer_id,omitempty"`
	BillingAddress  Address         `json:"billing_address,omitempty"`
	ShippingAddress Address         `json:"shipping_address,omitempty"`
	PaymentMethod   string          `json:"payment_method"`
	DeviceID        string          `json:"device_id,omitempty"`
	IPAddress       string          `json:"ip_address,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
}

// FeatureVector is an ordered mapping from feature name to numeric value.
// Order must exactly match the order the ensemble models were trained with;
// a missing feature reads as the neutral default 0.0, never null.
type FeatureVector struct {
	Names  []string           `json:"names"`
	Values map[string]float64 `json:"values"`
}

// Get returns the named feature, or 0.0 when absent.
func (fv FeatureVector) Get(name string) float64 {
	return fv.Values[name]
}

// Array returns the values in canonical order, defaulting missing entries
// to 0.0. This is the contract the model scalers depend on.
func (fv FeatureVector) Array() []float64 {
	out := make([]float64, len(fv.Names))
	for i, name := range fv.Names {
		out[i] = fv.Values[name]
	}
	return out
}

// ModelPrediction is the per-model output consumed within one assessment.
type ModelPrediction struct {
	Probability float64 `json:"probability"`
	Confidence  float64 `json:"confidence"`
	RawScore    float64 `json:"raw_score,omitempty"`
	Failed      bool    `json:"failed,omitempty"`
}

// EnsembleResult aggregates the per-model predictions.
type EnsembleResult struct {
	Probability       float64                    `json:"probability"`
	Confidence        float64                    `json:"confidence"`
	AnomalyScore      float64                    `json:"anomaly_score"`
	Predictions       map[string]ModelPrediction `json:"predictions"`
	FeatureImportance map[string]float64         `json:"feature_importance,omitempty"`
	ModelVersion      string                     `json:"model_version"`
}

// BehavioralResult is the composite behavioral analysis for a customer.
type BehavioralResult struct {
	CompositeScore float64  `json:"composite_score"`
	VelocityScore  float64  `json:"velocity_score"`
	PatternScore   float64  `json:"pattern_score"`
	Indicators     []string `json:"indicators"`
	IsNewCustomer  bool     `json:"is_new_customer"`
}

// RiskFactor is a single human-readable signal contributing to the decision.
type RiskFactor struct {
	Factor      string  `json:"factor"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// RiskAssessment is the final artifact of one assessment. Immutable after
// creation; may be cached and returned verbatim on a cache hit.
type RiskAssessment struct {
	AssessmentID       string       `json:"assessment_id"`
	TransactionID      string       `json:"transaction_id"`
	RiskScore          float64      `json:"risk_score"`
	FraudProbability   float64      `json:"fraud_probability"`
	Decision           string       `json:"decision"`
	RiskLevel          string       `json:"risk_level"`
	BehavioralScore    float64      `json:"behavioral_score"`
	AnomalyScore       float64      `json:"anomaly_score"`
	Confidence         float64      `json:"confidence"`
	RiskFactors        []RiskFactor `json:"risk_factors"`
	RecommendedActions []string     `json:"recommended_actions"`
	CalibrationFlags   []string     `json:"calibration_flags,omitempty"`
	ModelVersion       string       `json:"model_version"`
	CacheHit           bool         `json:"cache_hit,omitempty"`
	ProcessingTimeMs   int64        `json:"processing_time_ms"`
	Timestamp          time.Time    `json:"timestamp"`
}

// TransactionEvent is the flattened wire form published to the
// transaction stream by upstream ingestion.
type TransactionEvent struct {
	TransactionID   string    `json:"transaction_id"`
	CustomerID      string    `json:"customer_id"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	PaymentMethod   string    `json:"payment_method"`
	BillingCountry  string    `json:"billing_country"`
	ShippingCountry string    `json:"shipping_country"`
	DeviceID        string    `json:"device_id"`
	IPAddress       string    `json:"ip_address"`
	Timestamp       time.Time `json:"timestamp"`
	RetryCount      int       `json:"retry_count"`
}

// ToRecord converts a stream event into an assessment input.
func (e *TransactionEvent) ToRecord() (*TransactionRecord, error) {
	amount, err := decimal.NewFromString(e.Amount)
	if err != nil {
		return nil, err
	}
	return &TransactionRecord{
		ID:              e.TransactionID,
		Amount:          amount,
		Currency:        e.Currency,
		Timestamp:       e.Timestamp,
		CustomerID:      e.CustomerID,
		BillingAddress:  Address{Country: e.BillingCountry},
		ShippingAddress: Address{Country: e.ShippingCountry},
		PaymentMethod:   e.PaymentMethod,
		DeviceID:        e.DeviceID,
		IPAddress:       e.IPAddress,
	}, nil
}

// AssessmentEvent is the summary published to Kafka for downstream
// alerting and analytics collaborators. TopFactors carries the light
// top-5 variant of the factor list.
type AssessmentEvent struct {
	AssessmentID     string       `json:"assessment_id"`
	TransactionID    string       `json:"transaction_id"`
	CustomerID       string       `json:"customer_id,omitempty"`
	RiskScore        float64      `json:"risk_score"`
	Decision         string       `json:"decision"`
	RiskLevel        string       `json:"risk_level"`
	FraudProbability float64      `json:"fraud_probability"`
	Confidence       float64      `json:"confidence"`
	TopFactors       []RiskFactor `json:"top_factors,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Timestamp        time.Time    `json:"timestamp"`
}
