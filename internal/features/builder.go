package features

import (
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/models"
)

// Canonical feature order. The ensemble models were trained against this
// exact ordering; never reorder or remove entries, only append.
var canonicalOrder = []string{
	"amount",
	"hour_of_day",
	"day_of_week",
	"payment_risk_score",
	"address_country_mismatch",
	"is_weekend",
	"is_night",
	"amount_log",
	"amount_zscore",
}

// Per-method base risk priors. Unknown methods fall back to 0.5.
var paymentMethodRisk = map[string]float64{
	"credit_card":    0.3,
	"debit_card":     0.2,
	"paypal":         0.4,
	"bank_transfer":  0.1,
	"cryptocurrency": 0.8,
	"gift_card":      0.9,
	"prepaid_card":   0.7,
}

const defaultPaymentRisk = 0.5

// Builder derives the model feature vector from a raw transaction.
type Builder struct {
	baselineMean float64
	baselineStd  float64
}

// NewBuilder creates a feature builder using the configured amount baseline.
func NewBuilder(cfg configs.EngineConfig) *Builder {
	std := cfg.AmountBaselineStd
	if std <= 0 {
		std = 1
	}
	return &Builder{
		baselineMean: cfg.AmountBaselineMean,
		baselineStd:  std,
	}
}

// FeatureNames returns the canonical feature ordering.
func FeatureNames() []string {
	out := make([]string, len(canonicalOrder))
	copy(out, canonicalOrder)
	return out
}

// Build extracts the feature vector for a transaction. Extraction never
// fails the assessment: any feature that cannot be derived keeps the
// neutral default 0.0 and the problem is logged.
func (b *Builder) Build(tx *models.TransactionRecord) models.FeatureVector {
	values := make(map[string]float64, len(canonicalOrder))
	for _, name := range canonicalOrder {
		values[name] = 0.0
	}

	amount, _ := tx.Amount.Float64()
	b.setFeature(values, tx.ID, "amount", amount)

	ts := tx.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	values["hour_of_day"] = float64(ts.Hour())
	values["day_of_week"] = float64(ts.Weekday())

	values["payment_risk_score"] = PaymentMethodRisk(tx.PaymentMethod)

	if b.countryMismatch(tx) {
		values["address_country_mismatch"] = 1.0
	}

	day := ts.Weekday()
	if day == time.Saturday || day == time.Sunday {
		values["is_weekend"] = 1.0
	}

	hour := ts.Hour()
	if hour < 6 || hour >= 23 {
		values["is_night"] = 1.0
	}

	b.setFeature(values, tx.ID, "amount_log", math.Log1p(amount))
	b.setFeature(values, tx.ID, "amount_zscore", (amount-b.baselineMean)/b.baselineStd)

	return models.FeatureVector{
		Names:  FeatureNames(),
		Values: values,
	}
}

// setFeature assigns a derived value, guarding against NaN and Inf so a
// single bad derivation never poisons the vector.
func (b *Builder) setFeature(values map[string]float64, txID, name string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		log.Warn().
			Str("transaction_id", txID).
			Str("feature", name).
			Msg("Non-finite feature value, using default")
		return
	}
	values[name] = v
}

// countryMismatch reports whether billing and shipping countries are both
// present and differ. A missing country is not a mismatch.
func (b *Builder) countryMismatch(tx *models.TransactionRecord) bool {
	billing := strings.TrimSpace(tx.BillingAddress.Country)
	shipping := strings.TrimSpace(tx.ShippingAddress.Country)
	if billing == "" || shipping == "" {
		return false
	}
	return !strings.EqualFold(billing, shipping)
}

// PaymentMethodRisk returns the base risk prior for a payment method.
// Lookup is case-insensitive; unknown methods get the default prior.
func PaymentMethodRisk(method string) float64 {
	if risk, ok := paymentMethodRisk[strings.ToLower(strings.TrimSpace(method))]; ok {
		return risk
	}
	return defaultPaymentRisk
}
