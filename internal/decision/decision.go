package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/models"
)

// Factor list limits for the full and light explanation variants.
const (
	FullFactorLimit  = 10
	LightFactorLimit = 5
)

// Base actions per decision, in priority order.
var decisionActions = map[string][]string{
	models.DecisionDecline: {"decline_immediately", "watchlist_customer", "review_fraud_ring"},
	models.DecisionReview:  {"manual_review", "contact_customer", "request_additional_auth"},
	models.DecisionMonitor: {"allow_with_monitoring", "flag_next_transaction", "track_behavior"},
	models.DecisionApprove: {"process_transaction"},
}

// Extra actions keyed by factor name. At most three per factor are added.
var factorActions = map[string][]string{
	"behavioral_anomaly":       {"review_customer_history", "check_account_takeover"},
	"transaction_anomaly":      {"escalate_to_analyst"},
	"high_risk_payment_method": {"verify_payment_method"},
	"address_mismatch":         {"verify_shipping_address"},
	"night_time_high_amount":   {"verify_funds_source"},
}

// Generator turns a calibrated score into a decision, a risk band, and a
// human-readable explanation.
type Generator struct {
	cfg configs.EngineConfig
}

// NewGenerator creates a decision generator.
func NewGenerator(cfg configs.EngineConfig) *Generator {
	return &Generator{cfg: cfg}
}

// Decide maps a risk score to a decision. High-value transactions have
// every threshold tightened so the same score escalates earlier.
func (g *Generator) Decide(score float64, amount decimal.Decimal) string {
	approve := g.cfg.ApproveThreshold
	review := g.cfg.ReviewThreshold
	decline := g.cfg.DeclineThreshold

	if amount.GreaterThan(decimal.NewFromFloat(g.cfg.HighValueCutoff)) {
		approve *= g.cfg.TighteningFactor
		review *= g.cfg.TighteningFactor
		decline *= g.cfg.TighteningFactor
	}

	switch {
	case score < approve:
		return models.DecisionApprove
	case score < review:
		return models.DecisionMonitor
	case score < decline:
		return models.DecisionReview
	default:
		return models.DecisionDecline
	}
}

// RiskLevel maps a score to its risk band.
func (g *Generator) RiskLevel(score float64) string {
	bounds := g.cfg.RiskBandBounds
	switch {
	case score < bounds[0]:
		return models.RiskLevelVeryLow
	case score < bounds[1]:
		return models.RiskLevelLow
	case score < bounds[2]:
		return models.RiskLevelMedium
	case score < bounds[3]:
		return models.RiskLevelHigh
	default:
		return models.RiskLevelCritical
	}
}

// RiskFactors collects the contributing signals, strongest first, capped
// at limit entries. Ties keep a stable order.
func (g *Generator) RiskFactors(ens models.EnsembleResult, behavioral models.BehavioralResult, fv models.FeatureVector, limit int) []models.RiskFactor {
	factors := make([]models.RiskFactor, 0, 8)

	// Stable model iteration for deterministic output.
	names := make([]string, 0, len(ens.Predictions))
	for name := range ens.Predictions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pred := ens.Predictions[name]
		if pred.Failed || pred.Probability <= 0.7 {
			continue
		}
		weight, ok := g.cfg.EnsembleWeights[name]
		if !ok {
			weight = g.cfg.DefaultModelWeight
		}
		factors = append(factors, models.RiskFactor{
			Factor:      fmt.Sprintf("high_%s_score", name),
			Score:       pred.Probability * 100,
			Description: fmt.Sprintf("Model %s flagged this transaction as likely fraudulent", name),
			Weight:      weight,
		})
	}

	if behavioral.CompositeScore > 70 {
		desc := "Customer behavior deviates strongly from the established profile"
		if len(behavioral.Indicators) > 0 {
			desc = fmt.Sprintf("%s (%s)", desc, strings.Join(behavioral.Indicators, ", "))
		}
		factors = append(factors, models.RiskFactor{
			Factor:      "behavioral_anomaly",
			Score:       behavioral.CompositeScore,
			Description: desc,
			Weight:      0.3,
		})
	}

	if ens.AnomalyScore > 70 {
		factors = append(factors, models.RiskFactor{
			Factor:      "transaction_anomaly",
			Score:       ens.AnomalyScore,
			Description: "Transaction is a statistical outlier for this feature profile",
			Weight:      0.7,
		})
	}

	if risk := fv.Get("payment_risk_score"); risk >= 0.7 {
		factors = append(factors, models.RiskFactor{
			Factor:      "high_risk_payment_method",
			Score:       risk * 100,
			Description: "Payment method carries an elevated base fraud rate",
			Weight:      0.6,
		})
	}

	if fv.Get("address_country_mismatch") == 1 {
		factors = append(factors, models.RiskFactor{
			Factor:      "address_mismatch",
			Score:       65,
			Description: "Billing and shipping countries do not match",
			Weight:      0.5,
		})
	}

	if fv.Get("is_night") == 1 && fv.Get("amount_zscore") > 2 {
		factors = append(factors, models.RiskFactor{
			Factor:      "night_time_high_amount",
			Score:       75,
			Description: "Large transaction during unusual night-time hours",
			Weight:      0.5,
		})
	}

	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].Score > factors[j].Score
	})

	if limit > 0 && len(factors) > limit {
		factors = factors[:limit]
	}
	return factors
}

// RecommendedActions returns the action list for a decision plus up to
// three actions per contributing factor, deduplicated in insertion order.
func (g *Generator) RecommendedActions(decision string, factors []models.RiskFactor) []string {
	actions := make([]string, 0, 8)
	seen := make(map[string]bool, 8)

	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			actions = append(actions, a)
		}
	}

	for _, a := range decisionActions[decision] {
		add(a)
	}

	for _, f := range factors {
		extra := factorActions[f.Factor]
		if len(extra) > 3 {
			extra = extra[:3]
		}
		for _, a := range extra {
			add(a)
		}
	}

	return actions
}
