package features

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraudshield/fraud-engine/configs"
	"github.com/fraudshield/fraud-engine/internal/models"
)

func testEngineConfig() configs.EngineConfig {
	return configs.Load().Engine
}

func baseTransaction() *models.TransactionRecord {
	return &models.TransactionRecord{
		ID:            "tx-001",
		Amount:        decimal.NewFromInt(250),
		Currency:      "USD",
		Timestamp:     time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC), // Wednesday
		CustomerID:    "cust-123",
		PaymentMethod: "credit_card",
		BillingAddress: models.Address{
			Country: "US",
		},
		ShippingAddress: models.Address{
			Country: "US",
		},
	}
}

func TestBuildCanonicalOrder(t *testing.T) {
	b := NewBuilder(testEngineConfig())
	fv := b.Build(baseTransaction())

	require.Equal(t, []string{
		"amount",
		"hour_of_day",
		"day_of_week",
		"payment_risk_score",
		"address_country_mismatch",
		"is_weekend",
		"is_night",
		"amount_log",
		"amount_zscore",
	}, fv.Names)

	arr := fv.Array()
	require.Len(t, arr, len(fv.Names))
	for i, name := range fv.Names {
		assert.Equal(t, fv.Get(name), arr[i])
	}
}

func TestBuildDerivedValues(t *testing.T) {
	b := NewBuilder(testEngineConfig())
	fv := b.Build(baseTransaction())

	assert.Equal(t, 250.0, fv.Get("amount"))
	assert.Equal(t, 14.0, fv.Get("hour_of_day"))
	assert.Equal(t, float64(time.Wednesday), fv.Get("day_of_week"))
	assert.Equal(t, 0.3, fv.Get("payment_risk_score"))
	assert.Equal(t, 0.0, fv.Get("address_country_mismatch"))
	assert.Equal(t, 0.0, fv.Get("is_weekend"))
	assert.Equal(t, 0.0, fv.Get("is_night"))
	assert.InDelta(t, math.Log1p(250), fv.Get("amount_log"), 1e-9)
	assert.InDelta(t, (250.0-100.0)/50.0, fv.Get("amount_zscore"), 1e-9)
}

func TestBuildNightAndWeekendFlags(t *testing.T) {
	b := NewBuilder(testEngineConfig())

	tx := baseTransaction()
	tx.Timestamp = time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC) // Saturday 02:00
	fv := b.Build(tx)
	assert.Equal(t, 1.0, fv.Get("is_weekend"))
	assert.Equal(t, 1.0, fv.Get("is_night"))

	tx.Timestamp = time.Date(2026, 3, 14, 23, 15, 0, 0, time.UTC) // Saturday 23:15
	fv = b.Build(tx)
	assert.Equal(t, 1.0, fv.Get("is_night"))

	tx.Timestamp = time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC) // 06:00 boundary
	fv = b.Build(tx)
	assert.Equal(t, 0.0, fv.Get("is_night"))
}

func TestBuildCountryMismatch(t *testing.T) {
	b := NewBuilder(testEngineConfig())

	tx := baseTransaction()
	tx.ShippingAddress.Country = "NG"
	fv := b.Build(tx)
	assert.Equal(t, 1.0, fv.Get("address_country_mismatch"))

	// Missing country is not a mismatch.
	tx.ShippingAddress.Country = ""
	fv = b.Build(tx)
	assert.Equal(t, 0.0, fv.Get("address_country_mismatch"))

	// Case-insensitive comparison.
	tx.ShippingAddress.Country = "us"
	fv = b.Build(tx)
	assert.Equal(t, 0.0, fv.Get("address_country_mismatch"))
}

func TestPaymentMethodRisk(t *testing.T) {
	assert.Equal(t, 0.8, PaymentMethodRisk("cryptocurrency"))
	assert.Equal(t, 0.9, PaymentMethodRisk("gift_card"))
	assert.Equal(t, 0.1, PaymentMethodRisk("bank_transfer"))
	assert.Equal(t, 0.3, PaymentMethodRisk("Credit_Card"))
	assert.Equal(t, 0.5, PaymentMethodRisk("carrier_pigeon"))
	assert.Equal(t, 0.5, PaymentMethodRisk(""))
}

func TestBuildMissingTimestampDoesNotFail(t *testing.T) {
	b := NewBuilder(testEngineConfig())
	tx := baseTransaction()
	tx.Timestamp = time.Time{}

	fv := b.Build(tx)
	assert.GreaterOrEqual(t, fv.Get("hour_of_day"), 0.0)
	assert.LessOrEqual(t, fv.Get("hour_of_day"), 23.0)
}

func TestBuildZeroStdBaseline(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AmountBaselineStd = 0
	b := NewBuilder(cfg)

	fv := b.Build(baseTransaction())
	assert.False(t, math.IsNaN(fv.Get("amount_zscore")))
	assert.False(t, math.IsInf(fv.Get("amount_zscore"), 0))
}
