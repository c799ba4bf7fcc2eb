package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fraudshield/fraud-engine/internal/models"
)

var ErrAssessmentNotFound = errors.New("assessment not found")

// AssessmentRepository persists completed risk assessments.
type AssessmentRepository struct {
	db *Database
}

// NewAssessmentRepository creates an assessment repository.
func NewAssessmentRepository(db *Database) *AssessmentRepository {
	return &AssessmentRepository{db: db}
}

// Create stores one assessment. Factors and actions are stored as JSONB.
func (r *AssessmentRepository) Create(ctx context.Context, a *models.RiskAssessment) error {
	query := `
		INSERT INTO risk_assessments (
			id, transaction_id, risk_score, fraud_probability, decision,
			risk_level, behavioral_score, anomaly_score, confidence,
			risk_factors, recommended_actions, calibration_flags,
			model_version, processing_time_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	factorsJSON, err := json.Marshal(a.RiskFactors)
	if err != nil {
		return err
	}
	actionsJSON, err := json.Marshal(a.RecommendedActions)
	if err != nil {
		return err
	}
	flagsJSON, err := json.Marshal(a.CalibrationFlags)
	if err != nil {
		return err
	}

	createdAt := a.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.Pool.Exec(ctx, query,
		a.AssessmentID,
		a.TransactionID,
		a.RiskScore,
		a.FraudProbability,
		a.Decision,
		a.RiskLevel,
		a.BehavioralScore,
		a.AnomalyScore,
		a.Confidence,
		factorsJSON,
		actionsJSON,
		flagsJSON,
		a.ModelVersion,
		a.ProcessingTimeMs,
		createdAt,
	)
	return err
}

// GetByTransactionID returns the most recent assessment for a
// transaction.
func (r *AssessmentRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.RiskAssessment, error) {
	query := `
		SELECT id, transaction_id, risk_score, fraud_probability, decision,
			   risk_level, behavioral_score, anomaly_score, confidence,
			   risk_factors, recommended_actions, calibration_flags,
			   model_version, processing_time_ms, created_at
		FROM risk_assessments
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	a := &models.RiskAssessment{}
	var factorsJSON, actionsJSON, flagsJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, transactionID).Scan(
		&a.AssessmentID,
		&a.TransactionID,
		&a.RiskScore,
		&a.FraudProbability,
		&a.Decision,
		&a.RiskLevel,
		&a.BehavioralScore,
		&a.AnomalyScore,
		&a.Confidence,
		&factorsJSON,
		&actionsJSON,
		&flagsJSON,
		&a.ModelVersion,
		&a.ProcessingTimeMs,
		&a.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssessmentNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(factorsJSON, &a.RiskFactors); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actionsJSON, &a.RecommendedActions); err != nil {
		return nil, err
	}
	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &a.CalibrationFlags); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// CountByDecision returns per-decision counts over a time window.
func (r *AssessmentRepository) CountByDecision(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := `
		SELECT decision, COUNT(*)
		FROM risk_assessments
		WHERE created_at >= $1
		GROUP BY decision
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var decision string
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		counts[decision] = count
	}
	return counts, rows.Err()
}
