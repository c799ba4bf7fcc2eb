package analytics

import (
	"sync"
	"time"

	"github.com/fraudshield/fraud-engine/internal/models"
)

// AssessmentMetrics aggregates live statistics over the assessment event
// stream: decision and risk band distributions, score and latency
// averages, and throughput.
type AssessmentMetrics struct {
	mu                sync.RWMutex
	TotalAssessments  int64
	DecisionCounts    map[string]int64
	RiskLevelCounts   map[string]int64
	scoreSum          float64
	latencySumMs      int64
	EventsPerSecond   float64
	LastEventTime     time.Time
	windowStart       time.Time
	windowCount       int64
	HighRiskCustomers map[string]int64
}

// NewAssessmentMetrics creates an empty aggregate.
func NewAssessmentMetrics() *AssessmentMetrics {
	return &AssessmentMetrics{
		DecisionCounts:    make(map[string]int64),
		RiskLevelCounts:   make(map[string]int64),
		HighRiskCustomers: make(map[string]int64),
		windowStart:       time.Now(),
	}
}

// RecordEvent folds one assessment event into the aggregate.
func (m *AssessmentMetrics) RecordEvent(event *models.AssessmentEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalAssessments++
	m.DecisionCounts[event.Decision]++
	m.RiskLevelCounts[event.RiskLevel]++
	m.scoreSum += event.RiskScore
	m.latencySumMs += event.ProcessingTimeMs
	m.LastEventTime = time.Now()
	m.windowCount++

	elapsed := time.Since(m.windowStart).Seconds()
	if elapsed > 0 {
		m.EventsPerSecond = float64(m.windowCount) / elapsed
	}
	// Reset the throughput window every minute.
	if elapsed > 60 {
		m.windowStart = time.Now()
		m.windowCount = 0
	}

	if event.CustomerID != "" &&
		(event.RiskLevel == models.RiskLevelHigh || event.RiskLevel == models.RiskLevelCritical) {
		m.HighRiskCustomers[event.CustomerID]++
	}
}

// Snapshot returns a point-in-time copy suitable for logging or caching.
func (m *AssessmentMetrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	avgScore := 0.0
	avgLatencyMs := 0.0
	if m.TotalAssessments > 0 {
		avgScore = m.scoreSum / float64(m.TotalAssessments)
		avgLatencyMs = float64(m.latencySumMs) / float64(m.TotalAssessments)
	}

	decisions := make(map[string]int64, len(m.DecisionCounts))
	for k, v := range m.DecisionCounts {
		decisions[k] = v
	}
	riskLevels := make(map[string]int64, len(m.RiskLevelCounts))
	for k, v := range m.RiskLevelCounts {
		riskLevels[k] = v
	}

	return map[string]interface{}{
		"total_assessments":   m.TotalAssessments,
		"decision_counts":     decisions,
		"risk_level_counts":   riskLevels,
		"avg_risk_score":      avgScore,
		"avg_latency_ms":      avgLatencyMs,
		"events_per_second":   m.EventsPerSecond,
		"last_event_time":     m.LastEventTime,
		"high_risk_customers": len(m.HighRiskCustomers),
	}
}

// DeclineRate is the fraction of assessments that were declined.
func (m *AssessmentMetrics) DeclineRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.TotalAssessments == 0 {
		return 0
	}
	return float64(m.DecisionCounts[models.DecisionDecline]) / float64(m.TotalAssessments)
}
