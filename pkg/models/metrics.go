package models

import "time"

// AuditMetrics carries the period aggregates plus rates derived from them.
type AuditMetrics struct {
	AuditSummary

	PeriodDays int       `json:"period_days"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`

	AverageTransactionValue float64 `json:"average_transaction_value"`
	SuccessRate             float64 `json:"success_rate"`
	RiskScore               float64 `json:"risk_score"`
	ComplianceScore         float64 `json:"compliance_score"`
}

// DeriveRates fills the computed fields from the embedded summary. Rates
// default to the optimistic value when the period is empty.
func (m *AuditMetrics) DeriveRates() {
	total := float64(m.TotalTransactions)
	if total == 0 {
		m.SuccessRate = 100
		m.ComplianceScore = 100
		return
	}

	m.AverageTransactionValue = m.TotalAmount / total
	m.SuccessRate = (total - float64(m.FailedOperations)) / total * 100
	m.RiskScore = float64(m.HighRiskOperations) / total * 100

	score := 100 - float64(m.ComplianceViolations)/total*100
	if score < 0 {
		score = 0
	}
	m.ComplianceScore = score
}
