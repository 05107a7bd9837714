package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditFilters narrows audit trail queries. CompanyID is required; everything
// else is optional.
type AuditFilters struct {
	CompanyID          uuid.UUID
	ResourceTypes      []string
	ResourceID         string
	EventTypes         []string
	ActorID            *uuid.UUID
	Severity           string
	Status             string
	VerificationStatus string
	Currency           string
	AmountMin          *float64
	AmountMax          *float64
	DateFrom           *time.Time
	DateTo             *time.Time

	// Search matches entity_name and changes_summary, case-insensitive.
	Search string

	Limit  int
	Offset int
}

// AuditSummary aggregates the full filtered set, not just the returned page.
type AuditSummary struct {
	TotalTransactions    int64              `json:"total_transactions"`
	TotalAmount          float64            `json:"total_amount"`
	AmountByCurrency     map[string]float64 `json:"amount_by_currency"`
	BySeverity           map[string]int64   `json:"by_severity"`
	FailedOperations     int64              `json:"failed_operations"`
	HighRiskOperations   int64              `json:"high_risk_operations"`
	ComplianceViolations int64              `json:"compliance_violations"`
	TamperedRecords      int64              `json:"tampered_records"`
	PeriodStart          *time.Time         `json:"period_start,omitempty"`
	PeriodEnd            *time.Time         `json:"period_end,omitempty"`
}

// AuditTrailPage is one page of filtered results plus the filter-wide
// aggregates.
type AuditTrailPage struct {
	Records    []*AuditRecord `json:"records"`
	TotalCount int64          `json:"total_count"`
	Summary    *AuditSummary  `json:"summary"`
}
