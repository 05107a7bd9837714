package models

import (
	"strings"
	"time"
)

// Condition operators for declarative compliance rules.
const (
	OpEquals      = "eq"
	OpNotEquals   = "neq"
	OpGreaterThan = "gt"
	OpLessThan    = "lt"
	OpContains    = "contains"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpAbsent      = "absent"
)

// RuleCondition is one predicate over a record field. All conditions of a
// rule must match for the rule to fire.
type RuleCondition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator string   `yaml:"operator" json:"operator"`
	Value    string   `yaml:"value,omitempty" json:"value,omitempty"`
	Number   float64  `yaml:"number,omitempty" json:"number,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// ComplianceRule flags records matching its conditions and contributes a
// severity. Rules are configuration, not user data.
type ComplianceRule struct {
	ID          string          `yaml:"id" json:"id"`
	Description string          `yaml:"description" json:"description"`
	Severity    string          `yaml:"severity" json:"severity"`
	Conditions  []RuleCondition `yaml:"conditions" json:"conditions"`
}

// RuleSet is a versioned collection of compliance rules. Reports record the
// version they were produced with, so two runs over the same period with
// different rule versions are distinguishable.
type RuleSet struct {
	Version string           `yaml:"version" json:"version"`
	Rules   []ComplianceRule `yaml:"rules" json:"rules"`
}

// Matches evaluates the rule against a record.
func (c *ComplianceRule) Matches(r *AuditRecord) bool {
	for _, cond := range c.Conditions {
		if !cond.matches(r) {
			return false
		}
	}
	return len(c.Conditions) > 0
}

func (c *RuleCondition) matches(r *AuditRecord) bool {
	switch c.Field {
	case "amount", "tax_amount", "discount_amount", "balance":
		return c.matchNumber(numericField(r, c.Field))
	case "hour":
		return c.matchNumber(float64(NormalizeTimestamp(r.CreatedAt).Hour()))
	default:
		return c.matchString(stringField(r, c.Field))
	}
}

func numericField(r *AuditRecord, field string) float64 {
	switch field {
	case "amount":
		return r.FinancialData.Amount
	case "tax_amount":
		return r.FinancialData.TaxAmount
	case "discount_amount":
		return r.FinancialData.DiscountAmount
	case "balance":
		return r.FinancialData.Balance
	}
	return 0
}

func stringField(r *AuditRecord, field string) string {
	switch field {
	case "event_type":
		return r.EventType
	case "resource_type":
		return r.ResourceType
	case "severity":
		return r.Severity
	case "status":
		return r.Status
	case "currency":
		return r.FinancialData.Currency
	case "reference_number":
		return r.FinancialData.ReferenceNumber
	case "payment_method":
		return r.FinancialData.PaymentMethod
	case "account_code":
		return r.FinancialData.AccountCode
	case "customer_id":
		return r.FinancialData.CustomerID
	case "vendor_id":
		return r.FinancialData.VendorID
	}
	return ""
}

func (c *RuleCondition) matchNumber(v float64) bool {
	switch c.Operator {
	case OpEquals:
		return v == c.Number
	case OpNotEquals:
		return v != c.Number
	case OpGreaterThan:
		return v > c.Number
	case OpLessThan:
		return v < c.Number
	case OpAbsent:
		return v == 0
	}
	return false
}

func (c *RuleCondition) matchString(v string) bool {
	switch c.Operator {
	case OpEquals:
		return v == c.Value
	case OpNotEquals:
		return v != c.Value
	case OpContains:
		return strings.Contains(v, c.Value)
	case OpAbsent:
		return v == ""
	case OpIn:
		for _, candidate := range c.Values {
			if v == candidate {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, candidate := range c.Values {
			if v == candidate {
				return false
			}
		}
		return true
	}
	return false
}

// RuleViolationCount summarizes one rule's matches over a reporting period.
type RuleViolationCount struct {
	RuleID      string  `json:"rule_id"`
	Description string  `json:"description"`
	Count       int64   `json:"count"`
	TotalAmount float64 `json:"total_amount"`
}

// ComplianceReport is the bulk evaluation result for one company and period.
type ComplianceReport struct {
	CompanyID            string                `json:"company_id"`
	PeriodStart          time.Time             `json:"period_start"`
	PeriodEnd            time.Time             `json:"period_end"`
	RuleSetVersion       string                `json:"rule_set_version"`
	TotalTransactions    int64                 `json:"total_transactions"`
	FlaggedTransactions  int64                 `json:"flagged_transactions"`
	HighRiskTransactions int64                 `json:"high_risk_transactions"`
	CriticalTransactions int64                 `json:"critical_transactions"`
	Violations           []*RuleViolationCount `json:"violations"`
	ComplianceScore      float64               `json:"compliance_score"`
	GeneratedAt          time.Time             `json:"generated_at"`
}
