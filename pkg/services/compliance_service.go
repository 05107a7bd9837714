package services

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fleetgrid/audit-engine/pkg/models"
	"github.com/fleetgrid/audit-engine/pkg/repositories"
)

// reportChunkSize bounds how many records a bulk report holds in memory at
// once.
const reportChunkSize = 500

// ComplianceService evaluates audit records against a versioned rule set.
type ComplianceService interface {
	// RuleSet returns the active rule set.
	RuleSet() *models.RuleSet

	// Evaluate runs every rule against one record. Returns the matched
	// flag ids and the resulting severity: the maximum contribution across
	// matched rules, low when none match.
	Evaluate(record *models.AuditRecord) ([]string, string)

	// GenerateComplianceReport re-evaluates a company's records over the
	// period with the active rule set and aggregates the findings. The
	// report records the rule-set version so two runs with different
	// versions are distinguishable.
	GenerateComplianceReport(ctx context.Context, companyID uuid.UUID, start, end time.Time) (*models.ComplianceReport, error)
}

type complianceService struct {
	ruleSet *models.RuleSet
	repo    repositories.AuditRepository
	logger  *zap.Logger
}

// NewComplianceService creates a ComplianceService with the given rule set.
func NewComplianceService(ruleSet *models.RuleSet, repo repositories.AuditRepository, logger *zap.Logger) ComplianceService {
	if ruleSet == nil {
		ruleSet = DefaultRuleSet()
	}
	return &complianceService{
		ruleSet: ruleSet,
		repo:    repo,
		logger:  logger.Named("compliance"),
	}
}

var _ ComplianceService = (*complianceService)(nil)

// DefaultRuleSet is the built-in rule set used when no rule file is
// configured.
func DefaultRuleSet() *models.RuleSet {
	return &models.RuleSet{
		Version: "builtin-v1",
		Rules: []models.ComplianceRule{
			{
				ID:          "HIGH_VALUE_TRANSACTION",
				Description: "Transaction amount exceeds the review threshold",
				Severity:    models.SeverityHigh,
				Conditions: []models.RuleCondition{
					{Field: "amount", Operator: models.OpGreaterThan, Number: 10000},
				},
			},
			{
				ID:          "OFF_HOURS_TRANSACTION",
				Description: "Financial operation recorded outside business hours",
				Severity:    models.SeverityMedium,
				Conditions: []models.RuleCondition{
					{Field: "hour", Operator: models.OpLessThan, Number: 6},
				},
			},
			{
				ID:          "DESTRUCTIVE_OPERATION",
				Description: "Deletion or termination of a financial entity",
				Severity:    models.SeverityCritical,
				Conditions: []models.RuleCondition{
					{Field: "event_type", Operator: models.OpIn, Values: []string{
						models.EventPaymentDeleted,
						models.EventContractTerminated,
						models.EventInvoiceWrittenOff,
						models.EventJournalEntryReversed,
					}},
				},
			},
			{
				ID:          "MISSING_REFERENCE",
				Description: "Payment recorded without a reference number",
				Severity:    models.SeverityMedium,
				Conditions: []models.RuleCondition{
					{Field: "resource_type", Operator: models.OpEquals, Value: models.ResourcePayment},
					{Field: "reference_number", Operator: models.OpAbsent},
				},
			},
			{
				ID:          "FAILED_OPERATION",
				Description: "Underlying financial operation reported failure",
				Severity:    models.SeverityHigh,
				Conditions: []models.RuleCondition{
					{Field: "status", Operator: models.OpEquals, Value: models.StatusFailed},
				},
			},
		},
	}
}

// LoadRuleSet reads a rule set from a YAML file.
func LoadRuleSet(path string) (*models.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set %s: %w", path, err)
	}

	var ruleSet models.RuleSet
	if err := yaml.Unmarshal(data, &ruleSet); err != nil {
		return nil, fmt.Errorf("parse rule set %s: %w", path, err)
	}
	if ruleSet.Version == "" {
		return nil, fmt.Errorf("rule set %s has no version", path)
	}
	for _, rule := range ruleSet.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule set %s contains a rule without an id", path)
		}
		if !models.ValidSeverity(rule.Severity) {
			return nil, fmt.Errorf("rule %s has invalid severity %q", rule.ID, rule.Severity)
		}
	}
	return &ruleSet, nil
}

func (s *complianceService) RuleSet() *models.RuleSet {
	return s.ruleSet
}

func (s *complianceService) Evaluate(record *models.AuditRecord) ([]string, string) {
	var flags []string
	severity := models.SeverityLow

	for i := range s.ruleSet.Rules {
		rule := &s.ruleSet.Rules[i]
		if rule.Matches(record) {
			flags = append(flags, rule.ID)
			severity = models.MaxSeverity(severity, rule.Severity)
		}
	}
	return flags, severity
}

func (s *complianceService) GenerateComplianceReport(ctx context.Context, companyID uuid.UUID, start, end time.Time) (*models.ComplianceReport, error) {
	report := &models.ComplianceReport{
		CompanyID:      companyID.String(),
		PeriodStart:    start,
		PeriodEnd:      end,
		RuleSetVersion: s.ruleSet.Version,
		GeneratedAt:    time.Now().UTC(),
	}

	violationIndex := make(map[string]*models.RuleViolationCount)

	filters := models.AuditFilters{
		CompanyID: companyID,
		DateFrom:  &start,
		DateTo:    &end,
		Limit:     reportChunkSize,
	}

	for offset := 0; ; offset += reportChunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		filters.Offset = offset
		records, _, err := s.repo.Query(ctx, filters)
		if err != nil {
			return nil, fmt.Errorf("scan records for compliance report: %w", err)
		}
		if len(records) == 0 {
			break
		}

		for _, record := range records {
			report.TotalTransactions++
			if record.HighRisk() {
				report.HighRiskTransactions++
			}
			if record.Severity == models.SeverityCritical {
				report.CriticalTransactions++
			}

			flags, _ := s.Evaluate(record)
			if len(flags) == 0 {
				continue
			}
			report.FlaggedTransactions++
			for _, flag := range flags {
				count, ok := violationIndex[flag]
				if !ok {
					count = &models.RuleViolationCount{
						RuleID:      flag,
						Description: s.ruleDescription(flag),
					}
					violationIndex[flag] = count
					report.Violations = append(report.Violations, count)
				}
				count.Count++
				count.TotalAmount += record.FinancialData.Amount
			}
		}

		if len(records) < reportChunkSize {
			break
		}
	}

	report.ComplianceScore = complianceScore(report.TotalTransactions, report.FlaggedTransactions)

	s.logger.Info("Generated compliance report",
		zap.String("company_id", companyID.String()),
		zap.String("rule_set_version", report.RuleSetVersion),
		zap.Int64("total_transactions", report.TotalTransactions),
		zap.Int64("flagged_transactions", report.FlaggedTransactions),
		zap.Float64("compliance_score", report.ComplianceScore))
	return report, nil
}

func (s *complianceService) ruleDescription(id string) string {
	for i := range s.ruleSet.Rules {
		if s.ruleSet.Rules[i].ID == id {
			return s.ruleSet.Rules[i].Description
		}
	}
	return ""
}

// complianceScore is 100 minus the flagged percentage, floored at zero.
func complianceScore(total, flagged int64) float64 {
	if total == 0 {
		return 100
	}
	score := 100 - float64(flagged)/float64(total)*100
	if score < 0 {
		return 0
	}
	return score
}
