package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/models"
	"github.com/fleetgrid/audit-engine/pkg/repositories"
)

// maxPageSize caps a single trail page.
const maxPageSize = 1000

// TrailService provides filtered retrieval over the audit trail.
type TrailService interface {
	// Query returns one page of records plus the filter-wide total count
	// and aggregate summary. The summary covers the whole filtered set,
	// never just the page.
	Query(ctx context.Context, filters models.AuditFilters) (*models.AuditTrailPage, error)

	// Metrics aggregates the trailing period and derives rates from it.
	Metrics(ctx context.Context, companyID uuid.UUID, days int) (*models.AuditMetrics, error)
}

type trailService struct {
	repo   repositories.AuditRepository
	logger *zap.Logger
}

// NewTrailService creates a TrailService.
func NewTrailService(repo repositories.AuditRepository, logger *zap.Logger) TrailService {
	return &trailService{
		repo:   repo,
		logger: logger.Named("trail"),
	}
}

var _ TrailService = (*trailService)(nil)

func (s *trailService) Query(ctx context.Context, filters models.AuditFilters) (*models.AuditTrailPage, error) {
	if err := validateFilters(&filters); err != nil {
		return nil, err
	}

	records, total, err := s.repo.Query(ctx, filters)
	if err != nil {
		s.logger.Error("Failed to query audit trail",
			zap.String("company_id", filters.CompanyID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("query audit trail: %w", err)
	}

	summary, err := s.repo.Summarize(ctx, filters)
	if err != nil {
		s.logger.Error("Failed to summarize audit trail",
			zap.String("company_id", filters.CompanyID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("summarize audit trail: %w", err)
	}

	if records == nil {
		records = []*models.AuditRecord{}
	}
	return &models.AuditTrailPage{
		Records:    records,
		TotalCount: total,
		Summary:    summary,
	}, nil
}

func (s *trailService) Metrics(ctx context.Context, companyID uuid.UUID, days int) (*models.AuditMetrics, error) {
	if companyID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing company_id", apperrors.ErrValidation)
	}
	if days <= 0 {
		days = 30
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)

	summary, err := s.repo.Summarize(ctx, models.AuditFilters{
		CompanyID: companyID,
		DateFrom:  &start,
		DateTo:    &end,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate audit metrics: %w", err)
	}

	metrics := &models.AuditMetrics{
		AuditSummary: *summary,
		PeriodDays:   days,
		Start:        start,
		End:          end,
	}
	metrics.DeriveRates()
	return metrics, nil
}

func validateFilters(filters *models.AuditFilters) error {
	if filters.CompanyID == uuid.Nil {
		return fmt.Errorf("%w: missing company_id", apperrors.ErrValidation)
	}
	if filters.Severity != "" && !models.ValidSeverity(filters.Severity) {
		return fmt.Errorf("%w: invalid severity %q", apperrors.ErrValidation, filters.Severity)
	}
	switch filters.VerificationStatus {
	case "", models.VerificationUnverified, models.VerificationVerified, models.VerificationTampered:
	default:
		return fmt.Errorf("%w: invalid verification status %q", apperrors.ErrValidation, filters.VerificationStatus)
	}
	switch filters.Status {
	case "", models.StatusSuccess, models.StatusFailed, models.StatusPending:
	default:
		return fmt.Errorf("%w: invalid status %q", apperrors.ErrValidation, filters.Status)
	}
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Limit > maxPageSize {
		filters.Limit = maxPageSize
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return nil
}
