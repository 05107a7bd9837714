package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/models"
	"github.com/fleetgrid/audit-engine/pkg/repositories"
	"github.com/fleetgrid/audit-engine/pkg/retry"
)

// IngestParams is what a collaborator supplies when recording a financial
// event. The engine fills id, sequence, content_hash, prev_hash,
// verification_status and created_at server-side.
type IngestParams struct {
	CompanyID    uuid.UUID
	EventType    string
	ResourceType string
	ResourceID   string
	EntityName   string
	ActorID      *uuid.UUID

	OldValues map[string]any
	NewValues map[string]any

	FinancialData models.FinancialData

	Status   string
	Notes    string
	Severity string
}

// IngestService appends already-decided financial outcomes to the audit
// trail. It never performs the financial operation itself.
type IngestService interface {
	// Ingest validates, enriches and appends one audit record, retrying
	// transparently on sequence conflicts. The returned record carries the
	// server-assigned chain fields. A failed audit write surfaces
	// synchronously; the engine never silently drops an event.
	Ingest(ctx context.Context, params IngestParams) (*models.AuditRecord, error)
}

type ingestService struct {
	repo       repositories.AuditRepository
	compliance ComplianceService
	notifier   NotifierService
	retryCfg   *retry.Config
	logger     *zap.Logger
}

// NewIngestService creates an IngestService. retries bounds how often a
// sequence conflict is retried with a fresh sequence.
func NewIngestService(
	repo repositories.AuditRepository,
	compliance ComplianceService,
	notifier NotifierService,
	retries int,
	logger *zap.Logger,
) IngestService {
	if retries < 1 {
		retries = 3
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = retries

	return &ingestService{
		repo:       repo,
		compliance: compliance,
		notifier:   notifier,
		retryCfg:   retryCfg,
		logger:     logger.Named("ingest"),
	}
}

var _ IngestService = (*ingestService)(nil)

func (s *ingestService) Ingest(ctx context.Context, params IngestParams) (*models.AuditRecord, error) {
	if err := validateIngestParams(params); err != nil {
		return nil, err
	}

	record := &models.AuditRecord{
		CompanyID:     params.CompanyID,
		EventType:     params.EventType,
		ResourceType:  params.ResourceType,
		ResourceID:    params.ResourceID,
		EntityName:    params.EntityName,
		ActorID:       params.ActorID,
		OldValues:     params.OldValues,
		NewValues:     params.NewValues,
		FinancialData: params.FinancialData,
		Status:        params.Status,
		Notes:         params.Notes,
	}

	if record.EntityName == "" {
		record.EntityName = defaultEntityName(params.ResourceType, params.ResourceID)
	}
	if record.Status == "" {
		record.Status = models.StatusSuccess
	}

	record.ChangesSummary = buildChangesSummary(params.EventType, params.OldValues, params.NewValues, params.FinancialData)

	severity := params.Severity
	if severity == "" {
		severity = defaultSeverity(params.EventType)
	}
	record.Severity = severity

	// Compliance flags and their severity contributions are part of the
	// record content, so they must be final before the hash is computed.
	flags, ruleSeverity := s.compliance.Evaluate(record)
	record.ComplianceFlags = flags
	record.Severity = models.MaxSeverity(record.Severity, ruleSeverity)

	// Only sequence collisions are worth another round trip; Append
	// allocates a fresh sequence each attempt.
	appendErr := retry.Do(ctx, s.retryCfg, func() error {
		err := s.repo.Append(ctx, record)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			return retry.Permanent(err)
		}
		s.logger.Warn("Sequence conflict on append, retrying with a fresh sequence",
			zap.String("company_id", params.CompanyID.String()),
			zap.Int64("sequence", record.Sequence))
		return err
	})
	if appendErr != nil {
		s.logger.Error("Failed to append audit record",
			zap.String("company_id", params.CompanyID.String()),
			zap.String("event_type", params.EventType),
			zap.String("resource_id", params.ResourceID),
			zap.Error(appendErr))
		return nil, fmt.Errorf("append audit record: %w", appendErr)
	}

	s.logger.Info("Audit record appended",
		zap.String("company_id", record.CompanyID.String()),
		zap.String("id", record.ID.String()),
		zap.Int64("sequence", record.Sequence),
		zap.String("event_type", record.EventType),
		zap.String("severity", record.Severity))

	// Fan-out happens after the durable write and never blocks it.
	go s.notifier.Publish(context.WithoutCancel(ctx), record)

	return record, nil
}

func validateIngestParams(params IngestParams) error {
	var missing []string
	if params.CompanyID == uuid.Nil {
		missing = append(missing, "company_id")
	}
	if params.EventType == "" {
		missing = append(missing, "event_type")
	}
	if params.ResourceType == "" {
		missing = append(missing, "resource_type")
	}
	if params.ResourceID == "" {
		missing = append(missing, "resource_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", apperrors.ErrValidation, strings.Join(missing, ", "))
	}

	if params.Severity != "" && !models.ValidSeverity(params.Severity) {
		return fmt.Errorf("%w: invalid severity %q", apperrors.ErrValidation, params.Severity)
	}
	switch params.Status {
	case "", models.StatusSuccess, models.StatusFailed, models.StatusPending:
	default:
		return fmt.Errorf("%w: invalid status %q", apperrors.ErrValidation, params.Status)
	}
	return nil
}

func defaultEntityName(resourceType, resourceID string) string {
	noun := strings.ReplaceAll(resourceType, "_", " ")
	return strings.ToUpper(noun[:1]) + noun[1:] + " " + resourceID
}

// defaultSeverity mirrors how destructive lifecycle events carry more risk
// than routine ones.
func defaultSeverity(eventType string) string {
	switch {
	case strings.HasSuffix(eventType, "_deleted"), strings.HasSuffix(eventType, "_terminated"):
		return models.SeverityCritical
	case strings.HasSuffix(eventType, "_cancelled"), strings.HasSuffix(eventType, "_rejected"),
		strings.HasSuffix(eventType, "_reversed"), strings.HasSuffix(eventType, "_written_off"):
		return models.SeverityHigh
	case strings.HasSuffix(eventType, "_approved"), strings.HasSuffix(eventType, "_created"),
		strings.HasSuffix(eventType, "_posted"):
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
