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

// IntegrityService walks the hash chain and reports what it finds. Anomalies
// are findings in the report, never errors: a tampered trail is a successful
// verification with bad news.
type IntegrityService interface {
	// Verify checks content hashes, chain links and sequence continuity over
	// [from, to]. from <= 0 means 1, to <= 0 means the chain head. Clean
	// records are marked verified, anomalous ones tampered; marking is
	// best-effort and never fails the report.
	Verify(ctx context.Context, companyID uuid.UUID, from, to int64) (*models.IntegrityReport, error)
}

type integrityService struct {
	repo      repositories.AuditRepository
	ingest    IngestService
	chunkSize int
	logger    *zap.Logger
}

// NewIntegrityService creates an IntegrityService. ingest may be nil; when
// set, each verification pass records its own completion in the trail.
func NewIntegrityService(repo repositories.AuditRepository, ingest IngestService, chunkSize int, logger *zap.Logger) IntegrityService {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &integrityService{
		repo:      repo,
		ingest:    ingest,
		chunkSize: chunkSize,
		logger:    logger.Named("integrity"),
	}
}

var _ IntegrityService = (*integrityService)(nil)

func (s *integrityService) Verify(ctx context.Context, companyID uuid.UUID, from, to int64) (*models.IntegrityReport, error) {
	if companyID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing company_id", apperrors.ErrValidation)
	}
	if from <= 0 {
		from = 1
	}
	if to <= 0 {
		max, err := s.repo.MaxSequence(ctx, companyID)
		if err != nil {
			return nil, fmt.Errorf("resolve chain head: %w", err)
		}
		to = max
	}
	if to < from {
		to = from - 1
	}

	report := &models.IntegrityReport{
		CompanyID:    companyID,
		FromSequence: from,
		ToSequence:   to,
		Anomalies:    []*models.IntegrityAnomaly{},
		VerifiedAt:   time.Now().UTC(),
	}

	walk := chainWalk{
		// A window starting past sequence 1 has no in-window predecessor to
		// anchor the first prev_hash check against.
		skipNextLink: from > 1,
		prevSequence: from - 1,
	}
	var verified, tampered []uuid.UUID

	for lo := from; lo <= to; lo += int64(s.chunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hi := lo + int64(s.chunkSize) - 1
		if hi > to {
			hi = to
		}

		records, err := s.repo.GetBySequenceRange(ctx, companyID, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("load chain segment [%d, %d]: %w", lo, hi, err)
		}

		for _, record := range records {
			report.RecordsChecked++
			anomalies := walk.check(record)
			report.Anomalies = append(report.Anomalies, anomalies...)

			// A gap anomaly belongs to the missing records, not to the
			// survivor that exposed it.
			if recordImplicated(record.ID, anomalies) {
				tampered = append(tampered, record.ID)
			} else {
				verified = append(verified, record.ID)
			}
		}
	}

	// A trailing gap (records deleted off the chain head) leaves the walk
	// short of the requested end.
	if walk.prevSequence < to {
		report.Anomalies = append(report.Anomalies, gapAnomaly(walk.prevSequence+1, to))
	}

	report.VerifiedRecords = int64(len(verified))
	report.TamperedRecords = int64(len(tampered))
	report.Intact = len(report.Anomalies) == 0

	if err := s.repo.MarkVerificationStatus(ctx, companyID, verified, models.VerificationVerified); err != nil {
		s.logger.Warn("Failed to mark verified records",
			zap.String("company_id", companyID.String()),
			zap.Error(err))
	}
	if err := s.repo.MarkVerificationStatus(ctx, companyID, tampered, models.VerificationTampered); err != nil {
		s.logger.Warn("Failed to mark tampered records",
			zap.String("company_id", companyID.String()),
			zap.Error(err))
	}

	s.logger.Info("Integrity verification completed",
		zap.String("company_id", companyID.String()),
		zap.Int64("from", from),
		zap.Int64("to", to),
		zap.Int64("records_checked", report.RecordsChecked),
		zap.Int("anomalies", len(report.Anomalies)),
		zap.Bool("intact", report.Intact))

	s.recordVerification(ctx, report)
	return report, nil
}

// recordVerification appends the verification outcome to the trail itself.
// Best-effort: a failure here must not invalidate the report.
func (s *integrityService) recordVerification(ctx context.Context, report *models.IntegrityReport) {
	if s.ingest == nil {
		return
	}

	status := models.StatusSuccess
	severity := models.SeverityLow
	if !report.Intact {
		severity = models.SeverityCritical
	}

	_, err := s.ingest.Ingest(ctx, IngestParams{
		CompanyID:    report.CompanyID,
		EventType:    models.EventIntegrityVerified,
		ResourceType: models.ResourceAuditChain,
		ResourceID:   fmt.Sprintf("%d-%d", report.FromSequence, report.ToSequence),
		EntityName:   "Audit chain verification",
		NewValues: map[string]any{
			"records_checked":  report.RecordsChecked,
			"verified_records": report.VerifiedRecords,
			"tampered_records": report.TamperedRecords,
			"anomalies":        len(report.Anomalies),
			"intact":           report.Intact,
		},
		Status:   status,
		Severity: severity,
	})
	if err != nil {
		s.logger.Warn("Failed to record verification in the trail",
			zap.String("company_id", report.CompanyID.String()),
			zap.Error(err))
	}
}

// chainWalk holds the state carried between records (and chunks) during one
// verification pass.
type chainWalk struct {
	prevSequence int64
	prevHash     string
	// broken is sticky: once any record fails its content check, every later
	// record is flagged, because the chain past that point can no longer be
	// trusted end-to-end.
	broken bool
	// skipNextLink suppresses exactly one prev_hash comparison, used to
	// re-anchor after a sequence gap and at a mid-chain window start.
	skipNextLink bool
}

func (w *chainWalk) check(record *models.AuditRecord) []*models.IntegrityAnomaly {
	var anomalies []*models.IntegrityAnomaly

	if record.Sequence > w.prevSequence+1 {
		anomalies = append(anomalies, gapAnomaly(w.prevSequence+1, record.Sequence-1))
		w.skipNextLink = true
	}

	recomputed, err := models.ComputeContentHash(record)
	contentOK := err == nil && recomputed == record.ContentHash

	switch {
	case !contentOK:
		anomalies = append(anomalies, &models.IntegrityAnomaly{
			Kind:     models.AnomalyContentMismatch,
			Sequence: record.Sequence,
			RecordID: &record.ID,
			Detail:   fmt.Sprintf("stored hash %s does not match record content", record.ContentHash),
		})
		w.broken = true
	case w.broken:
		anomalies = append(anomalies, &models.IntegrityAnomaly{
			Kind:     models.AnomalyChainBreak,
			Sequence: record.Sequence,
			RecordID: &record.ID,
			Detail:   "record follows a tampered predecessor",
		})
	case !w.skipNextLink && record.Sequence > 1 && record.PrevHash != w.prevHash:
		anomalies = append(anomalies, &models.IntegrityAnomaly{
			Kind:     models.AnomalyChainBreak,
			Sequence: record.Sequence,
			RecordID: &record.ID,
			Detail:   fmt.Sprintf("prev_hash %s does not match predecessor hash %s", record.PrevHash, w.prevHash),
		})
		w.broken = true
	case !w.skipNextLink && record.Sequence == 1 && record.PrevHash != "":
		anomalies = append(anomalies, &models.IntegrityAnomaly{
			Kind:     models.AnomalyChainBreak,
			Sequence: record.Sequence,
			RecordID: &record.ID,
			Detail:   "genesis record carries a prev_hash",
		})
		w.broken = true
	}

	w.prevSequence = record.Sequence
	w.prevHash = recomputed
	w.skipNextLink = false
	return anomalies
}

func recordImplicated(id uuid.UUID, anomalies []*models.IntegrityAnomaly) bool {
	for _, a := range anomalies {
		if a.RecordID != nil && *a.RecordID == id {
			return true
		}
	}
	return false
}

func gapAnomaly(firstMissing, lastMissing int64) *models.IntegrityAnomaly {
	detail := fmt.Sprintf("sequence %d is missing", firstMissing)
	if lastMissing > firstMissing {
		detail = fmt.Sprintf("sequences %d through %d are missing", firstMissing, lastMissing)
	}
	return &models.IntegrityAnomaly{
		Kind:     models.AnomalySequenceGap,
		Sequence: firstMissing,
		Detail:   detail,
	}
}
