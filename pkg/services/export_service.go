package services

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/models"
	"github.com/fleetgrid/audit-engine/pkg/repositories"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatText = "text"
)

// exportChunkSize bounds how many records an export holds in memory at once.
const exportChunkSize = 500

// ExportOptions controls what an export artifact discloses.
type ExportOptions struct {
	Format string
	// AnonymizeActors replaces actor identifiers with a stable pseudonym so
	// exports can be shared without naming people.
	AnonymizeActors bool
	// IncludeValues includes the raw old/new value snapshots. Ignored in
	// compliance mode.
	IncludeValues bool
	// ComplianceMode redacts the value snapshots entirely, keeping the
	// summary, financial data and chain fields an auditor needs.
	ComplianceMode bool
}

// ExportService renders the filtered audit trail into a shareable artifact.
type ExportService interface {
	// Export streams the filtered records to w in the requested format,
	// oldest first. Returns apperrors.ErrEmptyExport when the filter matches
	// nothing: an empty audit export is indistinguishable from a broken one,
	// so it is never produced silently.
	Export(ctx context.Context, filters models.AuditFilters, opts ExportOptions, w io.Writer) error
}

type exportService struct {
	repo      repositories.AuditRepository
	chunkSize int
	logger    *zap.Logger
}

// NewExportService creates an ExportService.
func NewExportService(repo repositories.AuditRepository, logger *zap.Logger) ExportService {
	return &exportService{
		repo:      repo,
		chunkSize: exportChunkSize,
		logger:    logger.Named("export"),
	}
}

var _ ExportService = (*exportService)(nil)

// ContentType returns the MIME type for an export format, empty for unknown
// formats.
func ContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}

func (s *exportService) Export(ctx context.Context, filters models.AuditFilters, opts ExportOptions, w io.Writer) error {
	if err := validateFilters(&filters); err != nil {
		return err
	}

	var renderer exportRenderer
	switch opts.Format {
	case FormatCSV:
		renderer = newCSVRenderer(w, opts)
	case FormatJSON:
		renderer = newJSONRenderer(w, opts)
	case FormatText:
		renderer = newTextRenderer(w, opts)
	default:
		return fmt.Errorf("%w: unsupported export format %q", apperrors.ErrValidation, opts.Format)
	}

	// An audit document reads oldest first. The walk keys on the sequence
	// rather than page offsets: offsets shift under a concurrent append and
	// would duplicate rows, a sequence cursor cannot.
	var (
		exported int64
		after    int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := s.repo.QueryAfterSequence(ctx, filters, after, s.chunkSize)
		if err != nil {
			return fmt.Errorf("scan records for export: %w", err)
		}

		for _, record := range records {
			if err := renderer.write(record); err != nil {
				return fmt.Errorf("render export record: %w", err)
			}
			exported++
		}

		if len(records) < s.chunkSize {
			break
		}
		after = records[len(records)-1].Sequence
	}

	if exported == 0 {
		return apperrors.ErrEmptyExport
	}
	if err := renderer.close(); err != nil {
		return fmt.Errorf("finalize export: %w", err)
	}

	s.logger.Info("Exported audit records",
		zap.String("company_id", filters.CompanyID.String()),
		zap.String("format", opts.Format),
		zap.Int64("records", exported))
	return nil
}

type exportRenderer interface {
	write(record *models.AuditRecord) error
	close() error
}

// exportRow is the disclosure-filtered view shared by all formats.
type exportRow struct {
	Sequence       int64                `json:"sequence"`
	ID             string               `json:"id"`
	CreatedAt      time.Time            `json:"created_at"`
	EventType      string               `json:"event_type"`
	ResourceType   string               `json:"resource_type"`
	ResourceID     string               `json:"resource_id"`
	EntityName     string               `json:"entity_name"`
	Actor          string               `json:"actor,omitempty"`
	ChangesSummary string               `json:"changes_summary"`
	FinancialData  models.FinancialData `json:"financial_data"`
	OldValues      map[string]any       `json:"old_values,omitempty"`
	NewValues      map[string]any       `json:"new_values,omitempty"`
	Status         string               `json:"status"`
	Severity       string               `json:"severity"`
	Flags          []string             `json:"compliance_flags,omitempty"`
	ContentHash    string               `json:"content_hash"`
	PrevHash       string               `json:"prev_hash,omitempty"`
	Verification   string               `json:"verification_status"`
	Notes          string               `json:"notes,omitempty"`
}

func buildExportRow(record *models.AuditRecord, opts ExportOptions) exportRow {
	row := exportRow{
		Sequence:       record.Sequence,
		ID:             record.ID.String(),
		CreatedAt:      record.CreatedAt,
		EventType:      record.EventType,
		ResourceType:   record.ResourceType,
		ResourceID:     record.ResourceID,
		EntityName:     record.EntityName,
		ChangesSummary: record.ChangesSummary,
		FinancialData:  record.FinancialData,
		Status:         record.Status,
		Severity:       record.Severity,
		Flags:          record.ComplianceFlags,
		ContentHash:    record.ContentHash,
		PrevHash:       record.PrevHash,
		Verification:   record.VerificationStatus,
		Notes:          record.Notes,
	}

	if record.ActorID != nil {
		if opts.AnonymizeActors {
			row.Actor = pseudonym(record.ActorID.String())
		} else {
			row.Actor = record.ActorID.String()
		}
	}

	if opts.IncludeValues && !opts.ComplianceMode {
		row.OldValues = record.OldValues
		row.NewValues = record.NewValues
	}
	return row
}

// pseudonym derives a stable, irreversible label for an actor so repeated
// actions by one person remain correlatable in the export.
func pseudonym(actorID string) string {
	sum := sha256.Sum256([]byte(actorID))
	return "actor-" + hex.EncodeToString(sum[:4])
}

type csvRenderer struct {
	w       *csv.Writer
	opts    ExportOptions
	started bool
}

func newCSVRenderer(w io.Writer, opts ExportOptions) *csvRenderer {
	return &csvRenderer{w: csv.NewWriter(w), opts: opts}
}

func (r *csvRenderer) write(record *models.AuditRecord) error {
	if !r.started {
		r.started = true
		if err := r.w.Write(csvHeader); err != nil {
			return err
		}
	}
	row := buildExportRow(record, r.opts)
	return r.w.Write([]string{
		strconv.FormatInt(row.Sequence, 10),
		row.ID,
		row.CreatedAt.Format(time.RFC3339Nano),
		row.EventType,
		row.ResourceType,
		row.ResourceID,
		row.EntityName,
		row.Actor,
		row.ChangesSummary,
		formatAmount(row.FinancialData.Amount),
		row.FinancialData.Currency,
		row.Status,
		row.Severity,
		strings.Join(row.Flags, ";"),
		row.ContentHash,
		row.PrevHash,
		row.Verification,
	})
}

func (r *csvRenderer) close() error {
	r.w.Flush()
	return r.w.Error()
}

var csvHeader = []string{
	"sequence", "id", "created_at", "event_type", "resource_type", "resource_id",
	"entity_name", "actor", "changes_summary", "amount", "currency", "status",
	"severity", "compliance_flags", "content_hash", "prev_hash", "verification_status",
}

type jsonRenderer struct {
	w     io.Writer
	opts  ExportOptions
	first bool
}

func newJSONRenderer(w io.Writer, opts ExportOptions) *jsonRenderer {
	return &jsonRenderer{w: w, opts: opts, first: true}
}

func (r *jsonRenderer) write(record *models.AuditRecord) error {
	prefix := ",\n"
	if r.first {
		prefix = "[\n"
		r.first = false
	}
	payload, err := json.Marshal(buildExportRow(record, r.opts))
	if err != nil {
		return err
	}
	if _, err := io.WriteString(r.w, prefix); err != nil {
		return err
	}
	_, err = r.w.Write(payload)
	return err
}

func (r *jsonRenderer) close() error {
	if r.first {
		return nil
	}
	_, err := io.WriteString(r.w, "\n]\n")
	return err
}

type textRenderer struct {
	w    io.Writer
	opts ExportOptions
}

func newTextRenderer(w io.Writer, opts ExportOptions) *textRenderer {
	return &textRenderer{w: w, opts: opts}
}

func (r *textRenderer) write(record *models.AuditRecord) error {
	row := buildExportRow(record, r.opts)

	var b strings.Builder
	fmt.Fprintf(&b, "#%d  %s  %s\n", row.Sequence, row.CreatedAt.Format(time.RFC3339), row.EventType)
	fmt.Fprintf(&b, "    %s\n", row.ChangesSummary)
	if row.FinancialData.Amount != 0 && row.FinancialData.Currency != "" {
		fmt.Fprintf(&b, "    amount: %s %s\n", formatAmount(row.FinancialData.Amount), row.FinancialData.Currency)
	}
	if row.Actor != "" {
		fmt.Fprintf(&b, "    actor: %s\n", row.Actor)
	}
	if len(row.Flags) > 0 {
		fmt.Fprintf(&b, "    flags: %s\n", strings.Join(row.Flags, ", "))
	}
	fmt.Fprintf(&b, "    severity: %s  status: %s  verification: %s\n", row.Severity, row.Status, row.Verification)
	fmt.Fprintf(&b, "    hash: %s\n\n", row.ContentHash)

	_, err := io.WriteString(r.w, b.String())
	return err
}

func (r *textRenderer) close() error {
	return nil
}
