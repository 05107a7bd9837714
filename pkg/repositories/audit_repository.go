package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/database"
	"github.com/fleetgrid/audit-engine/pkg/models"
)

// auditColumns is the canonical column list, matching scanAuditRecord.
var auditColumns = []string{
	"id", "company_id", "sequence", "event_type", "resource_type", "resource_id",
	"entity_name", "actor_id", "old_values", "new_values", "changes_summary",
	"financial_data", "status", "notes", "severity", "compliance_flags",
	"content_hash", "prev_hash", "verification_status", "created_at",
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// AuditRepository provides data access for the append-only audit trail.
// Append is the only mutating operation besides the verifier's status marks;
// records are never updated or deleted.
type AuditRepository interface {
	// Append persists one record, allocating the per-company sequence and
	// chain link atomically with the insert. It fills id, sequence,
	// content_hash, prev_hash, verification_status and created_at on the
	// passed record. Returns apperrors.ErrConflict on a sequence collision;
	// the caller retries with a fresh sequence, never overwrites.
	Append(ctx context.Context, record *models.AuditRecord) error

	// Query returns one page of filtered records (newest first) and the
	// filter-wide total count.
	Query(ctx context.Context, filters models.AuditFilters) ([]*models.AuditRecord, int64, error)

	// QueryAfterSequence returns up to limit filtered records with sequence
	// strictly greater than after, ascending. Exports walk the trail with
	// this cursor: unlike offsets, it stays stable while concurrent appends
	// grow the trail mid-walk. The filters' Limit and Offset are ignored.
	QueryAfterSequence(ctx context.Context, filters models.AuditFilters, after int64, limit int) ([]*models.AuditRecord, error)

	// Summarize aggregates the full filtered set in SQL, independent of
	// pagination, so small pages never skew the statistics.
	Summarize(ctx context.Context, filters models.AuditFilters) (*models.AuditSummary, error)

	// GetBySequenceRange returns records in strict sequence order. Gaps are
	// left visible to the caller; the verifier depends on that.
	GetBySequenceRange(ctx context.Context, companyID uuid.UUID, from, to int64) ([]*models.AuditRecord, error)

	// MaxSequence returns the highest allocated sequence for a company,
	// zero when the company has no records.
	MaxSequence(ctx context.Context, companyID uuid.UUID) (int64, error)

	// GetByResourceID returns every record touching a resource, ascending
	// by sequence.
	GetByResourceID(ctx context.Context, companyID uuid.UUID, resourceID string) ([]*models.AuditRecord, error)

	// FindReferencing returns records whose financial reference fields or
	// new_values resource identifiers equal the given identifier, ascending
	// by sequence.
	FindReferencing(ctx context.Context, companyID uuid.UUID, reference string) ([]*models.AuditRecord, error)

	// MarkVerificationStatus sets verification_status on the given records.
	// Reserved for the integrity verifier.
	MarkVerificationStatus(ctx context.Context, companyID uuid.UUID, ids []uuid.UUID, status string) error
}

type auditRepository struct{}

// NewAuditRepository creates a new AuditRepository backed by Postgres.
func NewAuditRepository() AuditRepository {
	return &auditRepository{}
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Append(ctx context.Context, record *models.AuditRecord) error {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return fmt.Errorf("no company scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin append transaction: %v", apperrors.ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize writers for this company only; other tenants proceed in
	// parallel. The unique (company_id, sequence) constraint backstops any
	// writer that slips past the lock.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", record.CompanyID.String()); err != nil {
		return fmt.Errorf("acquire company write lock: %w", err)
	}

	var (
		lastSequence int64
		lastHash     *string
	)
	err = tx.QueryRow(ctx,
		"SELECT sequence, content_hash FROM audit_records WHERE company_id = $1 ORDER BY sequence DESC LIMIT 1",
		record.CompanyID,
	).Scan(&lastSequence, &lastHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}

	record.ID = uuid.New()
	record.Sequence = lastSequence + 1
	record.PrevHash = ""
	if lastHash != nil {
		record.PrevHash = *lastHash
	}
	record.VerificationStatus = models.VerificationUnverified
	record.CreatedAt = models.NormalizeTimestamp(time.Now())

	// Snapshots are hashed in the exact shape a later read-back returns, so
	// verification can always reproduce the stored hash.
	if record.OldValues, err = models.CanonicalValues(record.OldValues); err != nil {
		return fmt.Errorf("canonicalize old_values: %w", err)
	}
	if record.NewValues, err = models.CanonicalValues(record.NewValues); err != nil {
		return fmt.Errorf("canonicalize new_values: %w", err)
	}

	hash, err := models.ComputeContentHash(record)
	if err != nil {
		return fmt.Errorf("compute content hash: %w", err)
	}
	record.ContentHash = hash

	oldValues, err := marshalValues(record.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old_values: %w", err)
	}
	newValues, err := marshalValues(record.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new_values: %w", err)
	}
	financialData, err := json.Marshal(record.FinancialData)
	if err != nil {
		return fmt.Errorf("marshal financial_data: %w", err)
	}
	flags, err := json.Marshal(nonNilFlags(record.ComplianceFlags))
	if err != nil {
		return fmt.Errorf("marshal compliance_flags: %w", err)
	}

	insert := psql.Insert("audit_records").
		Columns(auditColumns...).
		Values(
			record.ID, record.CompanyID, record.Sequence, record.EventType,
			record.ResourceType, record.ResourceID, record.EntityName, record.ActorID,
			oldValues, newValues, record.ChangesSummary, financialData,
			record.Status, record.Notes, record.Severity, flags,
			record.ContentHash, nullableString(record.PrevHash), record.VerificationStatus,
			record.CreatedAt,
		)

	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: sequence %d for company %s", apperrors.ErrConflict, record.Sequence, record.CompanyID)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit append: %v", apperrors.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *auditRepository) Query(ctx context.Context, filters models.AuditFilters) ([]*models.AuditRecord, int64, error) {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return nil, 0, fmt.Errorf("no company scope in context")
	}

	countQuery, countArgs, err := applyFilters(psql.Select("count(*)").From("audit_records"), filters).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}

	var total int64
	if err := scope.Conn.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	builder := applyFilters(psql.Select(auditColumns...).From("audit_records"), filters).
		OrderBy("created_at DESC", "sequence DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build trail query: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *auditRepository) QueryAfterSequence(ctx context.Context, filters models.AuditFilters, after int64, limit int) ([]*models.AuditRecord, error) {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no company scope in context")
	}

	builder := applyFilters(psql.Select(auditColumns...).From("audit_records"), filters).
		Where(sq.Gt{"sequence": after}).
		OrderBy("sequence ASC").
		Limit(uint64(limit))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build cursor query: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records after sequence: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (r *auditRepository) Summarize(ctx context.Context, filters models.AuditFilters) (*models.AuditSummary, error) {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no company scope in context")
	}

	builder := applyFilters(psql.Select(
		"count(*)",
		"COALESCE(sum((financial_data->>'amount')::numeric), 0)",
		"count(*) FILTER (WHERE severity = 'low')",
		"count(*) FILTER (WHERE severity = 'medium')",
		"count(*) FILTER (WHERE severity = 'high')",
		"count(*) FILTER (WHERE severity = 'critical')",
		"count(*) FILTER (WHERE status = 'failed')",
		"count(*) FILTER (WHERE severity IN ('high', 'critical'))",
		"count(*) FILTER (WHERE jsonb_array_length(compliance_flags) > 0)",
		"count(*) FILTER (WHERE verification_status = 'tampered')",
	).From("audit_records"), filters)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build summary query: %w", err)
	}

	summary := &models.AuditSummary{
		AmountByCurrency: map[string]float64{},
		BySeverity:       map[string]int64{},
		PeriodStart:      filters.DateFrom,
		PeriodEnd:        filters.DateTo,
	}

	var low, medium, high, critical int64
	err = scope.Conn.QueryRow(ctx, query, args...).Scan(
		&summary.TotalTransactions,
		&summary.TotalAmount,
		&low, &medium, &high, &critical,
		&summary.FailedOperations,
		&summary.HighRiskOperations,
		&summary.ComplianceViolations,
		&summary.TamperedRecords,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate audit summary: %w", err)
	}
	summary.BySeverity[models.SeverityLow] = low
	summary.BySeverity[models.SeverityMedium] = medium
	summary.BySeverity[models.SeverityHigh] = high
	summary.BySeverity[models.SeverityCritical] = critical

	currencyBuilder := applyFilters(psql.Select(
		"financial_data->>'currency'",
		"sum((financial_data->>'amount')::numeric)",
	).From("audit_records"), filters).
		Where("financial_data->>'currency' IS NOT NULL").
		GroupBy("financial_data->>'currency'")

	query, args, err = currencyBuilder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build currency summary query: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate amounts by currency: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var currency string
		var amount float64
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, fmt.Errorf("scan currency aggregate: %w", err)
		}
		summary.AmountByCurrency[currency] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate currency aggregates: %w", err)
	}

	return summary, nil
}

func (r *auditRepository) GetBySequenceRange(ctx context.Context, companyID uuid.UUID, from, to int64) ([]*models.AuditRecord, error) {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no company scope in context")
	}

	builder := psql.Select(auditColumns...).From("audit_records").
		Where(sq.Eq{"company_id": companyID}).
		Where(sq.GtOrEq{"sequence": from}).
		Where(sq.LtOrEq{"sequence": to}).
		OrderBy("sequence ASC")

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sequence range query: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sequence range: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (r *auditRepository) MaxSequence(ctx context.Context, companyID uuid.UUID) (int64, error) {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no company scope in context")
	}

	var max int64
	err := scope.Conn.QueryRow(ctx,
		"SELECT COALESCE(max(sequence), 0) FROM audit_records WHERE company_id = $1",
		companyID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("read max sequence: %w", err)
	}
	return max, nil
}

func (r *auditRepository) GetByResourceID(ctx context.Context, companyID uuid.UUID, resourceID string) ([]*models.AuditRecord, error) {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no company scope in context")
	}

	builder := psql.Select(auditColumns...).From("audit_records").
		Where(sq.Eq{"company_id": companyID, "resource_id": resourceID}).
		OrderBy("sequence ASC")

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build resource query: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records by resource: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (r *auditRepository) FindReferencing(ctx context.Context, companyID uuid.UUID, reference string) ([]*models.AuditRecord, error) {
	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no company scope in context")
	}

	// Exact-value probes only: a substring match would link inv-1 to inv-10.
	// The new_values probe mirrors the outbound reference extraction: string
	// *_id keys, minus the ones naming tenants or people.
	builder := psql.Select(auditColumns...).From("audit_records").
		Where(sq.Eq{"company_id": companyID}).
		Where(sq.Or{
			sq.Eq{"financial_data->>'customer_id'": reference},
			sq.Eq{"financial_data->>'vendor_id'": reference},
			sq.Eq{"financial_data->>'invoice_number'": reference},
			sq.Eq{"financial_data->>'contract_number'": reference},
			sq.Expr(`EXISTS (
				SELECT 1 FROM jsonb_each_text(COALESCE(new_values, '{}'::jsonb)) kv
				WHERE kv.value = ?
				  AND kv.key LIKE '%\_id'
				  AND kv.key NOT IN ('company_id', 'actor_id', 'user_id', 'created_by_id', 'updated_by_id')
			)`, reference),
		}).
		OrderBy("sequence ASC")

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build reference query: %w", err)
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query referencing records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (r *auditRepository) MarkVerificationStatus(ctx context.Context, companyID uuid.UUID, ids []uuid.UUID, status string) error {
	if len(ids) == 0 {
		return nil
	}

	scope, ok := database.GetCompanyScope(ctx)
	if !ok {
		return fmt.Errorf("no company scope in context")
	}

	builder := psql.Update("audit_records").
		Set("verification_status", status).
		Where(sq.Eq{"company_id": companyID, "id": ids})

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build verification update: %w", err)
	}

	if _, err := scope.Conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("mark verification status: %w", err)
	}
	return nil
}

// applyFilters translates AuditFilters into WHERE clauses shared by the
// trail, count and summary queries.
func applyFilters(builder sq.SelectBuilder, filters models.AuditFilters) sq.SelectBuilder {
	builder = builder.Where(sq.Eq{"company_id": filters.CompanyID})

	if len(filters.ResourceTypes) > 0 {
		builder = builder.Where(sq.Eq{"resource_type": filters.ResourceTypes})
	}
	if filters.ResourceID != "" {
		builder = builder.Where(sq.Eq{"resource_id": filters.ResourceID})
	}
	if len(filters.EventTypes) > 0 {
		builder = builder.Where(sq.Eq{"event_type": filters.EventTypes})
	}
	if filters.ActorID != nil {
		builder = builder.Where(sq.Eq{"actor_id": *filters.ActorID})
	}
	if filters.Severity != "" {
		builder = builder.Where(sq.Eq{"severity": filters.Severity})
	}
	if filters.Status != "" {
		builder = builder.Where(sq.Eq{"status": filters.Status})
	}
	if filters.VerificationStatus != "" {
		builder = builder.Where(sq.Eq{"verification_status": filters.VerificationStatus})
	}
	if filters.Currency != "" {
		builder = builder.Where(sq.Eq{"financial_data->>'currency'": filters.Currency})
	}
	if filters.AmountMin != nil {
		builder = builder.Where(sq.GtOrEq{"(financial_data->>'amount')::numeric": *filters.AmountMin})
	}
	if filters.AmountMax != nil {
		builder = builder.Where(sq.LtOrEq{"(financial_data->>'amount')::numeric": *filters.AmountMax})
	}
	if filters.DateFrom != nil {
		builder = builder.Where(sq.GtOrEq{"created_at": *filters.DateFrom})
	}
	if filters.DateTo != nil {
		builder = builder.Where(sq.LtOrEq{"created_at": *filters.DateTo})
	}
	if filters.Search != "" {
		pattern := "%" + filters.Search + "%"
		builder = builder.Where(sq.Or{
			sq.ILike{"entity_name": pattern},
			sq.ILike{"changes_summary": pattern},
		})
	}

	return builder
}

func collectRecords(rows pgx.Rows) ([]*models.AuditRecord, error) {
	var records []*models.AuditRecord
	for rows.Next() {
		record, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

func scanAuditRecord(row pgx.Row) (*models.AuditRecord, error) {
	var (
		record        models.AuditRecord
		oldValues     []byte
		newValues     []byte
		financialData []byte
		flags         []byte
		prevHash      *string
	)

	err := row.Scan(
		&record.ID,
		&record.CompanyID,
		&record.Sequence,
		&record.EventType,
		&record.ResourceType,
		&record.ResourceID,
		&record.EntityName,
		&record.ActorID,
		&oldValues,
		&newValues,
		&record.ChangesSummary,
		&financialData,
		&record.Status,
		&record.Notes,
		&record.Severity,
		&flags,
		&record.ContentHash,
		&prevHash,
		&record.VerificationStatus,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	if prevHash != nil {
		record.PrevHash = *prevHash
	}
	if len(oldValues) > 0 && string(oldValues) != "null" {
		if err := json.Unmarshal(oldValues, &record.OldValues); err != nil {
			return nil, fmt.Errorf("unmarshal old_values: %w", err)
		}
	}
	if len(newValues) > 0 && string(newValues) != "null" {
		if err := json.Unmarshal(newValues, &record.NewValues); err != nil {
			return nil, fmt.Errorf("unmarshal new_values: %w", err)
		}
	}
	if len(financialData) > 0 {
		if err := json.Unmarshal(financialData, &record.FinancialData); err != nil {
			return nil, fmt.Errorf("unmarshal financial_data: %w", err)
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &record.ComplianceFlags); err != nil {
			return nil, fmt.Errorf("unmarshal compliance_flags: %w", err)
		}
		if len(record.ComplianceFlags) == 0 {
			record.ComplianceFlags = nil
		}
	}

	record.CreatedAt = models.NormalizeTimestamp(record.CreatedAt)
	return &record, nil
}

func marshalValues(values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return json.Marshal(values)
}

func nonNilFlags(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
