package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/models"
)

func seedExport(t *testing.T, actorID *uuid.UUID) (*memoryAuditRepository, uuid.UUID) {
	t.Helper()

	repo := newMemoryAuditRepository()
	ingest := newTestIngest(repo, nil)
	companyID := uuid.New()

	for i := 1; i <= 3; i++ {
		_, err := ingest.Ingest(context.Background(), IngestParams{
			CompanyID:    companyID,
			EventType:    models.EventPaymentCreated,
			ResourceType: models.ResourcePayment,
			ResourceID:   "pay-" + strconv.Itoa(i),
			ActorID:      actorID,
			NewValues:    map[string]any{"amount": i * 100},
			FinancialData: models.FinancialData{
				Amount:          float64(i * 100),
				Currency:        "KWD",
				ReferenceNumber: "PAY-2025-00" + strconv.Itoa(i),
			},
		})
		require.NoError(t, err)
	}
	return repo, companyID
}

func TestExportCSV(t *testing.T) {
	repo, companyID := seedExport(t, nil)
	export := NewExportService(repo, testLogger())

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: companyID},
		ExportOptions{Format: FormatCSV},
		&buf)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, csvHeader, rows[0])
	// Chain order: oldest first.
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "2", rows[2][0])
	assert.Equal(t, "3", rows[3][0])
	assert.Equal(t, "pay-1", rows[1][5])
	assert.Equal(t, "100", rows[1][9])
	assert.Equal(t, "KWD", rows[1][10])
}

func TestExportJSON(t *testing.T) {
	repo, companyID := seedExport(t, nil)
	export := NewExportService(repo, testLogger())

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: companyID},
		ExportOptions{Format: FormatJSON, IncludeValues: true},
		&buf)
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 3)

	assert.Equal(t, float64(1), rows[0]["sequence"])
	assert.Equal(t, "pay-1", rows[0]["resource_id"])
	assert.Contains(t, rows[0], "content_hash")
	assert.Contains(t, rows[0], "new_values")
}

func TestExportText(t *testing.T) {
	repo, companyID := seedExport(t, nil)
	export := NewExportService(repo, testLogger())

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: companyID},
		ExportOptions{Format: FormatText},
		&buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "#1")
	assert.Contains(t, out, "payment_created")
	assert.Contains(t, out, "amount: 100 KWD")
	assert.Contains(t, out, "hash: sha256:")
}

func TestExportEmptyResult(t *testing.T) {
	repo := newMemoryAuditRepository()
	export := NewExportService(repo, testLogger())

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: uuid.New()},
		ExportOptions{Format: FormatCSV},
		&buf)
	assert.ErrorIs(t, err, apperrors.ErrEmptyExport)
	assert.Zero(t, buf.Len())
}

func TestExportUnknownFormat(t *testing.T) {
	repo, companyID := seedExport(t, nil)
	export := NewExportService(repo, testLogger())

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: companyID},
		ExportOptions{Format: "xml"},
		&buf)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

// growingExportRepo appends one more record after the first cursor page is
// served, simulating a writer racing an export.
type growingExportRepo struct {
	*memoryAuditRepository
	ingest    IngestService
	companyID uuid.UUID
	pages     int
}

func (r *growingExportRepo) QueryAfterSequence(ctx context.Context, filters models.AuditFilters, after int64, limit int) ([]*models.AuditRecord, error) {
	r.pages++
	if r.pages == 2 {
		_, err := r.ingest.Ingest(ctx, IngestParams{
			CompanyID:    r.companyID,
			EventType:    models.EventPaymentCreated,
			ResourceType: models.ResourcePayment,
			ResourceID:   "pay-race",
			FinancialData: models.FinancialData{
				ReferenceNumber: "PAY-2025-RACE",
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return r.memoryAuditRepository.QueryAfterSequence(ctx, filters, after, limit)
}

func TestExportStableWhileTrailGrows(t *testing.T) {
	memory, companyID := seedExport(t, nil)
	repo := &growingExportRepo{
		memoryAuditRepository: memory,
		ingest:                newTestIngest(memory, nil),
		companyID:             companyID,
	}

	export := &exportService{repo: repo, chunkSize: 2, logger: testLogger()}

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: companyID},
		ExportOptions{Format: FormatCSV},
		&buf)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	// Header plus the three seeded records plus the one appended mid-export.
	require.Len(t, rows, 5)

	// Strictly ascending sequences: the cursor walk never repeats a row no
	// matter how the trail moves underneath it.
	prev := int64(0)
	for _, row := range rows[1:] {
		seq, err := strconv.ParseInt(row[0], 10, 64)
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestExportAnonymizesActors(t *testing.T) {
	actorID := uuid.New()
	repo, companyID := seedExport(t, &actorID)
	export := NewExportService(repo, testLogger())

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: companyID},
		ExportOptions{Format: FormatCSV, AnonymizeActors: true},
		&buf)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	actor := rows[1][7]
	assert.NotEqual(t, actorID.String(), actor)
	assert.NotEmpty(t, actor)
	// Stable pseudonym: the same person stays correlatable.
	assert.Equal(t, actor, rows[2][7])
	assert.Equal(t, actor, rows[3][7])
}

func TestExportComplianceModeRedactsValues(t *testing.T) {
	repo, companyID := seedExport(t, nil)
	export := NewExportService(repo, testLogger())

	var buf bytes.Buffer
	err := export.Export(context.Background(),
		models.AuditFilters{CompanyID: companyID},
		ExportOptions{Format: FormatJSON, IncludeValues: true, ComplianceMode: true},
		&buf)
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 3)

	for _, row := range rows {
		assert.NotContains(t, row, "new_values")
		assert.NotContains(t, row, "old_values")
		assert.Contains(t, row, "changes_summary")
		assert.Contains(t, row, "financial_data")
	}
}
