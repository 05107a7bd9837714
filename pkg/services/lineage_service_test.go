package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/models"
)

// seedLineage builds a small web of connected entities:
//
//	con-5 <- inv-100 <- pay-1 (created, approved)
//	                    pay-1 <- jrn-7 (mentions the payment)
func seedLineage(t *testing.T) (*memoryAuditRepository, uuid.UUID) {
	t.Helper()

	repo := newMemoryAuditRepository()
	ingest := newTestIngest(repo, nil)
	companyID := uuid.New()

	events := []IngestParams{
		{
			CompanyID:    companyID,
			EventType:    models.EventContractCreated,
			ResourceType: models.ResourceContract,
			ResourceID:   "con-5",
			FinancialData: models.FinancialData{
				ReferenceNumber: "CON-2025-005",
			},
		},
		{
			CompanyID:    companyID,
			EventType:    models.EventInvoiceCreated,
			ResourceType: models.ResourceInvoice,
			ResourceID:   "inv-100",
			NewValues:    map[string]any{"contract_id": "con-5", "total": 150.5},
			FinancialData: models.FinancialData{
				Amount:          150.5,
				Currency:        "KWD",
				ReferenceNumber: "INV-2025-100",
			},
		},
		{
			CompanyID:    companyID,
			EventType:    models.EventPaymentCreated,
			ResourceType: models.ResourcePayment,
			ResourceID:   "pay-1",
			NewValues:    map[string]any{"invoice_id": "inv-100", "amount": 150.5},
			FinancialData: models.FinancialData{
				Amount:          150.5,
				Currency:        "KWD",
				ReferenceNumber: "PMT-2025-001",
			},
		},
		{
			CompanyID:    companyID,
			EventType:    models.EventPaymentApproved,
			ResourceType: models.ResourcePayment,
			ResourceID:   "pay-1",
			FinancialData: models.FinancialData{
				ReferenceNumber: "PMT-2025-001",
			},
		},
		{
			CompanyID:    companyID,
			EventType:    models.EventJournalEntryPosted,
			ResourceType: models.ResourceJournalEntry,
			ResourceID:   "jrn-7",
			NewValues:    map[string]any{"payment_id": "pay-1"},
			FinancialData: models.FinancialData{
				ReferenceNumber: "JRN-2025-007",
			},
		},
	}
	for _, params := range events {
		_, err := ingest.Ingest(context.Background(), params)
		require.NoError(t, err)
	}
	return repo, companyID
}

func nodeResources(graph *models.LineageGraph) map[string]int {
	out := map[string]int{}
	for _, node := range graph.Nodes {
		out[node.Record.ResourceID] = node.Depth
	}
	return out
}

func edgeKinds(graph *models.LineageGraph) map[string]int {
	out := map[string]int{}
	for _, edge := range graph.Edges {
		out[edge.Kind]++
	}
	return out
}

func TestLineageReconstructsConnectedRecords(t *testing.T) {
	repo, companyID := seedLineage(t)
	lineage := NewLineageService(repo, 2, testLogger())

	graph, err := lineage.Lineage(context.Background(), companyID, "pay-1", 2)
	require.NoError(t, err)

	assert.Equal(t, "pay-1", graph.TransactionID)

	depths := nodeResources(graph)
	assert.Equal(t, 0, depths["pay-1"])
	assert.Equal(t, 1, depths["inv-100"])
	assert.Equal(t, 2, depths["con-5"])
	assert.Equal(t, 1, depths["jrn-7"])

	// Two payment records chained as history, plus cross-references: journal
	// -> payment, payment -> invoice, invoice -> contract.
	kinds := edgeKinds(graph)
	assert.Equal(t, 1, kinds[models.EdgeSameEntityHistory])
	assert.Equal(t, 3, kinds[models.EdgeCrossReference])
}

func TestLineageRespectsDepthBound(t *testing.T) {
	repo, companyID := seedLineage(t)
	lineage := NewLineageService(repo, 2, testLogger())

	graph, err := lineage.Lineage(context.Background(), companyID, "pay-1", 1)
	require.NoError(t, err)

	depths := nodeResources(graph)
	assert.Contains(t, depths, "inv-100")
	assert.NotContains(t, depths, "con-5")
}

func TestLineageUnknownTransaction(t *testing.T) {
	repo, companyID := seedLineage(t)
	lineage := NewLineageService(repo, 2, testLogger())

	graph, err := lineage.Lineage(context.Background(), companyID, "pay-missing", 0)
	require.NoError(t, err)
	assert.True(t, graph.Empty())
	assert.Empty(t, graph.Edges)
}

func TestLineageValidation(t *testing.T) {
	lineage := NewLineageService(newMemoryAuditRepository(), 2, testLogger())

	_, err := lineage.Lineage(context.Background(), uuid.Nil, "pay-1", 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = lineage.Lineage(context.Background(), uuid.New(), "", 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestLineageIgnoresPrefixSiblings(t *testing.T) {
	repo := newMemoryAuditRepository()
	ingest := newTestIngest(repo, nil)
	companyID := uuid.New()

	// jrn-1 references pay-10, not pay-1: identifier matching is exact, a
	// shared prefix is not a link.
	events := []IngestParams{
		{
			CompanyID:    companyID,
			EventType:    models.EventPaymentCreated,
			ResourceType: models.ResourcePayment,
			ResourceID:   "pay-1",
			FinancialData: models.FinancialData{
				ReferenceNumber: "PMT-2025-001",
			},
		},
		{
			CompanyID:    companyID,
			EventType:    models.EventPaymentCreated,
			ResourceType: models.ResourcePayment,
			ResourceID:   "pay-10",
			FinancialData: models.FinancialData{
				ReferenceNumber: "PMT-2025-010",
			},
		},
		{
			CompanyID:    companyID,
			EventType:    models.EventJournalEntryPosted,
			ResourceType: models.ResourceJournalEntry,
			ResourceID:   "jrn-1",
			NewValues:    map[string]any{"payment_id": "pay-10"},
			FinancialData: models.FinancialData{
				ReferenceNumber: "JRN-2025-001",
			},
		},
	}
	for _, params := range events {
		_, err := ingest.Ingest(context.Background(), params)
		require.NoError(t, err)
	}

	lineage := NewLineageService(repo, 2, testLogger())
	graph, err := lineage.Lineage(context.Background(), companyID, "pay-1", 2)
	require.NoError(t, err)

	depths := nodeResources(graph)
	assert.Contains(t, depths, "pay-1")
	assert.NotContains(t, depths, "jrn-1")
	assert.NotContains(t, depths, "pay-10")
	assert.Empty(t, graph.Edges)
}

func TestLineageIgnoresActorAndTenantKeys(t *testing.T) {
	repo := newMemoryAuditRepository()
	ingest := newTestIngest(repo, nil)
	companyID := uuid.New()

	_, err := ingest.Ingest(context.Background(), IngestParams{
		CompanyID:    companyID,
		EventType:    models.EventPaymentCreated,
		ResourceType: models.ResourcePayment,
		ResourceID:   "pay-1",
		NewValues: map[string]any{
			"company_id": "acme",
			"user_id":    "u-1",
		},
		FinancialData: models.FinancialData{
			ReferenceNumber: "PMT-2025-001",
		},
	})
	require.NoError(t, err)

	_, err = ingest.Ingest(context.Background(), IngestParams{
		CompanyID:    companyID,
		EventType:    models.EventPaymentCreated,
		ResourceType: models.ResourcePayment,
		ResourceID:   "acme",
		FinancialData: models.FinancialData{
			ReferenceNumber: "PMT-2025-002",
		},
	})
	require.NoError(t, err)

	lineage := NewLineageService(repo, 2, testLogger())
	graph, err := lineage.Lineage(context.Background(), companyID, "pay-1", 2)
	require.NoError(t, err)

	depths := nodeResources(graph)
	assert.NotContains(t, depths, "acme")
}
