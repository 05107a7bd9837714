package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/models"
	"github.com/fleetgrid/audit-engine/pkg/repositories"
)

// LineageService reconstructs the graph of records connected to one
// transaction. Graphs are computed on demand from the trail, never stored.
type LineageService interface {
	// Lineage returns every record for the transaction plus records of
	// resources it references and records that reference it, expanded up to
	// maxDepth hops (<= 0 uses the configured default). An unknown
	// transaction yields an empty graph, not an error.
	Lineage(ctx context.Context, companyID uuid.UUID, transactionID string, maxDepth int) (*models.LineageGraph, error)
}

type lineageService struct {
	repo         repositories.AuditRepository
	defaultDepth int
	logger       *zap.Logger
}

// NewLineageService creates a LineageService.
func NewLineageService(repo repositories.AuditRepository, defaultDepth int, logger *zap.Logger) LineageService {
	if defaultDepth <= 0 {
		defaultDepth = 2
	}
	return &lineageService{
		repo:         repo,
		defaultDepth: defaultDepth,
		logger:       logger.Named("lineage"),
	}
}

var _ LineageService = (*lineageService)(nil)

func (s *lineageService) Lineage(ctx context.Context, companyID uuid.UUID, transactionID string, maxDepth int) (*models.LineageGraph, error) {
	if companyID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing company_id", apperrors.ErrValidation)
	}
	if transactionID == "" {
		return nil, fmt.Errorf("%w: missing transaction_id", apperrors.ErrValidation)
	}
	if maxDepth <= 0 {
		maxDepth = s.defaultDepth
	}

	graph := &models.LineageGraph{
		TransactionID: transactionID,
		Nodes:         []*models.LineageNode{},
		Edges:         []*models.LineageEdge{},
	}

	build := &lineageBuilder{
		graph:          graph,
		seenRecords:    map[uuid.UUID]bool{},
		seenResources:  map[string]bool{},
		firstOfHistory: map[string]uuid.UUID{},
	}

	// Depth 0: the transaction's own history.
	seed, err := s.repo.GetByResourceID(ctx, companyID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction history: %w", err)
	}
	build.addHistory(transactionID, seed, 0)
	if graph.Empty() {
		return graph, nil
	}

	// Records elsewhere in the trail that mention this transaction.
	referencing, err := s.repo.FindReferencing(ctx, companyID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("find referencing records: %w", err)
	}
	for _, record := range referencing {
		if record.ResourceID == transactionID {
			continue
		}
		build.addNode(record, 1)
		build.addEdge(record.ID, build.firstOfHistory[transactionID], models.EdgeCrossReference)
	}

	// Outward expansion: resources this transaction's records point at, then
	// their references, until the depth budget runs out.
	frontier := seed
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []*models.AuditRecord
		for _, record := range frontier {
			for _, ref := range extractReferences(record) {
				if ref == transactionID || build.seenResources[ref] {
					continue
				}
				history, err := s.repo.GetByResourceID(ctx, companyID, ref)
				if err != nil {
					return nil, fmt.Errorf("expand reference %s: %w", ref, err)
				}
				if len(history) == 0 {
					build.seenResources[ref] = true
					continue
				}
				build.addHistory(ref, history, depth)
				build.addEdge(record.ID, build.firstOfHistory[ref], models.EdgeCrossReference)
				next = append(next, history...)
			}
		}
		frontier = next
	}

	s.logger.Debug("Reconstructed lineage",
		zap.String("company_id", companyID.String()),
		zap.String("transaction_id", transactionID),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("edges", len(graph.Edges)))
	return graph, nil
}

type lineageBuilder struct {
	graph          *models.LineageGraph
	seenRecords    map[uuid.UUID]bool
	seenResources  map[string]bool
	firstOfHistory map[string]uuid.UUID
}

// addHistory adds a resource's records in sequence order, chaining them with
// same-entity-history edges.
func (b *lineageBuilder) addHistory(resourceID string, records []*models.AuditRecord, depth int) {
	b.seenResources[resourceID] = true
	if len(records) == 0 {
		return
	}
	if _, ok := b.firstOfHistory[resourceID]; !ok {
		b.firstOfHistory[resourceID] = records[0].ID
	}

	var prev *models.AuditRecord
	for _, record := range records {
		b.addNode(record, depth)
		if prev != nil {
			b.addEdge(prev.ID, record.ID, models.EdgeSameEntityHistory)
		}
		prev = record
	}
}

func (b *lineageBuilder) addNode(record *models.AuditRecord, depth int) {
	if b.seenRecords[record.ID] {
		return
	}
	b.seenRecords[record.ID] = true
	b.graph.Nodes = append(b.graph.Nodes, &models.LineageNode{Record: record, Depth: depth})
}

func (b *lineageBuilder) addEdge(from, to uuid.UUID, kind string) {
	if from == uuid.Nil || to == uuid.Nil || from == to {
		return
	}
	for _, edge := range b.graph.Edges {
		if edge.From == from && edge.To == to && edge.Kind == kind {
			return
		}
	}
	b.graph.Edges = append(b.graph.Edges, &models.LineageEdge{From: from, To: to, Kind: kind})
}

// extractReferences collects identifiers of other resources a record points
// at: the typed financial fields plus any *_id key in the value snapshots.
func extractReferences(record *models.AuditRecord) []string {
	seen := map[string]bool{}
	var refs []string
	add := func(ref string) {
		if ref == "" || ref == record.ResourceID || seen[ref] {
			return
		}
		seen[ref] = true
		refs = append(refs, ref)
	}

	add(record.FinancialData.CustomerID)
	add(record.FinancialData.VendorID)
	add(record.FinancialData.InvoiceNumber)
	add(record.FinancialData.ContractNumber)

	for _, values := range []map[string]any{record.OldValues, record.NewValues} {
		if len(values) == 0 {
			continue
		}
		raw, err := json.Marshal(values)
		if err != nil {
			continue
		}
		gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if !strings.HasSuffix(name, "_id") || !referenceKey(name) {
				return true
			}
			if value.Type == gjson.String {
				add(value.String())
			}
			return true
		})
	}
	return refs
}

// referenceKey filters out *_id keys that identify tenants or people rather
// than financial resources.
func referenceKey(name string) bool {
	switch name {
	case "company_id", "actor_id", "user_id", "created_by_id", "updated_by_id":
		return false
	default:
		return true
	}
}
