package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgrid/audit-engine/pkg/apperrors"
	"github.com/fleetgrid/audit-engine/pkg/models"
)

// memoryAuditRepository reproduces the store's chain semantics in memory:
// per-company gapless sequences, prev_hash linking and newest-first pages. It
// also exposes tamper and erase helpers the real store forbids, so the
// verifier can be exercised against a damaged chain.
type memoryAuditRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID][]*models.AuditRecord

	// conflictsLeft forces Append to fail with ErrConflict that many times.
	conflictsLeft int
}

func newMemoryAuditRepository() *memoryAuditRepository {
	return &memoryAuditRepository{records: map[uuid.UUID][]*models.AuditRecord{}}
}

func (m *memoryAuditRepository) Append(ctx context.Context, record *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return apperrors.ErrConflict
	}

	chain := m.records[record.CompanyID]
	record.ID = uuid.New()
	record.Sequence = 1
	record.PrevHash = ""
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		record.Sequence = last.Sequence + 1
		record.PrevHash = last.ContentHash
	}
	record.VerificationStatus = models.VerificationUnverified
	record.CreatedAt = models.NormalizeTimestamp(time.Now())

	var err error
	if record.OldValues, err = models.CanonicalValues(record.OldValues); err != nil {
		return err
	}
	if record.NewValues, err = models.CanonicalValues(record.NewValues); err != nil {
		return err
	}

	hash, err := models.ComputeContentHash(record)
	if err != nil {
		return err
	}
	record.ContentHash = hash

	stored := *record
	m.records[record.CompanyID] = append(chain, &stored)
	return nil
}

func (m *memoryAuditRepository) Query(ctx context.Context, filters models.AuditFilters) ([]*models.AuditRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := m.filtered(filters)
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Sequence > matched[j].Sequence
	})

	total := int64(len(matched))
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filters.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (m *memoryAuditRepository) Summarize(ctx context.Context, filters models.AuditFilters) (*models.AuditSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &models.AuditSummary{
		AmountByCurrency: map[string]float64{},
		BySeverity:       map[string]int64{},
		PeriodStart:      filters.DateFrom,
		PeriodEnd:        filters.DateTo,
	}
	for _, record := range m.filtered(filters) {
		summary.TotalTransactions++
		summary.TotalAmount += record.FinancialData.Amount
		summary.BySeverity[record.Severity]++
		if record.FinancialData.Currency != "" {
			summary.AmountByCurrency[record.FinancialData.Currency] += record.FinancialData.Amount
		}
		if record.Status == models.StatusFailed {
			summary.FailedOperations++
		}
		if record.HighRisk() {
			summary.HighRiskOperations++
		}
		if len(record.ComplianceFlags) > 0 {
			summary.ComplianceViolations++
		}
		if record.VerificationStatus == models.VerificationTampered {
			summary.TamperedRecords++
		}
	}
	return summary, nil
}

func (m *memoryAuditRepository) GetBySequenceRange(ctx context.Context, companyID uuid.UUID, from, to int64) ([]*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AuditRecord
	for _, record := range m.records[companyID] {
		if record.Sequence >= from && record.Sequence <= to {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *memoryAuditRepository) MaxSequence(ctx context.Context, companyID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max int64
	for _, record := range m.records[companyID] {
		if record.Sequence > max {
			max = record.Sequence
		}
	}
	return max, nil
}

func (m *memoryAuditRepository) GetByResourceID(ctx context.Context, companyID uuid.UUID, resourceID string) ([]*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AuditRecord
	for _, record := range m.records[companyID] {
		if record.ResourceID == resourceID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *memoryAuditRepository) FindReferencing(ctx context.Context, companyID uuid.UUID, reference string) ([]*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.AuditRecord
	for _, record := range m.records[companyID] {
		if referencesIdentifier(record, reference) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// referencesIdentifier matches the store's exact-value reference probes:
// the typed financial reference fields plus string *_id keys in new_values,
// minus tenant and people identifiers.
func referencesIdentifier(record *models.AuditRecord, reference string) bool {
	fin := record.FinancialData
	if fin.CustomerID == reference || fin.VendorID == reference ||
		fin.InvoiceNumber == reference || fin.ContractNumber == reference {
		return true
	}
	for key, value := range record.NewValues {
		if !strings.HasSuffix(key, "_id") {
			continue
		}
		switch key {
		case "company_id", "actor_id", "user_id", "created_by_id", "updated_by_id":
			continue
		}
		if s, ok := value.(string); ok && s == reference {
			return true
		}
	}
	return false
}

func (m *memoryAuditRepository) QueryAfterSequence(ctx context.Context, filters models.AuditFilters, after int64, limit int) ([]*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := m.filtered(filters)
	sort.Slice(matched, func(i, j int) bool { return matched[i].Sequence < matched[j].Sequence })

	var out []*models.AuditRecord
	for _, record := range matched {
		if record.Sequence <= after {
			continue
		}
		out = append(out, record)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryAuditRepository) MarkVerificationStatus(ctx context.Context, companyID uuid.UUID, ids []uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := map[uuid.UUID]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	for _, record := range m.records[companyID] {
		if wanted[record.ID] {
			record.VerificationStatus = status
		}
	}
	return nil
}

// tamper mutates a stored record in place without recomputing its hash,
// simulating direct manipulation of the store.
func (m *memoryAuditRepository) tamper(companyID uuid.UUID, sequence int64, mutate func(*models.AuditRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, record := range m.records[companyID] {
		if record.Sequence == sequence {
			mutate(record)
			return
		}
	}
}

// erase removes a stored record entirely, simulating a deleted row.
func (m *memoryAuditRepository) erase(companyID uuid.UUID, sequence int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.records[companyID]
	for i, record := range chain {
		if record.Sequence == sequence {
			m.records[companyID] = append(chain[:i:i], chain[i+1:]...)
			return
		}
	}
}

func (m *memoryAuditRepository) filtered(filters models.AuditFilters) []*models.AuditRecord {
	var out []*models.AuditRecord
	for _, record := range m.records[filters.CompanyID] {
		if !matchesFilters(record, filters) {
			continue
		}
		out = append(out, record)
	}
	return out
}

func matchesFilters(record *models.AuditRecord, filters models.AuditFilters) bool {
	if len(filters.ResourceTypes) > 0 && !contains(filters.ResourceTypes, record.ResourceType) {
		return false
	}
	if filters.ResourceID != "" && record.ResourceID != filters.ResourceID {
		return false
	}
	if len(filters.EventTypes) > 0 && !contains(filters.EventTypes, record.EventType) {
		return false
	}
	if filters.ActorID != nil && (record.ActorID == nil || *record.ActorID != *filters.ActorID) {
		return false
	}
	if filters.Severity != "" && record.Severity != filters.Severity {
		return false
	}
	if filters.Status != "" && record.Status != filters.Status {
		return false
	}
	if filters.VerificationStatus != "" && record.VerificationStatus != filters.VerificationStatus {
		return false
	}
	if filters.Currency != "" && record.FinancialData.Currency != filters.Currency {
		return false
	}
	if filters.AmountMin != nil && record.FinancialData.Amount < *filters.AmountMin {
		return false
	}
	if filters.AmountMax != nil && record.FinancialData.Amount > *filters.AmountMax {
		return false
	}
	if filters.DateFrom != nil && record.CreatedAt.Before(*filters.DateFrom) {
		return false
	}
	if filters.DateTo != nil && record.CreatedAt.After(*filters.DateTo) {
		return false
	}
	if filters.Search != "" {
		needle := strings.ToLower(filters.Search)
		if !strings.Contains(strings.ToLower(record.EntityName), needle) &&
			!strings.Contains(strings.ToLower(record.ChangesSummary), needle) {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
