package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies the risk of an audit record.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityRank orders severities for max() comparisons.
var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// ValidSeverity reports whether s is a known severity value.
func ValidSeverity(s string) bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Verification status values. Only the integrity verifier writes these.
const (
	VerificationUnverified = "unverified"
	VerificationVerified   = "verified"
	VerificationTampered   = "tampered"
)

// Operation outcome recorded by the originating collaborator.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// Resource types for the domain entities the engine audits. The set is open;
// these constants cover the known collaborators.
const (
	ResourcePayment      = "payment"
	ResourceContract     = "contract"
	ResourceInvoice      = "invoice"
	ResourceJournalEntry = "journal_entry"
	ResourceAccount      = "account"
	ResourceCustomer     = "customer"
	ResourceAuditChain   = "audit_chain"
)

// Well-known event types. Callers may supply values outside this list; older
// records must remain readable when new lifecycle events appear.
const (
	EventPaymentCreated       = "payment_created"
	EventPaymentUpdated       = "payment_updated"
	EventPaymentApproved      = "payment_approved"
	EventPaymentRefunded      = "payment_refunded"
	EventPaymentDeleted       = "payment_deleted"
	EventContractCreated      = "contract_created"
	EventContractUpdated      = "contract_updated"
	EventContractCancelled    = "contract_cancelled"
	EventContractTerminated   = "contract_terminated"
	EventInvoiceCreated       = "invoice_created"
	EventInvoicePaid          = "invoice_paid"
	EventInvoiceWrittenOff    = "invoice_written_off"
	EventJournalEntryCreated  = "journal_entry_created"
	EventJournalEntryPosted   = "journal_entry_posted"
	EventJournalEntryReversed = "journal_entry_reversed"
	EventIntegrityVerified    = "integrity_verification_completed"
)

// FinancialData holds the normalized numeric fields reports and compliance
// rules reason about. It is deliberately separate from the opaque old/new
// value snapshots so rules never depend on resource-type-specific shapes.
type FinancialData struct {
	Amount          float64 `json:"amount,omitempty"`
	Currency        string  `json:"currency,omitempty"`
	AccountCode     string  `json:"account_code,omitempty"`
	ReferenceNumber string  `json:"reference_number,omitempty"`
	TransactionDate string  `json:"transaction_date,omitempty"`
	PaymentMethod   string  `json:"payment_method,omitempty"`
	InvoiceNumber   string  `json:"invoice_number,omitempty"`
	ContractNumber  string  `json:"contract_number,omitempty"`
	CustomerID      string  `json:"customer_id,omitempty"`
	VendorID        string  `json:"vendor_id,omitempty"`
	TaxAmount       float64 `json:"tax_amount,omitempty"`
	DiscountAmount  float64 `json:"discount_amount,omitempty"`
	Balance         float64 `json:"balance,omitempty"`
}

// AuditRecord is the atomic, immutable unit of the audit trail. Records are
// hash-chained per company: PrevHash links to the content hash of the record
// with the preceding sequence number.
// Stored in audit_records table.
type AuditRecord struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`

	// Sequence is a per-company gapless counter starting at 1. A gap is
	// evidence of a deleted record and is reported by verification.
	Sequence int64 `json:"sequence"`

	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`

	// EntityName is the human-readable label captured at write time, so
	// later renames don't rewrite history.
	EntityName string `json:"entity_name"`

	// ActorID is nil for system-initiated events.
	ActorID *uuid.UUID `json:"actor_id,omitempty"`

	// OldValues/NewValues are opaque snapshots of the entity before and
	// after the event. Display-only; compliance rules must not reach into
	// them.
	OldValues map[string]any `json:"old_values,omitempty"`
	NewValues map[string]any `json:"new_values,omitempty"`

	ChangesSummary string        `json:"changes_summary"`
	FinancialData  FinancialData `json:"financial_data"`

	Status   string `json:"status"`
	Notes    string `json:"notes,omitempty"`
	Severity string `json:"severity"`

	// ComplianceFlags holds the ids of compliance rules matched at ingest.
	ComplianceFlags []string `json:"compliance_flags,omitempty"`

	ContentHash string `json:"content_hash"`
	// PrevHash is empty only for sequence 1.
	PrevHash string `json:"prev_hash,omitempty"`

	VerificationStatus string `json:"verification_status"`

	CreatedAt time.Time `json:"created_at"`
}

// HighRisk reports whether the record qualifies as a high-risk operation.
func (r *AuditRecord) HighRisk() bool {
	return r.Severity == SeverityHigh || r.Severity == SeverityCritical
}

// Alertable reports whether the record should be pushed to realtime
// subscribers: high risk, compliance-flagged, or detected as tampered.
func (r *AuditRecord) Alertable() bool {
	return r.HighRisk() || len(r.ComplianceFlags) > 0 || r.VerificationStatus == VerificationTampered
}
