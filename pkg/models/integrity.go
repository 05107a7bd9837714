package models

import (
	"time"

	"github.com/google/uuid"
)

// Integrity anomaly kinds.
const (
	// AnomalyContentMismatch: the recomputed content hash differs from the
	// stored one. The record itself was altered.
	AnomalyContentMismatch = "content_mismatch"
	// AnomalyChainBreak: the prev_hash link does not match the recomputed
	// hash of the predecessor, or the record sits past a tamper point.
	AnomalyChainBreak = "chain_break"
	// AnomalySequenceGap: one or more sequence numbers are missing,
	// evidence of a deleted record.
	AnomalySequenceGap = "sequence_gap"
)

// IntegrityAnomaly pinpoints one verification finding. For sequence gaps the
// record id is nil and Sequence is the first missing position.
type IntegrityAnomaly struct {
	Kind     string     `json:"kind"`
	Sequence int64      `json:"sequence"`
	RecordID *uuid.UUID `json:"record_id,omitempty"`
	Detail   string     `json:"detail"`
}

// IntegrityReport is the first-class result of a verification pass. Anomalies
// are always returned, never raised as errors.
type IntegrityReport struct {
	CompanyID       uuid.UUID           `json:"company_id"`
	FromSequence    int64               `json:"from_sequence"`
	ToSequence      int64               `json:"to_sequence"`
	RecordsChecked  int64               `json:"records_checked"`
	VerifiedRecords int64               `json:"verified_records"`
	TamperedRecords int64               `json:"tampered_records"`
	Anomalies       []*IntegrityAnomaly `json:"anomalies"`
	Intact          bool                `json:"intact"`
	VerifiedAt      time.Time           `json:"verified_at"`
}
