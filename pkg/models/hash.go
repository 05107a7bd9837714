package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// HashPrefix identifies the hash function in stored hashes so the scheme can
// be rotated without invalidating old chains.
const HashPrefix = "sha256:"

// hashPayload fixes the field order of the canonical serialization. It covers
// every AuditRecord field except content_hash, prev_hash and
// verification_status: the first two are outputs of hashing, and the
// verification status is written after the fact by the verifier.
//
// Map-valued fields are canonical because encoding/json sorts map keys.
// Timestamps are normalized to UTC at microsecond precision, matching what
// Postgres round-trips, so a recomputed hash always reproduces the stored one.
type hashPayload struct {
	ID             uuid.UUID      `json:"id"`
	CompanyID      uuid.UUID      `json:"company_id"`
	Sequence       int64          `json:"sequence"`
	EventType      string         `json:"event_type"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	EntityName     string         `json:"entity_name"`
	ActorID        *uuid.UUID     `json:"actor_id"`
	OldValues      map[string]any `json:"old_values"`
	NewValues      map[string]any `json:"new_values"`
	ChangesSummary string         `json:"changes_summary"`
	FinancialData  FinancialData  `json:"financial_data"`
	Status         string         `json:"status"`
	Notes          string         `json:"notes"`
	Severity       string         `json:"severity"`
	ComplianceFlag []string       `json:"compliance_flags"`
	CreatedAt      string         `json:"created_at"`
}

// NormalizeTimestamp truncates a write timestamp to what the store preserves.
// Must be applied before hashing, or recomputation after a read-back would
// diverge on sub-microsecond digits.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// CanonicalValues rewrites a value snapshot into the shape a read-back from
// the store returns: empty snapshots collapse to nil (persisted as SQL NULL)
// and all numbers become float64 via a JSON round trip. Hashes must be
// computed over canonical snapshots only, or a record written with `{}` or an
// int-typed value would recompute to a different hash after a read-back and
// show up as false tampering.
func CanonicalValues(values map[string]any) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	var canonical map[string]any
	if err := json.Unmarshal(encoded, &canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// ComputeContentHash returns the canonical SHA-256 hash of a record. It is a
// pure function of the record's fields: hashing the same record twice yields
// the same value, and changing any covered field changes it.
func ComputeContentHash(r *AuditRecord) (string, error) {
	flags := append([]string(nil), r.ComplianceFlags...)
	sort.Strings(flags)

	payload := hashPayload{
		ID:             r.ID,
		CompanyID:      r.CompanyID,
		Sequence:       r.Sequence,
		EventType:      r.EventType,
		ResourceType:   r.ResourceType,
		ResourceID:     r.ResourceID,
		EntityName:     r.EntityName,
		ActorID:        r.ActorID,
		OldValues:      r.OldValues,
		NewValues:      r.NewValues,
		ChangesSummary: r.ChangesSummary,
		FinancialData:  r.FinancialData,
		Status:         r.Status,
		Notes:          r.Notes,
		Severity:       r.Severity,
		ComplianceFlag: flags,
		CreatedAt:      NormalizeTimestamp(r.CreatedAt).Format(time.RFC3339Nano),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(encoded)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// VerifyContentHash recomputes a record's hash and compares it to the stored
// value. A mismatch means the record content was altered after the write.
func VerifyContentHash(r *AuditRecord) (bool, error) {
	expected, err := ComputeContentHash(r)
	if err != nil {
		return false, err
	}
	return expected == r.ContentHash, nil
}
