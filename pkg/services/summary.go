package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fleetgrid/audit-engine/pkg/models"
)

// maxDiffFields caps how many changed fields a summary enumerates before
// truncating, so one bulk edit can't produce a paragraph-sized summary.
const maxDiffFields = 6

// buildChangesSummary derives the human-readable summary from the event and
// the before/after snapshots. It is deterministic: the same inputs always
// produce the same text, so the summary is safe to include in the content
// hash.
func buildChangesSummary(eventType string, old, new map[string]any, fin models.FinancialData) string {
	switch {
	case strings.HasSuffix(eventType, "_created"):
		return createdSummary(eventType, fin)
	case strings.HasSuffix(eventType, "_updated"):
		return fmt.Sprintf("%s updated: %s", subjectFor(eventType), describeChanges(old, new))
	case strings.HasSuffix(eventType, "_deleted"):
		return fmt.Sprintf("%s deleted%s", subjectFor(eventType), amountSuffix(fin))
	case strings.HasSuffix(eventType, "_approved"):
		return fmt.Sprintf("%s approved%s", subjectFor(eventType), amountSuffix(fin))
	case strings.HasSuffix(eventType, "_refunded"):
		return fmt.Sprintf("%s refunded%s", subjectFor(eventType), amountSuffix(fin))
	case strings.HasSuffix(eventType, "_cancelled"):
		return fmt.Sprintf("%s cancelled%s", subjectFor(eventType), referenceSuffix(fin))
	case strings.HasSuffix(eventType, "_terminated"):
		return fmt.Sprintf("%s terminated%s", subjectFor(eventType), referenceSuffix(fin))
	case strings.HasSuffix(eventType, "_posted"):
		return fmt.Sprintf("%s posted%s", subjectFor(eventType), referenceSuffix(fin))
	case strings.HasSuffix(eventType, "_reversed"):
		return fmt.Sprintf("%s reversed%s", subjectFor(eventType), referenceSuffix(fin))
	case strings.HasSuffix(eventType, "_paid"):
		return fmt.Sprintf("%s marked as paid%s", subjectFor(eventType), referenceSuffix(fin))
	case strings.HasSuffix(eventType, "_written_off"):
		return fmt.Sprintf("%s written off%s", subjectFor(eventType), referenceSuffix(fin))
	default:
		return strings.ReplaceAll(eventType, "_", " ")
	}
}

func createdSummary(eventType string, fin models.FinancialData) string {
	subject := subjectFor(eventType)
	if fin.Amount != 0 && fin.Currency != "" {
		if fin.PaymentMethod != "" {
			return fmt.Sprintf("%s of %s %s created via %s", subject, formatAmount(fin.Amount), fin.Currency, fin.PaymentMethod)
		}
		return fmt.Sprintf("%s of %s %s created", subject, formatAmount(fin.Amount), fin.Currency)
	}
	return fmt.Sprintf("%s created%s", subject, referenceSuffix(fin))
}

// subjectFor derives the entity noun from the event type prefix, e.g.
// "journal_entry_posted" -> "Journal entry".
func subjectFor(eventType string) string {
	idx := strings.LastIndex(eventType, "_")
	if idx <= 0 {
		return "Record"
	}
	noun := strings.ReplaceAll(eventType[:idx], "_", " ")
	return strings.ToUpper(noun[:1]) + noun[1:]
}

func amountSuffix(fin models.FinancialData) string {
	if fin.Amount == 0 || fin.Currency == "" {
		return ""
	}
	return fmt.Sprintf(" (%s %s)", formatAmount(fin.Amount), fin.Currency)
}

func referenceSuffix(fin models.FinancialData) string {
	if fin.ReferenceNumber == "" {
		return ""
	}
	return ": " + fin.ReferenceNumber
}

func formatAmount(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}

// describeChanges lists field-level differences between the snapshots in
// sorted key order.
func describeChanges(old, new map[string]any) string {
	if len(old) == 0 || len(new) == 0 {
		return "no previous data available"
	}

	keys := make([]string, 0, len(new))
	for k := range new {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changes []string
	for _, k := range keys {
		oldVal, existed := old[k]
		newVal := new[k]
		if !existed || fmt.Sprint(oldVal) != fmt.Sprint(newVal) {
			if !existed {
				changes = append(changes, fmt.Sprintf("%s: %v (new)", k, newVal))
			} else {
				changes = append(changes, fmt.Sprintf("%s: %v -> %v", k, oldVal, newVal))
			}
		}
	}

	if len(changes) == 0 {
		return "no field changes"
	}
	if len(changes) > maxDiffFields {
		omitted := len(changes) - maxDiffFields
		changes = append(changes[:maxDiffFields], fmt.Sprintf("and %d more", omitted))
	}
	return strings.Join(changes, ", ")
}
