package models

import "github.com/google/uuid"

// Lineage edge kinds.
const (
	// EdgeSameEntityHistory links two records of the same resource in
	// sequence order.
	EdgeSameEntityHistory = "same-entity-history"
	// EdgeCrossReference links a record to another resource it references
	// inside financial_data or new_values.
	EdgeCrossReference = "cross-reference"
)

// LineageNode is one audit record in a reconstructed lineage graph, tagged
// with the expansion depth at which it was reached (0 = seed).
type LineageNode struct {
	Record *AuditRecord `json:"record"`
	Depth  int          `json:"depth"`
}

// LineageEdge is a directed relation between two records in the graph.
type LineageEdge struct {
	From uuid.UUID `json:"from"`
	To   uuid.UUID `json:"to"`
	Kind string    `json:"kind"`
}

// LineageGraph is the on-demand reconstruction of all records causally or
// referentially connected to one transaction. Never persisted; always
// reflects the current store.
type LineageGraph struct {
	TransactionID string         `json:"transaction_id"`
	Nodes         []*LineageNode `json:"nodes"`
	Edges         []*LineageEdge `json:"edges"`
}

// Empty reports whether the reconstruction found no records.
func (g *LineageGraph) Empty() bool {
	return len(g.Nodes) == 0
}
