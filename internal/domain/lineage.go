package domain

// ProductLineageEntry is the derived per-product view of a transaction:
// either a minted identifier, an existing identifier, or a quantity, plus
// the immediate predecessor and successor transactions for that product.
// Entries are built fresh on every query and never persisted.
type ProductLineageEntry struct {
	Product      string
	NewID        string
	ID           string
	Quantity     *float64
	Predecessors []string
	Successors   []string
}

// LineageShape tags which payload shape a lineage view was built from.
type LineageShape int

const (
	// ShapeSingleProduct covers payloads with a single "product" list.
	ShapeSingleProduct LineageShape = iota
	// ShapeDualFlow covers payloads with "product_in" and "product_out" lists.
	ShapeDualFlow
)

// Lineage is the provenance view of one transaction. For single-product
// transactions only Entries is populated; for dual-flow transactions the
// In and Out lists are populated instead.
type Lineage struct {
	Shape   LineageShape
	Entries []ProductLineageEntry
	In      []ProductLineageEntry
	Out     []ProductLineageEntry
}
