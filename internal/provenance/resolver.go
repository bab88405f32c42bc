// Package provenance reconstructs per-product lineage views from the link
// table: for each product a transaction touches, which prior transactions
// fed into it and which later transactions consumed its output.
package provenance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/altamira/traceledger/backend/internal/domain"
)

// LinkStore is the read-only link-table contract the resolver depends on.
// Both directions of the same edge set are exposed: inputs of an owning
// transaction, and owners that consumed a given input.
type LinkStore interface {
	// FindLinkInputs returns the input-transaction identifiers of links
	// owned by txHash for the given product.
	FindLinkInputs(ctx context.Context, txHash, product string) ([]string, error)
	// FindLinkOutputs returns the owning-transaction identifiers of links
	// whose input is txHash for the given product.
	FindLinkOutputs(ctx context.Context, txHash, product string) ([]string, error)
}

// Resolver builds lineage views. It issues only read queries and keeps no
// state between calls, so a single instance serves concurrent requests.
type Resolver struct {
	links LinkStore
}

// NewResolver returns a Resolver backed by the given link store.
func NewResolver(links LinkStore) *Resolver {
	return &Resolver{links: links}
}

// ResolveLineage expands tx's payload into its per-product lineage view.
// Predecessors are resolved for the consuming side (single list, or
// product_in), successors for the producing side (single list, or
// product_out). A payload with no recognized shape fails with
// ErrPayloadShape and produces no partial entries.
func (r *Resolver) ResolveLineage(ctx context.Context, tx domain.Transaction) (domain.Lineage, error) {
	shape, err := ParsePayload(tx.Payload)
	if err != nil {
		return domain.Lineage{}, err
	}

	switch shape.Shape {
	case domain.ShapeSingleProduct:
		entries := buildEntries(shape.Entries, shape.NewID, tx.UpdatedQuantity)
		if err := r.attachPredecessors(ctx, tx.Hash, entries); err != nil {
			return domain.Lineage{}, err
		}
		if err := r.attachSuccessors(ctx, tx.Hash, entries); err != nil {
			return domain.Lineage{}, err
		}
		return domain.Lineage{Shape: domain.ShapeSingleProduct, Entries: entries}, nil

	default:
		// Minted identifiers apply to the produced side only; inputs keep
		// whatever identifier or quantity their pair carries.
		in := buildEntries(shape.In, "", tx.UpdatedQuantity)
		out := buildEntries(shape.Out, shape.NewID, tx.UpdatedQuantity)
		if err := r.attachPredecessors(ctx, tx.Hash, in); err != nil {
			return domain.Lineage{}, err
		}
		if err := r.attachSuccessors(ctx, tx.Hash, out); err != nil {
			return domain.Lineage{}, err
		}
		return domain.Lineage{Shape: domain.ShapeDualFlow, In: in, Out: out}, nil
	}
}

// buildEntries maps payload pairs to lineage entries. A minted identifier
// takes precedence over the pair's own value; otherwise a string value is an
// existing identifier and anything else is a quantity, with nil meaning
// "resolve from the ledger-computed amount".
func buildEntries(pairs []ProductPair, newID string, resolved map[string]float64) []domain.ProductLineageEntry {
	entries := make([]domain.ProductLineageEntry, 0, len(pairs))
	for _, pair := range pairs {
		entry := domain.ProductLineageEntry{Product: pair.Product}
		switch {
		case newID != "":
			entry.NewID = newID
		default:
			switch v := pair.Value.(type) {
			case string:
				entry.ID = v
			case float64:
				qty := v
				entry.Quantity = &qty
			case int:
				qty := float64(v)
				entry.Quantity = &qty
			case json.Number:
				if qty, err := v.Float64(); err == nil {
					entry.Quantity = &qty
				}
			case nil:
				if qty, ok := resolved[pair.Product]; ok {
					resolvedQty := qty
					entry.Quantity = &resolvedQty
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func (r *Resolver) attachPredecessors(ctx context.Context, txHash string, entries []domain.ProductLineageEntry) error {
	for i := range entries {
		inputs, err := r.links.FindLinkInputs(ctx, txHash, entries[i].Product)
		if err != nil {
			return fmt.Errorf("resolve predecessors for %s: %w", entries[i].Product, err)
		}
		entries[i].Predecessors = inputs
	}
	return nil
}

func (r *Resolver) attachSuccessors(ctx context.Context, txHash string, entries []domain.ProductLineageEntry) error {
	for i := range entries {
		owners, err := r.links.FindLinkOutputs(ctx, txHash, entries[i].Product)
		if err != nil {
			return fmt.Errorf("resolve successors for %s: %w", entries[i].Product, err)
		}
		entries[i].Successors = owners
	}
	return nil
}
