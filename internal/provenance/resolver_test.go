package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altamira/traceledger/backend/internal/domain"
)

// stubLinkStore serves canned link rows keyed by (tx, product).
type stubLinkStore struct {
	links []domain.TransactionLink
	err   error
}

func (s *stubLinkStore) FindLinkInputs(_ context.Context, txHash, product string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	var inputs []string
	for _, link := range s.links {
		if link.Transaction == txHash && link.Product == product {
			inputs = append(inputs, link.Input)
		}
	}
	sort.Strings(inputs)
	return inputs, nil
}

func (s *stubLinkStore) FindLinkOutputs(_ context.Context, txHash, product string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	var owners []string
	for _, link := range s.links {
		if link.Input == txHash && link.Product == product {
			owners = append(owners, link.Transaction)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func TestResolveLineageChain(t *testing.T) {
	// A -> B -> C for product P: B's view shows A upstream and C downstream.
	store := &stubLinkStore{links: []domain.TransactionLink{
		{Transaction: "B", Input: "A", Product: "P"},
		{Transaction: "C", Input: "B", Product: "P"},
	}}
	resolver := NewResolver(store)

	tx := domain.Transaction{
		Hash:    "B",
		Payload: map[string]any{"product": []any{[]any{"P", float64(10)}}},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, lineage.Entries, 1)

	entry := lineage.Entries[0]
	assert.Equal(t, "P", entry.Product)
	assert.Equal(t, []string{"A"}, entry.Predecessors)
	assert.Equal(t, []string{"C"}, entry.Successors)
}

func TestResolveLineageNullQuantityUsesResolvedMap(t *testing.T) {
	resolver := NewResolver(&stubLinkStore{})

	tx := domain.Transaction{
		Hash:            "T1",
		Payload:         map[string]any{"product": []any{[]any{"P1", nil}}},
		UpdatedQuantity: map[string]float64{"P1": 42},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, lineage.Entries, 1)
	require.NotNil(t, lineage.Entries[0].Quantity)
	assert.Equal(t, 42.0, *lineage.Entries[0].Quantity)
}

func TestResolveLineageExplicitQuantityIsAuthoritative(t *testing.T) {
	resolver := NewResolver(&stubLinkStore{})

	tx := domain.Transaction{
		Hash:            "T1",
		Payload:         map[string]any{"product": []any{[]any{"P1", float64(7)}}},
		UpdatedQuantity: map[string]float64{"P1": 42},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.NoError(t, err)
	require.NotNil(t, lineage.Entries[0].Quantity)
	assert.Equal(t, 7.0, *lineage.Entries[0].Quantity)
}

func TestResolveLineageNumberValueIsQuantity(t *testing.T) {
	// Payloads decoded off the wire or out of storage carry json.Number.
	resolver := NewResolver(&stubLinkStore{})

	tx := domain.Transaction{
		Hash:    "T1",
		Payload: map[string]any{"product": []any{[]any{"P1", json.Number("50.0")}}},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.NoError(t, err)
	require.NotNil(t, lineage.Entries[0].Quantity)
	assert.Equal(t, 50.0, *lineage.Entries[0].Quantity)
}

func TestResolveLineageStringValueIsIdentifier(t *testing.T) {
	resolver := NewResolver(&stubLinkStore{})

	tx := domain.Transaction{
		Hash:    "T1",
		Payload: map[string]any{"product": []any{[]any{"P1", "UNIT-0042"}}},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "UNIT-0042", lineage.Entries[0].ID)
	assert.Nil(t, lineage.Entries[0].Quantity)
}

func TestResolveLineageMintedIDTakesPrecedence(t *testing.T) {
	resolver := NewResolver(&stubLinkStore{})

	tx := domain.Transaction{
		Hash: "T1",
		Payload: map[string]any{
			"new_id":  "UNIT-0099",
			"product": []any{[]any{"P1", "UNIT-0042"}},
		},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "UNIT-0099", lineage.Entries[0].NewID)
	assert.Empty(t, lineage.Entries[0].ID)
}

func TestResolveLineageDualFlow(t *testing.T) {
	store := &stubLinkStore{links: []domain.TransactionLink{
		{Transaction: "T2", Input: "T1", Product: "RAW"},
		{Transaction: "T3", Input: "T2", Product: "REFINED"},
	}}
	resolver := NewResolver(store)

	tx := domain.Transaction{
		Hash: "T2",
		Payload: map[string]any{
			"new_id":      "BATCH-7",
			"product_in":  []any{[]any{"RAW", nil}},
			"product_out": []any{[]any{"REFINED", float64(50)}},
		},
		UpdatedQuantity: map[string]float64{"RAW": 80},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeDualFlow, lineage.Shape)
	assert.Empty(t, lineage.Entries)

	require.Len(t, lineage.In, 1)
	assert.Equal(t, []string{"T1"}, lineage.In[0].Predecessors)
	require.NotNil(t, lineage.In[0].Quantity)
	assert.Equal(t, 80.0, *lineage.In[0].Quantity)
	// new_id binds to the produced side only.
	assert.Empty(t, lineage.In[0].NewID)

	require.Len(t, lineage.Out, 1)
	assert.Equal(t, []string{"T3"}, lineage.Out[0].Successors)
	assert.Equal(t, "BATCH-7", lineage.Out[0].NewID)
}

func TestResolveLineageMalformedPayload(t *testing.T) {
	resolver := NewResolver(&stubLinkStore{})

	tx := domain.Transaction{
		Hash:    "T1",
		Payload: map[string]any{"something_else": true},
	}

	lineage, err := resolver.ResolveLineage(context.Background(), tx)
	require.ErrorIs(t, err, ErrPayloadShape)
	assert.Empty(t, lineage.Entries)
	assert.Empty(t, lineage.In)
	assert.Empty(t, lineage.Out)
}

func TestResolveLineageHalfDualShapeIsMalformed(t *testing.T) {
	resolver := NewResolver(&stubLinkStore{})

	tx := domain.Transaction{
		Hash:    "T1",
		Payload: map[string]any{"product_in": []any{[]any{"P", nil}}},
	}

	_, err := resolver.ResolveLineage(context.Background(), tx)
	require.ErrorIs(t, err, ErrPayloadShape)
}

func TestResolveLineageLinkStoreErrorPropagates(t *testing.T) {
	boom := errors.New("bolt session lost")
	resolver := NewResolver(&stubLinkStore{err: boom})

	tx := domain.Transaction{
		Hash:    "T1",
		Payload: map[string]any{"product": []any{[]any{"P", nil}}},
	}

	_, err := resolver.ResolveLineage(context.Background(), tx)
	require.ErrorIs(t, err, boom)
}

func TestParsePayloadRejectsBadPairs(t *testing.T) {
	_, err := ParsePayload(map[string]any{"product": "not-a-list"})
	require.ErrorIs(t, err, ErrPayloadShape)

	_, err = ParsePayload(map[string]any{"product": []any{[]any{"P"}}})
	require.ErrorIs(t, err, ErrPayloadShape)

	_, err = ParsePayload(map[string]any{"product": []any{[]any{42, nil}}})
	require.ErrorIs(t, err, ErrPayloadShape)
}
