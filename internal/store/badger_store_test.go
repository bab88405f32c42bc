package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altamira/traceledger/backend/internal/canonical"
	"github.com/altamira/traceledger/backend/internal/domain"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveKeyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveKey(ctx, domain.Key{
		Hash:        "stale",
		PublicKey:   "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
		Name:        "plant-a",
		Description: "line 1 signer",
	})
	require.NoError(t, err)
	assert.Equal(t, canonical.KeyHash(saved.PublicKey), saved.Hash)
	assert.Equal(t, domain.KeyStatusNew, saved.Status)

	got, err := s.GetKey(ctx, saved.Hash)
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	byName, err := s.GetKeyByName(ctx, "plant-a")
	require.NoError(t, err)
	assert.Equal(t, saved.Hash, byName.Hash)
}

func TestGetKeyNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetKey(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.GetKeyByName(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateKeyStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveKey(ctx, domain.Key{PublicKey: "material", Name: "plant-a"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateKeyStatus(ctx, saved.Hash, domain.KeyStatusActive))

	got, err := s.GetKey(ctx, saved.Hash)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyStatusActive, got.Status)

	err = s.UpdateKeyStatus(ctx, saved.Hash, domain.KeyStatus("bogus"))
	require.ErrorIs(t, err, domain.ErrInvalidKeyStatus)

	err = s.UpdateKeyStatus(ctx, "missing", domain.KeyStatusActive)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveKey(ctx, domain.Key{PublicKey: "material", Name: "plant-a"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateKeyStatus(ctx, saved.Hash, domain.KeyStatusActive))
	require.ErrorIs(t, s.DeleteKey(ctx, saved.Hash), domain.ErrKeyNotRemovable)

	require.NoError(t, s.UpdateKeyStatus(ctx, saved.Hash, domain.KeyStatusNew))
	require.NoError(t, s.DeleteKey(ctx, saved.Hash))

	_, err = s.GetKey(ctx, saved.Hash)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetKeyByName(ctx, "plant-a")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListKeysFilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, spec := range []struct {
		name   string
		status domain.KeyStatus
	}{
		{"warehouse", domain.KeyStatusActive},
		{"assembly", domain.KeyStatusNew},
		{"packaging", domain.KeyStatusActive},
	} {
		_, err := s.SaveKey(ctx, domain.Key{
			PublicKey: fmt.Sprintf("material-%d", i),
			Name:      spec.name,
			Status:    spec.status,
		})
		require.NoError(t, err)
	}

	all, err := s.ListKeys(ctx, domain.ListKeysOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(3), all.Total)
	assert.Equal(t, "assembly", all.Items[0].Name)
	assert.Equal(t, "packaging", all.Items[1].Name)
	assert.Equal(t, "warehouse", all.Items[2].Name)

	active, err := s.ListKeys(ctx, domain.ListKeysOptions{Status: domain.KeyStatusActive})
	require.NoError(t, err)
	require.Equal(t, int64(2), active.Total)
	for _, key := range active.Items {
		assert.Equal(t, domain.KeyStatusActive, key.Status)
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx := domain.Transaction{
		Hash:               "T1",
		Type:               2,
		Mode:               1,
		Transmitter:        "key-a",
		Receiver:           "key-b",
		ClientTimestamp:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RawClientTimestamp: "2026-03-01T10:00:00Z",
		Payload:            map[string]any{"product": []any{[]any{"P", nil}}},
		Signature:          "deadbeef",
		UpdatedQuantity:    map[string]float64{"P": 12.5},
		Errors:             []string{"SignatureInvalid"},
	}

	require.NoError(t, s.InsertTransaction(ctx, tx, nil))

	got, err := s.GetTransaction(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, tx.Transmitter, got.Transmitter)
	assert.Equal(t, tx.UpdatedQuantity, got.UpdatedQuantity)
	assert.Equal(t, tx.Errors, got.Errors)
	assert.True(t, tx.ClientTimestamp.Equal(got.ClientTimestamp))
}

func TestTransactionPayloadNumbersSurviveStorage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx := domain.Transaction{
		Hash:               "T1",
		Type:               1,
		Transmitter:        "key-a",
		RawClientTimestamp: "2026-03-01T10:00:00Z",
		Payload:            map[string]any{"product": []any{[]any{"P1", json.Number("50.0")}}},
	}
	require.NoError(t, s.InsertTransaction(ctx, tx, nil))

	got, err := s.GetTransaction(ctx, "T1")
	require.NoError(t, err)

	// The stored payload must re-encode to the exact signed bytes: 50.0
	// collapsing to 50 would change the digest.
	want, err := canonical.Encode(tx)
	require.NoError(t, err)
	reencoded, err := canonical.Encode(got)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(reencoded))
	assert.Contains(t, string(reencoded), "50.0")
}

func TestListTransactionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tx := domain.Transaction{
			Hash:            fmt.Sprintf("T%d", i),
			Transmitter:     "key-a",
			ClientTimestamp: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.InsertTransaction(ctx, tx, nil))
	}

	result, err := s.ListTransactions(ctx, domain.ListTransactionsOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Total)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "T4", result.Items[0].Hash)
	assert.Equal(t, "T3", result.Items[1].Hash)

	next, err := s.ListTransactions(ctx, domain.ListTransactionsOptions{Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, next.Items, 2)
	assert.Equal(t, "T2", next.Items[0].Hash)
}

func TestListTransactionsFiltersTransmitter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTransaction(ctx, domain.Transaction{Hash: "T1", Transmitter: "key-a"}, nil))
	require.NoError(t, s.InsertTransaction(ctx, domain.Transaction{Hash: "T2", Transmitter: "key-b"}, nil))

	result, err := s.ListTransactions(ctx, domain.ListTransactionsOptions{Transmitter: "key-b"})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "T2", result.Items[0].Hash)
}

func TestLinkIndexes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// T2 consumes product P from both T0 and T1; T3 consumes P from T2.
	require.NoError(t, s.InsertTransaction(ctx, domain.Transaction{Hash: "T2", Transmitter: "k"}, []domain.TransactionLink{
		{Transaction: "T2", Input: "T1", Product: "P"},
		{Transaction: "T2", Input: "T0", Product: "P"},
	}))
	require.NoError(t, s.InsertTransaction(ctx, domain.Transaction{Hash: "T3", Transmitter: "k"}, []domain.TransactionLink{
		{Transaction: "T3", Input: "T2", Product: "P"},
	}))

	inputs, err := s.FindLinkInputs(ctx, "T2", "P")
	require.NoError(t, err)
	assert.Equal(t, []string{"T0", "T1"}, inputs)

	outputs, err := s.FindLinkOutputs(ctx, "T2", "P")
	require.NoError(t, err)
	assert.Equal(t, []string{"T3"}, outputs)

	none, err := s.FindLinkInputs(ctx, "T2", "OTHER")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLinkIndexProductWithSeparator(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Product codes are free-form; a ":" in one must not bleed into
	// neighboring index segments.
	require.NoError(t, s.InsertTransaction(ctx, domain.Transaction{Hash: "T2", Transmitter: "k"}, []domain.TransactionLink{
		{Transaction: "T2", Input: "T1", Product: "OIL:EXTRA"},
		{Transaction: "T2", Input: "T9", Product: "OIL"},
	}))

	extra, err := s.FindLinkInputs(ctx, "T2", "OIL:EXTRA")
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, extra)

	plain, err := s.FindLinkInputs(ctx, "T2", "OIL")
	require.NoError(t, err)
	assert.Equal(t, []string{"T9"}, plain)

	outputs, err := s.FindLinkOutputs(ctx, "T1", "OIL:EXTRA")
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, outputs)
}
