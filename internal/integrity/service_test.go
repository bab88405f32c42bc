package integrity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altamira/traceledger/backend/internal/canonical"
	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/signature"
)

// signedTransaction builds a transaction whose identifier and signature are
// consistent with its content, the way a well-behaved client produces them.
func signedTransaction(t *testing.T, priv *rsa.PrivateKey) domain.Transaction {
	t.Helper()

	tx := domain.Transaction{
		Type:               1,
		Mode:               2,
		Transmitter:        "f0e1d2",
		Receiver:           "a1b2c3",
		ClientTimestamp:    time.Date(2023, 4, 1, 10, 30, 0, 0, time.UTC),
		RawClientTimestamp: "2023-04-01T10:30:00.000Z",
		Payload: map[string]any{
			"product": []any{[]any{"OLIVE-OIL", float64(120)}},
		},
	}

	encoded, err := canonical.Encode(tx)
	require.NoError(t, err)
	digest := canonical.Digest(encoded)
	tx.Hash = hex.EncodeToString(digest)

	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest)
	require.NoError(t, err)
	tx.Signature = hex.EncodeToString(sig)

	return tx
}

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return priv, pemText
}

func TestVerifyTransactionRoundTrip(t *testing.T) {
	priv, pub := testKeyPair(t)
	tx := signedTransaction(t, priv)
	svc := NewService()

	result, err := svc.VerifyTransaction(tx, pub)
	require.NoError(t, err)
	assert.True(t, result.HashMatches)
	assert.True(t, result.SignatureValid)
	assert.True(t, result.Authentic())
}

func TestVerifyTransactionIsIdempotent(t *testing.T) {
	priv, pub := testKeyPair(t)
	tx := signedTransaction(t, priv)
	svc := NewService()

	first, err := svc.VerifyTransaction(tx, pub)
	require.NoError(t, err)
	second, err := svc.VerifyTransaction(tx, pub)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Verification reads the record; it must not rewrite any field.
	recomputed, err := svc.ComputeIdentifier(tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash, recomputed)
}

func TestVerifyTransactionDetectsPayloadTampering(t *testing.T) {
	priv, pub := testKeyPair(t)
	tx := signedTransaction(t, priv)
	tx.Payload["product"] = []any{[]any{"OLIVE-OIL", float64(999)}}
	svc := NewService()

	result, err := svc.VerifyTransaction(tx, pub)
	require.NoError(t, err)
	assert.False(t, result.HashMatches)
	assert.False(t, result.SignatureValid)
}

func TestVerifyTransactionDetectsTimestampTampering(t *testing.T) {
	priv, pub := testKeyPair(t)
	tx := signedTransaction(t, priv)
	tx.RawClientTimestamp = "2023-04-01T10:30:00.001Z"
	svc := NewService()

	result, err := svc.VerifyTransaction(tx, pub)
	require.NoError(t, err)
	assert.False(t, result.HashMatches)
	assert.False(t, result.SignatureValid)
}

func TestVerifyTransactionDetectsSignatureTampering(t *testing.T) {
	priv, pub := testKeyPair(t)
	tx := signedTransaction(t, priv)

	raw, err := hex.DecodeString(tx.Signature)
	require.NoError(t, err)
	raw[0] ^= 0xff
	tx.Signature = hex.EncodeToString(raw)

	svc := NewService()
	result, err := svc.VerifyTransaction(tx, pub)
	require.NoError(t, err)
	assert.True(t, result.HashMatches)
	assert.False(t, result.SignatureValid)
}

func TestVerifyTransactionSignedByOtherKey(t *testing.T) {
	priv, _ := testKeyPair(t)
	_, otherPub := testKeyPair(t)
	tx := signedTransaction(t, priv)

	svc := NewService()
	result, err := svc.VerifyTransaction(tx, otherPub)
	require.NoError(t, err)
	assert.True(t, result.HashMatches)
	assert.False(t, result.SignatureValid)
}

func TestVerifyTransactionNonHexSignature(t *testing.T) {
	priv, pub := testKeyPair(t)
	tx := signedTransaction(t, priv)
	tx.Signature = "zz-not-hex"

	svc := NewService()
	result, err := svc.VerifyTransaction(tx, pub)
	require.NoError(t, err)
	assert.True(t, result.HashMatches)
	assert.False(t, result.SignatureValid)
}

func TestVerifyTransactionBadKeyMaterialSurfaces(t *testing.T) {
	priv, _ := testKeyPair(t)
	tx := signedTransaction(t, priv)

	svc := NewService()
	_, err := svc.VerifyTransaction(tx, "garbage key material")
	require.ErrorIs(t, err, signature.ErrKeyMaterial)
}

func TestVerifyTransactionUnencodablePayloadSurfaces(t *testing.T) {
	priv, pub := testKeyPair(t)
	tx := signedTransaction(t, priv)
	tx.Payload["bad"] = map[any]any{1: "x"}

	svc := NewService()
	_, err := svc.VerifyTransaction(tx, pub)
	require.ErrorIs(t, err, canonical.ErrEncoding)
}
