package canonical

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/altamira/traceledger/backend/internal/domain"
)

// Hash returns the lowercase hex SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest returns the raw SHA-256 digest of b, as signed by transmitters.
func Digest(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// KeyHash derives a key's identifier from its public-key text (UTF-8 bytes
// of the stored material). Key identifiers are always recomputed from the
// current material, never supplied externally.
func KeyHash(publicKey string) string {
	return Hash([]byte(publicKey))
}

// TransactionHash encodes tx canonically and hashes the result.
func TransactionHash(tx domain.Transaction) (string, error) {
	encoded, err := Encode(tx)
	if err != nil {
		return "", err
	}
	return Hash(encoded), nil
}
