// Package integrity answers the question "is this transaction's identifier
// correct and authentically signed?". It composes the canonical encoder,
// the hash engine, and the signature verifier; it holds no state and never
// mutates the records it checks.
package integrity

import (
	"encoding/hex"

	"github.com/altamira/traceledger/backend/internal/canonical"
	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/signature"
)

// VerificationResult reports the two trust checks on a transaction. The
// record is authentic iff both flags are true; no partial trust state
// exists beyond these.
type VerificationResult struct {
	HashMatches    bool
	SignatureValid bool
}

// Authentic reports whether both checks passed.
func (r VerificationResult) Authentic() bool {
	return r.HashMatches && r.SignatureValid
}

// Service verifies transaction integrity. It is safe for concurrent use.
type Service struct{}

// NewService returns a transaction integrity service.
func NewService() *Service {
	return &Service{}
}

// ComputeIdentifier derives the content hash of tx from its signable
// fields. Ingestion calls this before persisting a record; the stored
// identifier is never produced as a save-time side effect.
func (s *Service) ComputeIdentifier(tx domain.Transaction) (string, error) {
	return canonical.TransactionHash(tx)
}

// VerifyTransaction re-encodes tx, compares the computed digest against the
// stored identifier, and, when they match, verifies the stored signature
// over the computed digest under transmitterKey (PEM public-key material).
//
// A hash mismatch short-circuits to an invalid signature: the signature
// check is defined over the computed digest, so a record whose identifier
// does not match its content can never be considered validly signed.
//
// Errors are reserved for corrupt data (unencodable payload, unparsable key
// material); a failed signature is a normal negative outcome, not an error.
func (s *Service) VerifyTransaction(tx domain.Transaction, transmitterKey string) (VerificationResult, error) {
	encoded, err := canonical.Encode(tx)
	if err != nil {
		return VerificationResult{}, err
	}

	digest := canonical.Digest(encoded)
	if hex.EncodeToString(digest) != tx.Hash {
		return VerificationResult{HashMatches: false, SignatureValid: false}, nil
	}

	pub, err := signature.ParsePublicKey(transmitterKey)
	if err != nil {
		return VerificationResult{}, err
	}

	sig, err := hex.DecodeString(tx.Signature)
	if err != nil {
		// A signature that is not even hex is a verification failure,
		// same as any other malformed signature.
		return VerificationResult{HashMatches: true, SignatureValid: false}, nil
	}

	return VerificationResult{
		HashMatches:    true,
		SignatureValid: signature.Verify(pub, digest, sig),
	}, nil
}
