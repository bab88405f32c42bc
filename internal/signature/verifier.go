// Package signature validates transaction signatures against registered
// public keys. The ledger's key format is fixed: RSA keys in PEM, signing
// SHA-256 digests with PKCS#1 v1.5 padding.
package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrKeyMaterial indicates the stored public key cannot be parsed. This is a
// registry data problem and is kept distinct from a failed verification,
// which is an expected outcome for tampered or forged records.
var ErrKeyMaterial = errors.New("public key material cannot be parsed")

// ParsePublicKey decodes PEM-encoded RSA public-key material. Both PKIX
// ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") bodies are accepted, since
// registered keys predate a single convention.
func ParsePublicKey(material string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(material))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrKeyMaterial)
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrKeyMaterial)
		}
		return pub, nil
	}

	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return pub, nil
}

// Verify reports whether sig is a valid PKCS#1 v1.5 signature of the given
// SHA-256 digest under pub. Malformed signature bytes are a verification
// failure, never an error: a garbled signature is indistinguishable from a
// forged one as far as trust decisions go.
func Verify(pub *rsa.PublicKey, digest []byte, sig []byte) bool {
	if pub == nil || len(digest) == 0 {
		return false
	}
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig) == nil
}
