package domain

// KeyStatus is the lifecycle state of a registered public key.
type KeyStatus string

const (
	// KeyStatusNew marks a key awaiting approval. Only new keys may be removed.
	KeyStatusNew KeyStatus = "new"
	// KeyStatusActive marks a key accepted for signing transactions.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusInactive marks a key that was active and has been revoked.
	KeyStatusInactive KeyStatus = "inactive"
)

// ValidKeyStatus reports whether s is one of the known lifecycle states.
func ValidKeyStatus(s KeyStatus) bool {
	switch s {
	case KeyStatusNew, KeyStatusActive, KeyStatusInactive:
		return true
	}
	return false
}

// Key is a registered public key identifying a stage of the supply chain.
// Hash is always the SHA-256 digest of the public-key text; it is recomputed
// from PublicKey on every save and never taken from the caller.
type Key struct {
	Hash        string    `json:"hash"`
	PublicKey   string    `json:"public_key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      KeyStatus `json:"current_status"`
}

// Removable reports whether the key may still be deleted.
func (k Key) Removable() bool {
	return k.Status == KeyStatusNew
}
