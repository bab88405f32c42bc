package service

import (
	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/integrity"
)

// Error codes accumulated on a transaction during ingestion. The order of
// accumulation is preserved in the stored record.
const (
	ErrorCodeHashMismatch        = "HashMismatch"
	ErrorCodeSignatureInvalid    = "SignatureInvalid"
	ErrorCodeUnknownTransmitter  = "UnknownTransmitter"
	ErrorCodeTransmitterInactive = "TransmitterInactive"
	ErrorCodeBadClientTimestamp  = "BadClientTimestamp"
	ErrorCodePayloadShape        = "PayloadShape"
)

// KeyInput is a key registration payload. The identifier is always derived
// from the public-key material server-side.
type KeyInput struct {
	PublicKey   string `json:"public_key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LinkInput declares one consumed input of a submitted transaction.
type LinkInput struct {
	Input   string `json:"input"`
	Product string `json:"product"`
}

// TransactionInput is a transaction submission. Timestamp carries the
// client-claimed time exactly as signed; it is stored verbatim because any
// reformatting would change the content hash.
type TransactionInput struct {
	Hash        string         `json:"hash"`
	Type        int            `json:"type"`
	Mode        int            `json:"mode"`
	Transmitter string         `json:"transmitter"`
	Receiver    string         `json:"receiver"`
	Timestamp   string         `json:"timestamp"`
	Payload     map[string]any `json:"data"`
	Signature   string         `json:"sign"`
	Links       []LinkInput    `json:"links"`
}

// PaginationMeta captures pagination metadata returned to API clients.
type PaginationMeta struct {
	Page       int
	PageSize   int
	TotalItems int64
	TotalPages int
}

// KeysPage represents paginated keys with metadata.
type KeysPage struct {
	Items      []domain.Key
	Pagination PaginationMeta
}

// TransactionsPage represents paginated transaction summaries with metadata.
type TransactionsPage struct {
	Items      []domain.TransactionSummary
	Pagination PaginationMeta
}

// ListKeysParams defines filters for listing keys.
type ListKeysParams struct {
	Page     int
	PageSize int
	Status   domain.KeyStatus
}

// ListTransactionsParams defines filters for listing transactions.
type ListTransactionsParams struct {
	Page        int
	PageSize    int
	Transmitter string
}

// TransactionDetail is the full view of a stored transaction: the record,
// its verification outcome, and its lineage. Verification is nil when the
// transmitter key is no longer in the registry. LineageError carries a
// per-transaction payload-shape failure instead of failing the whole view.
type TransactionDetail struct {
	Transaction  domain.Transaction
	Verification *integrity.VerificationResult
	Lineage      *domain.Lineage
	LineageError string
}
