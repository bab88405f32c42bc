package domain

import "time"

// Transaction is a signed ledger record. Hash is the SHA-256 digest of the
// canonical signable form and doubles as the primary key. RawClientTimestamp
// is part of the signed payload and must be preserved byte-for-byte; the
// parsed ClientTimestamp exists only for ordering and display.
type Transaction struct {
	Hash               string             `json:"hash"`
	Type               int                `json:"type"`
	Mode               int                `json:"mode"`
	Transmitter        string             `json:"transmitter"`
	Receiver           string             `json:"receiver,omitempty"`
	ServerTimestamp    time.Time          `json:"server_timestamp"`
	ClientTimestamp    time.Time          `json:"client_timestamp"`
	RawClientTimestamp string             `json:"raw_client_timestamp"`
	Payload            map[string]any     `json:"data"`
	Signature          string             `json:"sign"`
	UpdatedQuantity    map[string]float64 `json:"updated_quantity,omitempty"`
	Errors             []string           `json:"errors,omitempty"`
}

// TransactionLink is a provenance edge: the owning transaction consumed the
// given product, and that unit's prior transaction is Input. The triple is
// unique; predecessor and successor graphs are reconstructed solely from
// these rows.
type TransactionLink struct {
	Transaction string `json:"t_hash"`
	Input       string `json:"input"`
	Product     string `json:"product"`
}

// TransactionSummary is the listing projection of a transaction.
type TransactionSummary struct {
	Hash            string
	Type            int
	Mode            int
	Transmitter     string
	Receiver        string
	ClientTimestamp time.Time
	ErrorCount      int
}

// TransactionListResult pairs a page of transactions with the total count.
type TransactionListResult struct {
	Items []TransactionSummary
	Total int64
}

// KeyListResult pairs a page of keys with the total count.
type KeyListResult struct {
	Items []Key
	Total int64
}
