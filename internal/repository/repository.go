// Package repository persists the ledger (keys, transactions, link edges)
// in a graph database behind the graph.Client contract.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/altamira/traceledger/backend/internal/canonical"
	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/graph"
)

// Repository encapsulates graph persistence operations for the ledger.
type Repository struct {
	client graph.Client
}

// New instantiates a Repository backed by the supplied graph client.
func New(client graph.Client) *Repository {
	return &Repository{client: client}
}

// SaveKey upserts a key node. The identifier is recomputed from the current
// public-key material on every save; any hash supplied by the caller is
// discarded.
func (r *Repository) SaveKey(ctx context.Context, key domain.Key) (domain.Key, error) {
	if strings.TrimSpace(key.PublicKey) == "" {
		return domain.Key{}, errors.New("public key material is required")
	}
	if key.Status == "" {
		key.Status = domain.KeyStatusNew
	}
	if !domain.ValidKeyStatus(key.Status) {
		return domain.Key{}, domain.ErrInvalidKeyStatus
	}

	key.Hash = canonical.KeyHash(key.PublicKey)

	params := map[string]any{
		"hash": key.Hash,
		"props": map[string]any{
			"publicKey":   key.PublicKey,
			"name":        key.Name,
			"description": key.Description,
			"status":      string(key.Status),
		},
	}
	if _, err := r.client.ExecuteWrite(ctx, upsertKeyCypher, params); err != nil {
		return domain.Key{}, fmt.Errorf("save key %s: %w", key.Hash, err)
	}
	return key, nil
}

// GetKey looks a key up by its identifier.
func (r *Repository) GetKey(ctx context.Context, hash string) (domain.Key, error) {
	res, err := r.client.ExecuteRead(ctx, getKeyCypher, map[string]any{"hash": hash})
	if err != nil {
		return domain.Key{}, fmt.Errorf("get key %s: %w", hash, err)
	}
	if len(res.Records) == 0 {
		return domain.Key{}, domain.ErrNotFound
	}
	return keyFromRecord(res.Records[0]), nil
}

// GetKeyByName looks a key up by its display name. Used by the search
// fallback when the term is not a known identifier.
func (r *Repository) GetKeyByName(ctx context.Context, name string) (domain.Key, error) {
	res, err := r.client.ExecuteRead(ctx, getKeyByNameCypher, map[string]any{"name": name})
	if err != nil {
		return domain.Key{}, fmt.Errorf("get key by name %q: %w", name, err)
	}
	if len(res.Records) == 0 {
		return domain.Key{}, domain.ErrNotFound
	}
	return keyFromRecord(res.Records[0]), nil
}

// ListKeys returns a page of keys, optionally filtered by lifecycle status.
func (r *Repository) ListKeys(ctx context.Context, opts domain.ListKeysOptions) (domain.KeyListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	params := map[string]any{
		"status": string(opts.Status),
		"skip":   offset,
		"limit":  limit,
	}

	res, err := r.client.ExecuteRead(ctx, listKeysCypher, params)
	if err != nil {
		return domain.KeyListResult{}, fmt.Errorf("list keys query: %w", err)
	}

	var keys []domain.Key
	for _, record := range res.Records {
		keys = append(keys, keyFromRecord(record))
	}

	countRes, err := r.client.ExecuteRead(ctx, countKeysCypher, params)
	if err != nil {
		return domain.KeyListResult{}, fmt.Errorf("count keys query: %w", err)
	}

	return domain.KeyListResult{
		Items: keys,
		Total: totalFromResult(countRes),
	}, nil
}

// UpdateKeyStatus moves a key to the given lifecycle state.
func (r *Repository) UpdateKeyStatus(ctx context.Context, hash string, status domain.KeyStatus) error {
	if !domain.ValidKeyStatus(status) {
		return domain.ErrInvalidKeyStatus
	}

	res, err := r.client.ExecuteWrite(ctx, updateKeyStatusCypher, map[string]any{
		"hash":   hash,
		"status": string(status),
	})
	if err != nil {
		return fmt.Errorf("update key status %s: %w", hash, err)
	}
	if len(res.Records) == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteKey removes a key, which is allowed only while its status is "new".
func (r *Repository) DeleteKey(ctx context.Context, hash string) error {
	key, err := r.GetKey(ctx, hash)
	if err != nil {
		return err
	}
	if !key.Removable() {
		return domain.ErrKeyNotRemovable
	}

	if _, err := r.client.ExecuteWrite(ctx, deleteKeyCypher, map[string]any{"hash": hash}); err != nil {
		return fmt.Errorf("delete key %s: %w", hash, err)
	}
	return nil
}

// InsertTransaction stores a transaction node along with its link edges.
// The identifier must already be computed by the caller; this layer never
// derives identifiers as a side effect.
func (r *Repository) InsertTransaction(ctx context.Context, tx domain.Transaction, links []domain.TransactionLink) error {
	if tx.Hash == "" {
		return errors.New("transaction hash is required")
	}
	if tx.Transmitter == "" {
		return errors.New("transmitter key hash is required")
	}

	payloadJSON, err := json.Marshal(tx.Payload)
	if err != nil {
		return fmt.Errorf("serialize payload for %s: %w", tx.Hash, err)
	}
	quantityJSON, err := json.Marshal(tx.UpdatedQuantity)
	if err != nil {
		return fmt.Errorf("serialize updated quantities for %s: %w", tx.Hash, err)
	}

	params := map[string]any{
		"hash": tx.Hash,
		"props": map[string]any{
			"type":                tx.Type,
			"mode":                tx.Mode,
			"transmitter":         tx.Transmitter,
			"receiver":            tx.Receiver,
			"serverTimestamp":     timeParam(tx.ServerTimestamp),
			"clientTimestamp":     timeParam(tx.ClientTimestamp),
			"rawClientTimestamp":  tx.RawClientTimestamp,
			"payloadJson":         string(payloadJSON),
			"sign":                tx.Signature,
			"updatedQuantityJson": string(quantityJSON),
			"errors":              tx.Errors,
		},
		"links": linkParams(links),
	}

	if _, err := r.client.ExecuteWrite(ctx, insertTransactionCypher, params); err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.Hash, err)
	}
	return nil
}

// GetTransaction looks a transaction up by its identifier.
func (r *Repository) GetTransaction(ctx context.Context, hash string) (domain.Transaction, error) {
	res, err := r.client.ExecuteRead(ctx, getTransactionCypher, map[string]any{"hash": hash})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction %s: %w", hash, err)
	}
	if len(res.Records) == 0 {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return transactionFromRecord(res.Records[0])
}

// ListTransactions returns a page of transactions ordered by client
// timestamp, newest first.
func (r *Repository) ListTransactions(ctx context.Context, opts domain.ListTransactionsOptions) (domain.TransactionListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	params := map[string]any{
		"transmitter": strings.TrimSpace(opts.Transmitter),
		"skip":        offset,
		"limit":       limit,
	}

	res, err := r.client.ExecuteRead(ctx, listTransactionsCypher, params)
	if err != nil {
		return domain.TransactionListResult{}, fmt.Errorf("list transactions query: %w", err)
	}

	var items []domain.TransactionSummary
	for _, record := range res.Records {
		item := domain.TransactionSummary{
			Hash:        toString(record["hash"]),
			Type:        toInt(record["type"]),
			Mode:        toInt(record["mode"]),
			Transmitter: toString(record["transmitter"]),
			Receiver:    toString(record["receiver"]),
			ErrorCount:  toInt(record["errorCount"]),
		}
		if ts := toTimePtr(record["clientTimestamp"]); ts != nil {
			item.ClientTimestamp = *ts
		}
		items = append(items, item)
	}

	countRes, err := r.client.ExecuteRead(ctx, countTransactionsCypher, params)
	if err != nil {
		return domain.TransactionListResult{}, fmt.Errorf("count transactions query: %w", err)
	}

	return domain.TransactionListResult{
		Items: items,
		Total: totalFromResult(countRes),
	}, nil
}

// FindLinkInputs returns the input-transaction identifiers of link edges
// owned by txHash for the given product, sorted for deterministic views.
func (r *Repository) FindLinkInputs(ctx context.Context, txHash, product string) ([]string, error) {
	res, err := r.client.ExecuteRead(ctx, linkInputsCypher, map[string]any{
		"hash":    txHash,
		"product": product,
	})
	if err != nil {
		return nil, fmt.Errorf("find link inputs for %s/%s: %w", txHash, product, err)
	}
	return sortedHashes(res, "inputHash"), nil
}

// FindLinkOutputs returns the owning-transaction identifiers of link edges
// whose input is txHash for the given product, sorted for deterministic views.
func (r *Repository) FindLinkOutputs(ctx context.Context, txHash, product string) ([]string, error) {
	res, err := r.client.ExecuteRead(ctx, linkOutputsCypher, map[string]any{
		"hash":    txHash,
		"product": product,
	})
	if err != nil {
		return nil, fmt.Errorf("find link outputs for %s/%s: %w", txHash, product, err)
	}
	return sortedHashes(res, "ownerHash"), nil
}

func sortedHashes(res graph.Result, field string) []string {
	var hashes []string
	for _, record := range res.Records {
		if h := toString(record[field]); h != "" {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)
	return hashes
}

func linkParams(links []domain.TransactionLink) []map[string]any {
	result := make([]map[string]any, 0, len(links))
	for _, link := range links {
		result = append(result, map[string]any{
			"input":   link.Input,
			"product": link.Product,
		})
	}
	return result
}

func keyFromRecord(record graph.Record) domain.Key {
	return domain.Key{
		Hash:        toString(record["hash"]),
		PublicKey:   toString(record["publicKey"]),
		Name:        toString(record["name"]),
		Description: toString(record["description"]),
		Status:      domain.KeyStatus(toString(record["status"])),
	}
}

func transactionFromRecord(record graph.Record) (domain.Transaction, error) {
	tx := domain.Transaction{
		Hash:               toString(record["hash"]),
		Type:               toInt(record["type"]),
		Mode:               toInt(record["mode"]),
		Transmitter:        toString(record["transmitter"]),
		Receiver:           toString(record["receiver"]),
		RawClientTimestamp: toString(record["rawClientTimestamp"]),
		Signature:          toString(record["sign"]),
	}
	if ts := toTimePtr(record["serverTimestamp"]); ts != nil {
		tx.ServerTimestamp = *ts
	}
	if ts := toTimePtr(record["clientTimestamp"]); ts != nil {
		tx.ClientTimestamp = *ts
	}

	if payloadJSON := toString(record["payloadJson"]); payloadJSON != "" {
		if err := decodePayload(payloadJSON, &tx.Payload); err != nil {
			return domain.Transaction{}, fmt.Errorf("decode payload for %s: %w", tx.Hash, err)
		}
	}
	if quantityJSON := toString(record["updatedQuantityJson"]); quantityJSON != "" {
		if err := json.Unmarshal([]byte(quantityJSON), &tx.UpdatedQuantity); err != nil {
			return domain.Transaction{}, fmt.Errorf("decode updated quantities for %s: %w", tx.Hash, err)
		}
	}
	if raw, ok := record["errors"].([]any); ok {
		for _, item := range raw {
			if s := toString(item); s != "" {
				tx.Errors = append(tx.Errors, s)
			}
		}
	}
	return tx, nil
}

func totalFromResult(res graph.Result) int64 {
	if len(res.Records) == 0 {
		return 0
	}
	switch v := res.Records[0]["total"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// decodePayload keeps numbers as json.Number so a stored payload re-encodes
// to the exact bytes it was signed over.
func decodePayload(raw string, dst *map[string]any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

// timeParam stores the zero time as null. An empty-string property would
// make datetime() ordering fail for the whole listing.
func timeParam(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func toInt(val any) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func toTimePtr(val any) *time.Time {
	switch v := val.(type) {
	case time.Time:
		return &v
	case string:
		if v == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return &parsed
		}
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			return &parsed
		}
	}
	return nil
}

const upsertKeyCypher = `
MERGE (k:Key {hash: $hash})
SET k += $props
RETURN k.hash AS hash
`

const getKeyCypher = `
MATCH (k:Key {hash: $hash})
RETURN k.hash AS hash,
       k.publicKey AS publicKey,
       k.name AS name,
       k.description AS description,
       k.status AS status
`

const getKeyByNameCypher = `
MATCH (k:Key {name: $name})
RETURN k.hash AS hash,
       k.publicKey AS publicKey,
       k.name AS name,
       k.description AS description,
       k.status AS status
ORDER BY k.hash
LIMIT 1
`

const listKeysCypher = `
MATCH (k:Key)
WHERE $status = "" OR k.status = $status
RETURN k.hash AS hash,
       k.publicKey AS publicKey,
       k.name AS name,
       k.description AS description,
       k.status AS status
ORDER BY toLower(k.name), k.hash
SKIP $skip LIMIT $limit
`

const countKeysCypher = `
MATCH (k:Key)
WHERE $status = "" OR k.status = $status
RETURN count(k) AS total
`

const updateKeyStatusCypher = `
MATCH (k:Key {hash: $hash})
SET k.status = $status
RETURN k.hash AS hash
`

const deleteKeyCypher = `
MATCH (k:Key {hash: $hash})
DETACH DELETE k
`

const insertTransactionCypher = `
MERGE (t:Transaction {hash: $hash})
SET t += $props
WITH t
FOREACH (link IN $links |
	MERGE (input:Transaction {hash: link.input})
	MERGE (t)-[e:INPUT {product: link.product}]->(input)
)
RETURN t.hash AS hash
`

const getTransactionCypher = `
MATCH (t:Transaction {hash: $hash})
RETURN t.hash AS hash,
       t.type AS type,
       t.mode AS mode,
       t.transmitter AS transmitter,
       t.receiver AS receiver,
       t.serverTimestamp AS serverTimestamp,
       t.clientTimestamp AS clientTimestamp,
       t.rawClientTimestamp AS rawClientTimestamp,
       t.payloadJson AS payloadJson,
       t.sign AS sign,
       t.updatedQuantityJson AS updatedQuantityJson,
       t.errors AS errors
`

const listTransactionsCypher = `
MATCH (t:Transaction)
WHERE t.type IS NOT NULL
  AND ($transmitter = "" OR t.transmitter = $transmitter)
RETURN t.hash AS hash,
       t.type AS type,
       t.mode AS mode,
       t.transmitter AS transmitter,
       t.receiver AS receiver,
       t.clientTimestamp AS clientTimestamp,
       size(coalesce(t.errors, [])) AS errorCount
ORDER BY coalesce(datetime(t.clientTimestamp), datetime({epochSeconds: 0})) DESC
SKIP $skip LIMIT $limit
`

const countTransactionsCypher = `
MATCH (t:Transaction)
WHERE t.type IS NOT NULL
  AND ($transmitter = "" OR t.transmitter = $transmitter)
RETURN count(t) AS total
`

const linkInputsCypher = `
MATCH (t:Transaction {hash: $hash})-[e:INPUT {product: $product}]->(input:Transaction)
RETURN input.hash AS inputHash
`

const linkOutputsCypher = `
MATCH (owner:Transaction)-[e:INPUT {product: $product}]->(t:Transaction {hash: $hash})
RETURN owner.hash AS ownerHash
`
