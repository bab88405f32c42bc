// Package store provides an embedded ledger store on BadgerDB for
// single-node deployments where running a graph database is not worth it.
// It implements the same persistence contract as the graph repository.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"github.com/altamira/traceledger/backend/internal/canonical"
	"github.com/altamira/traceledger/backend/internal/domain"
)

// Key layout:
//
//	key:<hash>                       key record (JSON)
//	keyname:<name>                   key hash (name index)
//	tx:<hash>                        transaction record (JSON)
//	link:<owner>:<product>:<input>   forward link edge
//	rlink:<input>:<product>:<owner>  reverse link edge
//
// Link-index segments are query-escaped: product codes are free-form and a
// literal ":" in one would shift the segment boundaries.
const (
	keyPrefix         = "key:"
	keyNamePrefix     = "keyname:"
	transactionPrefix = "tx:"
	linkPrefix        = "link:"
	reverseLinkPrefix = "rlink:"
)

// BadgerStore persists the ledger in an embedded BadgerDB instance.
type BadgerStore struct {
	db *badger.DB
}

// Open creates or opens a BadgerStore rooted at dir.
func Open(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC triggers a value-log garbage collection cycle.
func (s *BadgerStore) RunGC() error {
	return s.db.RunValueLogGC(0.5)
}

// SaveKey upserts a key record. The identifier is recomputed from the
// current public-key material; any caller-supplied hash is discarded.
func (s *BadgerStore) SaveKey(_ context.Context, key domain.Key) (domain.Key, error) {
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

	data, err := json.Marshal(key)
	if err != nil {
		return domain.Key{}, fmt.Errorf("serialize key %s: %w", key.Hash, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyPrefix+key.Hash), data); err != nil {
			return err
		}
		if key.Name != "" {
			return txn.Set([]byte(keyNamePrefix+key.Name), []byte(key.Hash))
		}
		return nil
	})
	if err != nil {
		return domain.Key{}, fmt.Errorf("save key %s: %w", key.Hash, err)
	}
	return key, nil
}

// GetKey looks a key up by its identifier.
func (s *BadgerStore) GetKey(_ context.Context, hash string) (domain.Key, error) {
	var key domain.Key
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, keyPrefix+hash, &key)
	})
	if err != nil {
		return domain.Key{}, err
	}
	return key, nil
}

// GetKeyByName looks a key up through the name index.
func (s *BadgerStore) GetKeyByName(ctx context.Context, name string) (domain.Key, error) {
	var hash string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyNamePrefix + name))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			hash = string(val)
			return nil
		})
	})
	if err != nil {
		return domain.Key{}, err
	}
	return s.GetKey(ctx, hash)
}

// ListKeys returns a page of keys, optionally filtered by lifecycle status.
// Keys are ordered by lowercased name, then hash.
func (s *BadgerStore) ListKeys(_ context.Context, opts domain.ListKeysOptions) (domain.KeyListResult, error) {
	var keys []domain.Key
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keyPrefix, func(val []byte) error {
			var key domain.Key
			if err := decodeRecord(val, &key); err != nil {
				return err
			}
			if opts.Status == "" || key.Status == opts.Status {
				keys = append(keys, key)
			}
			return nil
		})
	})
	if err != nil {
		return domain.KeyListResult{}, fmt.Errorf("list keys: %w", err)
	}

	sort.Slice(keys, func(i, j int) bool {
		ni, nj := strings.ToLower(keys[i].Name), strings.ToLower(keys[j].Name)
		if ni != nj {
			return ni < nj
		}
		return keys[i].Hash < keys[j].Hash
	})

	total := int64(len(keys))
	page := paginateKeys(keys, opts.Offset, opts.Limit)
	return domain.KeyListResult{Items: page, Total: total}, nil
}

// UpdateKeyStatus moves a key to the given lifecycle state.
func (s *BadgerStore) UpdateKeyStatus(_ context.Context, hash string, status domain.KeyStatus) error {
	if !domain.ValidKeyStatus(status) {
		return domain.ErrInvalidKeyStatus
	}

	return s.db.Update(func(txn *badger.Txn) error {
		var key domain.Key
		if err := readJSON(txn, keyPrefix+hash, &key); err != nil {
			return err
		}
		key.Status = status

		data, err := json.Marshal(key)
		if err != nil {
			return fmt.Errorf("serialize key %s: %w", hash, err)
		}
		return txn.Set([]byte(keyPrefix+hash), data)
	})
}

// DeleteKey removes a key, which is allowed only while its status is "new".
func (s *BadgerStore) DeleteKey(_ context.Context, hash string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var key domain.Key
		if err := readJSON(txn, keyPrefix+hash, &key); err != nil {
			return err
		}
		if !key.Removable() {
			return domain.ErrKeyNotRemovable
		}
		if err := txn.Delete([]byte(keyPrefix + hash)); err != nil {
			return err
		}
		if key.Name != "" {
			return txn.Delete([]byte(keyNamePrefix + key.Name))
		}
		return nil
	})
}

// InsertTransaction stores a transaction record and its link edges in a
// single write transaction.
func (s *BadgerStore) InsertTransaction(_ context.Context, tx domain.Transaction, links []domain.TransactionLink) error {
	if tx.Hash == "" {
		return errors.New("transaction hash is required")
	}
	if tx.Transmitter == "" {
		return errors.New("transmitter key hash is required")
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("serialize transaction %s: %w", tx.Hash, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(transactionPrefix+tx.Hash), data); err != nil {
			return err
		}
		for _, link := range links {
			forward := linkPrefix + linkSegments(tx.Hash, link.Product, link.Input)
			reverse := reverseLinkPrefix + linkSegments(link.Input, link.Product, tx.Hash)
			if err := txn.Set([]byte(forward), nil); err != nil {
				return err
			}
			if err := txn.Set([]byte(reverse), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.Hash, err)
	}
	return nil
}

// GetTransaction looks a transaction up by its identifier.
func (s *BadgerStore) GetTransaction(_ context.Context, hash string) (domain.Transaction, error) {
	var tx domain.Transaction
	err := s.db.View(func(txn *badger.Txn) error {
		return readJSON(txn, transactionPrefix+hash, &tx)
	})
	if err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// ListTransactions returns a page of transactions ordered by client
// timestamp, newest first.
func (s *BadgerStore) ListTransactions(_ context.Context, opts domain.ListTransactionsOptions) (domain.TransactionListResult, error) {
	transmitter := strings.TrimSpace(opts.Transmitter)

	var items []domain.TransactionSummary
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, transactionPrefix, func(val []byte) error {
			var tx domain.Transaction
			if err := decodeRecord(val, &tx); err != nil {
				return err
			}
			if transmitter != "" && tx.Transmitter != transmitter {
				return nil
			}
			items = append(items, domain.TransactionSummary{
				Hash:            tx.Hash,
				Type:            tx.Type,
				Mode:            tx.Mode,
				Transmitter:     tx.Transmitter,
				Receiver:        tx.Receiver,
				ClientTimestamp: tx.ClientTimestamp,
				ErrorCount:      len(tx.Errors),
			})
			return nil
		})
	})
	if err != nil {
		return domain.TransactionListResult{}, fmt.Errorf("list transactions: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].ClientTimestamp.Equal(items[j].ClientTimestamp) {
			return items[i].ClientTimestamp.After(items[j].ClientTimestamp)
		}
		return items[i].Hash < items[j].Hash
	})

	total := int64(len(items))
	page := paginateSummaries(items, opts.Offset, opts.Limit)
	return domain.TransactionListResult{Items: page, Total: total}, nil
}

// FindLinkInputs returns input-transaction identifiers of link edges owned
// by txHash for the given product, sorted.
func (s *BadgerStore) FindLinkInputs(_ context.Context, txHash, product string) ([]string, error) {
	return s.scanLinkIndex(linkPrefix + escapeSegment(txHash) + ":" + escapeSegment(product) + ":")
}

// FindLinkOutputs returns owning-transaction identifiers of link edges
// whose input is txHash for the given product, sorted.
func (s *BadgerStore) FindLinkOutputs(_ context.Context, txHash, product string) ([]string, error) {
	return s.scanLinkIndex(reverseLinkPrefix + escapeSegment(txHash) + ":" + escapeSegment(product) + ":")
}

func (s *BadgerStore) scanLinkIndex(prefix string) ([]string, error) {
	var hashes []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			full := string(it.Item().Key())
			hash, err := url.QueryUnescape(strings.TrimPrefix(full, prefix))
			if err != nil {
				return fmt.Errorf("corrupt link key %q: %w", full, err)
			}
			hashes = append(hashes, hash)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan link index %q: %w", prefix, err)
	}
	sort.Strings(hashes)
	return hashes, nil
}

func linkSegments(first, product, last string) string {
	return escapeSegment(first) + ":" + escapeSegment(product) + ":" + escapeSegment(last)
}

// escapeSegment keeps ":" a safe separator in link index keys. Transaction
// identifiers are hex and pass through unchanged; product codes are
// free-form.
func escapeSegment(s string) string {
	return url.QueryEscape(s)
}

func readJSON(txn *badger.Txn, key string, dst any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return decodeRecord(val, dst)
	})
}

// decodeRecord keeps payload numbers as json.Number so a stored transaction
// re-encodes to the exact bytes it was signed over.
func decodeRecord(val []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(val))
	dec.UseNumber()
	return dec.Decode(dst)
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 100
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func paginateKeys(keys []domain.Key, offset, limit int) []domain.Key {
	start, end := pageBounds(len(keys), offset, limit)
	return keys[start:end]
}

func paginateSummaries(items []domain.TransactionSummary, offset, limit int) []domain.TransactionSummary {
	start, end := pageBounds(len(items), offset, limit)
	return items[start:end]
}

func pageBounds(length, offset, limit int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	if offset > length {
		return length, length
	}
	end := offset + limit
	if end > length {
		end = length
	}
	return offset, end
}
