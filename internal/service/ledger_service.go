package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/integrity"
	"github.com/altamira/traceledger/backend/internal/provenance"
)

// LedgerStore is the persistence contract required by the ledger service.
// Both the graph repository and the embedded badger store satisfy it.
type LedgerStore interface {
	SaveKey(ctx context.Context, key domain.Key) (domain.Key, error)
	GetKey(ctx context.Context, hash string) (domain.Key, error)
	GetKeyByName(ctx context.Context, name string) (domain.Key, error)
	ListKeys(ctx context.Context, opts domain.ListKeysOptions) (domain.KeyListResult, error)
	UpdateKeyStatus(ctx context.Context, hash string, status domain.KeyStatus) error
	DeleteKey(ctx context.Context, hash string) error

	InsertTransaction(ctx context.Context, tx domain.Transaction, links []domain.TransactionLink) error
	GetTransaction(ctx context.Context, hash string) (domain.Transaction, error)
	ListTransactions(ctx context.Context, opts domain.ListTransactionsOptions) (domain.TransactionListResult, error)

	FindLinkInputs(ctx context.Context, txHash, product string) ([]string, error)
	FindLinkOutputs(ctx context.Context, txHash, product string) ([]string, error)
}

// LedgerService orchestrates key lifecycle, transaction ingestion, and
// detail views, delegating persistence to the store.
type LedgerService struct {
	store     LedgerStore
	integrity *integrity.Service
	resolver  *provenance.Resolver
	nowFn     func() time.Time
}

// NewLedgerService constructs a LedgerService over the given store.
func NewLedgerService(store LedgerStore) *LedgerService {
	return &LedgerService{
		store:     store,
		integrity: integrity.NewService(),
		resolver:  provenance.NewResolver(store),
		nowFn:     time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (s *LedgerService) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// RegisterKey stores a new key in the registry. The identifier is derived
// from the public-key material; whatever the client claims is ignored. New
// keys start in the "new" state and must be activated explicitly.
func (s *LedgerService) RegisterKey(ctx context.Context, input KeyInput) (domain.Key, error) {
	if strings.TrimSpace(input.PublicKey) == "" {
		return domain.Key{}, fmt.Errorf("public key material is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return domain.Key{}, fmt.Errorf("key name is required")
	}

	return s.store.SaveKey(ctx, domain.Key{
		PublicKey:   input.PublicKey,
		Name:        strings.TrimSpace(input.Name),
		Description: input.Description,
		Status:      domain.KeyStatusNew,
	})
}

// GetKey fetches a key by identifier.
func (s *LedgerService) GetKey(ctx context.Context, hash string) (domain.Key, error) {
	return s.store.GetKey(ctx, hash)
}

// SearchKey resolves a search term first as a key identifier, then as a
// key name.
func (s *LedgerService) SearchKey(ctx context.Context, term string) (domain.Key, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return domain.Key{}, domain.ErrNotFound
	}

	key, err := s.store.GetKey(ctx, term)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Key{}, err
	}
	return s.store.GetKeyByName(ctx, term)
}

// ListKeys retrieves paginated keys, optionally filtered by status.
func (s *LedgerService) ListKeys(ctx context.Context, params ListKeysParams) (KeysPage, error) {
	page, pageSize := normalizePagination(params.Page, params.PageSize)
	offset := (page - 1) * pageSize

	if params.Status != "" && !domain.ValidKeyStatus(params.Status) {
		return KeysPage{}, domain.ErrInvalidKeyStatus
	}

	result, err := s.store.ListKeys(ctx, domain.ListKeysOptions{
		Status: params.Status,
		Offset: offset,
		Limit:  pageSize,
	})
	if err != nil {
		return KeysPage{}, err
	}

	return KeysPage{
		Items:      result.Items,
		Pagination: buildPaginationMeta(page, pageSize, result.Total),
	}, nil
}

// ActivateKey moves a key to the active state, allowing it to sign.
func (s *LedgerService) ActivateKey(ctx context.Context, hash string) error {
	return s.store.UpdateKeyStatus(ctx, hash, domain.KeyStatusActive)
}

// DeactivateKey moves a key to the inactive state. Stored transactions
// signed while it was active stay verifiable.
func (s *LedgerService) DeactivateKey(ctx context.Context, hash string) error {
	return s.store.UpdateKeyStatus(ctx, hash, domain.KeyStatusInactive)
}

// RemoveKey deletes a key from the registry. Keys that have ever been
// activated cannot be removed.
func (s *LedgerService) RemoveKey(ctx context.Context, hash string) error {
	return s.store.DeleteKey(ctx, hash)
}

// IngestTransaction validates a submission and persists it together with
// its link edges. Validation failures are accumulated as error codes on the
// stored record rather than rejecting the submission: the ledger keeps the
// evidence. Only corrupt data (unencodable payload, unparsable registered
// key material) fails the call.
func (s *LedgerService) IngestTransaction(ctx context.Context, input TransactionInput) (domain.Transaction, error) {
	if strings.TrimSpace(input.Transmitter) == "" {
		return domain.Transaction{}, fmt.Errorf("transmitter key hash is required")
	}

	tx := domain.Transaction{
		Type:               input.Type,
		Mode:               input.Mode,
		Transmitter:        input.Transmitter,
		Receiver:           input.Receiver,
		ServerTimestamp:    s.nowFn().UTC(),
		RawClientTimestamp: input.Timestamp,
		Payload:            input.Payload,
		Signature:          input.Signature,
	}

	if parsed, ok := parseClientTimestamp(input.Timestamp); ok {
		tx.ClientTimestamp = parsed
	} else {
		tx.Errors = append(tx.Errors, ErrorCodeBadClientTimestamp)
	}

	computed, err := s.integrity.ComputeIdentifier(tx)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("compute transaction identifier: %w", err)
	}
	tx.Hash = computed
	if input.Hash != "" && input.Hash != computed {
		tx.Errors = append(tx.Errors, ErrorCodeHashMismatch)
	}

	key, err := s.store.GetKey(ctx, input.Transmitter)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		tx.Errors = append(tx.Errors, ErrorCodeUnknownTransmitter)
	case err != nil:
		return domain.Transaction{}, err
	default:
		if key.Status != domain.KeyStatusActive {
			tx.Errors = append(tx.Errors, ErrorCodeTransmitterInactive)
		}
		result, err := s.integrity.VerifyTransaction(tx, key.PublicKey)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("verify transaction %s: %w", tx.Hash, err)
		}
		if !result.SignatureValid {
			tx.Errors = append(tx.Errors, ErrorCodeSignatureInvalid)
		}
	}

	links, shapeOK := s.buildLinks(tx.Hash, input)
	if !shapeOK {
		tx.Errors = append(tx.Errors, ErrorCodePayloadShape)
	}

	if err := s.store.InsertTransaction(ctx, tx, links); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// buildLinks turns declared link inputs into edge records, keeping only
// those whose product the payload actually consumes. The second return is
// false when the payload has no recognized shape.
func (s *LedgerService) buildLinks(txHash string, input TransactionInput) ([]domain.TransactionLink, bool) {
	shape, err := provenance.ParsePayload(input.Payload)
	if err != nil {
		return nil, false
	}

	consumed := make(map[string]bool)
	for _, pair := range shape.Entries {
		consumed[pair.Product] = true
	}
	for _, pair := range shape.In {
		consumed[pair.Product] = true
	}

	var links []domain.TransactionLink
	for _, link := range input.Links {
		if link.Input == "" || !consumed[link.Product] {
			continue
		}
		links = append(links, domain.TransactionLink{
			Transaction: txHash,
			Input:       link.Input,
			Product:     link.Product,
		})
	}
	return links, true
}

// GetTransactionDetail returns a transaction together with its verification
// outcome and lineage view. A payload-shape failure is reported in the
// detail rather than failing the lookup; corrupt data still fails.
func (s *LedgerService) GetTransactionDetail(ctx context.Context, hash string) (TransactionDetail, error) {
	tx, err := s.store.GetTransaction(ctx, hash)
	if err != nil {
		return TransactionDetail{}, err
	}

	detail := TransactionDetail{Transaction: tx}

	key, err := s.store.GetKey(ctx, tx.Transmitter)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Transmitter no longer registered; verification is undecidable.
	case err != nil:
		return TransactionDetail{}, err
	default:
		result, err := s.integrity.VerifyTransaction(tx, key.PublicKey)
		if err != nil {
			return TransactionDetail{}, fmt.Errorf("verify transaction %s: %w", hash, err)
		}
		detail.Verification = &result
	}

	lineage, err := s.resolver.ResolveLineage(ctx, tx)
	switch {
	case errors.Is(err, provenance.ErrPayloadShape):
		detail.LineageError = err.Error()
	case err != nil:
		return TransactionDetail{}, err
	default:
		detail.Lineage = &lineage
	}

	return detail, nil
}

// ListTransactions retrieves paginated transaction summaries, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, params ListTransactionsParams) (TransactionsPage, error) {
	page, pageSize := normalizePagination(params.Page, params.PageSize)
	offset := (page - 1) * pageSize

	result, err := s.store.ListTransactions(ctx, domain.ListTransactionsOptions{
		Offset:      offset,
		Limit:       pageSize,
		Transmitter: params.Transmitter,
	})
	if err != nil {
		return TransactionsPage{}, err
	}

	return TransactionsPage{
		Items:      result.Items,
		Pagination: buildPaginationMeta(page, pageSize, result.Total),
	}, nil
}

var clientTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseClientTimestamp interprets the raw client timestamp without ever
// altering the stored raw string.
func parseClientTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range clientTimestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func normalizePagination(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}

func buildPaginationMeta(page, pageSize int, total int64) PaginationMeta {
	totalPages := 0
	if pageSize > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(pageSize)))
		if total > 0 && totalPages == 0 {
			totalPages = 1
		}
	}
	return PaginationMeta{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
	}
}
