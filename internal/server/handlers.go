package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/altamira/traceledger/backend/internal/canonical"
	"github.com/altamira/traceledger/backend/internal/domain"
	"github.com/altamira/traceledger/backend/internal/service"
	"github.com/altamira/traceledger/backend/internal/signature"
)

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger            *slog.Logger
	service           *service.LedgerService
	remoteRegistering bool
}

// NewAPIHandlers constructs an APIHandlers instance. remoteRegistering
// governs whether POST /keys is accepted; when false, key registration is
// only possible through the CLI tooling.
func NewAPIHandlers(logger *slog.Logger, svc *service.LedgerService, remoteRegistering bool) *APIHandlers {
	return &APIHandlers{
		logger:            logger,
		service:           svc,
		remoteRegistering: remoteRegistering,
	}
}

func (h *APIHandlers) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.registerKey(w, r)
	case http.MethodGet:
		h.listKeys(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleKeyByPath dispatches /keys/search, /keys/{hash}, and
// /keys/{hash}/{action}.
func (h *APIHandlers) handleKeyByPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/keys/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "key hash is required")
		return
	}

	if rest == "search" {
		h.searchKey(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	hash := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.getKey(w, r, hash)
		case http.MethodDelete:
			h.removeKey(w, r, hash)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case "activate":
		h.updateKeyStatus(w, r, hash, domain.KeyStatusActive)
	case "deactivate":
		h.updateKeyStatus(w, r, hash, domain.KeyStatusInactive)
	default:
		writeError(w, http.StatusNotFound, "unknown key action")
	}
}

func (h *APIHandlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.ingestTransaction(w, r)
	case http.MethodGet:
		h.listTransactions(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *APIHandlers) handleTransactionByPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	hash := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transactions/"), "/")
	if hash == "" {
		writeError(w, http.StatusBadRequest, "transaction hash is required")
		return
	}

	detail, err := h.service.GetTransactionDetail(r.Context(), hash)
	if err != nil {
		h.respondServiceError(w, err, "failed to fetch transaction", "hash", hash)
		return
	}

	respondJSON(w, http.StatusOK, toTransactionDetailResponse(detail))
}

func (h *APIHandlers) registerKey(w http.ResponseWriter, r *http.Request) {
	if !h.remoteRegistering {
		writeError(w, http.StatusForbidden, "remote key registration is disabled")
		return
	}

	var payload service.KeyInput
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.service.RegisterKey(r.Context(), payload)
	if err != nil {
		h.respondServiceError(w, err, "failed to register key", "name", payload.Name)
		return
	}

	respondJSON(w, http.StatusCreated, toKeyResponse(key))
}

func (h *APIHandlers) listKeys(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := h.service.ListKeys(r.Context(), service.ListKeysParams{
		Page:     parseInt(query.Get("page"), 1),
		PageSize: parseInt(query.Get("pageSize"), 50),
		Status:   domain.KeyStatus(query.Get("status")),
	})
	if err != nil {
		h.respondServiceError(w, err, "failed to list keys")
		return
	}

	resp := listKeysResponse{
		Items:      []keyResponse{},
		Pagination: toPaginationResponse(page.Pagination),
	}
	for _, key := range page.Items {
		resp.Items = append(resp.Items, toKeyResponse(key))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *APIHandlers) searchKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	term := r.URL.Query().Get("q")
	if strings.TrimSpace(term) == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	key, err := h.service.SearchKey(r.Context(), term)
	if err != nil {
		h.respondServiceError(w, err, "failed to search key", "term", term)
		return
	}

	respondJSON(w, http.StatusOK, toKeyResponse(key))
}

func (h *APIHandlers) getKey(w http.ResponseWriter, r *http.Request, hash string) {
	key, err := h.service.GetKey(r.Context(), hash)
	if err != nil {
		h.respondServiceError(w, err, "failed to fetch key", "hash", hash)
		return
	}
	respondJSON(w, http.StatusOK, toKeyResponse(key))
}

func (h *APIHandlers) removeKey(w http.ResponseWriter, r *http.Request, hash string) {
	if err := h.service.RemoveKey(r.Context(), hash); err != nil {
		h.respondServiceError(w, err, "failed to remove key", "hash", hash)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "ok", ID: hash})
}

func (h *APIHandlers) updateKeyStatus(w http.ResponseWriter, r *http.Request, hash string, status domain.KeyStatus) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var err error
	if status == domain.KeyStatusActive {
		err = h.service.ActivateKey(r.Context(), hash)
	} else {
		err = h.service.DeactivateKey(r.Context(), hash)
	}
	if err != nil {
		h.respondServiceError(w, err, "failed to update key status", "hash", hash)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "ok", ID: hash})
}

func (h *APIHandlers) ingestTransaction(w http.ResponseWriter, r *http.Request) {
	var payload service.TransactionInput
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Transmitter == "" {
		writeError(w, http.StatusBadRequest, "transmitter is required")
		return
	}

	tx, err := h.service.IngestTransaction(r.Context(), payload)
	if err != nil {
		h.respondServiceError(w, err, "failed to ingest transaction", "transmitter", payload.Transmitter)
		return
	}

	respondJSON(w, http.StatusCreated, ingestResponse{
		Status: "ok",
		Hash:   tx.Hash,
		Errors: tx.Errors,
	})
}

func (h *APIHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := h.service.ListTransactions(r.Context(), service.ListTransactionsParams{
		Page:        parseInt(query.Get("page"), 1),
		PageSize:    parseInt(query.Get("pageSize"), 50),
		Transmitter: query.Get("transmitter"),
	})
	if err != nil {
		h.respondServiceError(w, err, "failed to list transactions")
		return
	}

	resp := listTransactionsResponse{
		Items:      []transactionSummaryResponse{},
		Pagination: toPaginationResponse(page.Pagination),
	}
	for _, item := range page.Items {
		resp.Items = append(resp.Items, transactionSummaryResponse{
			Hash:            item.Hash,
			Type:            item.Type,
			Mode:            item.Mode,
			Transmitter:     item.Transmitter,
			Receiver:        item.Receiver,
			ClientTimestamp: formatTime(item.ClientTimestamp),
			ErrorCount:      item.ErrorCount,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondServiceError maps service errors onto HTTP statuses. Corrupt-data
// errors (unencodable payload, unparsable key material) are 422: the stored
// record itself is the problem, not the request.
func (h *APIHandlers) respondServiceError(w http.ResponseWriter, err error, msg string, logArgs ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrKeyNotRemovable):
		writeError(w, http.StatusConflict, "keys that have been activated cannot be removed")
	case errors.Is(err, domain.ErrInvalidKeyStatus):
		writeError(w, http.StatusBadRequest, "invalid key status")
	case errors.Is(err, signature.ErrKeyMaterial), errors.Is(err, canonical.ErrEncoding):
		h.logger.Error(msg, append([]any{"error", err}, logArgs...)...)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error(msg, append([]any{"error", err}, logArgs...)...)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// --- Request & Response DTOs ---

type keyResponse struct {
	Hash        string `json:"hash"`
	PublicKey   string `json:"publicKey"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type listKeysResponse struct {
	Items      []keyResponse      `json:"items"`
	Pagination paginationResponse `json:"pagination"`
}

type paginationResponse struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	TotalItems int64 `json:"totalItems"`
	TotalPages int   `json:"totalPages"`
}

type transactionSummaryResponse struct {
	Hash            string `json:"hash"`
	Type            int    `json:"type"`
	Mode            int    `json:"mode"`
	Transmitter     string `json:"transmitter"`
	Receiver        string `json:"receiver,omitempty"`
	ClientTimestamp string `json:"clientTimestamp"`
	ErrorCount      int    `json:"errorCount"`
}

type listTransactionsResponse struct {
	Items      []transactionSummaryResponse `json:"items"`
	Pagination paginationResponse           `json:"pagination"`
}

type verificationResponse struct {
	HashMatches    bool `json:"hashMatches"`
	SignatureValid bool `json:"signatureValid"`
	Authentic      bool `json:"authentic"`
}

type lineageEntryResponse struct {
	Product      string   `json:"product"`
	NewID        string   `json:"newId,omitempty"`
	ID           string   `json:"id,omitempty"`
	Quantity     *float64 `json:"quantity,omitempty"`
	Predecessors []string `json:"predecessors"`
	Successors   []string `json:"successors"`
}

type lineageResponse struct {
	Shape   string                 `json:"shape"`
	Entries []lineageEntryResponse `json:"entries,omitempty"`
	In      []lineageEntryResponse `json:"in,omitempty"`
	Out     []lineageEntryResponse `json:"out,omitempty"`
}

type transactionDetailResponse struct {
	Hash               string                `json:"hash"`
	Type               int                   `json:"type"`
	Mode               int                   `json:"mode"`
	Transmitter        string                `json:"transmitter"`
	Receiver           string                `json:"receiver,omitempty"`
	ServerTimestamp    string                `json:"serverTimestamp"`
	ClientTimestamp    string                `json:"clientTimestamp"`
	RawClientTimestamp string                `json:"rawClientTimestamp"`
	Payload            map[string]any        `json:"data"`
	Signature          string                `json:"sign"`
	UpdatedQuantity    map[string]float64    `json:"updatedQuantity,omitempty"`
	Errors             []string              `json:"errors,omitempty"`
	Verification       *verificationResponse `json:"verification,omitempty"`
	Lineage            *lineageResponse      `json:"lineage,omitempty"`
	LineageError       string                `json:"lineageError,omitempty"`
}

type ingestResponse struct {
	Status string   `json:"status"`
	Hash   string   `json:"hash"`
	Errors []string `json:"errors,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// --- Helpers ---

func toKeyResponse(key domain.Key) keyResponse {
	return keyResponse{
		Hash:        key.Hash,
		PublicKey:   key.PublicKey,
		Name:        key.Name,
		Description: key.Description,
		Status:      string(key.Status),
	}
}

func toPaginationResponse(meta service.PaginationMeta) paginationResponse {
	return paginationResponse{
		Page:       meta.Page,
		PageSize:   meta.PageSize,
		TotalItems: meta.TotalItems,
		TotalPages: meta.TotalPages,
	}
}

func toTransactionDetailResponse(detail service.TransactionDetail) transactionDetailResponse {
	tx := detail.Transaction
	resp := transactionDetailResponse{
		Hash:               tx.Hash,
		Type:               tx.Type,
		Mode:               tx.Mode,
		Transmitter:        tx.Transmitter,
		Receiver:           tx.Receiver,
		ServerTimestamp:    formatTime(tx.ServerTimestamp),
		ClientTimestamp:    formatTime(tx.ClientTimestamp),
		RawClientTimestamp: tx.RawClientTimestamp,
		Payload:            tx.Payload,
		Signature:          tx.Signature,
		UpdatedQuantity:    tx.UpdatedQuantity,
		Errors:             tx.Errors,
		LineageError:       detail.LineageError,
	}

	if detail.Verification != nil {
		resp.Verification = &verificationResponse{
			HashMatches:    detail.Verification.HashMatches,
			SignatureValid: detail.Verification.SignatureValid,
			Authentic:      detail.Verification.Authentic(),
		}
	}

	if detail.Lineage != nil {
		lineage := &lineageResponse{Shape: shapeLabel(detail.Lineage.Shape)}
		lineage.Entries = toLineageEntryResponses(detail.Lineage.Entries)
		lineage.In = toLineageEntryResponses(detail.Lineage.In)
		lineage.Out = toLineageEntryResponses(detail.Lineage.Out)
		resp.Lineage = lineage
	}

	return resp
}

func toLineageEntryResponses(entries []domain.ProductLineageEntry) []lineageEntryResponse {
	if len(entries) == 0 {
		return nil
	}
	result := make([]lineageEntryResponse, 0, len(entries))
	for _, entry := range entries {
		preds := entry.Predecessors
		if preds == nil {
			preds = []string{}
		}
		succs := entry.Successors
		if succs == nil {
			succs = []string{}
		}
		result = append(result, lineageEntryResponse{
			Product:      entry.Product,
			NewID:        entry.NewID,
			ID:           entry.ID,
			Quantity:     entry.Quantity,
			Predecessors: preds,
			Successors:   succs,
		})
	}
	return result
}

func shapeLabel(shape domain.LineageShape) string {
	if shape == domain.ShapeDualFlow {
		return "dual_flow"
	}
	return "single_product"
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	// Numbers stay json.Number so re-encoding a signed payload reproduces
	// the exact bytes the client signed (50.0 must not become 50).
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	return fallback
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
