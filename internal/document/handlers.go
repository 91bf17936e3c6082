package document

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/facturation-api/internal/common"
	"github.com/noah-isme/facturation-api/internal/totals"
)

// Handler exposes HTTP endpoints for documents.
type Handler struct {
	Svc *Service
}

type documentReq struct {
	Kind   Kind          `json:"kind"`
	Lines  []totals.Line `json:"lines"`
	Config totals.Config `json:"config"`
}

type documentResp struct {
	Document
	Totals totals.Breakdown `json:"totals"`
}

// ErrorFor maps document and totals errors onto their HTTP representation.
func ErrorFor(err error) *common.AppError {
	var inputErr *totals.InputError
	switch {
	case errors.As(err, &inputErr):
		return common.NewAppError("INVALID_LINES", "document lines or configuration are invalid", http.StatusUnprocessableEntity, err).
			WithDetails(map[string]any{"fields": inputErr.Fields})
	case errors.Is(err, ErrNotFound):
		return common.NewAppError("DOCUMENT_NOT_FOUND", "document not found", http.StatusNotFound, err)
	case errors.Is(err, ErrFinalized):
		return common.NewAppError("DOCUMENT_FINALIZED", "document is finalized", http.StatusConflict, err)
	case errors.Is(err, ErrNotFinalized):
		return common.NewAppError("DOCUMENT_NOT_FINALIZED", "document is not finalized", http.StatusConflict, err)
	case errors.Is(err, ErrInvalidKind):
		return common.NewAppError("INVALID_KIND", err.Error(), http.StatusUnprocessableEntity, err)
	default:
		return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
	}
}

// PathUUID parses a uuid route parameter, writing a 400 when it is malformed.
func PathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, name)))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) ids(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	customerID, ok := PathUUID(w, r, "customerId")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	documentID, ok := PathUUID(w, r, "documentId")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return customerID, documentID, true
}

// Create handles POST /customers/{customerId}/documents.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	customerID, ok := PathUUID(w, r, "customerId")
	if !ok {
		return
	}
	var req documentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	doc, err := h.Svc.Create(r.Context(), CreateRequest{
		CustomerID: customerID,
		Kind:       Kind(strings.TrimSpace(string(req.Kind))),
		Lines:      req.Lines,
		Config:     req.Config,
	})
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusCreated, documentResp{Document: doc, Totals: totals.Compute(doc.Lines, doc.Config)})
}

// Get handles GET /customers/{customerId}/documents/{documentId}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	customerID, documentID, ok := h.ids(w, r)
	if !ok {
		return
	}
	doc, err := h.Svc.Get(r.Context(), customerID, documentID)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, doc)
}

// Totals handles GET /customers/{customerId}/documents/{documentId}/totals.
func (h *Handler) Totals(w http.ResponseWriter, r *http.Request) {
	customerID, documentID, ok := h.ids(w, r)
	if !ok {
		return
	}
	breakdown, err := h.Svc.Totals(r.Context(), customerID, documentID)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, breakdown)
}

// ReplaceLines handles PUT /customers/{customerId}/documents/{documentId}/lines.
func (h *Handler) ReplaceLines(w http.ResponseWriter, r *http.Request) {
	customerID, documentID, ok := h.ids(w, r)
	if !ok {
		return
	}
	var req documentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	doc, err := h.Svc.ReplaceLines(r.Context(), customerID, documentID, req.Lines, req.Config)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, documentResp{Document: doc, Totals: totals.Compute(doc.Lines, doc.Config)})
}

// Finalize handles POST /customers/{customerId}/documents/{documentId}/finalize.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	customerID, documentID, ok := h.ids(w, r)
	if !ok {
		return
	}
	doc, breakdown, err := h.Svc.Finalize(r.Context(), customerID, documentID)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, documentResp{Document: doc, Totals: breakdown})
}
