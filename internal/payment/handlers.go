package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/facturation-api/internal/common"
	"github.com/noah-isme/facturation-api/internal/document"
	"github.com/noah-isme/facturation-api/internal/reconcile"
)

// Handler exposes HTTP endpoints for balances, unpaid listings and payments.
type Handler struct {
	Svc *Service
}

type submitReq struct {
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method" validate:"required_unless=UseAdvance true,max=32"`
	UseAdvance bool            `json:"useAdvance"`
	AppliedAt  *time.Time      `json:"appliedAt"`
}

type advanceReq struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		validate = v
	})
	return validate
}

// ErrorFor maps workflow errors onto their HTTP representation.
func ErrorFor(err error) *common.AppError {
	var verr *reconcile.ValidationError
	switch {
	case errors.As(err, &verr):
		return common.NewAppError(verr.Code(), verr.Error(), http.StatusUnprocessableEntity, err).WithDetails(verr.Details())
	case errors.Is(err, ErrConcurrentModification):
		return common.NewAppError("CONCURRENT_MODIFICATION", "the document ledger changed, reload the balance and retry", http.StatusConflict, err)
	case errors.Is(err, ErrInvalidRequest):
		return common.NewAppError("BAD_REQUEST", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return common.NewAppError("LOCK_TIMEOUT", "another payment on this document is in progress", http.StatusGatewayTimeout, err)
	case errors.Is(err, document.ErrNotFound), errors.Is(err, document.ErrNotFinalized), errors.Is(err, document.ErrFinalized):
		return document.ErrorFor(err)
	default:
		return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
	}
}

// Balance handles GET /customers/{customerId}/documents/{documentId}/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	customerID, ok := document.PathUUID(w, r, "customerId")
	if !ok {
		return
	}
	documentID, ok := document.PathUUID(w, r, "documentId")
	if !ok {
		return
	}
	bal, err := h.Svc.Balance(r.Context(), customerID, documentID)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, bal)
}

// Unpaid handles GET /customers/{customerId}/unpaid.
func (h *Handler) Unpaid(w http.ResponseWriter, r *http.Request) {
	customerID, ok := document.PathUUID(w, r, "customerId")
	if !ok {
		return
	}
	rows, err := h.Svc.Unpaid(r.Context(), customerID)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"documents": rows})
}

// History handles GET /customers/{customerId}/documents/{documentId}/payments.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	customerID, ok := document.PathUUID(w, r, "customerId")
	if !ok {
		return
	}
	documentID, ok := document.PathUUID(w, r, "documentId")
	if !ok {
		return
	}
	entries, err := h.Svc.History(r.Context(), customerID, documentID)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	if entries == nil {
		entries = []reconcile.LedgerEntry{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Submit handles POST /customers/{customerId}/documents/{documentId}/payments.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	customerID, ok := document.PathUUID(w, r, "customerId")
	if !ok {
		return
	}
	documentID, ok := document.PathUUID(w, r, "documentId")
	if !ok {
		return
	}
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := validatorInstance().Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "method is required unless the advance balance is used", nil)
		return
	}
	sub := SubmitRequest{
		CustomerID: customerID,
		DocumentID: documentID,
		Amount:     req.Amount,
		Method:     req.Method,
		UseAdvance: req.UseAdvance,
	}
	if req.AppliedAt != nil {
		sub.AppliedAt = *req.AppliedAt
	}
	receipt, err := h.Svc.Submit(r.Context(), sub)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusCreated, receipt)
}

// CreditAdvance handles POST /customers/{customerId}/advances.
func (h *Handler) CreditAdvance(w http.ResponseWriter, r *http.Request) {
	customerID, ok := document.PathUUID(w, r, "customerId")
	if !ok {
		return
	}
	var req advanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := validatorInstance().Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "amount must be positive", nil)
		return
	}
	balance, err := h.Svc.CreditAdvance(r.Context(), customerID, req.Amount)
	if err != nil {
		common.WriteError(w, ErrorFor(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"customerId": customerID, "advanceBalance": balance})
}
