package document

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/facturation-api/internal/totals"
)

var (
	// ErrNotFound is returned when no document matches the id (or it belongs to another customer).
	ErrNotFound = errors.New("document: not found")
	// ErrFinalized is returned when mutating a document that is no longer a draft.
	ErrFinalized = errors.New("document: already finalized")
	// ErrNotFinalized is returned when an operation requires a finalized document.
	ErrNotFinalized = errors.New("document: not finalized")
	// ErrInvalidKind is returned for an unknown document kind.
	ErrInvalidKind = errors.New("document: invalid kind")
)

// Kind identifies the commercial document type. Totals are computed the same
// way for every kind.
type Kind string

const (
	KindQuote           Kind = "quote"
	KindSalesInvoice    Kind = "sales_invoice"
	KindInternalInvoice Kind = "internal_invoice"
	KindPurchaseInvoice Kind = "purchase_invoice"
	KindDeliveryNote    Kind = "delivery_note"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindQuote, KindSalesInvoice, KindInternalInvoice, KindPurchaseInvoice, KindDeliveryNote:
		return true
	}
	return false
}

// Status is the document lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
)

// Document is a commercial document with its lines and totals configuration.
// GrandTotal is only set once the document is finalized.
type Document struct {
	ID          uuid.UUID           `json:"id"`
	CustomerID  uuid.UUID           `json:"customerId"`
	Kind        Kind                `json:"kind"`
	Status      Status              `json:"status"`
	Lines       []totals.Line       `json:"lines"`
	Config      totals.Config       `json:"config"`
	GrandTotal  decimal.NullDecimal `json:"grandTotal"`
	FinalizedAt *time.Time          `json:"finalizedAt,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Store persists documents.
type Store interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	// Lines returns the document with its lines, or ErrNotFound.
	Lines(ctx context.Context, documentID uuid.UUID) (Document, error)
	// ReplaceLines swaps lines and config of a draft, or returns ErrFinalized.
	ReplaceLines(ctx context.Context, documentID uuid.UUID, lines []totals.Line, cfg totals.Config) (Document, error)
	// FinalizeDocument freezes a draft, or returns ErrFinalized. The grand
	// total is computed by grandTotal from the lines and config read under the
	// same lock that freezes them.
	FinalizeDocument(ctx context.Context, documentID uuid.UUID, at time.Time, grandTotal GrandTotalFunc) (Document, error)
}

// GrandTotalFunc derives the grand total persisted at finalization.
type GrandTotalFunc func(lines []totals.Line, cfg totals.Config) decimal.Decimal

// ComputeGrandTotal runs the totals cascade.
func ComputeGrandTotal(lines []totals.Line, cfg totals.Config) decimal.Decimal {
	return totals.Compute(lines, cfg).GrandTotalTTC
}
