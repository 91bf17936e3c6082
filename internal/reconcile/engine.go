package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/facturation-api/internal/money"
)

var (
	// ErrAmountMustBePositive is returned when the proposed amount is zero or negative.
	ErrAmountMustBePositive = errors.New("amount must be positive")
	// ErrExceedsRemainingBalance is returned when the proposed amount is larger than what is still owed.
	ErrExceedsRemainingBalance = errors.New("amount exceeds remaining balance")
	// ErrInsufficientAdvanceBalance is returned when an advance-funded payment has nothing to draw on.
	ErrInsufficientAdvanceBalance = errors.New("insufficient advance balance")
	// ErrAmountMismatchWithAdvance is returned when an advance-funded amount differs from the computed one.
	ErrAmountMismatchWithAdvance = errors.New("amount does not match advance to apply")
)

// LedgerEntry is an immutable payment applied against a document.
type LedgerEntry struct {
	ID                 uuid.UUID       `json:"id"`
	DocumentID         uuid.UUID       `json:"documentId"`
	AmountApplied      decimal.Decimal `json:"amountApplied"`
	AppliedAt          time.Time       `json:"appliedAt"`
	Method             string          `json:"method"`
	UsedAdvanceBalance bool            `json:"usedAdvanceBalance"`
	AdvanceConsumed    decimal.Decimal `json:"advanceConsumed"`
}

// UnpaidDocument is one row of the unpaid-documents view of a customer.
type UnpaidDocument struct {
	DocumentID uuid.UUID       `json:"documentId"`
	GrandTotal decimal.Decimal `json:"grandTotal"`
	Remaining  decimal.Decimal `json:"remaining"`
}

// AdvanceRequest states whether the payment draws on the customer's advance
// balance and how much of it is available.
type AdvanceRequest struct {
	UseAdvance bool
	Available  decimal.Decimal
}

// NormalizedPayment is the validated payment the caller persists.
type NormalizedPayment struct {
	AmountApplied      decimal.Decimal `json:"amountApplied"`
	UsedAdvanceBalance bool            `json:"usedAdvanceBalance"`
	AdvanceConsumed    decimal.Decimal `json:"advanceConsumed"`
}

// ValidationError carries the figures that caused a payment to be rejected.
// errors.Is matches it against the sentinel stored in Kind.
type ValidationError struct {
	Kind      error
	Proposed  decimal.Decimal
	Remaining decimal.Decimal
	Available decimal.Decimal
	Expected  decimal.Decimal
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case ErrExceedsRemainingBalance:
		return fmt.Sprintf("%s: proposed %s, remaining %s", e.Kind, e.Proposed.StringFixed(money.Scale), e.Remaining.StringFixed(money.Scale))
	case ErrInsufficientAdvanceBalance:
		return fmt.Sprintf("%s: available %s, remaining %s", e.Kind, e.Available.StringFixed(money.Scale), e.Remaining.StringFixed(money.Scale))
	case ErrAmountMismatchWithAdvance:
		return fmt.Sprintf("%s: proposed %s, expected %s", e.Kind, e.Proposed.StringFixed(money.Scale), e.Expected.StringFixed(money.Scale))
	default:
		return fmt.Sprintf("%s: proposed %s", e.Kind, e.Proposed.StringFixed(money.Scale))
	}
}

// Unwrap exposes the sentinel kind.
func (e *ValidationError) Unwrap() error { return e.Kind }

// Code returns a stable machine readable identifier for the rejection.
func (e *ValidationError) Code() string {
	switch e.Kind {
	case ErrAmountMustBePositive:
		return "AMOUNT_MUST_BE_POSITIVE"
	case ErrExceedsRemainingBalance:
		return "EXCEEDS_REMAINING_BALANCE"
	case ErrInsufficientAdvanceBalance:
		return "INSUFFICIENT_ADVANCE_BALANCE"
	case ErrAmountMismatchWithAdvance:
		return "AMOUNT_MISMATCH_WITH_ADVANCE"
	default:
		return "PAYMENT_REJECTED"
	}
}

// Details returns the figures of the rejection keyed for API payloads.
func (e *ValidationError) Details() map[string]string {
	out := map[string]string{"proposed": e.Proposed.StringFixed(money.Scale)}
	switch e.Kind {
	case ErrExceedsRemainingBalance:
		out["remaining"] = e.Remaining.StringFixed(money.Scale)
	case ErrInsufficientAdvanceBalance:
		out["remaining"] = e.Remaining.StringFixed(money.Scale)
		out["available"] = e.Available.StringFixed(money.Scale)
	case ErrAmountMismatchWithAdvance:
		out["expected"] = e.Expected.StringFixed(money.Scale)
	}
	return out
}

// RemainingBalance returns what is still owed on a document: the grand total
// minus every applied amount, floored at zero.
func RemainingBalance(grandTotal decimal.Decimal, entries []LedgerEntry) decimal.Decimal {
	paid := decimal.Zero
	for _, e := range entries {
		paid = paid.Add(e.AmountApplied)
	}
	return money.Round(money.NonNegative(grandTotal.Sub(paid)))
}

// RemainingFromUnpaid looks the document up in the customer's unpaid view.
// A document absent from the view is settled and owes nothing.
func RemainingFromUnpaid(documentID uuid.UUID, unpaid []UnpaidDocument) decimal.Decimal {
	for _, doc := range unpaid {
		if doc.DocumentID == documentID {
			return money.Round(money.NonNegative(doc.Remaining))
		}
	}
	return decimal.Zero
}

// SuggestAdvanceAmount returns the only amount an advance-funded payment may
// carry: the smaller of the available advance and the remaining balance.
func SuggestAdvanceAmount(remaining, available decimal.Decimal) decimal.Decimal {
	return money.Round(money.NonNegative(money.Min(available, remaining)))
}

// ValidatePayment checks a proposed payment against the remaining balance and,
// when requested, the customer's advance balance. Rules apply in order: the
// amount is positive once rounded to the minor unit, it does not exceed the remaining balance, and an
// advance-funded amount equals min(available, remaining).
func ValidatePayment(proposed, remaining decimal.Decimal, advance AdvanceRequest) (NormalizedPayment, error) {
	if !proposed.IsPositive() {
		return NormalizedPayment{}, &ValidationError{Kind: ErrAmountMustBePositive, Proposed: proposed}
	}
	roundedProposed := money.Round(proposed)
	if !roundedProposed.IsPositive() {
		return NormalizedPayment{}, &ValidationError{Kind: ErrAmountMustBePositive, Proposed: roundedProposed}
	}
	roundedRemaining := money.Round(remaining)
	if roundedProposed.GreaterThan(roundedRemaining) {
		return NormalizedPayment{}, &ValidationError{
			Kind:      ErrExceedsRemainingBalance,
			Proposed:  roundedProposed,
			Remaining: roundedRemaining,
		}
	}
	if !advance.UseAdvance {
		return NormalizedPayment{AmountApplied: roundedProposed, AdvanceConsumed: decimal.Zero}, nil
	}

	toApply := money.Round(money.Min(advance.Available, remaining))
	if !toApply.IsPositive() {
		return NormalizedPayment{}, &ValidationError{
			Kind:      ErrInsufficientAdvanceBalance,
			Proposed:  roundedProposed,
			Remaining: roundedRemaining,
			Available: money.Round(advance.Available),
		}
	}
	if !money.Equal(proposed, toApply) {
		return NormalizedPayment{}, &ValidationError{
			Kind:     ErrAmountMismatchWithAdvance,
			Proposed: roundedProposed,
			Expected: toApply,
		}
	}
	return NormalizedPayment{
		AmountApplied:      toApply,
		UsedAdvanceBalance: true,
		AdvanceConsumed:    toApply,
	}, nil
}
