package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/facturation-api/internal/document"
	"github.com/noah-isme/facturation-api/internal/events"
	"github.com/noah-isme/facturation-api/internal/lock"
	"github.com/noah-isme/facturation-api/internal/money"
	"github.com/noah-isme/facturation-api/internal/obs"
	"github.com/noah-isme/facturation-api/internal/reconcile"
)

var (
	// ErrConcurrentModification is returned when the ledger or advance balance
	// changed between validation and commit.
	ErrConcurrentModification = errors.New("payment: document ledger changed concurrently")
	// ErrNotConfigured is returned when the service is missing a collaborator.
	ErrNotConfigured = errors.New("payment: service not configured")
	// ErrInvalidRequest is returned for malformed submissions.
	ErrInvalidRequest = errors.New("payment: invalid request")
)

// MethodAdvance is recorded on entries drawn from the customer's advance balance.
const MethodAdvance = "advance"

// Querier is the persistence surface the workflow depends on.
type Querier interface {
	UnpaidDocuments(ctx context.Context, customerID uuid.UUID) ([]reconcile.UnpaidDocument, error)
	AdvanceBalance(ctx context.Context, customerID uuid.UUID) (decimal.Decimal, error)
	RecordPayment(ctx context.Context, rec Record) (reconcile.LedgerEntry, error)
	Ledger(ctx context.Context, documentID uuid.UUID) ([]reconcile.LedgerEntry, error)
	CreditAdvance(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
}

// Locker serialises submissions per document.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Publisher emits domain events.
type Publisher interface {
	Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (events.Event, error)
}

// DocumentLookup resolves a document so unknown and draft documents are
// reported as such instead of as settled.
type DocumentLookup interface {
	Lines(ctx context.Context, documentID uuid.UUID) (document.Document, error)
}

// Record is what the store appends. ExpectedPaid and ExpectedAdvance are the
// figures the validation saw; the store rejects the write with
// ErrConcurrentModification when the committed state differs.
type Record struct {
	CustomerID      uuid.UUID
	DocumentID      uuid.UUID
	Payment         reconcile.NormalizedPayment
	Method          string
	AppliedAt       time.Time
	ExpectedPaid    decimal.Decimal
	ExpectedAdvance decimal.Decimal
}

// SubmitRequest is a payment proposed from an entry surface.
type SubmitRequest struct {
	CustomerID uuid.UUID
	DocumentID uuid.UUID
	Amount     decimal.Decimal
	Method     string
	UseAdvance bool
	AppliedAt  time.Time
}

// Receipt is returned once a payment is committed.
type Receipt struct {
	Entry          reconcile.LedgerEntry `json:"entry"`
	Remaining      decimal.Decimal       `json:"remaining"`
	AdvanceBalance decimal.Decimal       `json:"advanceBalance"`
	Settled        bool                  `json:"settled"`
}

// Balance is what an entry surface needs before a payment is typed in.
type Balance struct {
	DocumentID       uuid.UUID       `json:"documentId"`
	GrandTotal       decimal.Decimal `json:"grandTotal"`
	Remaining        decimal.Decimal `json:"remaining"`
	AdvanceBalance   decimal.Decimal `json:"advanceBalance"`
	SuggestedAdvance decimal.Decimal `json:"suggestedAdvance"`
	Settled          bool            `json:"settled"`
}

// Service orchestrates fetch remaining, validate, persist and refresh.
type Service struct {
	Q         Querier
	Locker    Locker
	LockTTL   time.Duration
	Documents DocumentLookup
	Events    Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 10 * time.Second
	}
	return s.LockTTL
}

// Balance reports the remaining balance of a document together with the
// customer's advance balance and the amount an advance-funded payment must carry.
func (s *Service) Balance(ctx context.Context, customerID, documentID uuid.UUID) (Balance, error) {
	if s == nil || s.Q == nil {
		return Balance{}, ErrNotConfigured
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Balance")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", documentID.String()))

	doc, err := s.lookup(ctx, customerID, documentID)
	if err != nil {
		return Balance{}, err
	}
	row, found, remaining, err := s.remaining(ctx, customerID, documentID)
	if err != nil {
		return Balance{}, err
	}
	if !found && doc != nil && doc.GrandTotal.Valid {
		row.GrandTotal = doc.GrandTotal.Decimal
	}
	advance, err := s.Q.AdvanceBalance(ctx, customerID)
	if err != nil {
		return Balance{}, fmt.Errorf("advance balance: %w", err)
	}
	return Balance{
		DocumentID:       documentID,
		GrandTotal:       money.Round(row.GrandTotal),
		Remaining:        remaining,
		AdvanceBalance:   money.Round(advance),
		SuggestedAdvance: reconcile.SuggestAdvanceAmount(remaining, advance),
		Settled:          !remaining.IsPositive(),
	}, nil
}

// Unpaid lists the customer's documents that still carry a balance.
func (s *Service) Unpaid(ctx context.Context, customerID uuid.UUID) ([]reconcile.UnpaidDocument, error) {
	if s == nil || s.Q == nil {
		return nil, ErrNotConfigured
	}
	rows, err := s.Q.UnpaidDocuments(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("unpaid documents: %w", err)
	}
	out := make([]reconcile.UnpaidDocument, 0, len(rows))
	for _, row := range rows {
		out = append(out, reconcile.UnpaidDocument{
			DocumentID: row.DocumentID,
			GrandTotal: money.Round(row.GrandTotal),
			Remaining:  money.Round(money.NonNegative(row.Remaining)),
		})
	}
	return out, nil
}

// History returns the ledger of a document in application order.
func (s *Service) History(ctx context.Context, customerID, documentID uuid.UUID) ([]reconcile.LedgerEntry, error) {
	if s == nil || s.Q == nil {
		return nil, ErrNotConfigured
	}
	if _, err := s.lookup(ctx, customerID, documentID); err != nil {
		return nil, err
	}
	return s.Q.Ledger(ctx, documentID)
}

// CreditAdvance adds a deposit to the customer's advance balance.
func (s *Service) CreditAdvance(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if s == nil || s.Q == nil {
		return decimal.Zero, ErrNotConfigured
	}
	if !money.Round(amount).IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: advance amount must be positive", ErrInvalidRequest)
	}
	balance, err := s.Q.CreditAdvance(ctx, customerID, money.Round(amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit advance: %w", err)
	}
	s.Logger.Info().
		Str("customer_id", customerID.String()).
		Str("amount", money.Round(amount).String()).
		Msg("advance_credited")
	return money.Round(balance), nil
}

// Submit validates and records a payment while holding the document lock.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Receipt, error) {
	if s == nil || s.Q == nil || s.Locker == nil {
		return Receipt{}, ErrNotConfigured
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Submit")
	defer span.End()

	result := obs.ResultError
	defer func() {
		span.SetAttributes(attribute.String("payment.result", result))
		if result != obs.ResultRejected {
			obs.ObservePayment(result)
		}
	}()

	if req.CustomerID == uuid.Nil || req.DocumentID == uuid.Nil {
		result = obs.ResultRejected
		obs.ObserveRejection("INVALID_REQUEST")
		return Receipt{}, fmt.Errorf("%w: customer and document are required", ErrInvalidRequest)
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if req.UseAdvance {
		method = MethodAdvance
	}
	if method == "" {
		result = obs.ResultRejected
		obs.ObserveRejection("INVALID_REQUEST")
		return Receipt{}, fmt.Errorf("%w: method is required", ErrInvalidRequest)
	}
	appliedAt := req.AppliedAt.UTC()
	if req.AppliedAt.IsZero() {
		appliedAt = s.now()
	}
	span.SetAttributes(
		attribute.String("document.id", req.DocumentID.String()),
		attribute.String("payment.method", method),
		attribute.Bool("payment.use_advance", req.UseAdvance),
	)

	if _, err := s.lookup(ctx, req.CustomerID, req.DocumentID); err != nil {
		if errors.Is(err, document.ErrNotFound) {
			result = obs.ResultNotFound
		}
		return Receipt{}, err
	}

	var receipt Receipt
	waitStart := time.Now()
	err := s.Locker.WithLock(ctx, lock.DocumentKey(req.DocumentID), s.lockTTL(), func(ctx context.Context) error {
		obs.ObserveLockWait(obs.DurationMillis(time.Since(waitStart)))

		row, _, remaining, err := s.remaining(ctx, req.CustomerID, req.DocumentID)
		if err != nil {
			return err
		}
		available, err := s.Q.AdvanceBalance(ctx, req.CustomerID)
		if err != nil {
			return fmt.Errorf("advance balance: %w", err)
		}
		normalized, err := reconcile.ValidatePayment(req.Amount, remaining, reconcile.AdvanceRequest{
			UseAdvance: req.UseAdvance,
			Available:  available,
		})
		if err != nil {
			return err
		}

		entry, err := s.Q.RecordPayment(ctx, Record{
			CustomerID:      req.CustomerID,
			DocumentID:      req.DocumentID,
			Payment:         normalized,
			Method:          method,
			AppliedAt:       appliedAt,
			ExpectedPaid:    row.GrandTotal.Sub(row.Remaining),
			ExpectedAdvance: available,
		})
		if err != nil {
			return err
		}

		_, _, refreshed, err := s.remaining(ctx, req.CustomerID, req.DocumentID)
		if err != nil {
			return err
		}
		advanceAfter, err := s.Q.AdvanceBalance(ctx, req.CustomerID)
		if err != nil {
			return fmt.Errorf("advance balance: %w", err)
		}
		receipt = Receipt{
			Entry:          entry,
			Remaining:      refreshed,
			AdvanceBalance: money.Round(advanceAfter),
			Settled:        !refreshed.IsPositive(),
		}
		return nil
	})
	if err != nil {
		var verr *reconcile.ValidationError
		switch {
		case errors.As(err, &verr):
			result = obs.ResultRejected
			obs.ObserveRejection(verr.Code())
		case errors.Is(err, ErrConcurrentModification):
			result = obs.ResultConflict
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Receipt{}, err
	}
	result = obs.ResultAccepted
	if receipt.Entry.UsedAdvanceBalance {
		f, _ := receipt.Entry.AdvanceConsumed.Float64()
		obs.ObserveAdvanceConsumed(f)
	}

	s.Logger.Info().
		Str("customer_id", req.CustomerID.String()).
		Str("document_id", req.DocumentID.String()).
		Str("entry_id", receipt.Entry.ID.String()).
		Str("amount", receipt.Entry.AmountApplied.String()).
		Str("method", receipt.Entry.Method).
		Bool("used_advance", receipt.Entry.UsedAdvanceBalance).
		Str("remaining", receipt.Remaining.String()).
		Msg("payment_recorded")
	s.publish(ctx, req.CustomerID, receipt)
	return receipt, nil
}

// remaining reads the document's row from the customer's unpaid view. A
// document absent from the view is settled.
func (s *Service) remaining(ctx context.Context, customerID, documentID uuid.UUID) (reconcile.UnpaidDocument, bool, decimal.Decimal, error) {
	rows, err := s.Q.UnpaidDocuments(ctx, customerID)
	if err != nil {
		return reconcile.UnpaidDocument{}, false, decimal.Zero, fmt.Errorf("unpaid documents: %w", err)
	}
	for _, row := range rows {
		if row.DocumentID == documentID {
			return row, true, reconcile.RemainingFromUnpaid(documentID, rows), nil
		}
	}
	return reconcile.UnpaidDocument{DocumentID: documentID}, false, reconcile.RemainingFromUnpaid(documentID, rows), nil
}

// lookup returns the document when a DocumentLookup is wired, nil otherwise.
func (s *Service) lookup(ctx context.Context, customerID, documentID uuid.UUID) (*document.Document, error) {
	if s.Documents == nil {
		return nil, nil
	}
	doc, err := s.Documents.Lines(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.CustomerID != customerID {
		return nil, document.ErrNotFound
	}
	if doc.Status != document.StatusFinalized {
		return nil, document.ErrNotFinalized
	}
	return &doc, nil
}

type recordedPayload struct {
	CustomerID  uuid.UUID       `json:"customerId"`
	DocumentID  uuid.UUID       `json:"documentId"`
	EntryID     uuid.UUID       `json:"entryId"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	UsedAdvance bool            `json:"usedAdvance"`
	Remaining   decimal.Decimal `json:"remaining"`
	AppliedAt   time.Time       `json:"appliedAt"`
}

type advancePayload struct {
	CustomerID uuid.UUID       `json:"customerId"`
	DocumentID uuid.UUID       `json:"documentId"`
	Consumed   decimal.Decimal `json:"consumed"`
	Balance    decimal.Decimal `json:"balance"`
}

// publish emits the post-commit events. The ledger is already committed, so
// failures are logged and never surfaced to the caller.
func (s *Service) publish(ctx context.Context, customerID uuid.UUID, receipt Receipt) {
	if s.Events == nil {
		return
	}
	entry := receipt.Entry
	if _, err := s.Events.Emit(ctx, events.TopicPaymentRecorded, entry.DocumentID, recordedPayload{
		CustomerID:  customerID,
		DocumentID:  entry.DocumentID,
		EntryID:     entry.ID,
		Amount:      entry.AmountApplied,
		Method:      entry.Method,
		UsedAdvance: entry.UsedAdvanceBalance,
		Remaining:   receipt.Remaining,
		AppliedAt:   entry.AppliedAt,
	}); err != nil {
		s.Logger.Error().Err(err).Str("document_id", entry.DocumentID.String()).Msg("payment_event_failed")
	}
	if !entry.UsedAdvanceBalance {
		return
	}
	if _, err := s.Events.Emit(ctx, events.TopicAdvanceConsumed, customerID, advancePayload{
		CustomerID: customerID,
		DocumentID: entry.DocumentID,
		Consumed:   entry.AdvanceConsumed,
		Balance:    receipt.AdvanceBalance,
	}); err != nil {
		s.Logger.Error().Err(err).Str("customer_id", customerID.String()).Msg("advance_event_failed")
	}
}
