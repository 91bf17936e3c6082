package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/facturation-api/internal/document"
	"github.com/noah-isme/facturation-api/internal/events"
	"github.com/noah-isme/facturation-api/internal/money"
	"github.com/noah-isme/facturation-api/internal/payment"
	"github.com/noah-isme/facturation-api/internal/reconcile"
	"github.com/noah-isme/facturation-api/internal/totals"
)

// Numeric columns travel as text in both directions so decimal values never
// pass through float64.
const (
	selectDocument = `SELECT id, customer_id, kind, status, currency,
       global_discount_pct::text, fodec_enabled, fodec_rate_pct::text,
       stamp_enabled, stamp_amount::text, grand_total::text, finalized_at, created_at
FROM documents WHERE id = $1`

	selectLines = `SELECT designation, quantity::text, unit_price_ht::text, line_discount_pct::text, vat_pct::text
FROM document_lines WHERE document_id = $1 ORDER BY position`

	selectLedger = `SELECT id, document_id, amount_applied::text, applied_at, method, used_advance, advance_consumed::text
FROM payment_ledger WHERE document_id = $1 ORDER BY created_at, id`
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a Store backed by a pgx connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) ready() error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return nil
}

func parseDecimal(column, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("store: parse %s: %w", column, err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (document.Document, error) {
	var (
		doc                  document.Document
		kind, status         string
		globalPct, fodecRate string
		stampAmount          string
		grandTotal           *string
		finalizedAt          *time.Time
	)
	if err := row.Scan(&doc.ID, &doc.CustomerID, &kind, &status, &doc.Config.Currency,
		&globalPct, &doc.Config.Fodec.Enabled, &fodecRate,
		&doc.Config.StampDuty.Enabled, &stampAmount, &grandTotal, &finalizedAt, &doc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return document.Document{}, document.ErrNotFound
		}
		return document.Document{}, err
	}
	doc.Kind = document.Kind(kind)
	doc.Status = document.Status(status)
	doc.FinalizedAt = finalizedAt

	var err error
	if doc.Config.GlobalDiscountPct, err = parseDecimal("global_discount_pct", globalPct); err != nil {
		return document.Document{}, err
	}
	if doc.Config.Fodec.RatePct, err = parseDecimal("fodec_rate_pct", fodecRate); err != nil {
		return document.Document{}, err
	}
	if doc.Config.StampDuty.Amount, err = parseDecimal("stamp_amount", stampAmount); err != nil {
		return document.Document{}, err
	}
	if grandTotal != nil {
		total, err := parseDecimal("grand_total", *grandTotal)
		if err != nil {
			return document.Document{}, err
		}
		doc.GrandTotal = decimal.NewNullDecimal(total)
	}
	return doc, nil
}

func (s *Postgres) loadLines(ctx context.Context, q pgxQuerier, documentID uuid.UUID) ([]totals.Line, error) {
	rows, err := q.Query(ctx, selectLines, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lines := make([]totals.Line, 0)
	for rows.Next() {
		var (
			l                         totals.Line
			qty, price, discount, vat string
		)
		if err := rows.Scan(&l.Designation, &qty, &price, &discount, &vat); err != nil {
			return nil, err
		}
		if l.Quantity, err = parseDecimal("quantity", qty); err != nil {
			return nil, err
		}
		if l.UnitPriceHT, err = parseDecimal("unit_price_ht", price); err != nil {
			return nil, err
		}
		if l.LineDiscountPct, err = parseDecimal("line_discount_pct", discount); err != nil {
			return nil, err
		}
		if l.VATPct, err = parseDecimal("vat_pct", vat); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertLines(batch *pgx.Batch, documentID uuid.UUID, lines []totals.Line) {
	for i, l := range lines {
		batch.Queue(`INSERT INTO document_lines (document_id, position, designation, quantity, unit_price_ht, line_discount_pct, vat_pct)
VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric)`,
			documentID, i, l.Designation, l.Quantity.String(), l.UnitPriceHT.String(), l.LineDiscountPct.String(), l.VATPct.String())
	}
}

func (s *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateDocument inserts a document and its lines in one transaction.
func (s *Postgres) CreateDocument(ctx context.Context, doc document.Document) (document.Document, error) {
	if err := s.ready(); err != nil {
		return document.Document{}, err
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	cfg := doc.Config
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(`INSERT INTO documents (id, customer_id, kind, status, currency, global_discount_pct,
       fodec_enabled, fodec_rate_pct, stamp_enabled, stamp_amount, created_at)
VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8::text::numeric, $9, $10::text::numeric, $11)`,
			doc.ID, doc.CustomerID, string(doc.Kind), string(doc.Status), cfg.Currency, cfg.GlobalDiscountPct.String(),
			cfg.Fodec.Enabled, cfg.Fodec.RatePct.String(), cfg.StampDuty.Enabled, cfg.StampDuty.Amount.String(), doc.CreatedAt)
		insertLines(batch, doc.ID, doc.Lines)
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// Lines returns the document with its lines.
func (s *Postgres) Lines(ctx context.Context, documentID uuid.UUID) (document.Document, error) {
	if err := s.ready(); err != nil {
		return document.Document{}, err
	}
	doc, err := scanDocument(s.pool.QueryRow(ctx, selectDocument, documentID))
	if err != nil {
		return document.Document{}, err
	}
	if doc.Lines, err = s.loadLines(ctx, s.pool, documentID); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// ReplaceLines swaps lines and config of a draft.
func (s *Postgres) ReplaceLines(ctx context.Context, documentID uuid.UUID, lines []totals.Line, cfg totals.Config) (document.Document, error) {
	if err := s.ready(); err != nil {
		return document.Document{}, err
	}
	var doc document.Document
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanDocument(tx.QueryRow(ctx, selectDocument+` FOR UPDATE`, documentID))
		if err != nil {
			return err
		}
		if current.Status != document.StatusDraft {
			return document.ErrFinalized
		}
		batch := &pgx.Batch{}
		batch.Queue(`UPDATE documents SET currency = $2, global_discount_pct = $3::text::numeric, fodec_enabled = $4,
       fodec_rate_pct = $5::text::numeric, stamp_enabled = $6, stamp_amount = $7::text::numeric
WHERE id = $1`, documentID, cfg.Currency, cfg.GlobalDiscountPct.String(), cfg.Fodec.Enabled,
			cfg.Fodec.RatePct.String(), cfg.StampDuty.Enabled, cfg.StampDuty.Amount.String())
		batch.Queue(`DELETE FROM document_lines WHERE document_id = $1`, documentID)
		insertLines(batch, documentID, lines)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		current.Config = cfg
		current.Lines = append([]totals.Line(nil), lines...)
		doc = current
		return nil
	})
	if err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// FinalizeDocument freezes a draft. The row stays locked from reading the
// lines to writing the grand total, so ReplaceLines cannot slip in between.
func (s *Postgres) FinalizeDocument(ctx context.Context, documentID uuid.UUID, at time.Time, grandTotal document.GrandTotalFunc) (document.Document, error) {
	if err := s.ready(); err != nil {
		return document.Document{}, err
	}
	var doc document.Document
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanDocument(tx.QueryRow(ctx, selectDocument+` FOR UPDATE`, documentID))
		if err != nil {
			return err
		}
		if current.Status != document.StatusDraft {
			return document.ErrFinalized
		}
		if current.Lines, err = s.loadLines(ctx, tx, documentID); err != nil {
			return err
		}
		total := money.Round(grandTotal(current.Lines, current.Config))
		if _, err := tx.Exec(ctx, `UPDATE documents SET status = 'finalized', grand_total = $2::text::numeric, finalized_at = $3
WHERE id = $1`, documentID, total.String(), at); err != nil {
			return err
		}
		current.Status = document.StatusFinalized
		current.GrandTotal = decimal.NewNullDecimal(total)
		current.FinalizedAt = &at
		doc = current
		return nil
	})
	if err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// UnpaidDocuments reads the unpaid_documents view for a customer.
func (s *Postgres) UnpaidDocuments(ctx context.Context, customerID uuid.UUID) ([]reconcile.UnpaidDocument, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT document_id, grand_total::text, remaining::text
FROM unpaid_documents WHERE customer_id = $1 ORDER BY finalized_at, document_id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reconcile.UnpaidDocument, 0)
	for rows.Next() {
		var (
			row              reconcile.UnpaidDocument
			total, remaining string
		)
		if err := rows.Scan(&row.DocumentID, &total, &remaining); err != nil {
			return nil, err
		}
		if row.GrandTotal, err = parseDecimal("grand_total", total); err != nil {
			return nil, err
		}
		if row.Remaining, err = parseDecimal("remaining", remaining); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AdvanceBalance returns the customer's advance balance, zero when none.
func (s *Postgres) AdvanceBalance(ctx context.Context, customerID uuid.UUID) (decimal.Decimal, error) {
	if err := s.ready(); err != nil {
		return decimal.Zero, err
	}
	var balance string
	err := s.pool.QueryRow(ctx, `SELECT balance::text FROM customer_advances WHERE customer_id = $1`, customerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal("balance", balance)
}

// CreditAdvance adds amount to the customer's advance balance.
func (s *Postgres) CreditAdvance(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := s.ready(); err != nil {
		return decimal.Zero, err
	}
	var balance string
	err := s.pool.QueryRow(ctx, `INSERT INTO customer_advances (customer_id, balance) VALUES ($1, $2::text::numeric)
ON CONFLICT (customer_id) DO UPDATE SET balance = customer_advances.balance + EXCLUDED.balance, updated_at = now()
RETURNING balance::text`, customerID, amount.String()).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal("balance", balance)
}

// RecordPayment appends the ledger entry and draws the advance balance in one
// transaction. The document row is locked first so concurrent writers queue
// behind it; the paid sum and advance balance must still match what the
// caller validated against.
func (s *Postgres) RecordPayment(ctx context.Context, rec payment.Record) (reconcile.LedgerEntry, error) {
	if err := s.ready(); err != nil {
		return reconcile.LedgerEntry{}, err
	}
	entry := reconcile.LedgerEntry{
		ID:                 uuid.New(),
		DocumentID:         rec.DocumentID,
		AmountApplied:      rec.Payment.AmountApplied,
		AppliedAt:          rec.AppliedAt,
		Method:             rec.Method,
		UsedAdvanceBalance: rec.Payment.UsedAdvanceBalance,
		AdvanceConsumed:    rec.Payment.AdvanceConsumed,
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		doc, err := scanDocument(tx.QueryRow(ctx, selectDocument+` FOR UPDATE`, rec.DocumentID))
		if err != nil {
			return err
		}
		if doc.CustomerID != rec.CustomerID {
			return document.ErrNotFound
		}
		if doc.Status != document.StatusFinalized || !doc.GrandTotal.Valid {
			return document.ErrNotFinalized
		}

		var paidText string
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount_applied), 0)::text FROM payment_ledger WHERE document_id = $1`,
			rec.DocumentID).Scan(&paidText); err != nil {
			return err
		}
		paid, err := parseDecimal("amount_applied", paidText)
		if err != nil {
			return err
		}
		if !money.Equal(paid, rec.ExpectedPaid) {
			return payment.ErrConcurrentModification
		}
		if paid.Add(entry.AmountApplied).GreaterThan(doc.GrandTotal.Decimal.Add(money.Epsilon)) {
			return payment.ErrConcurrentModification
		}

		if entry.UsedAdvanceBalance {
			var balanceText string
			err := tx.QueryRow(ctx, `SELECT balance::text FROM customer_advances WHERE customer_id = $1 FOR UPDATE`,
				rec.CustomerID).Scan(&balanceText)
			if errors.Is(err, pgx.ErrNoRows) {
				return payment.ErrConcurrentModification
			}
			if err != nil {
				return err
			}
			balance, err := parseDecimal("balance", balanceText)
			if err != nil {
				return err
			}
			if !money.Equal(balance, rec.ExpectedAdvance) || balance.LessThan(entry.AdvanceConsumed) {
				return payment.ErrConcurrentModification
			}
			if _, err := tx.Exec(ctx, `UPDATE customer_advances SET balance = balance - $2::text::numeric, updated_at = now()
WHERE customer_id = $1`, rec.CustomerID, entry.AdvanceConsumed.String()); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx, `INSERT INTO payment_ledger (id, document_id, customer_id, amount_applied, method, used_advance, advance_consumed, applied_at)
VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7::text::numeric, $8)`,
			entry.ID, entry.DocumentID, rec.CustomerID, entry.AmountApplied.String(), entry.Method,
			entry.UsedAdvanceBalance, entry.AdvanceConsumed.String(), entry.AppliedAt)
		return err
	})
	if err != nil {
		return reconcile.LedgerEntry{}, err
	}
	return entry, nil
}

// Ledger returns the document's entries in application order.
func (s *Postgres) Ledger(ctx context.Context, documentID uuid.UUID) ([]reconcile.LedgerEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectLedger, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]reconcile.LedgerEntry, 0)
	for rows.Next() {
		var (
			e                reconcile.LedgerEntry
			amount, consumed string
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &amount, &e.AppliedAt, &e.Method, &e.UsedAdvanceBalance, &consumed); err != nil {
			return nil, err
		}
		if e.AmountApplied, err = parseDecimal("amount_applied", amount); err != nil {
			return nil, err
		}
		if e.AdvanceConsumed, err = parseDecimal("advance_consumed", consumed); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertDomainEvent persists an event.
func (s *Postgres) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	if err := s.ready(); err != nil {
		return events.Event{}, err
	}
	ev := events.Event{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: payload}
	err := s.pool.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload)
VALUES ($1, $2, $3, $4::jsonb) RETURNING occurred_at`, ev.ID, topic, aggregateID, string(payload)).Scan(&ev.OccurredAt)
	if err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}
