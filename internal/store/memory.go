package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/facturation-api/internal/document"
	"github.com/noah-isme/facturation-api/internal/events"
	"github.com/noah-isme/facturation-api/internal/money"
	"github.com/noah-isme/facturation-api/internal/payment"
	"github.com/noah-isme/facturation-api/internal/reconcile"
	"github.com/noah-isme/facturation-api/internal/totals"
)

// Memory is a process-local Store. Every method takes the same mutex, which
// gives RecordPayment the same all-or-nothing behaviour as the SQL transaction.
type Memory struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]document.Document
	ledger   map[uuid.UUID][]reconcile.LedgerEntry
	advances map[uuid.UUID]decimal.Decimal
	events   []events.Event
	now      func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[uuid.UUID]document.Document),
		ledger:   make(map[uuid.UUID][]reconcile.LedgerEntry),
		advances: make(map[uuid.UUID]decimal.Decimal),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func cloneDocument(doc document.Document) document.Document {
	doc.Lines = append([]totals.Line(nil), doc.Lines...)
	if doc.FinalizedAt != nil {
		at := *doc.FinalizedAt
		doc.FinalizedAt = &at
	}
	return doc
}

// CreateDocument stores a new document.
func (m *Memory) CreateDocument(_ context.Context, doc document.Document) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = m.now()
	}
	m.docs[doc.ID] = cloneDocument(doc)
	return cloneDocument(doc), nil
}

// Lines returns a copy of the document.
func (m *Memory) Lines(_ context.Context, documentID uuid.UUID) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return document.Document{}, document.ErrNotFound
	}
	return cloneDocument(doc), nil
}

// ReplaceLines swaps lines and config of a draft.
func (m *Memory) ReplaceLines(_ context.Context, documentID uuid.UUID, lines []totals.Line, cfg totals.Config) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return document.Document{}, document.ErrNotFound
	}
	if doc.Status != document.StatusDraft {
		return document.Document{}, document.ErrFinalized
	}
	doc.Lines = append([]totals.Line(nil), lines...)
	doc.Config = cfg
	m.docs[documentID] = doc
	return cloneDocument(doc), nil
}

// FinalizeDocument freezes a draft with the grand total of its current lines.
func (m *Memory) FinalizeDocument(_ context.Context, documentID uuid.UUID, at time.Time, grandTotal document.GrandTotalFunc) (document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return document.Document{}, document.ErrNotFound
	}
	if doc.Status != document.StatusDraft {
		return document.Document{}, document.ErrFinalized
	}
	doc.Status = document.StatusFinalized
	doc.GrandTotal = decimal.NewNullDecimal(money.Round(grandTotal(doc.Lines, doc.Config)))
	doc.FinalizedAt = &at
	m.docs[documentID] = doc
	return cloneDocument(doc), nil
}

func (m *Memory) paidLocked(documentID uuid.UUID) decimal.Decimal {
	paid := decimal.Zero
	for _, e := range m.ledger[documentID] {
		paid = paid.Add(e.AmountApplied)
	}
	return paid
}

// UnpaidDocuments lists the customer's finalized documents with a positive
// remaining balance, oldest finalization first.
func (m *Memory) UnpaidDocuments(_ context.Context, customerID uuid.UUID) ([]reconcile.UnpaidDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type row struct {
		doc reconcile.UnpaidDocument
		at  time.Time
	}
	var rows []row
	for id, doc := range m.docs {
		if doc.CustomerID != customerID || doc.Status != document.StatusFinalized || !doc.GrandTotal.Valid {
			continue
		}
		remaining := doc.GrandTotal.Decimal.Sub(m.paidLocked(id))
		if !remaining.IsPositive() {
			continue
		}
		r := row{doc: reconcile.UnpaidDocument{DocumentID: id, GrandTotal: doc.GrandTotal.Decimal, Remaining: remaining}}
		if doc.FinalizedAt != nil {
			r.at = *doc.FinalizedAt
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].at.Equal(rows[j].at) {
			return rows[i].at.Before(rows[j].at)
		}
		return rows[i].doc.DocumentID.String() < rows[j].doc.DocumentID.String()
	})
	out := make([]reconcile.UnpaidDocument, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.doc)
	}
	return out, nil
}

// AdvanceBalance returns the customer's advance balance, zero when none.
func (m *Memory) AdvanceBalance(_ context.Context, customerID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advances[customerID], nil
}

// CreditAdvance adds amount to the customer's advance balance.
func (m *Memory) CreditAdvance(_ context.Context, customerID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.advances[customerID].Add(amount)
	if balance.IsNegative() {
		return decimal.Zero, payment.ErrConcurrentModification
	}
	m.advances[customerID] = balance
	return balance, nil
}

// RecordPayment appends a ledger entry and draws the advance balance, both or
// neither. The paid sum and advance balance must still match what the caller
// validated against.
func (m *Memory) RecordPayment(_ context.Context, rec payment.Record) (reconcile.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[rec.DocumentID]
	if !ok || doc.CustomerID != rec.CustomerID {
		return reconcile.LedgerEntry{}, document.ErrNotFound
	}
	if doc.Status != document.StatusFinalized || !doc.GrandTotal.Valid {
		return reconcile.LedgerEntry{}, document.ErrNotFinalized
	}
	paid := m.paidLocked(rec.DocumentID)
	if !money.Equal(paid, rec.ExpectedPaid) {
		return reconcile.LedgerEntry{}, payment.ErrConcurrentModification
	}
	if paid.Add(rec.Payment.AmountApplied).GreaterThan(doc.GrandTotal.Decimal.Add(money.Epsilon)) {
		return reconcile.LedgerEntry{}, payment.ErrConcurrentModification
	}
	balance := m.advances[rec.CustomerID]
	if rec.Payment.UsedAdvanceBalance {
		if !money.Equal(balance, rec.ExpectedAdvance) || balance.LessThan(rec.Payment.AdvanceConsumed) {
			return reconcile.LedgerEntry{}, payment.ErrConcurrentModification
		}
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
	if entry.UsedAdvanceBalance {
		m.advances[rec.CustomerID] = balance.Sub(entry.AdvanceConsumed)
	}
	m.ledger[rec.DocumentID] = append(m.ledger[rec.DocumentID], entry)
	return entry, nil
}

// Ledger returns the document's entries in application order.
func (m *Memory) Ledger(_ context.Context, documentID uuid.UUID) ([]reconcile.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reconcile.LedgerEntry(nil), m.ledger[documentID]...), nil
}

// InsertDomainEvent records an event.
func (m *Memory) InsertDomainEvent(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := events.Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     json.RawMessage(append([]byte(nil), payload...)),
		OccurredAt:  m.now(),
	}
	m.events = append(m.events, ev)
	return ev, nil
}

// Events returns the recorded events, optionally filtered by topic.
func (m *Memory) Events(topic string) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Event, 0, len(m.events))
	for _, ev := range m.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
