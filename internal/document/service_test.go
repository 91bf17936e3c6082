package document_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/facturation-api/internal/document"
	"github.com/noah-isme/facturation-api/internal/events"
	"github.com/noah-isme/facturation-api/internal/store"
	"github.com/noah-isme/facturation-api/internal/totals"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService() (*document.Service, *store.Memory) {
	mem := store.NewMemory()
	return &document.Service{
		Store:  mem,
		Events: &events.Bus{Store: mem},
		Defaults: totals.Defaults{
			Currency:     "TND",
			StampDuty:    dec("1"),
			FodecRatePct: dec("1"),
		},
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC) },
	}, mem
}

func invoiceLines() []totals.Line {
	return []totals.Line{
		{Designation: "Widget", Quantity: dec("2"), UnitPriceHT: dec("50"), VATPct: dec("19")},
		{Designation: "Service", Quantity: dec("1"), UnitPriceHT: dec("200"), LineDiscountPct: dec("5"), VATPct: dec("19")},
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc, _ := newService()
	doc, err := svc.Create(context.Background(), document.CreateRequest{
		CustomerID: uuid.New(),
		Kind:       document.KindSalesInvoice,
		Lines:      invoiceLines(),
		Config:     totals.Config{StampDuty: totals.StampDuty{Enabled: true}, Fodec: totals.Fodec{Enabled: true}},
	})
	require.NoError(t, err)
	require.Equal(t, document.StatusDraft, doc.Status)
	require.Equal(t, "TND", doc.Config.Currency)
	require.True(t, dec("1").Equal(doc.Config.StampDuty.Amount))
	require.True(t, dec("1").Equal(doc.Config.Fodec.RatePct))
	require.False(t, doc.GrandTotal.Valid)
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Create(context.Background(), document.CreateRequest{CustomerID: uuid.New(), Kind: "receipt"})
	require.ErrorIs(t, err, document.ErrInvalidKind)

	_, err = svc.Create(context.Background(), document.CreateRequest{
		CustomerID: uuid.New(),
		Kind:       document.KindQuote,
		Lines:      []totals.Line{{Quantity: dec("-1"), UnitPriceHT: dec("1")}},
	})
	require.ErrorIs(t, err, totals.ErrInvalidInput)
}

func TestFinalizeFreezesTotals(t *testing.T) {
	svc, mem := newService()
	ctx := context.Background()
	customer := uuid.New()
	doc, err := svc.Create(ctx, document.CreateRequest{
		CustomerID: customer,
		Kind:       document.KindSalesInvoice,
		Lines:      invoiceLines(),
		Config:     totals.Config{StampDuty: totals.StampDuty{Enabled: true, Amount: dec("1")}},
	})
	require.NoError(t, err)

	breakdown, err := svc.Totals(ctx, customer, doc.ID)
	require.NoError(t, err)
	require.True(t, dec("346.1").Equal(breakdown.GrandTotalTTC))

	final, frozen, err := svc.Finalize(ctx, customer, doc.ID)
	require.NoError(t, err)
	require.Equal(t, document.StatusFinalized, final.Status)
	require.True(t, final.GrandTotal.Valid)
	require.True(t, frozen.GrandTotalTTC.Equal(final.GrandTotal.Decimal))
	require.NotNil(t, final.FinalizedAt)

	_, _, err = svc.Finalize(ctx, customer, doc.ID)
	require.ErrorIs(t, err, document.ErrFinalized)
	_, err = svc.ReplaceLines(ctx, customer, doc.ID, invoiceLines()[:1], totals.Config{})
	require.ErrorIs(t, err, document.ErrFinalized)

	evs := mem.Events(events.TopicDocumentFinalized)
	require.Len(t, evs, 1)
	require.Equal(t, doc.ID, evs[0].AggregateID)
	var payload struct {
		Totals struct {
			GrandTotalTTC string `json:"grandTotalTTC"`
		} `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(evs[0].Payload, &payload))
	require.Equal(t, "346.1", payload.Totals.GrandTotalTTC)

	rows, err := mem.UnpaidDocuments(ctx, customer)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestReplaceLinesRecomputes(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	customer := uuid.New()
	doc, err := svc.Create(ctx, document.CreateRequest{CustomerID: customer, Kind: document.KindQuote, Lines: invoiceLines()})
	require.NoError(t, err)

	_, err = svc.ReplaceLines(ctx, customer, doc.ID, []totals.Line{{Quantity: dec("1"), UnitPriceHT: dec("100"), VATPct: dec("19")}},
		totals.Config{GlobalDiscountPct: dec("10")})
	require.NoError(t, err)

	breakdown, err := svc.Totals(ctx, customer, doc.ID)
	require.NoError(t, err)
	require.True(t, dec("90").Equal(breakdown.NetHT))
	require.True(t, dec("107.1").Equal(breakdown.GrandTotalTTC))
}

func TestGetScopesToCustomer(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	doc, err := svc.Create(ctx, document.CreateRequest{CustomerID: uuid.New(), Kind: document.KindDeliveryNote})
	require.NoError(t, err)

	_, err = svc.Get(ctx, uuid.New(), doc.ID)
	require.ErrorIs(t, err, document.ErrNotFound)
	_, err = svc.Totals(ctx, uuid.New(), doc.ID)
	require.ErrorIs(t, err, document.ErrNotFound)
}

// editingStore commits a line edit right before the finalize it wraps, as a
// concurrent ReplaceLines would.
type editingStore struct {
	*store.Memory
	lines []totals.Line
}

func (s editingStore) FinalizeDocument(ctx context.Context, documentID uuid.UUID, at time.Time, grandTotal document.GrandTotalFunc) (document.Document, error) {
	current, err := s.Memory.Lines(ctx, documentID)
	if err != nil {
		return document.Document{}, err
	}
	if _, err := s.Memory.ReplaceLines(ctx, documentID, s.lines, current.Config); err != nil {
		return document.Document{}, err
	}
	return s.Memory.FinalizeDocument(ctx, documentID, at, grandTotal)
}

func TestFinalizeUsesLinesCommittedBeforeFreeze(t *testing.T) {
	svc, mem := newService()
	ctx := context.Background()
	customer := uuid.New()
	doc, err := svc.Create(ctx, document.CreateRequest{
		CustomerID: customer,
		Kind:       document.KindSalesInvoice,
		Lines:      invoiceLines(),
	})
	require.NoError(t, err)

	edited := []totals.Line{{Designation: "Widget", Quantity: dec("1"), UnitPriceHT: dec("10"), VATPct: dec("19")}}
	svc.Store = editingStore{Memory: mem, lines: edited}

	final, breakdown, err := svc.Finalize(ctx, customer, doc.ID)
	require.NoError(t, err)
	want := totals.Compute(edited, final.Config).GrandTotalTTC
	require.True(t, want.Equal(final.GrandTotal.Decimal), "persisted %s, want %s", final.GrandTotal.Decimal, want)
	require.True(t, want.Equal(breakdown.GrandTotalTTC))

	stored, err := mem.Lines(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, totals.Compute(stored.Lines, stored.Config).GrandTotalTTC.Equal(stored.GrandTotal.Decimal))
}
