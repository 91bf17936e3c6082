package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/facturation-api/internal/events"
	"github.com/noah-isme/facturation-api/internal/obs"
	"github.com/noah-isme/facturation-api/internal/totals"
)

// Publisher emits domain events.
type Publisher interface {
	Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (events.Event, error)
}

// CreateRequest carries a new draft.
type CreateRequest struct {
	CustomerID uuid.UUID
	Kind       Kind
	Lines      []totals.Line
	Config     totals.Config
}

// Service manages document drafts and their totals.
type Service struct {
	Store    Store
	Events   Publisher
	Defaults totals.Defaults
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create stores a new draft after validating its lines and configuration.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Document, error) {
	if req.CustomerID == uuid.Nil {
		return Document{}, errors.New("document: customer id is required")
	}
	if !req.Kind.Valid() {
		return Document{}, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	cfg := s.Defaults.Apply(req.Config)
	if err := totals.Validate(req.Lines, cfg); err != nil {
		return Document{}, err
	}
	doc, err := s.Store.CreateDocument(ctx, Document{
		ID:         uuid.New(),
		CustomerID: req.CustomerID,
		Kind:       req.Kind,
		Status:     StatusDraft,
		Lines:      req.Lines,
		Config:     cfg,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return Document{}, fmt.Errorf("create document: %w", err)
	}
	s.Logger.Info().
		Str("document_id", doc.ID.String()).
		Str("customer_id", doc.CustomerID.String()).
		Str("kind", string(doc.Kind)).
		Int("lines", len(doc.Lines)).
		Msg("document_created")
	return doc, nil
}

// Get returns a document of the customer.
func (s *Service) Get(ctx context.Context, customerID, documentID uuid.UUID) (Document, error) {
	doc, err := s.Store.Lines(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if doc.CustomerID != customerID {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// Totals computes the breakdown of a document from its stored lines.
func (s *Service) Totals(ctx context.Context, customerID, documentID uuid.UUID) (totals.Breakdown, error) {
	ctx, span := otel.Tracer("document.Service").Start(ctx, "DocumentService.Totals")
	defer span.End()
	doc, err := s.Get(ctx, customerID, documentID)
	if err != nil {
		return totals.Breakdown{}, err
	}
	span.SetAttributes(attribute.String("document.kind", string(doc.Kind)), attribute.Int("document.lines", len(doc.Lines)))
	obs.ObserveTotals(string(doc.Kind))
	return totals.Compute(doc.Lines, doc.Config), nil
}

// ReplaceLines swaps the lines and configuration of a draft.
func (s *Service) ReplaceLines(ctx context.Context, customerID, documentID uuid.UUID, lines []totals.Line, cfg totals.Config) (Document, error) {
	if _, err := s.Get(ctx, customerID, documentID); err != nil {
		return Document{}, err
	}
	cfg = s.Defaults.Apply(cfg)
	if err := totals.Validate(lines, cfg); err != nil {
		return Document{}, err
	}
	doc, err := s.Store.ReplaceLines(ctx, documentID, lines, cfg)
	if err != nil {
		return Document{}, err
	}
	s.Logger.Info().Str("document_id", documentID.String()).Int("lines", len(lines)).Msg("document_lines_replaced")
	return doc, nil
}

type finalizedPayload struct {
	DocumentID uuid.UUID        `json:"documentId"`
	CustomerID uuid.UUID        `json:"customerId"`
	Kind       Kind             `json:"kind"`
	Totals     totals.Breakdown `json:"totals"`
}

// Finalize freezes a draft, persisting its grand total, and emits
// document.finalized. The returned breakdown is the one that was persisted.
func (s *Service) Finalize(ctx context.Context, customerID, documentID uuid.UUID) (Document, totals.Breakdown, error) {
	ctx, span := otel.Tracer("document.Service").Start(ctx, "DocumentService.Finalize")
	defer span.End()
	doc, err := s.Get(ctx, customerID, documentID)
	if err != nil {
		return Document{}, totals.Breakdown{}, err
	}
	if doc.Status == StatusFinalized {
		return Document{}, totals.Breakdown{}, ErrFinalized
	}
	doc, err = s.Store.FinalizeDocument(ctx, documentID, s.now(), ComputeGrandTotal)
	if err != nil {
		return Document{}, totals.Breakdown{}, err
	}
	breakdown := totals.Compute(doc.Lines, doc.Config)
	obs.ObserveTotals(string(doc.Kind))
	span.SetAttributes(attribute.String("document.grand_total", breakdown.GrandTotalTTC.String()))
	s.Logger.Info().
		Str("document_id", doc.ID.String()).
		Str("grand_total", breakdown.GrandTotalTTC.String()).
		Str("currency", breakdown.Currency).
		Msg("document_finalized")

	if s.Events != nil {
		if _, err := s.Events.Emit(ctx, events.TopicDocumentFinalized, doc.ID, finalizedPayload{
			DocumentID: doc.ID,
			CustomerID: doc.CustomerID,
			Kind:       doc.Kind,
			Totals:     breakdown,
		}); err != nil {
			s.Logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("document_event_failed")
		}
	}
	return doc, breakdown, nil
}
