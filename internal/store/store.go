// Package store persists documents, the payment ledger, customer advances and
// domain events. Postgres is the production driver; Memory backs tests and
// local runs without a database.
package store

import (
	"errors"

	"github.com/noah-isme/facturation-api/internal/document"
	"github.com/noah-isme/facturation-api/internal/events"
	"github.com/noah-isme/facturation-api/internal/payment"
)

// ErrStoreUnavailable indicates the database dependency is not configured.
var ErrStoreUnavailable = errors.New("store: unavailable")

// Store is everything the services need from persistence.
type Store interface {
	document.Store
	payment.Querier
	events.EventStore
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
