/*
store.go - Persistence interfaces for resources and the ledger

PURPOSE:
  Defines the contract between the engine and the database. The
  ResourceStore holds live records keyed by id; the LedgerStore holds
  the append-only history that backs them. Different implementations
  can use SQLite, PostgreSQL, or in-memory storage.

APPEND-ONLY CONTRACT:
  Movements, reservations, and status changes are append-only: the
  interface exposes no update or delete for them. Loans get exactly one
  terminal update (SettleLoan) and reservations one terminal resolution
  (ResolveReservation); both must reject a second application.

ATOMICITY:
  TxStore.WithTx runs a function against a transactional view. Either
  every write inside commits or none does. LedgerEngine performs its
  append-then-update pairs inside WithTx so the resource record and the
  ledger can never disagree.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: Embedded production store
  - store/postgres/postgres.go: PostgreSQL via lib/pq
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESOURCE STORE - Live records, keyed by id
// =============================================================================

// ResourceStore persists the live resource records. Only LedgerEngine
// may call PutResource for quantity/status changes (single-writer
// invariant); the projector and handlers read only.
type ResourceStore interface {
	GetResource(ctx context.Context, id ResourceID) (Resource, error)
	PutResource(ctx context.Context, r Resource) error
	ListResources(ctx context.Context) ([]Resource, error)
}

// =============================================================================
// LEDGER STORE - Append-only history
// =============================================================================

// LedgerStore persists movements, loans, reservations, and status
// changes. Movement/StatusChange rows are immutable once written.
type LedgerStore interface {
	// AppendMovement adds an immutable movement. This is the only write
	// path for movements.
	AppendMovement(ctx context.Context, m Movement) error

	// MovementsByResource returns a resource's movements, oldest first.
	MovementsByResource(ctx context.Context, id ResourceID) ([]Movement, error)

	AppendLoan(ctx context.Context, l Loan) error
	GetLoan(ctx context.Context, id LoanID) (Loan, error)

	// SettleLoan applies the loan's single terminal update: return date,
	// accrued fee, status Returned. Fails with ErrAlreadyClosed if the
	// loan is not Active.
	SettleLoan(ctx context.Context, id LoanID, returnDate Date, fee decimal.Decimal) error

	// ListLoans returns all loans, Active and Returned.
	ListLoans(ctx context.Context) ([]Loan, error)

	AppendReservation(ctx context.Context, res Reservation) error
	GetReservation(ctx context.Context, id ReservationID) (Reservation, error)

	// OldestActiveReservation returns the longest-waiting Active
	// reservation for the resource, or ErrNotFound if none.
	OldestActiveReservation(ctx context.Context, id ResourceID) (Reservation, error)

	// LatestFulfilledReservation returns the most recently fulfilled
	// reservation for the resource, or ErrNotFound if none. Used to
	// decide who may pick up a Reserved resource.
	LatestFulfilledReservation(ctx context.Context, id ResourceID) (Reservation, error)

	// ResolveReservation applies the reservation's terminal transition
	// to Fulfilled or Cancelled. Fails with ErrAlreadyResolved if the
	// reservation is not Active.
	ResolveReservation(ctx context.Context, id ReservationID, status ReservationStatus) error

	AppendStatusChange(ctx context.Context, sc StatusChange) error
	StatusChangesByResource(ctx context.Context, id ResourceID) ([]StatusChange, error)
}

// =============================================================================
// COMBINED AND TRANSACTIONAL STORES
// =============================================================================

// Store is the full persistence surface the engine operates on.
type Store interface {
	ResourceStore
	LedgerStore
}

// TxStore wraps Store with transaction support.
//
// WithTx executes fn against a transactional view of the store. If fn
// returns an error the transaction is rolled back and no write inside
// it survives; otherwise everything commits together.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
