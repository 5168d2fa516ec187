/*
Package engine provides the core ledger-backed resource state engine.

PURPOSE:
  This package contains the types and algorithms for tracking resources
  whose live state must always agree with an append-only history of
  movements. Whether tracking stock items, book copies, or bookable
  rooms, the same engine handles movement validation, loan lifecycles,
  and derived facts (overdue, low-stock, inventory value).

KEY CONCEPTS IN THIS FILE (types.go):
  - Resource: A trackable unit, either quantity-based (stock) or
    unit-based (a single lendable copy/room)
  - Movement: An immutable ledger entry recording a quantity change
  - Loan: A unit-resource checkout with a single terminal settlement
  - Reservation: A loan precursor for resources already in use
  - StatusChange: Audit record for administrative status transitions

DESIGN PRINCIPLES:
  1. Immutability: Movements are never modified; corrections are new
     offsetting Movements
  2. Precision: Uses decimal.Decimal for monetary values to avoid
     floating-point errors
  3. Type Safety: Strong typing for IDs and closed status types so
     illegal states are unrepresentable
  4. Derivability: Live quantity/status is always the fold of the
     ledger; the two are kept consistent by LedgerEngine

SEE ALSO:
  - rules.go: Pure validation and derivation functions
  - ledger.go: LedgerEngine, the only component that mutates resources
  - store.go: Persistence interfaces
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ResourceID string
type MovementID string
type LoanID string
type ReservationID string
type HolderID string

// =============================================================================
// RESOURCE - Trackable stock item or lendable unit
// =============================================================================

// Kind discriminates the two resource shapes the engine tracks.
type Kind string

const (
	// KindQuantity is a countable resource (stock item). Its state is a
	// non-negative quantity derived from In/Out movements.
	KindQuantity Kind = "quantity"

	// KindUnit is a single lendable unit (book copy, room). Its state is
	// a status derived from the latest non-superseded loan/reservation.
	KindUnit Kind = "unit"
)

// Status is the live availability of a unit-resource.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusInUse       Status = "in_use"
	StatusReserved    Status = "reserved"
	StatusUnavailable Status = "unavailable"
)

// Resource is the live record for a trackable unit.
//
// INVARIANTS:
//   - Quantity is exactly the net sum of all committed In/Out movements
//   - Status is a pure function of the latest loan/reservation/admin
//     transition for the resource
//   - Only LedgerEngine writes Quantity or Status (single-writer)
type Resource struct {
	ID   ResourceID
	Kind Kind
	Name string

	// Quantity-resource fields
	Quantity         int64
	MinimumThreshold int64

	// Unit-resource field
	Status Status

	// Monetary value per unit, where applicable
	UnitValue decimal.Decimal

	// Retired resources are soft-deleted: they reject new movements and
	// loans but are never purged while ledger entries reference them.
	Retired bool

	CreatedAt time.Time
}

// =============================================================================
// MOVEMENT - Immutable quantity change
// =============================================================================

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Movement records a single quantity change against a resource.
// Created only by LedgerEngine; never mutated or deleted. A mistaken
// movement is corrected by appending an offsetting movement.
type Movement struct {
	ID         MovementID
	ResourceID ResourceID
	Direction  Direction
	Amount     int64 // always positive; Direction carries the sign
	UnitValue  decimal.Decimal
	Timestamp  time.Time
	Reference  string
}

// SignedAmount returns the movement's contribution to the resource
// quantity: +Amount for In, -Amount for Out.
func (m Movement) SignedAmount() int64 {
	if m.Direction == DirectionOut {
		return -m.Amount
	}
	return m.Amount
}

// =============================================================================
// LOAN - Unit-resource checkout
// =============================================================================

type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
)

// Loan records a unit-resource checkout. Created by LedgerEngine.OpenLoan
// and mutated exactly once, by LedgerEngine.CloseLoan, which settles
// ReturnDate, FeeAccrued, and Status. Never deleted.
type Loan struct {
	ID         LoanID
	ResourceID ResourceID
	HolderID   HolderID
	StartDate  Date
	DueDate    Date
	ReturnDate *Date
	FeeAccrued decimal.Decimal
	Status     LoanStatus
}

// =============================================================================
// RESERVATION - Loan precursor for in-use resources
// =============================================================================

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
)

type Reservation struct {
	ID          ReservationID
	ResourceID  ResourceID
	HolderID    HolderID
	RequestedAt time.Time
	Status      ReservationStatus
}

// =============================================================================
// STATUS CHANGE - Audit record for administrative transitions
// =============================================================================

// StatusChange keeps the audit trail complete for transitions that do
// not originate from a loan: maintenance, restore, retire. Append-only.
type StatusChange struct {
	ID         string
	ResourceID ResourceID
	From       Status
	To         Status
	Reason     string
	Timestamp  time.Time
}
