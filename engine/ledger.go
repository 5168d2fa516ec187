/*
ledger.go - LedgerEngine, the single writer of resource state

PURPOSE:
  LedgerEngine orchestrates the rules and the stores. It is the only
  component permitted to mutate a Resource, and it does so exclusively
  as a side effect of appending to the ledger: validate, append the
  ledger record, update the live record, all inside one store
  transaction.

CRITICAL INVARIANTS:
  1. ATOMIC: Every operation is fully applied or fully rejected. A
     storage failure mid-operation rolls everything back; the resource
     record and the ledger can never disagree.
  2. SERIALIZED PER RESOURCE: Mutations on the same resource hold that
     resource's lock, so read-validate-write is atomic. Two concurrent
     Out movements cannot both pass validation against a stale
     quantity. Different resources never serialize against each other.
  3. TYPED REJECTIONS: Rule violations come back as specific error
     kinds (see errors.go), never partially applied, never swallowed.

STATE MACHINE (unit-resources):
  Available --OpenLoan--> InUse
  InUse --CloseLoan, no reservation--> Available
  InUse --CloseLoan, reservation waiting--> Reserved (oldest Active
      reservation becomes Fulfilled)
  Reserved --OpenLoan by the fulfilled holder--> InUse
  Available|InUse --MarkUnavailable--> Unavailable
  Unavailable --Restore--> Available
  Administrative transitions are audited as StatusChange entries so the
  trail stays complete even for changes no loan explains.

SEE ALSO:
  - rules.go: The pure checks this engine enforces
  - store.go: TxStore, the atomic unit underneath every operation
  - report.go: Read-only projections over the same stores
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerEngine mutates resource state exclusively through recorded
// ledger entries. Construct with NewLedgerEngine.
type LedgerEngine struct {
	store TxStore
	clock Clock
	locks *resourceLocks
}

// NewLedgerEngine creates an engine over the given transactional store.
// The clock is injected so due-date and fee computations are
// deterministic under test.
func NewLedgerEngine(store TxStore, clock Clock) *LedgerEngine {
	return NewLedgerEngineWithLockWait(store, clock, defaultLockWait)
}

// NewLedgerEngineWithLockWait overrides the bounded per-resource lock
// wait. Acquisition beyond the wait surfaces ErrBusy.
func NewLedgerEngineWithLockWait(store TxStore, clock Clock, lockWait time.Duration) *LedgerEngine {
	return &LedgerEngine{
		store: store,
		clock: clock,
		locks: newResourceLocks(lockWait),
	}
}

// storageWrap classifies an error coming out of a store transaction.
// Rule rejections pass through untouched; anything else is a storage
// failure whose transaction has been rolled back.
func storageWrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsValidation(err) || IsNotFound(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// RESOURCE LIFECYCLE (administrative)
// =============================================================================

// CreateResource registers a new trackable resource. A missing ID is
// generated. Unit-resources start Available; quantity-resources start
// with the given non-negative quantity (recorded as an opening In
// movement when positive, so the ledger explains the balance from day
// one).
func (e *LedgerEngine) CreateResource(ctx context.Context, r Resource) (Resource, error) {
	if r.Kind != KindQuantity && r.Kind != KindUnit {
		return Resource{}, ErrKindMismatch
	}
	if r.Quantity < 0 || r.MinimumThreshold < 0 || r.UnitValue.IsNegative() {
		return Resource{}, ErrInvalidAmount
	}
	if r.ID == "" {
		r.ID = ResourceID(uuid.NewString())
	}
	if r.Kind == KindUnit {
		r.Quantity = 0
		r.MinimumThreshold = 0
		if r.Status == "" {
			r.Status = StatusAvailable
		}
	} else {
		r.Status = ""
	}
	r.Retired = false
	r.CreatedAt = e.clock.Now()

	if err := e.locks.Acquire(r.ID); err != nil {
		return Resource{}, err
	}
	defer e.locks.Release(r.ID)

	if _, err := e.store.GetResource(ctx, r.ID); err == nil {
		return Resource{}, ErrAlreadyExists
	} else if !IsNotFound(err) {
		return Resource{}, storageWrap("create resource", err)
	}

	opening := r.Quantity
	r.Quantity = 0

	err := e.store.WithTx(ctx, func(s Store) error {
		if err := s.PutResource(ctx, r); err != nil {
			return err
		}
		if opening > 0 {
			m := Movement{
				ID:         MovementID(uuid.NewString()),
				ResourceID: r.ID,
				Direction:  DirectionIn,
				Amount:     opening,
				UnitValue:  r.UnitValue,
				Timestamp:  e.clock.Now(),
				Reference:  "opening balance",
			}
			if err := s.AppendMovement(ctx, m); err != nil {
				return err
			}
			r = ApplyMovement(r, DirectionIn, opening)
			return s.PutResource(ctx, r)
		}
		return nil
	})
	if err != nil {
		return Resource{}, storageWrap("create resource", err)
	}
	return r, nil
}

// RetireResource soft-deletes a resource. The record and its ledger
// history remain; new movements and loans are rejected. A unit-resource
// currently on loan cannot be retired.
func (e *LedgerEngine) RetireResource(ctx context.Context, id ResourceID, reason string) error {
	if err := e.locks.Acquire(id); err != nil {
		return err
	}
	defer e.locks.Release(id)

	r, err := e.store.GetResource(ctx, id)
	if err != nil {
		return storageWrap("retire resource", err)
	}
	if r.Retired {
		return ErrResourceRetired
	}
	if r.Kind == KindUnit && r.Status == StatusInUse {
		return ErrInvalidTransition
	}

	sc := StatusChange{
		ID:         uuid.NewString(),
		ResourceID: id,
		From:       r.Status,
		To:         StatusUnavailable,
		Reason:     "retired: " + reason,
		Timestamp:  e.clock.Now(),
	}
	r.Retired = true
	if r.Kind == KindUnit {
		r.Status = StatusUnavailable
	}

	return storageWrap("retire resource", e.store.WithTx(ctx, func(s Store) error {
		if err := s.AppendStatusChange(ctx, sc); err != nil {
			return err
		}
		return s.PutResource(ctx, r)
	}))
}

// =============================================================================
// MOVEMENTS (quantity-resources)
// =============================================================================

// RecordMovement validates and records a quantity change. On success
// the movement is appended and the resource quantity updated in the
// same transaction; on rejection nothing changes.
func (e *LedgerEngine) RecordMovement(ctx context.Context, id ResourceID, direction Direction, amount int64, reference string) (MovementID, error) {
	if err := e.locks.Acquire(id); err != nil {
		return "", err
	}
	defer e.locks.Release(id)

	r, err := e.store.GetResource(ctx, id)
	if err != nil {
		return "", storageWrap("record movement", err)
	}
	if err := ValidateMovement(r, direction, amount); err != nil {
		return "", err
	}

	m := Movement{
		ID:         MovementID(uuid.NewString()),
		ResourceID: id,
		Direction:  direction,
		Amount:     amount,
		UnitValue:  r.UnitValue,
		Timestamp:  e.clock.Now(),
		Reference:  reference,
	}
	updated := ApplyMovement(r, direction, amount)

	err = e.store.WithTx(ctx, func(s Store) error {
		if err := s.AppendMovement(ctx, m); err != nil {
			return err
		}
		return s.PutResource(ctx, updated)
	})
	if err != nil {
		return "", storageWrap("record movement", err)
	}
	return m.ID, nil
}

// =============================================================================
// LOANS (unit-resources)
// =============================================================================

// OpenLoan checks the resource out to the holder. The resource must be
// Available, or Reserved with the holder owning the fulfilled
// reservation. Flips status to InUse and appends the Active loan in one
// transaction.
func (e *LedgerEngine) OpenLoan(ctx context.Context, id ResourceID, holder HolderID, dueDate Date) (Loan, error) {
	if err := e.locks.Acquire(id); err != nil {
		return Loan{}, err
	}
	defer e.locks.Release(id)

	r, err := e.store.GetResource(ctx, id)
	if err != nil {
		return Loan{}, storageWrap("open loan", err)
	}

	var fulfilled *Reservation
	if r.Status == StatusReserved {
		res, err := e.store.LatestFulfilledReservation(ctx, id)
		if err != nil && !IsNotFound(err) {
			return Loan{}, storageWrap("open loan", err)
		}
		if err == nil {
			fulfilled = &res
		}
	}
	if err := ValidateLoan(r, holder, fulfilled); err != nil {
		return Loan{}, err
	}

	loan := Loan{
		ID:         LoanID(uuid.NewString()),
		ResourceID: id,
		HolderID:   holder,
		StartDate:  e.clock.Today(),
		DueDate:    dueDate,
		FeeAccrued: decimal.Zero,
		Status:     LoanActive,
	}
	r.Status = StatusInUse

	err = e.store.WithTx(ctx, func(s Store) error {
		if err := s.AppendLoan(ctx, loan); err != nil {
			return err
		}
		return s.PutResource(ctx, r)
	})
	if err != nil {
		return Loan{}, storageWrap("open loan", err)
	}
	return loan, nil
}

// CloseLoan settles an Active loan: computes the late fee, records the
// return, and flips the resource back to Available - or to Reserved
// when a reservation is waiting, in which case the oldest Active
// reservation is marked Fulfilled. A second close rejects with
// ErrAlreadyClosed.
func (e *LedgerEngine) CloseLoan(ctx context.Context, id LoanID, returnDate Date, dailyRate decimal.Decimal) (decimal.Decimal, error) {
	// Resolve the resource first; the loan must be re-read under its lock.
	peek, err := e.store.GetLoan(ctx, id)
	if err != nil {
		return decimal.Zero, storageWrap("close loan", err)
	}

	if err := e.locks.Acquire(peek.ResourceID); err != nil {
		return decimal.Zero, err
	}
	defer e.locks.Release(peek.ResourceID)

	loan, err := e.store.GetLoan(ctx, id)
	if err != nil {
		return decimal.Zero, storageWrap("close loan", err)
	}
	if loan.Status != LoanActive {
		return decimal.Zero, ErrAlreadyClosed
	}

	r, err := e.store.GetResource(ctx, loan.ResourceID)
	if err != nil {
		return decimal.Zero, storageWrap("close loan", err)
	}

	fee := ComputeLateFee(loan.DueDate, returnDate, dailyRate)

	err = e.store.WithTx(ctx, func(s Store) error {
		if err := s.SettleLoan(ctx, id, returnDate, fee); err != nil {
			return err
		}

		next, err := s.OldestActiveReservation(ctx, loan.ResourceID)
		switch {
		case err == nil:
			if err := s.ResolveReservation(ctx, next.ID, ReservationFulfilled); err != nil {
				return err
			}
			r.Status = StatusReserved
		case IsNotFound(err):
			r.Status = StatusAvailable
		default:
			return err
		}
		return s.PutResource(ctx, r)
	})
	if err != nil {
		return decimal.Zero, storageWrap("close loan", err)
	}
	return fee, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// OpenReservation queues the holder for a unit-resource that is already
// in use. Reserving an Available resource is rejected; the caller
// should open a loan instead.
func (e *LedgerEngine) OpenReservation(ctx context.Context, id ResourceID, holder HolderID) (Reservation, error) {
	if err := e.locks.Acquire(id); err != nil {
		return Reservation{}, err
	}
	defer e.locks.Release(id)

	r, err := e.store.GetResource(ctx, id)
	if err != nil {
		return Reservation{}, storageWrap("open reservation", err)
	}
	if r.Retired {
		return Reservation{}, ErrResourceRetired
	}
	if r.Kind != KindUnit {
		return Reservation{}, ErrKindMismatch
	}
	if r.Status != StatusInUse && r.Status != StatusReserved {
		return Reservation{}, ErrInvalidTransition
	}

	res := Reservation{
		ID:          ReservationID(uuid.NewString()),
		ResourceID:  id,
		HolderID:    holder,
		RequestedAt: e.clock.Now(),
		Status:      ReservationActive,
	}
	if err := e.store.AppendReservation(ctx, res); err != nil {
		return Reservation{}, storageWrap("open reservation", err)
	}
	return res, nil
}

// CancelReservation applies a reservation's terminal Cancelled
// transition. Rejects with ErrNotFound for unknown reservations and
// ErrAlreadyResolved for fulfilled or cancelled ones.
func (e *LedgerEngine) CancelReservation(ctx context.Context, id ReservationID) error {
	peek, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return storageWrap("cancel reservation", err)
	}

	if err := e.locks.Acquire(peek.ResourceID); err != nil {
		return err
	}
	defer e.locks.Release(peek.ResourceID)

	res, err := e.store.GetReservation(ctx, id)
	if err != nil {
		return storageWrap("cancel reservation", err)
	}
	if res.Status != ReservationActive {
		return ErrAlreadyResolved
	}
	return storageWrap("cancel reservation",
		e.store.ResolveReservation(ctx, id, ReservationCancelled))
}

// =============================================================================
// MAINTENANCE (administrative, still audited through the ledger)
// =============================================================================

// MarkUnavailable takes a unit-resource out of service. Permitted from
// Available or InUse; the transition is appended as a StatusChange so
// the audit trail explains it.
func (e *LedgerEngine) MarkUnavailable(ctx context.Context, id ResourceID, reason string) error {
	return e.changeStatus(ctx, id, reason,
		[]Status{StatusAvailable, StatusInUse}, StatusUnavailable)
}

// Restore returns a resource from maintenance to Available.
func (e *LedgerEngine) Restore(ctx context.Context, id ResourceID, reason string) error {
	return e.changeStatus(ctx, id, reason,
		[]Status{StatusUnavailable}, StatusAvailable)
}

func (e *LedgerEngine) changeStatus(ctx context.Context, id ResourceID, reason string, from []Status, to Status) error {
	if err := e.locks.Acquire(id); err != nil {
		return err
	}
	defer e.locks.Release(id)

	r, err := e.store.GetResource(ctx, id)
	if err != nil {
		return storageWrap("change status", err)
	}
	if r.Retired {
		return ErrResourceRetired
	}
	if r.Kind != KindUnit {
		return ErrKindMismatch
	}

	permitted := false
	for _, s := range from {
		if r.Status == s {
			permitted = true
			break
		}
	}
	if !permitted {
		return ErrInvalidTransition
	}

	sc := StatusChange{
		ID:         uuid.NewString(),
		ResourceID: id,
		From:       r.Status,
		To:         to,
		Reason:     reason,
		Timestamp:  e.clock.Now(),
	}
	r.Status = to

	return storageWrap("change status", e.store.WithTx(ctx, func(s Store) error {
		if err := s.AppendStatusChange(ctx, sc); err != nil {
			return err
		}
		return s.PutResource(ctx, r)
	}))
}
