/*
rules.go - Pure validation and derivation logic

PURPOSE:
  Admission checks before a movement or loan is recorded, and derived
  facts (overdue, low-stock, late fee) computed from resource and
  ledger state. Everything here is a pure function: no I/O, no clock
  reads, deterministic given its inputs. LedgerEngine feeds these
  functions the records it loaded; tests feed them literals.

WHY PURE:
  Keeping the rules free of storage and time makes the invariants
  directly testable: "Out beyond quantity rejects" is one function
  call, not a database scenario.

SEE ALSO:
  - ledger.go: Calls ValidateMovement/ValidateLoan before appending
  - report.go: Uses IsOverdue/IsLowStock over store snapshots
*/
package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MOVEMENT RULES
// =============================================================================

// ValidateMovement decides whether a movement may be recorded against
// the resource. For Out, rejects when amount exceeds current quantity;
// for In, any positive amount is admissible.
func ValidateMovement(r Resource, direction Direction, amount int64) error {
	if r.Retired {
		return ErrResourceRetired
	}
	if r.Kind != KindQuantity {
		return ErrKindMismatch
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if direction == DirectionOut && amount > r.Quantity {
		return &InsufficientStockError{
			ResourceID: r.ID,
			Requested:  amount,
			Available:  r.Quantity,
		}
	}
	return nil
}

// ApplyMovement returns the resource with the movement folded in.
// Never yields a negative quantity; guaranteed by prior validation.
func ApplyMovement(r Resource, direction Direction, amount int64) Resource {
	if direction == DirectionOut {
		r.Quantity -= amount
	} else {
		r.Quantity += amount
	}
	return r
}

// =============================================================================
// LOAN RULES
// =============================================================================

// ValidateLoan decides whether holder may check out the resource.
// An Available unit-resource is loanable by anyone. A Reserved one is
// loanable only by the holder of its fulfilled reservation (the
// Reserved -> InUse transition). Everything else rejects.
func ValidateLoan(r Resource, holder HolderID, fulfilled *Reservation) error {
	if r.Retired {
		return ErrResourceRetired
	}
	if r.Kind != KindUnit {
		return ErrKindMismatch
	}
	switch r.Status {
	case StatusAvailable:
		return nil
	case StatusReserved:
		if fulfilled != nil && fulfilled.HolderID == holder {
			return nil
		}
		return ErrResourceUnavailable
	default:
		return ErrResourceUnavailable
	}
}

// ComputeLateFee charges dailyRate per calendar day past due. Zero when
// the return is on or before the due date. No time-of-day component.
func ComputeLateFee(due, returned Date, dailyRate decimal.Decimal) decimal.Decimal {
	daysLate := DaysBetween(due, returned)
	if daysLate <= 0 {
		return decimal.Zero
	}
	return dailyRate.Mul(decimal.NewFromInt(int64(daysLate)))
}

// =============================================================================
// DERIVED FACTS
// =============================================================================

// IsOverdue reports whether the loan has no terminal completion and its
// due date is strictly before today.
func IsOverdue(l Loan, today Date) bool {
	return l.Status == LoanActive && l.DueDate.Before(today)
}

// IsLowStock reports whether a quantity-resource has fallen to or below
// its configured minimum threshold.
func IsLowStock(r Resource) bool {
	return r.Kind == KindQuantity && r.Quantity <= r.MinimumThreshold
}
