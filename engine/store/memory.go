// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	resources     map[engine.ResourceID]engine.Resource
	movements     map[engine.ResourceID][]engine.Movement
	loans         map[engine.LoanID]engine.Loan
	loanOrder     []engine.LoanID
	reservations  map[engine.ReservationID]engine.Reservation
	resvOrder     []engine.ReservationID
	statusChanges map[engine.ResourceID][]engine.StatusChange
}

func NewMemory() *Memory {
	return &Memory{
		resources:     make(map[engine.ResourceID]engine.Resource),
		movements:     make(map[engine.ResourceID][]engine.Movement),
		loans:         make(map[engine.LoanID]engine.Loan),
		reservations:  make(map[engine.ReservationID]engine.Reservation),
		statusChanges: make(map[engine.ResourceID][]engine.StatusChange),
	}
}

// -----------------------------------------------------------------------------
// ResourceStore
// -----------------------------------------------------------------------------

func (m *Memory) GetResource(_ context.Context, id engine.ResourceID) (engine.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getResourceLocked(id)
}

func (m *Memory) getResourceLocked(id engine.ResourceID) (engine.Resource, error) {
	r, ok := m.resources[id]
	if !ok {
		return engine.Resource{}, engine.ErrNotFound
	}
	return r, nil
}

func (m *Memory) PutResource(_ context.Context, r engine.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putResourceLocked(r)
}

func (m *Memory) putResourceLocked(r engine.Resource) error {
	m.resources[r.ID] = r
	return nil
}

func (m *Memory) ListResources(_ context.Context) ([]engine.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listResourcesLocked()
}

func (m *Memory) listResourcesLocked() ([]engine.Resource, error) {
	result := make([]engine.Resource, 0, len(m.resources))
	for _, r := range m.resources {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// -----------------------------------------------------------------------------
// LedgerStore - movements
// -----------------------------------------------------------------------------

func (m *Memory) AppendMovement(_ context.Context, mv engine.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendMovementLocked(mv)
}

func (m *Memory) appendMovementLocked(mv engine.Movement) error {
	m.movements[mv.ResourceID] = append(m.movements[mv.ResourceID], mv)
	return nil
}

func (m *Memory) MovementsByResource(_ context.Context, id engine.ResourceID) ([]engine.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.movementsLocked(id)
}

func (m *Memory) movementsLocked(id engine.ResourceID) ([]engine.Movement, error) {
	result := make([]engine.Movement, len(m.movements[id]))
	copy(result, m.movements[id])
	return result, nil
}

// -----------------------------------------------------------------------------
// LedgerStore - loans
// -----------------------------------------------------------------------------

func (m *Memory) AppendLoan(_ context.Context, l engine.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLoanLocked(l)
}

func (m *Memory) appendLoanLocked(l engine.Loan) error {
	m.loans[l.ID] = l
	m.loanOrder = append(m.loanOrder, l.ID)
	return nil
}

func (m *Memory) GetLoan(_ context.Context, id engine.LoanID) (engine.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLoanLocked(id)
}

func (m *Memory) getLoanLocked(id engine.LoanID) (engine.Loan, error) {
	l, ok := m.loans[id]
	if !ok {
		return engine.Loan{}, engine.ErrNotFound
	}
	return l, nil
}

func (m *Memory) SettleLoan(_ context.Context, id engine.LoanID, returnDate engine.Date, fee decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleLoanLocked(id, returnDate, fee)
}

func (m *Memory) settleLoanLocked(id engine.LoanID, returnDate engine.Date, fee decimal.Decimal) error {
	l, ok := m.loans[id]
	if !ok {
		return engine.ErrNotFound
	}
	if l.Status != engine.LoanActive {
		return engine.ErrAlreadyClosed
	}
	rd := returnDate
	l.ReturnDate = &rd
	l.FeeAccrued = fee
	l.Status = engine.LoanReturned
	m.loans[id] = l
	return nil
}

func (m *Memory) ListLoans(_ context.Context) ([]engine.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLoansLocked()
}

func (m *Memory) listLoansLocked() ([]engine.Loan, error) {
	result := make([]engine.Loan, 0, len(m.loanOrder))
	for _, id := range m.loanOrder {
		result = append(result, m.loans[id])
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// LedgerStore - reservations
// -----------------------------------------------------------------------------

func (m *Memory) AppendReservation(_ context.Context, res engine.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendReservationLocked(res)
}

func (m *Memory) appendReservationLocked(res engine.Reservation) error {
	m.reservations[res.ID] = res
	m.resvOrder = append(m.resvOrder, res.ID)
	return nil
}

func (m *Memory) GetReservation(_ context.Context, id engine.ReservationID) (engine.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReservationLocked(id)
}

func (m *Memory) getReservationLocked(id engine.ReservationID) (engine.Reservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return engine.Reservation{}, engine.ErrNotFound
	}
	return res, nil
}

func (m *Memory) OldestActiveReservation(_ context.Context, id engine.ResourceID) (engine.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oldestActiveLocked(id)
}

func (m *Memory) oldestActiveLocked(id engine.ResourceID) (engine.Reservation, error) {
	// resvOrder preserves append order, so the first Active match is the
	// longest-waiting one.
	for _, rid := range m.resvOrder {
		res := m.reservations[rid]
		if res.ResourceID == id && res.Status == engine.ReservationActive {
			return res, nil
		}
	}
	return engine.Reservation{}, engine.ErrNotFound
}

func (m *Memory) LatestFulfilledReservation(_ context.Context, id engine.ResourceID) (engine.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestFulfilledLocked(id)
}

func (m *Memory) latestFulfilledLocked(id engine.ResourceID) (engine.Reservation, error) {
	for i := len(m.resvOrder) - 1; i >= 0; i-- {
		res := m.reservations[m.resvOrder[i]]
		if res.ResourceID == id && res.Status == engine.ReservationFulfilled {
			return res, nil
		}
	}
	return engine.Reservation{}, engine.ErrNotFound
}

func (m *Memory) ResolveReservation(_ context.Context, id engine.ReservationID, status engine.ReservationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveReservationLocked(id, status)
}

func (m *Memory) resolveReservationLocked(id engine.ReservationID, status engine.ReservationStatus) error {
	res, ok := m.reservations[id]
	if !ok {
		return engine.ErrNotFound
	}
	if res.Status != engine.ReservationActive {
		return engine.ErrAlreadyResolved
	}
	res.Status = status
	m.reservations[id] = res
	return nil
}

// -----------------------------------------------------------------------------
// LedgerStore - status changes
// -----------------------------------------------------------------------------

func (m *Memory) AppendStatusChange(_ context.Context, sc engine.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendStatusChangeLocked(sc)
}

func (m *Memory) appendStatusChangeLocked(sc engine.StatusChange) error {
	m.statusChanges[sc.ResourceID] = append(m.statusChanges[sc.ResourceID], sc)
	return nil
}

func (m *Memory) StatusChangesByResource(_ context.Context, id engine.ResourceID) ([]engine.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]engine.StatusChange, len(m.statusChanges[id]))
	copy(result, m.statusChanges[id])
	return result, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot + restore on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	resources     map[engine.ResourceID]engine.Resource
	movements     map[engine.ResourceID][]engine.Movement
	loans         map[engine.LoanID]engine.Loan
	loanOrder     []engine.LoanID
	reservations  map[engine.ReservationID]engine.Reservation
	resvOrder     []engine.ReservationID
	statusChanges map[engine.ResourceID][]engine.StatusChange
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		resources:     make(map[engine.ResourceID]engine.Resource, len(tm.resources)),
		movements:     make(map[engine.ResourceID][]engine.Movement, len(tm.movements)),
		loans:         make(map[engine.LoanID]engine.Loan, len(tm.loans)),
		loanOrder:     append([]engine.LoanID{}, tm.loanOrder...),
		reservations:  make(map[engine.ReservationID]engine.Reservation, len(tm.reservations)),
		resvOrder:     append([]engine.ReservationID{}, tm.resvOrder...),
		statusChanges: make(map[engine.ResourceID][]engine.StatusChange, len(tm.statusChanges)),
	}
	for k, v := range tm.resources {
		s.resources[k] = v
	}
	for k, v := range tm.movements {
		s.movements[k] = append([]engine.Movement{}, v...)
	}
	for k, v := range tm.loans {
		s.loans[k] = v
	}
	for k, v := range tm.reservations {
		s.reservations[k] = v
	}
	for k, v := range tm.statusChanges {
		s.statusChanges[k] = append([]engine.StatusChange{}, v...)
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.resources = s.resources
	tm.movements = s.movements
	tm.loans = s.loans
	tm.loanOrder = s.loanOrder
	tm.reservations = s.reservations
	tm.resvOrder = s.resvOrder
	tm.statusChanges = s.statusChanges
}

// txMemoryView routes writes at the parent while its lock is held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetResource(_ context.Context, id engine.ResourceID) (engine.Resource, error) {
	return tv.parent.getResourceLocked(id)
}

func (tv *txMemoryView) PutResource(_ context.Context, r engine.Resource) error {
	return tv.parent.putResourceLocked(r)
}

func (tv *txMemoryView) ListResources(_ context.Context) ([]engine.Resource, error) {
	return tv.parent.listResourcesLocked()
}

func (tv *txMemoryView) AppendMovement(_ context.Context, mv engine.Movement) error {
	return tv.parent.appendMovementLocked(mv)
}

func (tv *txMemoryView) MovementsByResource(_ context.Context, id engine.ResourceID) ([]engine.Movement, error) {
	return tv.parent.movementsLocked(id)
}

func (tv *txMemoryView) AppendLoan(_ context.Context, l engine.Loan) error {
	return tv.parent.appendLoanLocked(l)
}

func (tv *txMemoryView) GetLoan(_ context.Context, id engine.LoanID) (engine.Loan, error) {
	return tv.parent.getLoanLocked(id)
}

func (tv *txMemoryView) SettleLoan(_ context.Context, id engine.LoanID, returnDate engine.Date, fee decimal.Decimal) error {
	return tv.parent.settleLoanLocked(id, returnDate, fee)
}

func (tv *txMemoryView) ListLoans(_ context.Context) ([]engine.Loan, error) {
	return tv.parent.listLoansLocked()
}

func (tv *txMemoryView) AppendReservation(_ context.Context, res engine.Reservation) error {
	return tv.parent.appendReservationLocked(res)
}

func (tv *txMemoryView) GetReservation(_ context.Context, id engine.ReservationID) (engine.Reservation, error) {
	return tv.parent.getReservationLocked(id)
}

func (tv *txMemoryView) OldestActiveReservation(_ context.Context, id engine.ResourceID) (engine.Reservation, error) {
	return tv.parent.oldestActiveLocked(id)
}

func (tv *txMemoryView) LatestFulfilledReservation(_ context.Context, id engine.ResourceID) (engine.Reservation, error) {
	return tv.parent.latestFulfilledLocked(id)
}

func (tv *txMemoryView) ResolveReservation(_ context.Context, id engine.ReservationID, status engine.ReservationStatus) error {
	return tv.parent.resolveReservationLocked(id, status)
}

func (tv *txMemoryView) AppendStatusChange(_ context.Context, sc engine.StatusChange) error {
	return tv.parent.appendStatusChangeLocked(sc)
}

func (tv *txMemoryView) StatusChangesByResource(_ context.Context, id engine.ResourceID) ([]engine.StatusChange, error) {
	result := make([]engine.StatusChange, len(tv.parent.statusChanges[id]))
	copy(result, tv.parent.statusChanges[id])
	return result, nil
}
