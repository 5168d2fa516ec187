package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestEngine(t *testing.T) (*engine.LedgerEngine, *store.TxMemory) {
	t.Helper()
	st := store.NewTxMemory()
	clock := engine.FixedClock{Time: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	return engine.NewLedgerEngine(st, clock), st
}

func createStockItem(t *testing.T, e *engine.LedgerEngine, quantity int64) engine.Resource {
	t.Helper()
	r, err := e.CreateResource(context.Background(), engine.Resource{
		Kind:             engine.KindQuantity,
		Name:             "Widget",
		Quantity:         quantity,
		MinimumThreshold: 2,
		UnitValue:        decimal.NewFromInt(3),
	})
	if err != nil {
		t.Fatalf("failed to create stock item: %v", err)
	}
	return r
}

func createBookCopy(t *testing.T, e *engine.LedgerEngine) engine.Resource {
	t.Helper()
	r, err := e.CreateResource(context.Background(), engine.Resource{
		Kind: engine.KindUnit,
		Name: "The Go Programming Language",
	})
	if err != nil {
		t.Fatalf("failed to create book copy: %v", err)
	}
	return r
}

// =============================================================================
// RESOURCE LIFECYCLE
// =============================================================================

func TestCreateResource_OpeningBalanceIsLedgered(t *testing.T) {
	// GIVEN: A fresh engine
	e, st := newTestEngine(t)

	// WHEN: Registering a stock item with an opening quantity
	r := createStockItem(t, e, 10)

	// THEN: The quantity is live AND explained by an opening movement
	if r.Quantity != 10 {
		t.Errorf("expected quantity 10, got %d", r.Quantity)
	}
	movements, err := st.MovementsByResource(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("failed to list movements: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 opening movement, got %d", len(movements))
	}
	if movements[0].Direction != engine.DirectionIn || movements[0].Amount != 10 {
		t.Errorf("wrong opening movement: %+v", movements[0])
	}
}

func TestCreateResource_DuplicateID_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	r := createStockItem(t, e, 5)

	_, err := e.CreateResource(context.Background(), engine.Resource{
		ID:   r.ID,
		Kind: engine.KindQuantity,
		Name: "Widget again",
	})
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateResource_UnknownKind_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CreateResource(context.Background(), engine.Resource{Kind: "bogus", Name: "?"})
	if !errors.Is(err, engine.ErrKindMismatch) {
		t.Errorf("expected ErrKindMismatch, got %v", err)
	}
}

func TestRetireResource_KeepsHistoryRejectsNewActivity(t *testing.T) {
	// GIVEN: A stock item with movement history
	e, st := newTestEngine(t)
	r := createStockItem(t, e, 10)

	// WHEN: Retiring it
	if err := e.RetireResource(context.Background(), r.ID, "obsolete"); err != nil {
		t.Fatalf("failed to retire: %v", err)
	}

	// THEN: Record and ledger survive, new movements are rejected
	got, err := st.GetResource(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("retired resource must stay readable: %v", err)
	}
	if !got.Retired {
		t.Error("resource should be marked retired")
	}
	movements, _ := st.MovementsByResource(context.Background(), r.ID)
	if len(movements) != 1 {
		t.Errorf("ledger history must survive retirement, got %d movements", len(movements))
	}
	_, err = e.RecordMovement(context.Background(), r.ID, engine.DirectionIn, 1, "")
	if !errors.Is(err, engine.ErrResourceRetired) {
		t.Errorf("expected ErrResourceRetired, got %v", err)
	}
}

func TestRetireResource_InUse_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	r := createBookCopy(t, e)
	if _, err := e.OpenLoan(context.Background(), r.ID, "holder-1", engine.NewDate(2024, time.June, 15)); err != nil {
		t.Fatalf("failed to open loan: %v", err)
	}

	err := e.RetireResource(context.Background(), r.ID, "lost?")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestRecordMovement_AppendsAndUpdatesTogether(t *testing.T) {
	// GIVEN: A stock item at 10
	e, st := newTestEngine(t)
	r := createStockItem(t, e, 10)

	// WHEN: Recording Out 6 then In 2
	if _, err := e.RecordMovement(context.Background(), r.ID, engine.DirectionOut, 6, "order-42"); err != nil {
		t.Fatalf("failed to record Out: %v", err)
	}
	if _, err := e.RecordMovement(context.Background(), r.ID, engine.DirectionIn, 2, "restock"); err != nil {
		t.Fatalf("failed to record In: %v", err)
	}

	// THEN: Live quantity equals the ledger's net sum
	got, _ := st.GetResource(context.Background(), r.ID)
	if got.Quantity != 6 {
		t.Errorf("expected quantity 6, got %d", got.Quantity)
	}
	movements, _ := st.MovementsByResource(context.Background(), r.ID)
	var net int64
	for _, m := range movements {
		net += m.SignedAmount()
	}
	if net != got.Quantity {
		t.Errorf("ledger net %d disagrees with live quantity %d", net, got.Quantity)
	}
}

func TestRecordMovement_Rejection_LeavesStateUntouched(t *testing.T) {
	// GIVEN: A stock item at 10
	e, st := newTestEngine(t)
	r := createStockItem(t, e, 10)

	// WHEN: An Out of 11 is rejected
	_, err := e.RecordMovement(context.Background(), r.ID, engine.DirectionOut, 11, "")
	if !errors.Is(err, engine.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// THEN: Neither the quantity nor the ledger changed
	got, _ := st.GetResource(context.Background(), r.ID)
	if got.Quantity != 10 {
		t.Errorf("quantity must be untouched, got %d", got.Quantity)
	}
	movements, _ := st.MovementsByResource(context.Background(), r.ID)
	if len(movements) != 1 {
		t.Errorf("no movement may be appended on rejection, got %d", len(movements))
	}
}

func TestRecordMovement_UnknownResource(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.RecordMovement(context.Background(), "nope", engine.DirectionIn, 1, "")
	if !engine.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestRecordMovement_ConcurrentOverdraw_ExactlyOneWins(t *testing.T) {
	// GIVEN: A stock item at 10
	e, st := newTestEngine(t)
	r := createStockItem(t, e, 10)

	// WHEN: Two Out movements of 6 race
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.RecordMovement(context.Background(), r.ID, engine.DirectionOut, 6, "race")
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one succeeds and the quantity lands on 4
	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got %d ok / %d rejected", ok, rejected)
	}
	got, _ := st.GetResource(context.Background(), r.ID)
	if got.Quantity != 4 {
		t.Errorf("expected quantity 4, got %d", got.Quantity)
	}
}

// =============================================================================
// LOANS
// =============================================================================

func TestOpenLoan_FlipsStatusAndRecords(t *testing.T) {
	e, st := newTestEngine(t)
	r := createBookCopy(t, e)

	loan, err := e.OpenLoan(context.Background(), r.ID, "holder-1", engine.NewDate(2024, time.June, 15))
	if err != nil {
		t.Fatalf("failed to open loan: %v", err)
	}

	if loan.Status != engine.LoanActive {
		t.Errorf("expected active loan, got %s", loan.Status)
	}
	if !loan.StartDate.Equal(engine.NewDate(2024, time.June, 1)) {
		t.Errorf("start date should come from the clock, got %s", loan.StartDate)
	}
	got, _ := st.GetResource(context.Background(), r.ID)
	if got.Status != engine.StatusInUse {
		t.Errorf("expected in_use, got %s", got.Status)
	}
}

func TestOpenLoan_InUse_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	r := createBookCopy(t, e)
	due := engine.NewDate(2024, time.June, 15)
	if _, err := e.OpenLoan(context.Background(), r.ID, "holder-1", due); err != nil {
		t.Fatalf("failed to open first loan: %v", err)
	}

	_, err := e.OpenLoan(context.Background(), r.ID, "holder-2", due)
	if !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Errorf("expected ErrResourceUnavailable, got %v", err)
	}
}

func TestCloseLoan_OnTime_NoFee(t *testing.T) {
	e, st := newTestEngine(t)
	r := createBookCopy(t, e)
	loan, _ := e.OpenLoan(context.Background(), r.ID, "holder-1", engine.NewDate(2024, time.June, 15))

	fee, err := e.CloseLoan(context.Background(), loan.ID, engine.NewDate(2024, time.June, 10), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("failed to close loan: %v", err)
	}

	if !fee.IsZero() {
		t.Errorf("expected zero fee, got %v", fee)
	}
	got, _ := st.GetResource(context.Background(), r.ID)
	if got.Status != engine.StatusAvailable {
		t.Errorf("expected available, got %s", got.Status)
	}
	settled, _ := st.GetLoan(context.Background(), loan.ID)
	if settled.Status != engine.LoanReturned {
		t.Errorf("expected returned, got %s", settled.Status)
	}
	if settled.ReturnDate == nil {
		t.Error("return date should be recorded")
	}
}

func TestCloseLoan_Late_AccruesFee(t *testing.T) {
	e, st := newTestEngine(t)
	r := createBookCopy(t, e)
	loan, _ := e.OpenLoan(context.Background(), r.ID, "holder-1", engine.NewDate(2024, time.June, 15))

	// Three days late at 2/day.
	fee, err := e.CloseLoan(context.Background(), loan.ID, engine.NewDate(2024, time.June, 18), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("failed to close loan: %v", err)
	}

	if !fee.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected fee 6, got %v", fee)
	}
	settled, _ := st.GetLoan(context.Background(), loan.ID)
	if !settled.FeeAccrued.Equal(decimal.NewFromInt(6)) {
		t.Errorf("fee must be persisted on the loan, got %v", settled.FeeAccrued)
	}
}

func TestCloseLoan_Twice_Rejected(t *testing.T) {
	// GIVEN: A settled loan
	e, _ := newTestEngine(t)
	r := createBookCopy(t, e)
	loan, _ := e.OpenLoan(context.Background(), r.ID, "holder-1", engine.NewDate(2024, time.June, 15))
	returnDate := engine.NewDate(2024, time.June, 18)
	rate := decimal.NewFromInt(2)
	if _, err := e.CloseLoan(context.Background(), loan.ID, returnDate, rate); err != nil {
		t.Fatalf("failed to close loan: %v", err)
	}

	// WHEN: Closing again with a later date
	_, err := e.CloseLoan(context.Background(), loan.ID, engine.NewDate(2024, time.June, 25), rate)

	// THEN: Rejected; the first settlement stands
	if !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestReservation_FulfilOnReturn_ThenPickup(t *testing.T) {
	// GIVEN: A copy on loan to holder-1 with holder-2 waiting
	e, st := newTestEngine(t)
	r := createBookCopy(t, e)
	due := engine.NewDate(2024, time.June, 15)
	loan, _ := e.OpenLoan(context.Background(), r.ID, "holder-1", due)
	resv, err := e.OpenReservation(context.Background(), r.ID, "holder-2")
	if err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}

	// WHEN: holder-1 returns the copy
	if _, err := e.CloseLoan(context.Background(), loan.ID, due, decimal.Zero); err != nil {
		t.Fatalf("failed to close loan: %v", err)
	}

	// THEN: The copy is Reserved and the reservation Fulfilled
	got, _ := st.GetResource(context.Background(), r.ID)
	if got.Status != engine.StatusReserved {
		t.Fatalf("expected reserved, got %s", got.Status)
	}
	fulfilled, _ := st.GetReservation(context.Background(), resv.ID)
	if fulfilled.Status != engine.ReservationFulfilled {
		t.Fatalf("expected fulfilled, got %s", fulfilled.Status)
	}

	// AND: Only holder-2 may pick it up
	if _, err := e.OpenLoan(context.Background(), r.ID, "holder-3", due); !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Errorf("expected ErrResourceUnavailable for holder-3, got %v", err)
	}
	if _, err := e.OpenLoan(context.Background(), r.ID, "holder-2", due); err != nil {
		t.Errorf("fulfilled holder should be able to pick up, got %v", err)
	}
}

func TestReservation_OldestWins(t *testing.T) {
	e, st := newTestEngine(t)
	r := createBookCopy(t, e)
	due := engine.NewDate(2024, time.June, 15)
	loan, _ := e.OpenLoan(context.Background(), r.ID, "holder-1", due)

	first, _ := e.OpenReservation(context.Background(), r.ID, "holder-2")
	second, _ := e.OpenReservation(context.Background(), r.ID, "holder-3")

	if _, err := e.CloseLoan(context.Background(), loan.ID, due, decimal.Zero); err != nil {
		t.Fatalf("failed to close loan: %v", err)
	}

	gotFirst, _ := st.GetReservation(context.Background(), first.ID)
	if gotFirst.Status != engine.ReservationFulfilled {
		t.Errorf("oldest reservation should win, got %s", gotFirst.Status)
	}
	gotSecond, _ := st.GetReservation(context.Background(), second.ID)
	if gotSecond.Status != engine.ReservationActive {
		t.Errorf("younger reservation must keep waiting, got %s", gotSecond.Status)
	}
}

func TestOpenReservation_AvailableResource_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	r := createBookCopy(t, e)

	_, err := e.OpenReservation(context.Background(), r.ID, "holder-2")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("reserving an available copy should be rejected, got %v", err)
	}
}

func TestCancelReservation_TerminalOnce(t *testing.T) {
	e, st := newTestEngine(t)
	r := createBookCopy(t, e)
	if _, err := e.OpenLoan(context.Background(), r.ID, "holder-1", engine.NewDate(2024, time.June, 15)); err != nil {
		t.Fatalf("failed to open loan: %v", err)
	}
	resv, _ := e.OpenReservation(context.Background(), r.ID, "holder-2")

	if err := e.CancelReservation(context.Background(), resv.ID); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	got, _ := st.GetReservation(context.Background(), resv.ID)
	if got.Status != engine.ReservationCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	err := e.CancelReservation(context.Background(), resv.ID)
	if !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Errorf("second cancel must reject, got %v", err)
	}
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func TestMaintenance_RoundTrip(t *testing.T) {
	e, st := newTestEngine(t)
	r := createBookCopy(t, e)

	if err := e.MarkUnavailable(context.Background(), r.ID, "binding repair"); err != nil {
		t.Fatalf("failed to mark unavailable: %v", err)
	}
	_, err := e.OpenLoan(context.Background(), r.ID, "holder-1", engine.NewDate(2024, time.June, 15))
	if !errors.Is(err, engine.ErrResourceUnavailable) {
		t.Errorf("unavailable copy must not be loanable, got %v", err)
	}

	if err := e.Restore(context.Background(), r.ID, "repaired"); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}
	got, _ := st.GetResource(context.Background(), r.ID)
	if got.Status != engine.StatusAvailable {
		t.Errorf("expected available, got %s", got.Status)
	}

	// Both transitions are audited.
	history, _ := st.StatusChangesByResource(context.Background(), r.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 status changes, got %d", len(history))
	}
	if history[0].To != engine.StatusUnavailable || history[1].To != engine.StatusAvailable {
		t.Errorf("wrong audit trail: %+v", history)
	}
}

func TestRestore_FromAvailable_Rejected(t *testing.T) {
	e, _ := newTestEngine(t)
	r := createBookCopy(t, e)

	err := e.Restore(context.Background(), r.ID, "")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

// =============================================================================
// CONCURRENCY GUARD
// =============================================================================

// stallStore wedges WithTx until released, holding the resource lock so
// a second caller exhausts the bounded wait.
type stallStore struct {
	*store.TxMemory
	entered chan struct{}
	release chan struct{}
}

func (s *stallStore) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	close(s.entered)
	<-s.release
	return s.TxMemory.WithTx(ctx, fn)
}

func TestLockWaitExhaustion_SurfacesBusy(t *testing.T) {
	// GIVEN: An engine with a very short lock wait and a wedged store
	st := &stallStore{
		TxMemory: store.NewTxMemory(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	clock := engine.FixedClock{Time: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	e := engine.NewLedgerEngineWithLockWait(st, clock, 20*time.Millisecond)

	item := engine.Resource{ID: "stock-1", Kind: engine.KindQuantity, Name: "Widget", Quantity: 10}
	if err := st.TxMemory.PutResource(context.Background(), item); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// WHEN: One movement holds the lock while another waits past the bound
	done := make(chan error, 1)
	go func() {
		_, err := e.RecordMovement(context.Background(), "stock-1", engine.DirectionOut, 1, "slow")
		done <- err
	}()
	<-st.entered

	_, err := e.RecordMovement(context.Background(), "stock-1", engine.DirectionIn, 1, "fast")

	// THEN: The waiter rejects with ErrBusy, marked retryable
	if !errors.Is(err, engine.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if !engine.IsRetryable(err) {
		t.Error("ErrBusy must be retryable")
	}

	close(st.release)
	if err := <-done; err != nil {
		t.Fatalf("holder should finish cleanly: %v", err)
	}
}
