package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testResource(id string) engine.Resource {
	return engine.Resource{
		ID:               engine.ResourceID(id),
		Kind:             engine.KindQuantity,
		Name:             "Widget",
		Quantity:         10,
		MinimumThreshold: 2,
		UnitValue:        decimal.RequireFromString("3.25"),
		CreatedAt:        time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestResourceRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := testResource("stock-1")
	require.NoError(t, st.PutResource(ctx, r))

	got, err := st.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Kind, got.Kind)
	assert.Equal(t, int64(10), got.Quantity)
	assert.True(t, got.UnitValue.Equal(r.UnitValue))
	assert.False(t, got.Retired)

	// Upsert replaces the live record under the same key.
	r.Quantity = 7
	r.Retired = true
	require.NoError(t, st.PutResource(ctx, r))

	got, err = st.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Quantity)
	assert.True(t, got.Retired)

	list, err := st.ListResources(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetResource_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetResource(context.Background(), "missing")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestMovements_AppendOnlyOrdered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := testResource("stock-1")
	require.NoError(t, st.PutResource(ctx, r))

	base := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	for i, dir := range []engine.Direction{engine.DirectionIn, engine.DirectionOut, engine.DirectionIn} {
		m := engine.Movement{
			ID:         engine.MovementID(string(rune('a' + i))),
			ResourceID: r.ID,
			Direction:  dir,
			Amount:     int64(i + 1),
			UnitValue:  r.UnitValue,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Reference:  "seed",
		}
		require.NoError(t, st.AppendMovement(ctx, m))
	}

	movements, err := st.MovementsByResource(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	// Oldest first.
	assert.Equal(t, engine.MovementID("a"), movements[0].ID)
	assert.Equal(t, engine.DirectionOut, movements[1].Direction)
	assert.Equal(t, int64(3), movements[2].Amount)
}

func TestLoanSettle_TerminalOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := testResource("copy-1")
	require.NoError(t, st.PutResource(ctx, r))

	loan := engine.Loan{
		ID:         "loan-1",
		ResourceID: r.ID,
		HolderID:   "holder-1",
		StartDate:  engine.NewDate(2024, time.June, 1),
		DueDate:    engine.NewDate(2024, time.June, 15),
		FeeAccrued: decimal.Zero,
		Status:     engine.LoanActive,
	}
	require.NoError(t, st.AppendLoan(ctx, loan))

	returnDate := engine.NewDate(2024, time.June, 18)
	fee := decimal.RequireFromString("6")
	require.NoError(t, st.SettleLoan(ctx, loan.ID, returnDate, fee))

	got, err := st.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.LoanReturned, got.Status)
	require.NotNil(t, got.ReturnDate)
	assert.True(t, got.ReturnDate.Equal(returnDate))
	assert.True(t, got.FeeAccrued.Equal(fee))

	// A second settle must not apply.
	err = st.SettleLoan(ctx, loan.ID, engine.NewDate(2024, time.June, 25), decimal.NewFromInt(99))
	assert.True(t, errors.Is(err, engine.ErrAlreadyClosed))

	got, err = st.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, got.FeeAccrued.Equal(fee), "first settlement must stand")

	// Settling an unknown loan is not-found, not already-closed.
	err = st.SettleLoan(ctx, "missing", returnDate, fee)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestReservationQueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := testResource("copy-1")
	require.NoError(t, st.PutResource(ctx, r))

	base := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	first := engine.Reservation{
		ID: "resv-1", ResourceID: r.ID, HolderID: "holder-2",
		RequestedAt: base, Status: engine.ReservationActive,
	}
	second := engine.Reservation{
		ID: "resv-2", ResourceID: r.ID, HolderID: "holder-3",
		RequestedAt: base.Add(time.Hour), Status: engine.ReservationActive,
	}
	require.NoError(t, st.AppendReservation(ctx, first))
	require.NoError(t, st.AppendReservation(ctx, second))

	oldest, err := st.OldestActiveReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, oldest.ID)

	require.NoError(t, st.ResolveReservation(ctx, first.ID, engine.ReservationFulfilled))

	latest, err := st.LatestFulfilledReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	oldest, err = st.OldestActiveReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, oldest.ID)

	// Terminal resolution applies exactly once.
	err = st.ResolveReservation(ctx, first.ID, engine.ReservationCancelled)
	assert.True(t, errors.Is(err, engine.ErrAlreadyResolved))

	got, err := st.GetReservation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ReservationFulfilled, got.Status)
}

func TestStatusChanges_AppendOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := testResource("copy-1")
	require.NoError(t, st.PutResource(ctx, r))

	base := time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendStatusChange(ctx, engine.StatusChange{
		ID: "sc-1", ResourceID: r.ID,
		From: engine.StatusAvailable, To: engine.StatusUnavailable,
		Reason: "repair", Timestamp: base,
	}))
	require.NoError(t, st.AppendStatusChange(ctx, engine.StatusChange{
		ID: "sc-2", ResourceID: r.ID,
		From: engine.StatusUnavailable, To: engine.StatusAvailable,
		Reason: "repaired", Timestamp: base.Add(time.Hour),
	}))

	history, err := st.StatusChangesByResource(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, engine.StatusUnavailable, history[0].To)
	assert.Equal(t, "repaired", history[1].Reason)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := testResource("stock-1")
	require.NoError(t, st.PutResource(ctx, r))

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(s engine.Store) error {
		require.NoError(t, s.AppendMovement(ctx, engine.Movement{
			ID: "m-1", ResourceID: r.ID, Direction: engine.DirectionOut,
			Amount: 6, UnitValue: r.UnitValue,
			Timestamp: time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
		}))
		r.Quantity = 4
		require.NoError(t, s.PutResource(ctx, r))
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Neither write survived.
	got, err := st.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Quantity)

	movements, err := st.MovementsByResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestWithTx_CommitsTogether(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r := testResource("stock-1")
	require.NoError(t, st.PutResource(ctx, r))

	err := st.WithTx(ctx, func(s engine.Store) error {
		if err := s.AppendMovement(ctx, engine.Movement{
			ID: "m-1", ResourceID: r.ID, Direction: engine.DirectionOut,
			Amount: 6, UnitValue: r.UnitValue,
			Timestamp: time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC),
		}); err != nil {
			return err
		}
		r.Quantity = 4
		return s.PutResource(ctx, r)
	})
	require.NoError(t, err)

	got, err := st.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Quantity)

	movements, err := st.MovementsByResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestEngineOverSQLite_FullCycle(t *testing.T) {
	// The engine drives a full unit-resource cycle over the SQLite store:
	// create, loan, reserve, return late, pick up from the reservation.
	st := newTestStore(t)
	ctx := context.Background()
	clock := engine.FixedClock{Time: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.NewLedgerEngine(st, clock)

	r, err := eng.CreateResource(ctx, engine.Resource{
		Kind: engine.KindUnit,
		Name: "The Go Programming Language",
	})
	require.NoError(t, err)

	due := engine.NewDate(2024, time.June, 15)
	loan, err := eng.OpenLoan(ctx, r.ID, "holder-1", due)
	require.NoError(t, err)

	resv, err := eng.OpenReservation(ctx, r.ID, "holder-2")
	require.NoError(t, err)

	fee, err := eng.CloseLoan(ctx, loan.ID, engine.NewDate(2024, time.June, 18), decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.NewFromInt(6)))

	got, err := st.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusReserved, got.Status)

	fulfilled, err := st.GetReservation(ctx, resv.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.ReservationFulfilled, fulfilled.Status)

	_, err = eng.OpenLoan(ctx, r.ID, "holder-2", engine.NewDate(2024, time.June, 30))
	require.NoError(t, err)

	got, err = st.GetResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInUse, got.Status)
}
