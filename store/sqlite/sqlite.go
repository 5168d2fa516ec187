/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements engine.TxStore using SQLite. The same patterns apply to
  PostgreSQL (see store/postgres) - only placeholder and dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  - movements, status_changes: INSERT only, no UPDATE or DELETE
  - loans: INSERT plus the single terminal settle UPDATE, guarded by
    "AND status = 'active'" so a second settle cannot apply
  - reservations: INSERT plus the single terminal resolve UPDATE,
    guarded the same way
  - resources: keyed upsert of the live record, written only by
    LedgerEngine inside WithTx

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so readers don't
  block behind the single writer, and crash recovery is cheap.

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil { ... }
  defer st.Close()

  eng := engine.NewLedgerEngine(st, engine.SystemClock{})

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Live resource records (single-writer: LedgerEngine)
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		minimum_threshold INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		unit_value TEXT NOT NULL DEFAULT '0',
		retired BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id),
		direction TEXT NOT NULL,
		amount INTEGER NOT NULL,
		unit_value TEXT NOT NULL DEFAULT '0',
		timestamp TEXT NOT NULL,
		reference TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_movements_resource
		ON movements(resource_id, timestamp);

	-- Loans (append + single terminal settle)
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id),
		holder_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		return_date TEXT,
		fee_accrued TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_loans_resource
		ON loans(resource_id);
	CREATE INDEX IF NOT EXISTS idx_loans_status_due
		ON loans(status, due_date);

	-- Reservations (append + single terminal resolve)
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id),
		holder_id TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_resource_status
		ON reservations(resource_id, status, requested_at);

	-- Administrative status transitions (append-only audit)
	CREATE TABLE IF NOT EXISTS status_changes (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_status_changes_resource
		ON status_changes(resource_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same statement
// helpers serve direct calls and transactional views.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// RESOURCE STORE
// =============================================================================

func (s *Store) GetResource(ctx context.Context, id engine.ResourceID) (engine.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getResource(ctx, s.db, id)
}

func getResource(ctx context.Context, db dbtx, id engine.ResourceID) (engine.Resource, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, kind, name, quantity, minimum_threshold, status, unit_value, retired, created_at
		FROM resources WHERE id = ?`, id)
	return scanResource(row)
}

func (s *Store) PutResource(ctx context.Context, r engine.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putResource(ctx, s.db, r)
}

func putResource(ctx context.Context, db dbtx, r engine.Resource) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO resources (id, kind, name, quantity, minimum_threshold, status, unit_value, retired, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			quantity = excluded.quantity,
			minimum_threshold = excluded.minimum_threshold,
			status = excluded.status,
			unit_value = excluded.unit_value,
			retired = excluded.retired`,
		r.ID, r.Kind, r.Name, r.Quantity, r.MinimumThreshold, r.Status,
		r.UnitValue.String(), r.Retired, r.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to put resource: %w", err)
	}
	return nil
}

func (s *Store) ListResources(ctx context.Context) ([]engine.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listResources(ctx, s.db)
}

func listResources(ctx context.Context, db dbtx) ([]engine.Resource, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, name, quantity, minimum_threshold, status, unit_value, retired, created_at
		FROM resources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var resources []engine.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (engine.Resource, error) {
	var (
		r         engine.Resource
		unitValue string
		createdAt string
	)
	err := row.Scan(&r.ID, &r.Kind, &r.Name, &r.Quantity, &r.MinimumThreshold,
		&r.Status, &unitValue, &r.Retired, &createdAt)
	if err == sql.ErrNoRows {
		return r, engine.ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("failed to scan resource: %w", err)
	}
	r.UnitValue = parseDecimal(unitValue)
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return r, nil
}

// =============================================================================
// LEDGER STORE - movements
// =============================================================================

func (s *Store) AppendMovement(ctx context.Context, m engine.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendMovement(ctx, s.db, m)
}

func appendMovement(ctx context.Context, db dbtx, m engine.Movement) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO movements (id, resource_id, direction, amount, unit_value, timestamp, reference)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ResourceID, m.Direction, m.Amount,
		m.UnitValue.String(), m.Timestamp.UTC().Format(time.RFC3339), m.Reference,
	)
	if err != nil {
		return fmt.Errorf("failed to append movement: %w", err)
	}
	return nil
}

func (s *Store) MovementsByResource(ctx context.Context, id engine.ResourceID) ([]engine.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return movementsByResource(ctx, s.db, id)
}

func movementsByResource(ctx context.Context, db dbtx, id engine.ResourceID) ([]engine.Movement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, resource_id, direction, amount, unit_value, timestamp, reference
		FROM movements WHERE resource_id = ?
		ORDER BY timestamp ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []engine.Movement
	for rows.Next() {
		var (
			m         engine.Movement
			unitValue string
			timestamp string
			reference sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ResourceID, &m.Direction, &m.Amount,
			&unitValue, &timestamp, &reference); err != nil {
			return nil, fmt.Errorf("failed to scan movement: %w", err)
		}
		m.UnitValue = parseDecimal(unitValue)
		m.Timestamp, _ = time.Parse(time.RFC3339, timestamp)
		m.Reference = reference.String
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// =============================================================================
// LEDGER STORE - loans
// =============================================================================

func (s *Store) AppendLoan(ctx context.Context, l engine.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLoan(ctx, s.db, l)
}

func appendLoan(ctx context.Context, db dbtx, l engine.Loan) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO loans (id, resource_id, holder_id, start_date, due_date, return_date, fee_accrued, status)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)`,
		l.ID, l.ResourceID, l.HolderID, l.StartDate.String(), l.DueDate.String(),
		l.FeeAccrued.String(), l.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to append loan: %w", err)
	}
	return nil
}

func (s *Store) GetLoan(ctx context.Context, id engine.LoanID) (engine.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLoan(ctx, s.db, id)
}

func getLoan(ctx context.Context, db dbtx, id engine.LoanID) (engine.Loan, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, resource_id, holder_id, start_date, due_date, return_date, fee_accrued, status
		FROM loans WHERE id = ?`, id)
	return scanLoan(row)
}

func scanLoan(row rowScanner) (engine.Loan, error) {
	var (
		l          engine.Loan
		startDate  string
		dueDate    string
		returnDate sql.NullString
		feeAccrued string
	)
	err := row.Scan(&l.ID, &l.ResourceID, &l.HolderID, &startDate, &dueDate,
		&returnDate, &feeAccrued, &l.Status)
	if err == sql.ErrNoRows {
		return l, engine.ErrNotFound
	}
	if err != nil {
		return l, fmt.Errorf("failed to scan loan: %w", err)
	}
	l.StartDate, _ = engine.ParseDate(startDate)
	l.DueDate, _ = engine.ParseDate(dueDate)
	if returnDate.Valid {
		d, err := engine.ParseDate(returnDate.String)
		if err == nil {
			l.ReturnDate = &d
		}
	}
	l.FeeAccrued = parseDecimal(feeAccrued)
	return l, nil
}

// SettleLoan applies the loan's single terminal update. The status
// guard in the UPDATE makes a second settle a no-op, reported as
// ErrAlreadyClosed.
func (s *Store) SettleLoan(ctx context.Context, id engine.LoanID, returnDate engine.Date, fee decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return settleLoan(ctx, s.db, id, returnDate, fee)
}

func settleLoan(ctx context.Context, db dbtx, id engine.LoanID, returnDate engine.Date, fee decimal.Decimal) error {
	result, err := db.ExecContext(ctx, `
		UPDATE loans SET return_date = ?, fee_accrued = ?, status = ?
		WHERE id = ? AND status = ?`,
		returnDate.String(), fee.String(), engine.LoanReturned, id, engine.LoanActive,
	)
	if err != nil {
		return fmt.Errorf("failed to settle loan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to settle loan: %w", err)
	}
	if affected == 0 {
		if _, err := getLoan(ctx, db, id); err != nil {
			return err
		}
		return engine.ErrAlreadyClosed
	}
	return nil
}

func (s *Store) ListLoans(ctx context.Context) ([]engine.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLoans(ctx, s.db)
}

func listLoans(ctx context.Context, db dbtx) ([]engine.Loan, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, resource_id, holder_id, start_date, due_date, return_date, fee_accrued, status
		FROM loans ORDER BY start_date ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []engine.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// =============================================================================
// LEDGER STORE - reservations
// =============================================================================

func (s *Store) AppendReservation(ctx context.Context, res engine.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendReservation(ctx, s.db, res)
}

func appendReservation(ctx context.Context, db dbtx, res engine.Reservation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO reservations (id, resource_id, holder_id, requested_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		res.ID, res.ResourceID, res.HolderID,
		res.RequestedAt.UTC().Format(time.RFC3339Nano), res.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to append reservation: %w", err)
	}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id engine.ReservationID) (engine.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReservation(ctx, s.db, id)
}

func getReservation(ctx context.Context, db dbtx, id engine.ReservationID) (engine.Reservation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, resource_id, holder_id, requested_at, status
		FROM reservations WHERE id = ?`, id)
	return scanReservation(row)
}

func scanReservation(row rowScanner) (engine.Reservation, error) {
	var (
		res         engine.Reservation
		requestedAt string
	)
	err := row.Scan(&res.ID, &res.ResourceID, &res.HolderID, &requestedAt, &res.Status)
	if err == sql.ErrNoRows {
		return res, engine.ErrNotFound
	}
	if err != nil {
		return res, fmt.Errorf("failed to scan reservation: %w", err)
	}
	res.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	return res, nil
}

func (s *Store) OldestActiveReservation(ctx context.Context, id engine.ResourceID) (engine.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return oldestActiveReservation(ctx, s.db, id)
}

func oldestActiveReservation(ctx context.Context, db dbtx, id engine.ResourceID) (engine.Reservation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, resource_id, holder_id, requested_at, status
		FROM reservations WHERE resource_id = ? AND status = ?
		ORDER BY requested_at ASC, id ASC LIMIT 1`, id, engine.ReservationActive)
	return scanReservation(row)
}

func (s *Store) LatestFulfilledReservation(ctx context.Context, id engine.ResourceID) (engine.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestFulfilledReservation(ctx, s.db, id)
}

func latestFulfilledReservation(ctx context.Context, db dbtx, id engine.ResourceID) (engine.Reservation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, resource_id, holder_id, requested_at, status
		FROM reservations WHERE resource_id = ? AND status = ?
		ORDER BY requested_at DESC, id DESC LIMIT 1`, id, engine.ReservationFulfilled)
	return scanReservation(row)
}

func (s *Store) ResolveReservation(ctx context.Context, id engine.ReservationID, status engine.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolveReservation(ctx, s.db, id, status)
}

func resolveReservation(ctx context.Context, db dbtx, id engine.ReservationID, status engine.ReservationStatus) error {
	result, err := db.ExecContext(ctx, `
		UPDATE reservations SET status = ?
		WHERE id = ? AND status = ?`,
		status, id, engine.ReservationActive,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve reservation: %w", err)
	}
	if affected == 0 {
		if _, err := getReservation(ctx, db, id); err != nil {
			return err
		}
		return engine.ErrAlreadyResolved
	}
	return nil
}

// =============================================================================
// LEDGER STORE - status changes
// =============================================================================

func (s *Store) AppendStatusChange(ctx context.Context, sc engine.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendStatusChange(ctx, s.db, sc)
}

func appendStatusChange(ctx context.Context, db dbtx, sc engine.StatusChange) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO status_changes (id, resource_id, from_status, to_status, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.ResourceID, sc.From, sc.To, sc.Reason,
		sc.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append status change: %w", err)
	}
	return nil
}

func (s *Store) StatusChangesByResource(ctx context.Context, id engine.ResourceID) ([]engine.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statusChangesByResource(ctx, s.db, id)
}

func statusChangesByResource(ctx context.Context, db dbtx, id engine.ResourceID) ([]engine.StatusChange, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, resource_id, from_status, to_status, reason, timestamp
		FROM status_changes WHERE resource_id = ?
		ORDER BY timestamp ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query status changes: %w", err)
	}
	defer rows.Close()

	var changes []engine.StatusChange
	for rows.Next() {
		var (
			sc        engine.StatusChange
			reason    sql.NullString
			timestamp string
		)
		if err := rows.Scan(&sc.ID, &sc.ResourceID, &sc.From, &sc.To, &reason, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		sc.Reason = reason.String
		sc.Timestamp, _ = time.Parse(time.RFC3339, timestamp)
		changes = append(changes, sc)
	}
	return changes, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. If fn
// returns an error the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetResource(ctx context.Context, id engine.ResourceID) (engine.Resource, error) {
	return getResource(ctx, ts.tx, id)
}

func (ts *txStore) PutResource(ctx context.Context, r engine.Resource) error {
	return putResource(ctx, ts.tx, r)
}

func (ts *txStore) ListResources(ctx context.Context) ([]engine.Resource, error) {
	return listResources(ctx, ts.tx)
}

func (ts *txStore) AppendMovement(ctx context.Context, m engine.Movement) error {
	return appendMovement(ctx, ts.tx, m)
}

func (ts *txStore) MovementsByResource(ctx context.Context, id engine.ResourceID) ([]engine.Movement, error) {
	return movementsByResource(ctx, ts.tx, id)
}

func (ts *txStore) AppendLoan(ctx context.Context, l engine.Loan) error {
	return appendLoan(ctx, ts.tx, l)
}

func (ts *txStore) GetLoan(ctx context.Context, id engine.LoanID) (engine.Loan, error) {
	return getLoan(ctx, ts.tx, id)
}

func (ts *txStore) SettleLoan(ctx context.Context, id engine.LoanID, returnDate engine.Date, fee decimal.Decimal) error {
	return settleLoan(ctx, ts.tx, id, returnDate, fee)
}

func (ts *txStore) ListLoans(ctx context.Context) ([]engine.Loan, error) {
	return listLoans(ctx, ts.tx)
}

func (ts *txStore) AppendReservation(ctx context.Context, res engine.Reservation) error {
	return appendReservation(ctx, ts.tx, res)
}

func (ts *txStore) GetReservation(ctx context.Context, id engine.ReservationID) (engine.Reservation, error) {
	return getReservation(ctx, ts.tx, id)
}

func (ts *txStore) OldestActiveReservation(ctx context.Context, id engine.ResourceID) (engine.Reservation, error) {
	return oldestActiveReservation(ctx, ts.tx, id)
}

func (ts *txStore) LatestFulfilledReservation(ctx context.Context, id engine.ResourceID) (engine.Reservation, error) {
	return latestFulfilledReservation(ctx, ts.tx, id)
}

func (ts *txStore) ResolveReservation(ctx context.Context, id engine.ReservationID, status engine.ReservationStatus) error {
	return resolveReservation(ctx, ts.tx, id, status)
}

func (ts *txStore) AppendStatusChange(ctx context.Context, sc engine.StatusChange) error {
	return appendStatusChange(ctx, ts.tx, sc)
}

func (ts *txStore) StatusChangesByResource(ctx context.Context, id engine.ResourceID) ([]engine.StatusChange, error) {
	return statusChangesByResource(ctx, ts.tx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
