// Package sqlitestore is an embedded credit ledger Store on SQLite. It suits
// single-node deployments and the ops CLI; all access goes through one
// connection, so transactions are serialized by the pool.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/odyssey-erp/odyssey-credit/internal/credit"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements credit.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrations returns the schema statements, one statement per entry.
func Migrations() []string {
	return []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS credit_limits (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id    INTEGER NOT NULL,
			limit_amount REAL NOT NULL CHECK (limit_amount >= 0),
			used_amount  REAL NOT NULL DEFAULT 0 CHECK (used_amount >= 0),
			status       TEXT NOT NULL DEFAULT 'active',
			due_date     TEXT,
			is_active    INTEGER NOT NULL DEFAULT 1,
			notes        TEXT,
			version      INTEGER NOT NULL DEFAULT 1,
			created_by   INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_limits_active ON credit_limits(client_id) WHERE is_active = 1`,

		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			ref             TEXT NOT NULL UNIQUE,
			credit_limit_id INTEGER NOT NULL REFERENCES credit_limits(id),
			client_id       INTEGER NOT NULL,
			type            TEXT NOT NULL,
			amount          REAL NOT NULL,
			balance_before  REAL NOT NULL,
			balance_after   REAL NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			performed_by    INTEGER NOT NULL DEFAULT 0,
			sale_id         INTEGER,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_limit ON credit_transactions(credit_limit_id, created_at, id)`,
		`CREATE TRIGGER IF NOT EXISTS credit_transactions_no_update BEFORE UPDATE ON credit_transactions
			BEGIN SELECT RAISE(ABORT, 'credit_transactions is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS credit_transactions_no_delete BEFORE DELETE ON credit_transactions
			BEGIN SELECT RAISE(ABORT, 'credit_transactions is append-only'); END`,

		`CREATE TABLE IF NOT EXISTS credit_applications (
			id                       INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id                INTEGER NOT NULL,
			requested_limit          REAL NOT NULL,
			current_limit_at_request REAL NOT NULL DEFAULT 0,
			reason                   TEXT NOT NULL,
			status                   TEXT NOT NULL DEFAULT 'pending',
			requested_by             INTEGER NOT NULL DEFAULT 0,
			approved_limit           REAL,
			approved_by              INTEGER,
			approved_at              TEXT,
			rejected_reason          TEXT,
			created_at               TEXT NOT NULL,
			updated_at               TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_applications_client ON credit_applications(client_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS credit_limit_settings (
			id                   INTEGER PRIMARY KEY CHECK (id = 1),
			default_limit_amount REAL NOT NULL DEFAULT 0,
			max_limit_amount     REAL NOT NULL DEFAULT 0,
			default_due_days     INTEGER NOT NULL DEFAULT 30,
			auto_approve_enabled INTEGER NOT NULL DEFAULT 0,
			auto_approve_up_to   REAL NOT NULL DEFAULT 0,
			updated_by           INTEGER NOT NULL DEFAULT 0,
			updated_at           TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key        TEXT NOT NULL,
			module     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (module, key)
		)`,
	}
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitestore: migrate: %w", err)
		}
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return credit.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %s: %w", credit.ErrStoreUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const limitColumns = `id, client_id, limit_amount, used_amount, status, due_date, is_active, notes,
	version, created_by, created_at, updated_at`

func scanLimit(row rowScanner) (*credit.CreditLimit, error) {
	var (
		l                    credit.CreditLimit
		status               string
		due, notes           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&l.ID, &l.ClientID, &l.LimitAmount, &l.UsedAmount, &status, &due, &l.IsActive,
		&notes, &l.Version, &l.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	l.Status = credit.LimitStatus(status)
	var err error
	if l.DueDate, err = parseNullTime(due); err != nil {
		return nil, err
	}
	if notes.Valid {
		n := notes.String
		l.Notes = &n
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	l.Recompute()
	return &l, nil
}

func getLimit(ctx context.Context, q queryer, clientID int64) (*credit.CreditLimit, error) {
	l, err := scanLimit(q.QueryRowContext(ctx, `SELECT `+limitColumns+` FROM credit_limits
		WHERE client_id = ? AND is_active = 1`, clientID))
	return l, wrap("get credit limit", err)
}

// GetCreditLimit returns the active limit of clientID.
func (s *Store) GetCreditLimit(ctx context.Context, clientID int64) (*credit.CreditLimit, error) {
	return getLimit(ctx, s.db, clientID)
}

// ListActiveLimits pages through active limits in id order.
func (s *Store) ListActiveLimits(ctx context.Context, afterID int64, limit int) ([]credit.CreditLimit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+limitColumns+` FROM credit_limits
		WHERE is_active = 1 AND id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, wrap("list credit limits", err)
	}
	defer rows.Close()
	var out []credit.CreditLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, wrap("scan credit limit", err)
		}
		out = append(out, *l)
	}
	return out, wrap("list credit limits", rows.Err())
}

const transactionColumns = `id, ref, credit_limit_id, client_id, type, amount, balance_before, balance_after,
	description, performed_by, sale_id, created_at`

func scanTransaction(row rowScanner) (*credit.CreditTransaction, error) {
	var (
		t           credit.CreditTransaction
		ref, txType string
		saleID      sql.NullInt64
		createdAt   string
	)
	if err := row.Scan(&t.ID, &ref, &t.CreditLimitID, &t.ClientID, &txType, &t.Amount, &t.BalanceBefore,
		&t.BalanceAfter, &t.Description, &t.PerformedBy, &saleID, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if t.Ref, err = uuid.Parse(ref); err != nil {
		return nil, err
	}
	t.Type = credit.TransactionType(txType)
	if saleID.Valid {
		id := saleID.Int64
		t.SaleID = &id
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns entries of a limit, newest first. limit <= 0 returns all.
func (s *Store) ListTransactions(ctx context.Context, creditLimitID int64, limit int) ([]credit.CreditTransaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM credit_transactions
		WHERE credit_limit_id = ? ORDER BY id DESC LIMIT ?`, creditLimitID, limit)
	if err != nil {
		return nil, wrap("list credit transactions", err)
	}
	defer rows.Close()
	out := []credit.CreditTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, wrap("scan credit transaction", err)
		}
		out = append(out, *t)
	}
	return out, wrap("list credit transactions", rows.Err())
}

const applicationColumns = `id, client_id, requested_limit, current_limit_at_request, reason, status,
	requested_by, approved_limit, approved_by, approved_at, rejected_reason, created_at, updated_at`

func scanApplication(row rowScanner) (*credit.CreditApplication, error) {
	var (
		a                    credit.CreditApplication
		status               string
		approvedLimit        sql.NullFloat64
		approvedBy           sql.NullInt64
		approvedAt, rejected sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.ClientID, &a.RequestedLimit, &a.CurrentLimitAtRequest, &a.Reason, &status,
		&a.RequestedBy, &approvedLimit, &approvedBy, &approvedAt, &rejected, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Status = credit.ApplicationStatus(status)
	if approvedLimit.Valid {
		v := approvedLimit.Float64
		a.ApprovedLimit = &v
	}
	if approvedBy.Valid {
		v := approvedBy.Int64
		a.ApprovedBy = &v
	}
	if rejected.Valid {
		v := rejected.String
		a.RejectedReason = &v
	}
	var err error
	if a.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListApplications returns the client's applications, newest first.
func (s *Store) ListApplications(ctx context.Context, clientID int64) ([]credit.CreditApplication, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+applicationColumns+` FROM credit_applications
		WHERE client_id = ? ORDER BY created_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, wrap("list credit applications", err)
	}
	defer rows.Close()
	out := []credit.CreditApplication{}
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, wrap("scan credit application", err)
		}
		out = append(out, *a)
	}
	return out, wrap("list credit applications", rows.Err())
}

func getApplication(ctx context.Context, q queryer, id int64) (*credit.CreditApplication, error) {
	a, err := scanApplication(q.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM credit_applications WHERE id = ?`, id))
	return a, wrap("get credit application", err)
}

// GetApplication returns one application.
func (s *Store) GetApplication(ctx context.Context, id int64) (*credit.CreditApplication, error) {
	return getApplication(ctx, s.db, id)
}

// GetSettings returns the persisted settings row.
func (s *Store) GetSettings(ctx context.Context) (*credit.Settings, error) {
	var (
		out       credit.Settings
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT default_limit_amount, max_limit_amount, default_due_days,
		auto_approve_enabled, auto_approve_up_to, updated_by, updated_at FROM credit_limit_settings WHERE id = 1`).
		Scan(&out.DefaultLimitAmount, &out.MaxLimitAmount, &out.DefaultDueDays, &out.AutoApproveEnabled,
			&out.AutoApproveUpTo, &out.UpdatedBy, &updatedAt)
	if err != nil {
		return nil, wrap("get credit settings", err)
	}
	if out.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, wrap("parse credit settings", err)
	}
	return &out, nil
}

// UpdateSettings replaces the settings row.
func (s *Store) UpdateSettings(ctx context.Context, settings credit.Settings) (*credit.Settings, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO credit_limit_settings (id, default_limit_amount, max_limit_amount,
		default_due_days, auto_approve_enabled, auto_approve_up_to, updated_by, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET default_limit_amount = excluded.default_limit_amount,
			max_limit_amount = excluded.max_limit_amount, default_due_days = excluded.default_due_days,
			auto_approve_enabled = excluded.auto_approve_enabled, auto_approve_up_to = excluded.auto_approve_up_to,
			updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		settings.DefaultLimitAmount, settings.MaxLimitAmount, settings.DefaultDueDays, settings.AutoApproveEnabled,
		settings.AutoApproveUpTo, settings.UpdatedBy, formatTime(settings.UpdatedAt))
	if err != nil {
		return nil, wrap("update credit settings", err)
	}
	return &settings, nil
}

// WithTx runs fn inside one SQLite transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, credit.StoreTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(ctx, &storeTx{tx: tx}); err != nil {
		return err
	}
	return wrap("commit tx", tx.Commit())
}

type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) LockCreditLimit(ctx context.Context, clientID int64) (*credit.CreditLimit, error) {
	return getLimit(ctx, t.tx, clientID)
}

func (t *storeTx) UpsertCreditLimit(ctx context.Context, limit credit.CreditLimit) (*credit.CreditLimit, error) {
	limit.Recompute()
	if limit.ID == 0 {
		res, err := t.tx.ExecContext(ctx, `INSERT INTO credit_limits (client_id, limit_amount, used_amount, status,
			due_date, is_active, notes, version, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, 1, ?, ?, ?)`,
			limit.ClientID, limit.LimitAmount, limit.UsedAmount, string(limit.Status), formatTimePtr(limit.DueDate),
			limit.Notes, limit.CreatedBy, formatTime(limit.CreatedAt), formatTime(limit.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, credit.ErrConcurrentModification
			}
			return nil, wrap("insert credit limit", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, wrap("insert credit limit", err)
		}
		return t.limitByID(ctx, id)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE credit_limits SET limit_amount = ?, used_amount = ?, status = ?,
		due_date = ?, notes = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND is_active = 1`,
		limit.LimitAmount, limit.UsedAmount, string(limit.Status), formatTimePtr(limit.DueDate), limit.Notes,
		formatTime(limit.UpdatedAt), limit.ID, limit.Version)
	if err != nil {
		return nil, wrap("update credit limit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("update credit limit", err)
	}
	if n == 0 {
		return nil, credit.ErrConcurrentModification
	}
	return t.limitByID(ctx, limit.ID)
}

func (t *storeTx) limitByID(ctx context.Context, id int64) (*credit.CreditLimit, error) {
	l, err := scanLimit(t.tx.QueryRowContext(ctx, `SELECT `+limitColumns+` FROM credit_limits WHERE id = ?`, id))
	return l, wrap("get credit limit", err)
}

func (t *storeTx) AppendTransaction(ctx context.Context, entry credit.CreditTransaction) (*credit.CreditTransaction, error) {
	if entry.Ref == uuid.Nil {
		entry.Ref = uuid.New()
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO credit_transactions (ref, credit_limit_id, client_id, type, amount,
		balance_before, balance_after, description, performed_by, sale_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Ref.String(), entry.CreditLimitID, entry.ClientID, string(entry.Type), entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.Description, entry.PerformedBy, entry.SaleID,
		formatTime(entry.CreatedAt))
	if err != nil {
		return nil, wrap("append credit transaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("append credit transaction", err)
	}
	saved, err := scanTransaction(t.tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM credit_transactions WHERE id = ?`, id))
	return saved, wrap("get credit transaction", err)
}

func (t *storeTx) InsertApplication(ctx context.Context, app credit.CreditApplication) (*credit.CreditApplication, error) {
	res, err := t.tx.ExecContext(ctx, `INSERT INTO credit_applications (client_id, requested_limit,
		current_limit_at_request, reason, status, requested_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ClientID, app.RequestedLimit, app.CurrentLimitAtRequest, app.Reason, string(app.Status),
		app.RequestedBy, formatTime(app.CreatedAt), formatTime(app.UpdatedAt))
	if err != nil {
		return nil, wrap("insert credit application", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("insert credit application", err)
	}
	return getApplication(ctx, t.tx, id)
}

func (t *storeTx) LockApplication(ctx context.Context, id int64) (*credit.CreditApplication, error) {
	return getApplication(ctx, t.tx, id)
}

func (t *storeTx) UpdateApplication(ctx context.Context, id int64, patch credit.ApplicationPatch) (*credit.CreditApplication, error) {
	decidedAt := formatTime(patch.DecidedAt)
	res, err := t.tx.ExecContext(ctx, `UPDATE credit_applications SET status = ?, approved_limit = ?,
		approved_by = ?, approved_at = ?, rejected_reason = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(patch.Status), patch.ApprovedLimit, patch.DecidedBy, decidedAt, patch.RejectedReason, decidedAt, id)
	if err != nil {
		return nil, wrap("update credit application", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("update credit application", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: application %d is not pending", credit.ErrInvalidState, id)
	}
	return getApplication(ctx, t.tx, id)
}

func (t *storeTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES (?, ?, ?)`,
		key, module, formatTime(time.Now()))
	if isUniqueViolation(err) {
		return credit.ErrDuplicateRequest
	}
	return wrap("claim idempotency key", err)
}

// CleanupIdempotencyKeys removes keys older than retention.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < ?`, formatTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, wrap("cleanup idempotency keys", err)
	}
	return res.RowsAffected()
}
