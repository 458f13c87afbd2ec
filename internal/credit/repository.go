package credit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-credit/internal/platform/db"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

// PostgresStore is the PostgreSQL backed Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx pgx.Tx
}

// WithTx wraps fn in a repeatable-read transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, StoreTx) error) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	return mapPgError("transaction", err)
}

func mapPgError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsSerializationFailure(err):
		return ErrConcurrentModification
	}
	return unavailable(op, err)
}

const limitColumns = `id, client_id, limit_amount::float8, used_amount::float8, status, due_date,
	is_active, notes, version, created_by, created_at, updated_at`

func scanLimit(row pgx.Row) (*CreditLimit, error) {
	var (
		l     CreditLimit
		due   pgtype.Timestamptz
		notes pgtype.Text
	)
	if err := row.Scan(&l.ID, &l.ClientID, &l.LimitAmount, &l.UsedAmount, &l.Status, &due,
		&l.IsActive, &notes, &l.Version, &l.CreatedBy, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	if due.Valid {
		t := due.Time
		l.DueDate = &t
	}
	if notes.Valid {
		l.Notes = &notes.String
	}
	l.Recompute()
	return &l, nil
}

func getLimit(ctx context.Context, q querier, clientID int64, forUpdate bool) (*CreditLimit, error) {
	sql := `SELECT ` + limitColumns + ` FROM credit_limits WHERE client_id = $1 AND is_active`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	limit, err := scanLimit(q.QueryRow(ctx, sql, clientID))
	if err != nil {
		return nil, mapPgError("get credit limit", err)
	}
	return limit, nil
}

// GetCreditLimit returns the active limit of clientID.
func (s *PostgresStore) GetCreditLimit(ctx context.Context, clientID int64) (*CreditLimit, error) {
	return getLimit(ctx, s.pool, clientID, false)
}

// ListActiveLimits pages through active limits in id order.
func (s *PostgresStore) ListActiveLimits(ctx context.Context, afterID int64, limit int) ([]CreditLimit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+limitColumns+` FROM credit_limits
		WHERE is_active AND id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, mapPgError("list credit limits", err)
	}
	defer rows.Close()
	var out []CreditLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, mapPgError("scan credit limit", err)
		}
		out = append(out, *l)
	}
	return out, mapPgError("list credit limits", rows.Err())
}

const transactionColumns = `id, ref, credit_limit_id, client_id, type, amount::float8,
	balance_before::float8, balance_after::float8, description, performed_by, sale_id, created_at`

func scanTransaction(row pgx.Row) (*CreditTransaction, error) {
	var (
		t      CreditTransaction
		saleID pgtype.Int8
	)
	if err := row.Scan(&t.ID, &t.Ref, &t.CreditLimitID, &t.ClientID, &t.Type, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.Description, &t.PerformedBy, &saleID, &t.CreatedAt); err != nil {
		return nil, err
	}
	if saleID.Valid {
		id := saleID.Int64
		t.SaleID = &id
	}
	return &t, nil
}

// ListTransactions returns entries of a limit, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, creditLimitID int64, limit int) ([]CreditTransaction, error) {
	var lim pgtype.Int4
	if limit > 0 {
		lim = pgtype.Int4{Int32: int32(limit), Valid: true}
	}
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+` FROM credit_transactions
		WHERE credit_limit_id = $1 ORDER BY id DESC LIMIT $2`, creditLimitID, lim)
	if err != nil {
		return nil, mapPgError("list credit transactions", err)
	}
	defer rows.Close()
	out := []CreditTransaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, mapPgError("scan credit transaction", err)
		}
		out = append(out, *t)
	}
	return out, mapPgError("list credit transactions", rows.Err())
}

const applicationColumns = `id, client_id, requested_limit::float8, current_limit_at_request::float8,
	reason, status, requested_by, approved_limit::float8, approved_by, approved_at, rejected_reason,
	created_at, updated_at`

func scanApplication(row pgx.Row) (*CreditApplication, error) {
	var (
		a          CreditApplication
		approved   pgtype.Float8
		approvedBy pgtype.Int8
		approvedAt pgtype.Timestamptz
		rejected   pgtype.Text
	)
	if err := row.Scan(&a.ID, &a.ClientID, &a.RequestedLimit, &a.CurrentLimitAtRequest,
		&a.Reason, &a.Status, &a.RequestedBy, &approved, &approvedBy, &approvedAt, &rejected,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if approved.Valid {
		a.ApprovedLimit = floatPtr(approved.Float64)
	}
	if approvedBy.Valid {
		id := approvedBy.Int64
		a.ApprovedBy = &id
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovedAt = &t
	}
	if rejected.Valid {
		a.RejectedReason = stringPtr(rejected.String)
	}
	return &a, nil
}

// ListApplications returns the client's applications, newest first.
func (s *PostgresStore) ListApplications(ctx context.Context, clientID int64) ([]CreditApplication, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+applicationColumns+` FROM credit_applications
		WHERE client_id = $1 ORDER BY created_at DESC, id DESC`, clientID)
	if err != nil {
		return nil, mapPgError("list credit applications", err)
	}
	defer rows.Close()
	out := []CreditApplication{}
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, mapPgError("scan credit application", err)
		}
		out = append(out, *a)
	}
	return out, mapPgError("list credit applications", rows.Err())
}

func getApplication(ctx context.Context, q querier, id int64, forUpdate bool) (*CreditApplication, error) {
	sql := `SELECT ` + applicationColumns + ` FROM credit_applications WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	app, err := scanApplication(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, mapPgError("get credit application", err)
	}
	return app, nil
}

// GetApplication returns one application.
func (s *PostgresStore) GetApplication(ctx context.Context, id int64) (*CreditApplication, error) {
	return getApplication(ctx, s.pool, id, false)
}

// GetSettings returns the persisted settings row.
func (s *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	var (
		out       Settings
		updatedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `SELECT default_limit_amount::float8, max_limit_amount::float8, default_due_days,
		auto_approve_enabled, auto_approve_up_to::float8, updated_by, updated_at
		FROM credit_limit_settings WHERE id = 1`).Scan(&out.DefaultLimitAmount, &out.MaxLimitAmount,
		&out.DefaultDueDays, &out.AutoApproveEnabled, &out.AutoApproveUpTo, &out.UpdatedBy, &updatedAt)
	if err != nil {
		return nil, mapPgError("get credit settings", err)
	}
	if updatedAt.Valid {
		out.UpdatedAt = updatedAt.Time
	}
	return &out, nil
}

// UpdateSettings replaces the settings row.
func (s *PostgresStore) UpdateSettings(ctx context.Context, settings Settings) (*Settings, error) {
	_, err := s.pool.Exec(ctx, `INSERT INTO credit_limit_settings (id, default_limit_amount, max_limit_amount,
		default_due_days, auto_approve_enabled, auto_approve_up_to, updated_by, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET default_limit_amount = EXCLUDED.default_limit_amount,
			max_limit_amount = EXCLUDED.max_limit_amount, default_due_days = EXCLUDED.default_due_days,
			auto_approve_enabled = EXCLUDED.auto_approve_enabled, auto_approve_up_to = EXCLUDED.auto_approve_up_to,
			updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		settings.DefaultLimitAmount, settings.MaxLimitAmount, settings.DefaultDueDays,
		settings.AutoApproveEnabled, settings.AutoApproveUpTo, settings.UpdatedBy, settings.UpdatedAt)
	if err != nil {
		return nil, mapPgError("update credit settings", err)
	}
	return &settings, nil
}

func (t *pgTx) LockCreditLimit(ctx context.Context, clientID int64) (*CreditLimit, error) {
	return getLimit(ctx, t.tx, clientID, true)
}

func (t *pgTx) UpsertCreditLimit(ctx context.Context, limit CreditLimit) (*CreditLimit, error) {
	limit.Recompute()
	if limit.ID == 0 {
		saved, err := scanLimit(t.tx.QueryRow(ctx, `INSERT INTO credit_limits
			(client_id, limit_amount, used_amount, status, due_date, is_active, notes, version, created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6, 1, $7, $8, $9)
			RETURNING `+limitColumns,
			limit.ClientID, limit.LimitAmount, limit.UsedAmount, limit.Status, limit.DueDate,
			limit.Notes, limit.CreatedBy, limit.CreatedAt, limit.UpdatedAt))
		if err != nil {
			if db.IsUniqueViolation(err) {
				return nil, ErrConcurrentModification
			}
			return nil, mapPgError("insert credit limit", err)
		}
		return saved, nil
	}
	saved, err := scanLimit(t.tx.QueryRow(ctx, `UPDATE credit_limits SET limit_amount = $2, used_amount = $3,
		status = $4, due_date = $5, notes = $6, updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $8 AND is_active
		RETURNING `+limitColumns,
		limit.ID, limit.LimitAmount, limit.UsedAmount, limit.Status, limit.DueDate, limit.Notes,
		limit.UpdatedAt, limit.Version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConcurrentModification
	}
	if err != nil {
		return nil, mapPgError("update credit limit", err)
	}
	return saved, nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, entry CreditTransaction) (*CreditTransaction, error) {
	if entry.Ref == uuid.Nil {
		entry.Ref = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	saved, err := scanTransaction(t.tx.QueryRow(ctx, `INSERT INTO credit_transactions
		(ref, credit_limit_id, client_id, type, amount, balance_before, balance_after, description, performed_by, sale_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+transactionColumns,
		entry.Ref, entry.CreditLimitID, entry.ClientID, entry.Type, entry.Amount, entry.BalanceBefore,
		entry.BalanceAfter, entry.Description, entry.PerformedBy, entry.SaleID, entry.CreatedAt))
	if err != nil {
		return nil, mapPgError("append credit transaction", err)
	}
	return saved, nil
}

func (t *pgTx) InsertApplication(ctx context.Context, app CreditApplication) (*CreditApplication, error) {
	saved, err := scanApplication(t.tx.QueryRow(ctx, `INSERT INTO credit_applications
		(client_id, requested_limit, current_limit_at_request, reason, status, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+applicationColumns,
		app.ClientID, app.RequestedLimit, app.CurrentLimitAtRequest, app.Reason, app.Status,
		app.RequestedBy, app.CreatedAt, app.UpdatedAt))
	if err != nil {
		return nil, mapPgError("insert credit application", err)
	}
	return saved, nil
}

func (t *pgTx) LockApplication(ctx context.Context, id int64) (*CreditApplication, error) {
	return getApplication(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateApplication(ctx context.Context, id int64, patch ApplicationPatch) (*CreditApplication, error) {
	saved, err := scanApplication(t.tx.QueryRow(ctx, `UPDATE credit_applications SET status = $2,
		approved_limit = $3, approved_by = $4, approved_at = $5, rejected_reason = $6, updated_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+applicationColumns,
		id, patch.Status, patch.ApprovedLimit, patch.DecidedBy, patch.DecidedAt, patch.RejectedReason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, invalidState("application %d is not pending", id)
	}
	if err != nil {
		return nil, mapPgError("update credit application", err)
	}
	return saved, nil
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, key, module string) error {
	err := shared.NewIdempotencyStore(t.tx).CheckAndInsert(ctx, key, module)
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return ErrDuplicateRequest
	}
	return mapPgError("claim idempotency key", err)
}

// CleanupIdempotencyKeys drops keys claimed more than olderThan ago.
func (s *PostgresStore) CleanupIdempotencyKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := shared.NewIdempotencyStore(s.pool).Cleanup(ctx, olderThan)
	return n, mapPgError("cleanup idempotency keys", err)
}

// Migrations returns the ledger schema.
func Migrations() []db.Migration {
	return []db.Migration{
		{Version: 1, Name: "credit_limits", Statements: []string{
			`CREATE TABLE IF NOT EXISTS credit_limits (
				id BIGSERIAL PRIMARY KEY,
				client_id BIGINT NOT NULL,
				limit_amount NUMERIC(18,2) NOT NULL CHECK (limit_amount >= 0),
				used_amount NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (used_amount >= 0),
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'suspended', 'blocked')),
				due_date TIMESTAMPTZ,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				notes TEXT,
				version BIGINT NOT NULL DEFAULT 1,
				created_by BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS credit_limits_active_client ON credit_limits (client_id) WHERE is_active`,
		}},
		{Version: 2, Name: "credit_transactions", Statements: []string{
			`CREATE TABLE IF NOT EXISTS credit_transactions (
				id BIGSERIAL PRIMARY KEY,
				ref UUID NOT NULL UNIQUE,
				credit_limit_id BIGINT NOT NULL REFERENCES credit_limits(id),
				client_id BIGINT NOT NULL,
				type TEXT NOT NULL CHECK (type IN ('purchase', 'payment', 'adjustment', 'limit_change')),
				amount NUMERIC(18,2) NOT NULL,
				balance_before NUMERIC(18,2) NOT NULL CHECK (balance_before >= 0),
				balance_after NUMERIC(18,2) NOT NULL CHECK (balance_after >= 0),
				description TEXT NOT NULL DEFAULT '',
				performed_by BIGINT NOT NULL DEFAULT 0,
				sale_id BIGINT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS credit_transactions_limit_created ON credit_transactions (credit_limit_id, created_at DESC, id DESC)`,
			`CREATE OR REPLACE FUNCTION credit_transactions_append_only() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'credit_transactions is append-only';
			END;
			$$ LANGUAGE plpgsql`,
			`DROP TRIGGER IF EXISTS credit_transactions_immutable ON credit_transactions`,
			`CREATE TRIGGER credit_transactions_immutable BEFORE UPDATE OR DELETE ON credit_transactions
				FOR EACH ROW EXECUTE FUNCTION credit_transactions_append_only()`,
		}},
		{Version: 3, Name: "credit_applications", Statements: []string{
			`CREATE TABLE IF NOT EXISTS credit_applications (
				id BIGSERIAL PRIMARY KEY,
				client_id BIGINT NOT NULL,
				requested_limit NUMERIC(18,2) NOT NULL CHECK (requested_limit > 0),
				current_limit_at_request NUMERIC(18,2) NOT NULL DEFAULT 0,
				reason TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
				requested_by BIGINT NOT NULL DEFAULT 0,
				approved_limit NUMERIC(18,2),
				approved_by BIGINT,
				approved_at TIMESTAMPTZ,
				rejected_reason TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS credit_applications_client ON credit_applications (client_id, created_at DESC)`,
		}},
		{Version: 4, Name: "credit_limit_settings", Statements: []string{
			`CREATE TABLE IF NOT EXISTS credit_limit_settings (
				id SMALLINT PRIMARY KEY CHECK (id = 1),
				default_limit_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
				max_limit_amount NUMERIC(18,2) NOT NULL DEFAULT 0,
				default_due_days INTEGER NOT NULL DEFAULT 30,
				auto_approve_enabled BOOLEAN NOT NULL DEFAULT FALSE,
				auto_approve_up_to NUMERIC(18,2) NOT NULL DEFAULT 0,
				updated_by BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}},
		{Version: 5, Name: "idempotency_and_audit", Statements: []string{
			`CREATE TABLE IF NOT EXISTS idempotency_keys (
				key TEXT NOT NULL,
				module TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (module, key)
			)`,
			`CREATE TABLE IF NOT EXISTS audit_logs (
				id BIGSERIAL PRIMARY KEY,
				actor_id BIGINT NOT NULL DEFAULT 0,
				action TEXT NOT NULL,
				entity TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				meta JSONB,
				occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}},
	}
}
