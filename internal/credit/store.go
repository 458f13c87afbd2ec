package credit

import "context"

// Store is the durable owner of credit records. Reads run against the latest
// committed snapshot; every write goes through WithTx.
type Store interface {
	GetCreditLimit(ctx context.Context, clientID int64) (*CreditLimit, error)
	ListActiveLimits(ctx context.Context, afterID int64, limit int) ([]CreditLimit, error)
	// ListTransactions returns newest entries first. limit <= 0 returns all.
	ListTransactions(ctx context.Context, creditLimitID int64, limit int) ([]CreditTransaction, error)
	ListApplications(ctx context.Context, clientID int64) ([]CreditApplication, error)
	GetApplication(ctx context.Context, id int64) (*CreditApplication, error)
	GetSettings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) (*Settings, error)

	// WithTx runs fn in a single transaction. Nothing fn wrote survives an error.
	WithTx(ctx context.Context, fn func(context.Context, StoreTx) error) error
}

// StoreTx exposes writes bound to one store transaction.
type StoreTx interface {
	// LockCreditLimit re-reads the active limit and holds it until commit.
	LockCreditLimit(ctx context.Context, clientID int64) (*CreditLimit, error)
	// UpsertCreditLimit inserts when ID is zero, otherwise updates the row whose
	// version equals limit.Version and bumps it. A version mismatch yields
	// ErrConcurrentModification.
	UpsertCreditLimit(ctx context.Context, limit CreditLimit) (*CreditLimit, error)
	AppendTransaction(ctx context.Context, entry CreditTransaction) (*CreditTransaction, error)
	InsertApplication(ctx context.Context, app CreditApplication) (*CreditApplication, error)
	LockApplication(ctx context.Context, id int64) (*CreditApplication, error)
	UpdateApplication(ctx context.Context, id int64, patch ApplicationPatch) (*CreditApplication, error)
	// ClaimIdempotencyKey records key for module, failing with ErrDuplicateRequest if seen.
	ClaimIdempotencyKey(ctx context.Context, key, module string) error
}
