package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Recorder appends immutable ledger entries. Balances are computed by the
// caller; the recorder only checks that the entry is well formed.
type Recorder struct {
	store Store
	clock func() time.Time
}

// NewRecorder builds a Recorder.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, clock: time.Now}
}

// RecordInput carries one ledger entry.
type RecordInput struct {
	CreditLimitID int64
	ClientID      int64
	Type          TransactionType
	Amount        float64
	BalanceBefore float64
	BalanceAfter  float64
	Description   string
	Actor         int64
	SaleID        *int64
}

// Record appends the entry inside tx.
func (r *Recorder) Record(ctx context.Context, tx StoreTx, in RecordInput) (*CreditTransaction, error) {
	switch {
	case in.CreditLimitID <= 0:
		return nil, invalidArg("credit limit id required")
	case in.ClientID <= 0:
		return nil, invalidArg("client id required")
	case !in.Type.Valid():
		return nil, invalidArg("unknown transaction type %q", in.Type)
	case in.BalanceBefore < 0, in.BalanceAfter < 0:
		return nil, invalidArg("balances must not be negative")
	}
	entry := CreditTransaction{
		Ref:           uuid.New(),
		CreditLimitID: in.CreditLimitID,
		ClientID:      in.ClientID,
		Type:          in.Type,
		Amount:        roundMoney(in.Amount),
		BalanceBefore: roundMoney(in.BalanceBefore),
		BalanceAfter:  roundMoney(in.BalanceAfter),
		Description:   in.Description,
		PerformedBy:   in.Actor,
		SaleID:        in.SaleID,
		CreatedAt:     r.clock(),
	}
	return tx.AppendTransaction(ctx, entry)
}

// List returns entries of a limit, newest first.
func (r *Recorder) List(ctx context.Context, creditLimitID int64, limit int) ([]CreditTransaction, error) {
	if creditLimitID <= 0 {
		return nil, invalidArg("credit limit id required")
	}
	return r.store.ListTransactions(ctx, creditLimitID, limit)
}
