package credit

import (
	"fmt"
	"sort"
)

// ApplyBalance computes the outstanding balance after a ledger entry.
// Payments and negative adjustments clamp at zero; overpayments are not carried
// as credit in favour of the client.
func ApplyBalance(txType TransactionType, amount, before float64) float64 {
	switch txType {
	case TxPurchase:
		return addMoney(before, amount)
	case TxPayment:
		return clampZero(addMoney(before, -amount))
	case TxAdjustment:
		if amount >= 0 {
			return addMoney(before, amount)
		}
		return clampZero(addMoney(before, amount))
	default:
		return roundMoney(before)
	}
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// validateAmount checks the sign convention of an entry before it is applied.
func validateAmount(txType TransactionType, amount float64) error {
	switch txType {
	case TxPurchase, TxPayment:
		if amount <= 0 {
			return invalidArg("%s amount must be positive", txType)
		}
	case TxAdjustment:
		if amount == 0 {
			return invalidArg("adjustment amount must be non-zero")
		}
	case TxLimitChange:
	default:
		return invalidArg("unknown transaction type %q", txType)
	}
	return nil
}

// sortChronological returns entries in insertion order. Writes to a ledger
// are serialized, so ids follow commit order regardless of node clocks.
func sortChronological(entries []CreditTransaction) []CreditTransaction {
	out := make([]CreditTransaction, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Replay rebuilds the outstanding balance from an empty account.
func Replay(entries []CreditTransaction) float64 {
	var balance float64
	for _, e := range sortChronological(entries) {
		balance = ApplyBalance(e.Type, e.Amount, balance)
	}
	return balance
}

// ChainError describes the first entry whose opening balance does not match its predecessor.
type ChainError struct {
	EntryID  int64
	Expected float64
	Actual   float64
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("credit: ledger chain broken at entry %d: got balance %.2f, expected %.2f", e.EntryID, e.Actual, e.Expected)
}

// VerifyChain checks that every entry opens at the previous entry's closing
// balance and that each closing balance follows from its own amount.
func VerifyChain(entries []CreditTransaction) error {
	var prev float64
	for i, e := range sortChronological(entries) {
		if i > 0 && roundMoney(e.BalanceBefore) != roundMoney(prev) {
			return &ChainError{EntryID: e.ID, Expected: prev, Actual: e.BalanceBefore}
		}
		if want := ApplyBalance(e.Type, e.Amount, e.BalanceBefore); roundMoney(e.BalanceAfter) != want {
			return &ChainError{EntryID: e.ID, Expected: want, Actual: e.BalanceAfter}
		}
		prev = e.BalanceAfter
	}
	return nil
}
