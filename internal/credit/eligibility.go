package credit

// Eligibility is the outcome of a purchase check.
type Eligibility struct {
	Allowed         bool    `json:"allowed"`
	AvailableCredit float64 `json:"available_credit"`
	Reason          string  `json:"reason,omitempty"`
}

// Eligibility reasons.
const (
	ReasonNoLimit       = "no credit limit"
	ReasonInsufficient  = "insufficient available credit"
	ReasonInvalidAmount = "invalid amount"
)

// CanPurchase decides whether amount may be charged against limit. It performs
// no I/O and depends only on its arguments.
func CanPurchase(limit *CreditLimit, amount float64) Eligibility {
	if limit == nil || !limit.IsActive {
		return Eligibility{Reason: ReasonNoLimit}
	}
	view := *limit
	view.Recompute()
	if view.Status != LimitStatusActive {
		return Eligibility{AvailableCredit: view.AvailableAmount, Reason: string(view.Status) + " account"}
	}
	amount = roundMoney(amount)
	if amount <= 0 {
		return Eligibility{AvailableCredit: view.AvailableAmount, Reason: ReasonInvalidAmount}
	}
	if amount > view.AvailableAmount {
		return Eligibility{AvailableCredit: view.AvailableAmount, Reason: ReasonInsufficient}
	}
	return Eligibility{Allowed: true, AvailableCredit: view.AvailableAmount}
}
