package credit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SystemActor identifies writes performed by the ledger itself (auto approvals, jobs).
const SystemActor int64 = 0

// LimitStatus enumerates administrative states of a credit limit.
type LimitStatus string

const (
	LimitStatusActive    LimitStatus = "active"
	LimitStatusSuspended LimitStatus = "suspended"
	LimitStatusBlocked   LimitStatus = "blocked"
)

// Valid reports whether the status is known.
func (s LimitStatus) Valid() bool {
	switch s {
	case LimitStatusActive, LimitStatusSuspended, LimitStatusBlocked:
		return true
	}
	return false
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TxPurchase    TransactionType = "purchase"
	TxPayment     TransactionType = "payment"
	TxAdjustment  TransactionType = "adjustment"
	TxLimitChange TransactionType = "limit_change"
)

// Valid reports whether the type is known.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxPayment, TxAdjustment, TxLimitChange:
		return true
	}
	return false
}

// ApplicationStatus enumerates credit application states.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationApproved ApplicationStatus = "approved"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationApproved || s == ApplicationRejected
}

// Decision is the outcome chosen for a pending application.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// CreditLimit is the single active running-balance account of a client.
type CreditLimit struct {
	ID              int64       `json:"id"`
	ClientID        int64       `json:"client_id"`
	LimitAmount     float64     `json:"limit_amount"`
	UsedAmount      float64     `json:"used_amount"`
	AvailableAmount float64     `json:"available_amount"`
	Status          LimitStatus `json:"status"`
	DueDate         *time.Time  `json:"due_date,omitempty"`
	IsActive        bool        `json:"is_active"`
	Notes           *string     `json:"notes,omitempty"`
	Version         int64       `json:"version"`
	CreatedBy       int64       `json:"created_by"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Recompute derives AvailableAmount from limit and used amounts.
func (l *CreditLimit) Recompute() {
	if l == nil {
		return
	}
	l.LimitAmount = roundMoney(l.LimitAmount)
	l.UsedAmount = roundMoney(l.UsedAmount)
	l.AvailableAmount = addMoney(l.LimitAmount, -l.UsedAmount)
}

// CreditTransaction is an immutable ledger entry.
type CreditTransaction struct {
	ID            int64           `json:"id"`
	Ref           uuid.UUID       `json:"ref"`
	CreditLimitID int64           `json:"credit_limit_id"`
	ClientID      int64           `json:"client_id"`
	Type          TransactionType `json:"type"`
	Amount        float64         `json:"amount"`
	BalanceBefore float64         `json:"balance_before"`
	BalanceAfter  float64         `json:"balance_after"`
	Description   string          `json:"description"`
	PerformedBy   int64           `json:"performed_by"`
	SaleID        *int64          `json:"sale_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreditApplication is a request to change a client's limit.
type CreditApplication struct {
	ID                    int64             `json:"id"`
	ClientID              int64             `json:"client_id"`
	RequestedLimit        float64           `json:"requested_limit"`
	CurrentLimitAtRequest float64           `json:"current_limit_at_request"`
	Reason                string            `json:"reason"`
	Status                ApplicationStatus `json:"status"`
	RequestedBy           int64             `json:"requested_by"`
	ApprovedLimit         *float64          `json:"approved_limit,omitempty"`
	ApprovedBy            *int64            `json:"approved_by,omitempty"`
	ApprovedAt            *time.Time        `json:"approved_at,omitempty"`
	RejectedReason        *string           `json:"rejected_reason,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// ApplicationPatch holds the decision fields written when an application leaves pending.
type ApplicationPatch struct {
	Status         ApplicationStatus
	ApprovedLimit  *float64
	DecidedBy      int64
	DecidedAt      time.Time
	RejectedReason *string
}

// Settings holds process-wide credit limit policies.
type Settings struct {
	DefaultLimitAmount float64   `json:"default_limit_amount" toml:"default_limit_amount"`
	MaxLimitAmount     float64   `json:"max_limit_amount" toml:"max_limit_amount"`
	DefaultDueDays     int       `json:"default_due_days" toml:"default_due_days"`
	AutoApproveEnabled bool      `json:"auto_approve_enabled" toml:"auto_approve_enabled"`
	AutoApproveUpTo    float64   `json:"auto_approve_up_to" toml:"auto_approve_up_to"`
	UpdatedBy          int64     `json:"updated_by" toml:"-"`
	UpdatedAt          time.Time `json:"updated_at" toml:"-"`
}

// SettingsPatch is a partial settings update.
type SettingsPatch struct {
	DefaultLimitAmount *float64 `json:"default_limit_amount,omitempty" validate:"omitempty,gte=0"`
	MaxLimitAmount     *float64 `json:"max_limit_amount,omitempty" validate:"omitempty,gte=0"`
	DefaultDueDays     *int     `json:"default_due_days,omitempty" validate:"omitempty,gte=0,lte=365"`
	AutoApproveEnabled *bool    `json:"auto_approve_enabled,omitempty"`
	AutoApproveUpTo    *float64 `json:"auto_approve_up_to,omitempty" validate:"omitempty,gte=0"`
}

// Apply returns a copy of s with the patch applied.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.DefaultLimitAmount != nil {
		s.DefaultLimitAmount = roundMoney(*p.DefaultLimitAmount)
	}
	if p.MaxLimitAmount != nil {
		s.MaxLimitAmount = roundMoney(*p.MaxLimitAmount)
	}
	if p.DefaultDueDays != nil {
		s.DefaultDueDays = *p.DefaultDueDays
	}
	if p.AutoApproveEnabled != nil {
		s.AutoApproveEnabled = *p.AutoApproveEnabled
	}
	if p.AutoApproveUpTo != nil {
		s.AutoApproveUpTo = roundMoney(*p.AutoApproveUpTo)
	}
	return s
}

// ClientProfile carries the client attributes used by risk analysis.
type ClientProfile struct {
	ClientID  int64     `json:"client_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PurchaseRecord is a historical credit sale with its settlement state.
type PurchaseRecord struct {
	SaleID      int64      `json:"sale_id"`
	Amount      float64    `json:"amount"`
	PurchasedAt time.Time  `json:"purchased_at"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

// View is the cached state of one client's credit account.
type View struct {
	Limit        *CreditLimit        `json:"limit,omitempty"`
	Transactions []CreditTransaction `json:"transactions"`
	Applications []CreditApplication `json:"applications"`
	Status       StatusView          `json:"status"`
	LoadedAt     time.Time           `json:"loaded_at"`
}

// clone returns a copy that shares no slices or pointers with v.
func (v *View) clone() *View {
	if v == nil {
		return nil
	}
	out := *v
	if v.Limit != nil {
		limit := *v.Limit
		out.Limit = &limit
	}
	out.Transactions = make([]CreditTransaction, len(v.Transactions))
	copy(out.Transactions, v.Transactions)
	out.Applications = make([]CreditApplication, len(v.Applications))
	copy(out.Applications, v.Applications)
	return &out
}

// moneyPlaces is the precision of every stored amount.
const moneyPlaces = 2

func roundMoney(v float64) float64 {
	return decimal.NewFromFloat(v).Round(moneyPlaces).InexactFloat64()
}

// addMoney sums amounts in decimal so repeated entries do not accumulate
// binary float drift.
func addMoney(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(moneyPlaces).InexactFloat64()
}

func floatPtr(v float64) *float64 { return &v }

func stringPtr(s string) *string { return &s }
