package credit

import "time"

// SetLimitRequest is the body of PUT /clients/{clientID}/limit. Without
// limit_amount a new limit opens at the default amount.
type SetLimitRequest struct {
	LimitAmount *float64 `json:"limit_amount,omitempty" validate:"omitempty,gte=0"`
	Notes       *string  `json:"notes,omitempty" validate:"omitempty,max=500"`
}

// SetStatusRequest is the body of PUT /clients/{clientID}/status.
type SetStatusRequest struct {
	Status string  `json:"status" validate:"required,oneof=active suspended blocked"`
	Notes  *string `json:"notes,omitempty" validate:"omitempty,max=500"`
}

// EligibilityRequest is the body of POST /clients/{clientID}/eligibility.
type EligibilityRequest struct {
	Amount float64 `json:"amount"`
}

// RecordTransactionRequest is the body of POST /clients/{clientID}/transactions.
type RecordTransactionRequest struct {
	Type        string  `json:"type" validate:"required,oneof=purchase payment adjustment"`
	Amount      float64 `json:"amount" validate:"required"`
	Description string  `json:"description" validate:"max=500"`
	SaleID      *int64  `json:"sale_id,omitempty" validate:"omitempty,gt=0"`
}

// SubmitApplicationRequest is the body of POST /clients/{clientID}/applications.
type SubmitApplicationRequest struct {
	RequestedLimit float64 `json:"requested_limit" validate:"gt=0"`
	Reason         string  `json:"reason" validate:"required,max=1000"`
}

// DecisionRequest is the body of POST /applications/{applicationID}/decision.
type DecisionRequest struct {
	Decision       string   `json:"decision" validate:"required,oneof=approved rejected"`
	ApprovedLimit  *float64 `json:"approved_limit,omitempty" validate:"omitempty,gte=0"`
	RejectedReason *string  `json:"rejected_reason,omitempty" validate:"required_if=Decision rejected"`
}

// RiskRequest is the body of POST /clients/{clientID}/risk.
type RiskRequest struct {
	Name      string           `json:"name,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	History   []PurchaseRecord `json:"history" validate:"max=10000"`
}

// TransactionListResponse wraps a ledger page.
type TransactionListResponse struct {
	Items []CreditTransaction `json:"items"`
}

// ApplicationListResponse wraps the client's applications.
type ApplicationListResponse struct {
	Items []CreditApplication `json:"items"`
}
