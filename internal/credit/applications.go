package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Workflow drives credit applications from pending to a terminal decision.
type Workflow struct {
	limits   *LimitRepository
	recorder *Recorder
	settings *SettingsManager
	clock    func() time.Time
}

// NewWorkflow builds a Workflow.
func NewWorkflow(limits *LimitRepository, recorder *Recorder, settings *SettingsManager) *Workflow {
	return &Workflow{limits: limits, recorder: recorder, settings: settings, clock: time.Now}
}

// SubmitInput is a request to change a client's limit.
type SubmitInput struct {
	ClientID       int64
	RequestedLimit float64
	Reason         string
	Actor          int64
}

// DecideInput is a decision on a pending application.
type DecideInput struct {
	ApplicationID  int64
	Decision       Decision
	Actor          int64
	ApprovedLimit  *float64
	RejectedReason *string
}

// Outcome reports the effects of a submit or decide call.
type Outcome struct {
	Application  *CreditApplication `json:"application"`
	Limit        *CreditLimit       `json:"limit,omitempty"`
	Entry        *CreditTransaction `json:"entry,omitempty"`
	AutoApproved bool               `json:"auto_approved"`
}

// Decided reports whether the application reached a terminal state.
func (o *Outcome) Decided() bool {
	return o != nil && o.Application != nil && o.Application.Status.Terminal()
}

func (in SubmitInput) validate(max float64) error {
	if in.ClientID <= 0 {
		return invalidArg("client id must be positive")
	}
	if in.RequestedLimit <= 0 {
		return invalidArg("requested limit must be positive")
	}
	if max > 0 && in.RequestedLimit > max {
		return invalidArg("requested limit %.2f exceeds maximum %.2f", in.RequestedLimit, max)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return invalidArg("reason required")
	}
	return nil
}

// Submit records a pending application with a snapshot of the current limit.
// When auto approval covers the requested amount the application is approved
// by SystemActor inside the same transaction.
func (w *Workflow) Submit(ctx context.Context, tx StoreTx, in SubmitInput) (*Outcome, error) {
	in.RequestedLimit = roundMoney(in.RequestedLimit)
	settings := w.settings.Current()
	if err := in.validate(settings.MaxLimitAmount); err != nil {
		return nil, err
	}

	var current float64
	limit, err := tx.LockCreditLimit(ctx, in.ClientID)
	switch {
	case err == nil:
		current = limit.LimitAmount
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	now := w.clock()
	app, err := tx.InsertApplication(ctx, CreditApplication{
		ClientID:              in.ClientID,
		RequestedLimit:        in.RequestedLimit,
		CurrentLimitAtRequest: current,
		Reason:                strings.TrimSpace(in.Reason),
		Status:                ApplicationPending,
		RequestedBy:           in.Actor,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	if err != nil {
		return nil, err
	}

	if !settings.AutoApproveEnabled || in.RequestedLimit > settings.AutoApproveUpTo {
		return &Outcome{Application: app}, nil
	}
	out, err := w.Decide(ctx, tx, DecideInput{
		ApplicationID: app.ID,
		Decision:      DecisionApproved,
		Actor:         SystemActor,
	})
	if err != nil {
		return nil, err
	}
	out.AutoApproved = true
	return out, nil
}

func (in DecideInput) validate() error {
	if in.ApplicationID <= 0 {
		return invalidArg("application id must be positive")
	}
	switch in.Decision {
	case DecisionApproved:
		if in.ApprovedLimit != nil && *in.ApprovedLimit < 0 {
			return invalidArg("approved limit must not be negative")
		}
	case DecisionRejected:
		if in.RejectedReason == nil || strings.TrimSpace(*in.RejectedReason) == "" {
			return invalidArg("rejected reason required")
		}
	default:
		return invalidArg("unknown decision %q", in.Decision)
	}
	return nil
}

// Decide moves a pending application to approved or rejected. Approval
// updates the limit and appends a limit_change entry; rejection has no ledger
// effect. Terminal applications fail with ErrInvalidState.
func (w *Workflow) Decide(ctx context.Context, tx StoreTx, in DecideInput) (*Outcome, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	app, err := tx.LockApplication(ctx, in.ApplicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != ApplicationPending {
		return nil, invalidState("application %d is %s", app.ID, app.Status)
	}
	now := w.clock()

	if in.Decision == DecisionRejected {
		reason := strings.TrimSpace(*in.RejectedReason)
		updated, err := tx.UpdateApplication(ctx, app.ID, ApplicationPatch{
			Status:         ApplicationRejected,
			DecidedBy:      in.Actor,
			DecidedAt:      now,
			RejectedReason: &reason,
		})
		if err != nil {
			return nil, err
		}
		return &Outcome{Application: updated}, nil
	}

	approved := app.RequestedLimit
	if in.ApprovedLimit != nil {
		approved = roundMoney(*in.ApprovedLimit)
	}
	res, err := w.limits.Upsert(ctx, tx, UpsertLimitInput{
		ClientID:    app.ClientID,
		LimitAmount: approved,
		Actor:       in.Actor,
	})
	if err != nil {
		return nil, err
	}
	entry, err := w.recorder.Record(ctx, tx, RecordInput{
		CreditLimitID: res.Limit.ID,
		ClientID:      app.ClientID,
		Type:          TxLimitChange,
		Amount:        addMoney(approved, -res.PreviousLimit),
		BalanceBefore: res.Limit.UsedAmount,
		BalanceAfter:  res.Limit.UsedAmount,
		Description:   fmt.Sprintf("credit application #%d approved", app.ID),
		Actor:         in.Actor,
	})
	if err != nil {
		return nil, err
	}
	updated, err := tx.UpdateApplication(ctx, app.ID, ApplicationPatch{
		Status:        ApplicationApproved,
		ApprovedLimit: &approved,
		DecidedBy:     in.Actor,
		DecidedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Application: updated, Limit: res.Limit, Entry: entry}, nil
}
