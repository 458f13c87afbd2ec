package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-credit/internal/credit"
	jobmetrics "github.com/odyssey-erp/odyssey-credit/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity replays every active credit ledger and compares balances.
	TaskLedgerIntegrity = "credit:ledger_integrity"
	// TaskApplicationDecided announces a credit application decision.
	TaskApplicationDecided = "credit:application_decided"
	// TaskIdempotencyCleanup drops expired transaction idempotency keys.
	TaskIdempotencyCleanup = "credit:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerIntegrityPayload configures a ledger integrity run.
type LedgerIntegrityPayload struct {
	// FailOnMismatch marks the run failed when any ledger is inconsistent.
	FailOnMismatch bool `json:"fail_on_mismatch"`
}

// NewLedgerIntegrityTask constructs the integrity task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// ApplicationDecidedPayload describes a decided credit application.
type ApplicationDecidedPayload struct {
	ApplicationID  int64                    `json:"application_id"`
	ClientID       int64                    `json:"client_id"`
	Status         credit.ApplicationStatus `json:"status"`
	RequestedLimit float64                  `json:"requested_limit"`
	ApprovedLimit  *float64                 `json:"approved_limit,omitempty"`
	RejectedReason *string                  `json:"rejected_reason,omitempty"`
	DecidedBy      int64                    `json:"decided_by"`
	DecidedAt      time.Time                `json:"decided_at"`
}

// PayloadFromApplication maps a decided application to its task payload.
func PayloadFromApplication(app credit.CreditApplication) ApplicationDecidedPayload {
	p := ApplicationDecidedPayload{
		ApplicationID:  app.ID,
		ClientID:       app.ClientID,
		Status:         app.Status,
		RequestedLimit: app.RequestedLimit,
		ApprovedLimit:  app.ApprovedLimit,
		RejectedReason: app.RejectedReason,
		DecidedAt:      app.UpdatedAt,
	}
	if app.ApprovedBy != nil {
		p.DecidedBy = *app.ApprovedBy
	}
	if app.ApprovedAt != nil {
		p.DecidedAt = *app.ApprovedAt
	}
	return p
}

// NewApplicationDecidedTask constructs the decision notification task.
func NewApplicationDecidedTask(payload ApplicationDecidedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApplicationDecided, data), nil
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
