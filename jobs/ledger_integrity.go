package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-credit/internal/credit"
	jobmetrics "github.com/odyssey-erp/odyssey-credit/internal/jobs"
)

// ErrLedgerMismatch is returned by a fail-on-mismatch run that found inconsistent ledgers.
var ErrLedgerMismatch = errors.New("ledger integrity: mismatches detected")

// LedgerScanner replays active ledgers one at a time.
type LedgerScanner interface {
	ScanLedgers(ctx context.Context, fn func(credit.LedgerCheck) error) error
}

// LedgerIntegrityJob replays every active credit ledger and reports drift
// between the stored used amount and the entry history.
type LedgerIntegrityJob struct {
	Scanner LedgerScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// LedgerIntegrityReport summarises a run.
type LedgerIntegrityReport struct {
	Checked         int
	BalanceMismatch int
	ChainMismatch   int
	InconsistentIDs []int64
}

// NewLedgerIntegrityJob constructs the handler.
func NewLedgerIntegrityJob(scanner LedgerScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Scanner: scanner, Logger: logger, Metrics: metrics}
}

// Handle executes the integrity scan.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Scanner == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger integrity: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	tracker := j.metrics().Track(TaskLedgerIntegrity)
	report, err := j.Run(ctx)
	if err == nil && payload.FailOnMismatch && len(report.InconsistentIDs) > 0 {
		err = ErrLedgerMismatch
	}
	return tracker.End(err)
}

// Run scans all ledgers and returns the report.
func (j *LedgerIntegrityJob) Run(ctx context.Context) (LedgerIntegrityReport, error) {
	logger := j.logger()
	logger.Info("starting ledger integrity scan")

	var report LedgerIntegrityReport
	err := j.Scanner.ScanLedgers(ctx, func(check credit.LedgerCheck) error {
		report.Checked++
		if check.Consistent() {
			return nil
		}
		report.InconsistentIDs = append(report.InconsistentIDs, check.ClientID)
		attrs := []any{
			slog.Int64("client_id", check.ClientID),
			slog.Int64("credit_limit_id", check.CreditLimitID),
			slog.Int("entries", check.Entries),
			slog.Float64("stored_used", check.StoredUsed),
			slog.Float64("replayed_used", check.ReplayedUsed),
		}
		if check.ChainError != "" {
			report.ChainMismatch++
			attrs = append(attrs, slog.String("chain_error", check.ChainError))
		} else {
			report.BalanceMismatch++
		}
		logger.Warn("credit ledger inconsistent", attrs...)
		return nil
	})

	metrics := j.metrics()
	metrics.AddLedgersChecked(report.Checked)
	metrics.AddLedgerMismatches("balance", report.BalanceMismatch)
	metrics.AddLedgerMismatches("chain", report.ChainMismatch)

	if err != nil {
		logger.Error("ledger integrity scan failed", slog.Int("checked", report.Checked), slog.Any("error", err))
		return report, err
	}
	logger.Info("ledger integrity scan complete",
		slog.Int("checked", report.Checked),
		slog.Int("inconsistent", len(report.InconsistentIDs)),
	)
	return report, nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
