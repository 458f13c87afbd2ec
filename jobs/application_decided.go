package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-credit/internal/jobs"
)

// DecisionSink receives decided applications, e.g. a mailer or CRM bridge.
type DecisionSink interface {
	Deliver(ctx context.Context, payload ApplicationDecidedPayload) error
}

// LogSink writes decisions to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements DecisionSink.
func (s LogSink) Deliver(_ context.Context, p ApplicationDecidedPayload) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.Int64("application_id", p.ApplicationID),
		slog.Int64("client_id", p.ClientID),
		slog.String("status", string(p.Status)),
		slog.Float64("requested_limit", p.RequestedLimit),
		slog.Int64("decided_by", p.DecidedBy),
		slog.Time("decided_at", p.DecidedAt),
	}
	if p.ApprovedLimit != nil {
		attrs = append(attrs, slog.Float64("approved_limit", *p.ApprovedLimit))
	}
	if p.RejectedReason != nil {
		attrs = append(attrs, slog.String("rejected_reason", *p.RejectedReason))
	}
	logger.Info("credit application decided", attrs...)
	return nil
}

// ApplicationDecidedJob fans decision notifications out to a sink.
type ApplicationDecidedJob struct {
	Sink    DecisionSink
	Metrics *jobmetrics.Metrics
}

// NewApplicationDecidedJob constructs the handler.
func NewApplicationDecidedJob(sink DecisionSink, metrics *jobmetrics.Metrics) *ApplicationDecidedJob {
	return &ApplicationDecidedJob{Sink: sink, Metrics: metrics}
}

// Handle delivers one decision.
func (j *ApplicationDecidedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sink == nil {
		return errors.New("application decided: handler not configured")
	}
	var payload ApplicationDecidedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("application decided: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.ApplicationID <= 0 {
		return fmt.Errorf("application decided: missing application id: %w", asynq.SkipRetry)
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskApplicationDecided)
	return tracker.End(j.Sink.Deliver(ctx, payload))
}
