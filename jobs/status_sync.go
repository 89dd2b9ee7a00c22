package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/invoicedesk/invoicedesk/internal/erp"
	jobmetrics "github.com/invoicedesk/invoicedesk/internal/jobs"
)

// StatusRetrier commits a pending Approved status and lists the invoices that
// still need one.
type StatusRetrier interface {
	Retry(ctx context.Context, invoiceID string) error
	OpenInvoiceIDs(ctx context.Context) ([]string, error)
}

// StatusSyncJob handles the status-sync task and its sweep.
type StatusSyncJob struct {
	Syncer    StatusRetrier
	Scheduler erp.SyncScheduler
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewStatusSyncJob initialises the status-sync handlers.
func NewStatusSyncJob(syncer StatusRetrier, scheduler erp.SyncScheduler, logger *slog.Logger, metrics *jobmetrics.Metrics) *StatusSyncJob {
	return &StatusSyncJob{Syncer: syncer, Scheduler: scheduler, Logger: logger, Metrics: metrics}
}

// Handle retries one invoice. Malformed payloads and failures that cannot
// succeed on retry skip the remaining attempts.
func (j *StatusSyncJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Syncer == nil {
		return errors.New("status sync: handler not configured")
	}
	var payload StatusSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || strings.TrimSpace(payload.InvoiceID) == "" {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskStatusSync)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("invoice_id", payload.InvoiceID))
	if err := j.Syncer.Retry(ctx, payload.InvoiceID); err != nil {
		var syncErr *erp.StatusSyncError
		if errors.As(err, &syncErr) && !syncErr.Retryable {
			logger.Warn("status sync rejected", slog.Any("error", err))
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		logger.Warn("status sync failed", slog.Any("error", err))
		return err
	}
	logger.Info("status sync committed")
	return nil
}

// HandleSweep re-enqueues every open divergence.
func (j *StatusSyncJob) HandleSweep(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Syncer == nil || j.Scheduler == nil {
		return errors.New("status sync sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskStatusSyncSweep)
	defer func() {
		err = tracker.End(err)
	}()

	ids, err := j.Syncer.OpenInvoiceIDs(ctx)
	if err != nil {
		return fmt.Errorf("status sync sweep: list open: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if err := j.Scheduler.ScheduleStatusSync(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("invoice %s: %w", id, err))
		}
	}
	if len(ids) > 0 {
		j.logger().Info("status sync sweep", slog.Int("open", len(ids)), slog.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

func (j *StatusSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
