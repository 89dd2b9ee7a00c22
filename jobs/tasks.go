// Package jobs runs the background status-sync tasks on Asynq.
package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatusSync re-sends the Approved status for one invoice.
	TaskStatusSync = "erp:status-sync"
	// TaskStatusSyncSweep re-enqueues every open status divergence.
	TaskStatusSyncSweep = "erp:status-sync-sweep"
	// StatusSyncSweepCron runs the sweep every five minutes.
	StatusSyncSweepCron = "@every 5m"
	// DefaultStatusSyncMaxRetry bounds retries of a single status-sync task.
	DefaultStatusSyncMaxRetry = 5
)

// StatusSyncPayload identifies the invoice whose status needs committing.
type StatusSyncPayload struct {
	InvoiceID string `json:"invoice_id"`
}

// NewStatusSyncTask constructs an Asynq task for invoiceID. The task id is
// derived from the invoice so a pending retry is never queued twice.
func NewStatusSyncTask(invoiceID string, maxRetry int) (*asynq.Task, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, fmt.Errorf("jobs: status sync: empty invoice id")
	}
	if maxRetry <= 0 {
		maxRetry = DefaultStatusSyncMaxRetry
	}
	body, err := json.Marshal(StatusSyncPayload{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStatusSync, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(maxRetry),
		asynq.TaskID(statusSyncTaskID(invoiceID)),
	), nil
}

// NewStatusSyncSweepTask builds the periodic sweep task.
func NewStatusSyncSweepTask() *asynq.Task {
	return asynq.NewTask(TaskStatusSyncSweep, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(0))
}

func statusSyncTaskID(invoiceID string) string {
	return TaskStatusSync + ":" + invoiceID
}
