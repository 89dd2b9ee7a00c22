package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicedesk/invoicedesk/internal/erp"
	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/invoices"
)

type retrier struct {
	err     error
	open    []string
	retried []string
}

func (r *retrier) Retry(_ context.Context, invoiceID string) error {
	r.retried = append(r.retried, invoiceID)
	return r.err
}

func (r *retrier) OpenInvoiceIDs(context.Context) ([]string, error) {
	return r.open, nil
}

type scheduler struct {
	fail      map[string]bool
	scheduled []string
}

func (s *scheduler) ScheduleStatusSync(_ context.Context, invoiceID string) error {
	if s.fail[invoiceID] {
		return errors.New("redis down")
	}
	s.scheduled = append(s.scheduled, invoiceID)
	return nil
}

func statusSyncTask(t *testing.T, id string) *asynq.Task {
	t.Helper()
	task, err := NewStatusSyncTask(id, 3)
	require.NoError(t, err)
	return task
}

func TestNewStatusSyncTask(t *testing.T) {
	task := statusSyncTask(t, " 42 ")
	assert.Equal(t, TaskStatusSync, task.Type())
	var payload StatusSyncPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "42", payload.InvoiceID)

	_, err := NewStatusSyncTask("  ", 3)
	require.Error(t, err)
	assert.Equal(t, "erp:status-sync:42", statusSyncTaskID("42"))
}

func TestStatusSyncHandleRetries(t *testing.T) {
	r := &retrier{}
	job := NewStatusSyncJob(r, nil, nil, nil)

	require.NoError(t, job.Handle(context.Background(), statusSyncTask(t, "7")))
	assert.Equal(t, []string{"7"}, r.retried)
}

func TestStatusSyncHandleSkipsBadPayload(t *testing.T) {
	r := &retrier{}
	job := NewStatusSyncJob(r, nil, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskStatusSync, []byte(`{"invoice_id":""}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	err = job.Handle(context.Background(), asynq.NewTask(TaskStatusSync, []byte(`nope`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, r.retried)
}

func TestStatusSyncHandleRetryability(t *testing.T) {
	transient := &erp.StatusSyncError{InvoiceID: "7", Err: &gateway.Error{Kind: gateway.FailureTransport}, Retryable: true}
	job := NewStatusSyncJob(&retrier{err: transient}, nil, nil, nil)
	err := job.Handle(context.Background(), statusSyncTask(t, "7"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	permanent := &erp.StatusSyncError{InvoiceID: "7", Err: &invoices.RejectedError{Message: "invoice not found"}, Retryable: false}
	job = NewStatusSyncJob(&retrier{err: permanent}, nil, nil, nil)
	err = job.Handle(context.Background(), statusSyncTask(t, "7"))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	var syncErr *erp.StatusSyncError
	assert.ErrorAs(t, err, &syncErr)
}

func TestStatusSyncSweepSchedulesOpen(t *testing.T) {
	r := &retrier{open: []string{"1", "2", "3"}}
	s := &scheduler{fail: map[string]bool{"2": true}}
	job := NewStatusSyncJob(r, s, nil, nil)

	err := job.HandleSweep(context.Background(), NewStatusSyncSweepTask())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoice 2")
	assert.Equal(t, []string{"1", "3"}, s.scheduled)

	job = NewStatusSyncJob(&retrier{}, s, nil, nil)
	assert.NoError(t, job.HandleSweep(context.Background(), NewStatusSyncSweepTask()))
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"retry":0,"archived":0}`, res.Body.String())
}
