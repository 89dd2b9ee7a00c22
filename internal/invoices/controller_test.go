package invoices

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/notify"
)

type fakeBackend struct {
	mu          sync.Mutex
	list        []Invoice
	listErr     error
	counts      map[CountKind]int
	countErr    map[CountKind]error
	deleteErr   error
	deleted     []ID
	uploads     int
	reprocess   func(ID, ReprocessRequest) (ReprocessResult, error)
	lastRequest ReprocessRequest
	listCalls   int
	listGate    chan struct{}
}

func (f *fakeBackend) List(ctx context.Context) ([]Invoice, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Invoice, 0, len(f.list))
	for _, inv := range f.list {
		out = append(out, inv.Clone())
	}
	return out, nil
}

func (f *fakeBackend) Count(ctx context.Context, kind CountKind) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.countErr[kind]; err != nil {
		return 0, err
	}
	return f.counts[kind], nil
}

func (f *fakeBackend) Upload(ctx context.Context, files []Upload) (UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads += len(files)
	return UploadResult{Success: true}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, id ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) UpdateStatus(ctx context.Context, id ID, status Status) error {
	return nil
}

func (f *fakeBackend) Reprocess(ctx context.Context, id ID, req ReprocessRequest) (ReprocessResult, error) {
	f.mu.Lock()
	f.lastRequest = req
	fn := f.reprocess
	f.mu.Unlock()
	return fn(id, req)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recordingNotifier) add(kind notify.Kind, title, body string) notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := notify.Message{Kind: kind, Title: title, Body: body}
	r.messages = append(r.messages, msg)
	return msg
}

func (r *recordingNotifier) Success(title, body string) notify.Message {
	return r.add(notify.KindSuccess, title, body)
}

func (r *recordingNotifier) Error(title, body string) notify.Message {
	return r.add(notify.KindError, title, body)
}

func (r *recordingNotifier) Alert(title, body string) notify.Message {
	return r.add(notify.KindAlert, title, body)
}

func (r *recordingNotifier) last() notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return notify.Message{}
	}
	return r.messages[len(r.messages)-1]
}

type staticMarkers []string

func (s staticMarkers) OpenInvoiceIDs(ctx context.Context) ([]string, error) {
	return s, nil
}

func strPtr(s string) *string { return &s }

func reviewInvoice(id ID) Invoice {
	return Invoice{
		ID:            id,
		Status:        StatusNeedsReview,
		InvoiceNumber: strPtr("INV-" + string(id)),
		Total:         AmountFromFloat(100),
		Vendor:        &VendorInfo{Name: "Acme", Address: "1 Main St"},
	}
}

func newTestController(t *testing.T, backend *fakeBackend) (*Controller, *recordingNotifier) {
	t.Helper()
	notes := &recordingNotifier{}
	c := NewController(ControllerConfig{Backend: backend, Notifier: notes})
	require.NoError(t, c.Load(context.Background()))
	return c, notes
}

func TestLoadDegradesFailedCountsToZero(t *testing.T) {
	backend := &fakeBackend{
		list:     []Invoice{reviewInvoice("1")},
		counts:   map[CountKind]int{CountTotal: 10, CountApproved: 4, CountPending: 3, CountError: 2},
		countErr: map[CountKind]error{CountPending: errors.New("boom")},
	}
	c, _ := newTestController(t, backend)

	assert.Equal(t, Counts{Total: 10, Approved: 4, Pending: 0, Error: 2}, c.Counts())
	assert.Len(t, c.Invoices(), 1)
}

func TestLoadFailureKeepsPreviousCache(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}}
	c, _ := newTestController(t, backend)

	backend.listErr = &gateway.Error{Kind: gateway.FailureTransport, Message: gateway.MsgTransport}
	err := c.Load(context.Background())
	require.Error(t, err)
	assert.Len(t, c.Invoices(), 1)
}

func TestLoadOutlivesCancelledCaller(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}, listGate: make(chan struct{})}
	c := NewController(ControllerConfig{Backend: backend})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- c.Load(ctx) }()
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.listCalls == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(backend.listGate)
	require.Eventually(t, func() bool { return len(c.Invoices()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoadNormalisesUnknownStatusAndAppliesSyncMarkers(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{{ID: "1"}, {ID: "2", Status: StatusPending}}}
	c := NewController(ControllerConfig{Backend: backend, Markers: staticMarkers{"2"}})
	require.NoError(t, c.Load(context.Background()))

	list := c.Invoices()
	require.Len(t, list, 2)
	assert.Equal(t, StatusPending, list[0].Status)
	assert.Equal(t, StatusApproved, list[1].Status)
	assert.True(t, list[1].StatusSyncPending)
}

func TestSelectAddsBlankRowsToWorkingCopy(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}}
	c, _ := newTestController(t, backend)

	d, err := c.Select("1")
	require.NoError(t, err)
	assert.Len(t, d.Invoice.Items, 3)
	assert.Empty(t, c.Invoices()[0].Items)

	_, err = c.Select("missing")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestEditModeOnlyForNeedsReview(t *testing.T) {
	approved := reviewInvoice("2")
	approved.Status = StatusApproved
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1"), approved}}
	c, notes := newTestController(t, backend)

	assert.ErrorIs(t, c.EnterEditMode(), ErrNoSelection)

	_, err := c.Select("2")
	require.NoError(t, err)
	assert.ErrorIs(t, c.EnterEditMode(), ErrEditNotAllowed)

	_, err = c.Select("1")
	require.NoError(t, err)
	_, err = c.ApplyEdit(Edit{Total: strPtr("5")})
	assert.ErrorIs(t, err, ErrNotInEditMode)

	require.NoError(t, c.EnterEditMode())
	assert.Equal(t, "Edit Mode Enabled", notes.last().Title)

	d, err := c.ApplyEdit(Edit{Total: strPtr("1,250.50"), Items: []ItemEdit{{Name: "Widget", Quantity: "2", Value: ""}}})
	require.NoError(t, err)
	assert.Equal(t, "1250.5", d.Invoice.Total.String())
	require.Len(t, d.Invoice.Items, 1)
	assert.False(t, d.Invoice.Items[0].Value.Valid())

	// cache untouched until reprocess succeeds
	assert.Equal(t, "100", c.Invoices()[0].Total.String())
}

func TestReprocessSuccessReplacesCacheAndExitsEditMode(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}}
	backend.reprocess = func(id ID, req ReprocessRequest) (ReprocessResult, error) {
		return ReprocessResult{Success: true, Updated: json.RawMessage(`{"id":99,"status":"Pending","total":"250"}`)}, nil
	}
	c, notes := newTestController(t, backend)

	_, err := c.Select("1")
	require.NoError(t, err)
	require.NoError(t, c.EnterEditMode())
	_, err = c.ApplyEdit(Edit{Total: strPtr("250"), PONumber: strPtr("  ")})
	require.NoError(t, err)

	inv, err := c.Reprocess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ID("1"), inv.ID)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Nil(t, backend.lastRequest.PONumber)
	require.NotNil(t, backend.lastRequest.Total)
	assert.InDelta(t, 250, *backend.lastRequest.Total, 0.001)
	require.Len(t, backend.lastRequest.Items, 3)

	cached := c.Invoices()[0]
	assert.Equal(t, StatusPending, cached.Status)
	d, ok := c.Selected()
	require.True(t, ok)
	assert.False(t, d.EditMode)
	assert.Equal(t, "Invoice Reprocessed Successfully!", notes.last().Title)
}

func TestReprocessZeroPaddedID(t *testing.T) {
	var inv Invoice
	require.NoError(t, json.Unmarshal([]byte(`{"id":"007","status":"Needs Review"}`), &inv))
	backend := &fakeBackend{list: []Invoice{inv}}
	backend.reprocess = func(id ID, req ReprocessRequest) (ReprocessResult, error) {
		return ReprocessResult{Success: true, Updated: json.RawMessage(`{"status":"Approved"}`)}, nil
	}
	c, _ := newTestController(t, backend)

	_, err := c.Select("007")
	require.NoError(t, err)
	require.NoError(t, c.EnterEditMode())
	updated, err := c.Reprocess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ID("007"), updated.ID)
	assert.Equal(t, StatusApproved, c.Invoices()[0].Status)
}

func TestReprocessFailureRestoresPriorStatus(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}}
	backend.reprocess = func(id ID, req ReprocessRequest) (ReprocessResult, error) {
		return ReprocessResult{}, &RejectedError{Message: "totals do not add up"}
	}
	c, notes := newTestController(t, backend)

	_, err := c.Select("1")
	require.NoError(t, err)
	require.NoError(t, c.EnterEditMode())

	_, err = c.Reprocess(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusNeedsReview, c.Invoices()[0].Status)
	msg := notes.last()
	assert.Equal(t, notify.KindError, msg.Kind)
	assert.Equal(t, "Reprocess Failed", msg.Title)
	assert.Equal(t, "Failed to reprocess the invoice: totals do not add up", msg.Body)
	d, _ := c.Selected()
	assert.True(t, d.EditMode)
}

func TestReprocessRejectsConcurrentCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}}
	backend.reprocess = func(id ID, req ReprocessRequest) (ReprocessResult, error) {
		close(started)
		<-release
		return ReprocessResult{Success: true}, nil
	}
	c, _ := newTestController(t, backend)
	_, err := c.Select("1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Reprocess(context.Background())
		done <- err
	}()
	<-started

	assert.Equal(t, StatusInProgress, c.Invoices()[0].Status)
	_, err = c.Reprocess(context.Background())
	assert.ErrorIs(t, err, ErrReprocessBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusNeedsReview, c.Invoices()[0].Status)
}

func TestReprocessResultForDeletedInvoiceIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1"), reviewInvoice("2")}}
	backend.reprocess = func(id ID, req ReprocessRequest) (ReprocessResult, error) {
		close(started)
		<-release
		return ReprocessResult{Success: true, Updated: json.RawMessage(`{"status":"Pending"}`)}, nil
	}
	c, _ := newTestController(t, backend)
	_, err := c.Select("1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Reprocess(context.Background())
		done <- err
	}()
	<-started
	require.NoError(t, c.Delete(context.Background(), "1"))
	close(release)
	require.NoError(t, <-done)

	list := c.Invoices()
	require.Len(t, list, 1)
	assert.Equal(t, ID("2"), list[0].ID)
	_, ok := c.Selected()
	assert.False(t, ok)
}

func TestDeleteFailureKeepsCacheAndAlerts(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}}
	c, notes := newTestController(t, backend)
	backend.deleteErr = &gateway.Error{Kind: gateway.FailureApplication, Status: 500, Message: "db down"}

	err := c.Delete(context.Background(), "1")
	require.Error(t, err)
	assert.Len(t, c.Invoices(), 1)
	msg := notes.last()
	assert.True(t, msg.Blocking())
	assert.Contains(t, msg.Body, "Failed to delete invoice")
}

func TestDeleteClosesDetailView(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1")}}
	c, _ := newTestController(t, backend)
	_, err := c.Select("1")
	require.NoError(t, err)

	require.NoError(t, c.Delete(context.Background(), "1"))
	assert.Empty(t, c.Invoices())
	_, ok := c.Selected()
	assert.False(t, ok)
}

func TestDeleteAbsentInvoiceKeepsCacheAndDetail(t *testing.T) {
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1"), reviewInvoice("2")}}
	c, _ := newTestController(t, backend)
	_, err := c.Select("1")
	require.NoError(t, err)
	before := c.Invoices()

	require.NoError(t, c.Delete(context.Background(), "absent"))
	assert.Equal(t, before, c.Invoices())
	detail, ok := c.Selected()
	require.True(t, ok)
	assert.Equal(t, ID("1"), detail.Invoice.ID)
}

func TestUploadRefreshesCounts(t *testing.T) {
	backend := &fakeBackend{counts: map[CountKind]int{CountTotal: 1}}
	c, notes := newTestController(t, backend)

	_, err := c.Upload(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoFiles)

	backend.counts[CountTotal] = 3
	_, err = c.Upload(context.Background(), []Upload{{Name: "a.pdf"}, {Name: "b.pdf"}})
	require.NoError(t, err)
	assert.Equal(t, 3, c.Counts().Total)
	assert.Equal(t, 2, backend.uploads)
	assert.Equal(t, notify.KindSuccess, notes.last().Kind)
}

func TestApprovalCandidateAndCommit(t *testing.T) {
	noVendor := reviewInvoice("2")
	noVendor.Vendor = &VendorInfo{Name: "Acme"}
	errored := reviewInvoice("3")
	errored.Status = StatusError
	backend := &fakeBackend{list: []Invoice{reviewInvoice("1"), noVendor, errored}}
	c, _ := newTestController(t, backend)

	_, err := c.ApprovalCandidate()
	assert.ErrorIs(t, err, ErrNoSelection)

	_, err = c.Select("3")
	require.NoError(t, err)
	_, err = c.ApprovalCandidate()
	assert.ErrorIs(t, err, ErrNotApprovable)

	_, err = c.Select("2")
	require.NoError(t, err)
	_, err = c.ApprovalCandidate()
	assert.ErrorIs(t, err, ErrVendorIncomplete)

	_, err = c.Select("1")
	require.NoError(t, err)
	inv, err := c.ApprovalCandidate()
	require.NoError(t, err)
	assert.Equal(t, ID("1"), inv.ID)

	c.CommitApproval("1", false)
	cached := c.Invoices()[0]
	assert.Equal(t, StatusApproved, cached.Status)
	assert.True(t, cached.StatusSyncPending)
	_, ok := c.Selected()
	assert.False(t, ok)
}

func TestQueryFiltersAndOrders(t *testing.T) {
	approved := reviewInvoice("2")
	approved.Status = StatusApproved
	errored := reviewInvoice("3")
	errored.Status = StatusError
	backend := &fakeBackend{list: []Invoice{errored, reviewInvoice("1"), approved}}
	c, _ := newTestController(t, backend)

	all := c.Query(Filter{Mode: FilterAll})
	require.Len(t, all, 3)
	assert.Equal(t, []ID{"2", "1", "3"}, []ID{all[0].ID, all[1].ID, all[2].ID})

	review := c.Query(Filter{Mode: FilterReview})
	require.Len(t, review, 1)
	assert.Equal(t, ID("1"), review[0].ID)

	search := c.Query(Filter{Search: "inv-3"})
	require.Len(t, search, 1)
	assert.Equal(t, ID("3"), search[0].ID)
}
