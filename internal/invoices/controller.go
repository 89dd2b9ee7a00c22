package invoices

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/invoicedesk/invoicedesk/internal/notify"
)

// SyncMarkers lists invoices whose Approved status has not reached the
// backend yet.
type SyncMarkers interface {
	OpenInvoiceIDs(ctx context.Context) ([]string, error)
}

type Metrics interface {
	ObserveReprocess(outcome string)
}

type ControllerConfig struct {
	Backend  Backend
	Notifier notify.Notifier
	Markers  SyncMarkers
	Metrics  Metrics
	Logger   *slog.Logger

	// LoadTimeout bounds a shared refresh. Defaults to 30s.
	LoadTimeout time.Duration
}

const defaultLoadTimeout = 30 * time.Second

// Controller is the only writer of the invoice cache and the detail view.
// Network calls run without holding the lock; completions re-check state
// before mutating it.
type Controller struct {
	backend  Backend
	notifier notify.Notifier
	markers  SyncMarkers
	metrics  Metrics
	logger   *slog.Logger
	loads    singleflight.Group
	timeout  time.Duration

	mu           sync.Mutex
	invoices     []Invoice
	counts       Counts
	detail       *Detail
	reprocessing map[ID]Status
}

func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	return &Controller{
		backend:      cfg.Backend,
		timeout:      timeout,
		notifier:     cfg.Notifier,
		markers:      cfg.Markers,
		metrics:      cfg.Metrics,
		logger:       logger,
		invoices:     []Invoice{},
		reprocessing: make(map[ID]Status),
	}
}

// Load refreshes the list and all counters concurrently. Concurrent callers
// share one round trip, which outlives any single caller. A failed list
// keeps the previous cache; a failed counter reads as zero.
func (c *Controller) Load(ctx context.Context) error {
	shared := context.WithoutCancel(ctx)
	ch := c.loads.DoChan("load", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(shared, c.timeout)
		defer cancel()
		return nil, c.load(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) load(ctx context.Context) error {
	var (
		list    []Invoice
		listErr error
		open    []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		list, listErr = c.backend.List(gctx)
		return nil
	})
	if c.markers != nil {
		g.Go(func() error {
			ids, err := c.markers.OpenInvoiceIDs(gctx)
			if err != nil {
				c.logger.Warn("load status sync markers", slog.Any("error", err))
				return nil
			}
			open = ids
			return nil
		})
	}
	c.fetchCounts(gctx, g)
	_ = g.Wait()

	if listErr != nil {
		c.logger.Warn("load invoices", slog.Any("error", listErr))
		return fmt.Errorf("invoices: load: %w", listErr)
	}

	pending := make(map[ID]bool, len(open))
	for _, id := range open {
		pending[ID(id)] = true
	}
	normalised := make([]Invoice, 0, len(list))
	for _, inv := range list {
		if !inv.Status.Valid() {
			inv.Status = StatusPending
		}
		if pending[inv.ID] {
			inv.Status = StatusApproved
			inv.StatusSyncPending = true
		}
		normalised = append(normalised, inv)
	}

	c.mu.Lock()
	for id := range c.reprocessing {
		if idx := indexOf(normalised, id); idx >= 0 {
			normalised[idx].Status = StatusInProgress
		}
	}
	c.invoices = normalised
	c.mu.Unlock()
	return nil
}

// RefreshCounts refetches the four counters.
func (c *Controller) RefreshCounts(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	c.fetchCounts(gctx, g)
	_ = g.Wait()
}

// fetchCounts schedules one goroutine per counter. Each completion writes
// only its own field.
func (c *Controller) fetchCounts(ctx context.Context, g *errgroup.Group) {
	for _, kind := range AllCounts {
		g.Go(func() error {
			n, err := c.backend.Count(ctx, kind)
			if err != nil {
				c.logger.Warn("load invoice count", slog.String("kind", string(kind)), slog.Any("error", err))
				n = 0
			}
			c.mu.Lock()
			switch kind {
			case CountTotal:
				c.counts.Total = n
			case CountApproved:
				c.counts.Approved = n
			case CountPending:
				c.counts.Pending = n
			case CountError:
				c.counts.Error = n
			}
			c.mu.Unlock()
			return nil
		})
	}
}

// Invoices returns a copy of the cache.
func (c *Controller) Invoices() []Invoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Invoice, 0, len(c.invoices))
	for _, inv := range c.invoices {
		out = append(out, inv.Clone())
	}
	return out
}

// Query filters and orders the cache.
func (c *Controller) Query(f Filter) []Invoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f.Apply(c.invoices)
}

// Counts returns the last fetched counters.
func (c *Controller) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// Select opens the detail view on a working copy of the invoice. Invoices
// without line items get three blank rows to edit.
func (c *Controller) Select(id ID) (Detail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := indexOf(c.invoices, id)
	if idx < 0 {
		return Detail{}, ErrInvoiceNotFound
	}
	inv := c.invoices[idx].Clone()
	if len(inv.Items) == 0 {
		inv.Items = make([]LineItem, 3)
	}
	c.detail = &Detail{Invoice: inv}
	return *c.detail, nil
}

// Selected returns the open detail view.
func (c *Controller) Selected() (Detail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detail == nil {
		return Detail{}, false
	}
	d := *c.detail
	d.Invoice = d.Invoice.Clone()
	return d, true
}

// CloseDetail closes the detail view and leaves edit mode.
func (c *Controller) CloseDetail() {
	c.mu.Lock()
	c.detail = nil
	c.mu.Unlock()
}

// EnterEditMode enables field edits on an invoice that needs review.
func (c *Controller) EnterEditMode() error {
	c.mu.Lock()
	if c.detail == nil {
		c.mu.Unlock()
		return ErrNoSelection
	}
	if c.detail.Invoice.Status != StatusNeedsReview {
		c.mu.Unlock()
		return ErrEditNotAllowed
	}
	c.detail.EditMode = true
	c.mu.Unlock()

	c.notify().Success("Edit Mode Enabled",
		"You can now edit all invoice fields. Click Re-Process to save changes and update the invoice status.")
	return nil
}

// ApplyEdit changes the working copy. The cache is untouched until a
// reprocess succeeds.
func (c *Controller) ApplyEdit(e Edit) (Detail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detail == nil {
		return Detail{}, ErrNoSelection
	}
	if !c.detail.EditMode {
		return Detail{}, ErrNotInEditMode
	}
	inv := &c.detail.Invoice
	if e.InvoiceNumber != nil {
		inv.InvoiceNumber = cloneString(e.InvoiceNumber)
	}
	if e.PONumber != nil {
		inv.PONumber = cloneString(e.PONumber)
	}
	if e.NDANumber != nil {
		inv.NDANumber = cloneString(e.NDANumber)
	}
	if e.Subtotal != nil {
		inv.Subtotal = ParseAmount(*e.Subtotal)
	}
	if e.Taxes != nil {
		inv.Taxes = ParseAmount(*e.Taxes)
	}
	if e.Freight != nil {
		inv.Freight = ParseAmount(*e.Freight)
	}
	if e.Total != nil {
		inv.Total = ParseAmount(*e.Total)
	}
	if e.Vendor != nil {
		v := *e.Vendor
		inv.Vendor = &v
	}
	if e.Items != nil {
		items := make([]LineItem, 0, len(e.Items))
		for _, it := range e.Items {
			items = append(items, LineItem{
				Name:     it.Name,
				Quantity: ParseAmount(it.Quantity),
				Value:    ParseAmount(it.Value),
			})
		}
		inv.Items = items
	}
	d := *c.detail
	d.Invoice = d.Invoice.Clone()
	return d, nil
}

// Reprocess sends the working copy for server recompute. The server decides
// the resulting status. On failure the cache keeps its prior state.
func (c *Controller) Reprocess(ctx context.Context) (Invoice, error) {
	c.mu.Lock()
	if c.detail == nil {
		c.mu.Unlock()
		return Invoice{}, ErrNoSelection
	}
	working := c.detail.Invoice.Clone()
	if _, busy := c.reprocessing[working.ID]; busy {
		c.mu.Unlock()
		return Invoice{}, ErrReprocessBusy
	}
	if working.Status != StatusNeedsReview {
		c.mu.Unlock()
		return Invoice{}, ErrEditNotAllowed
	}
	prior := working.Status
	if idx := indexOf(c.invoices, working.ID); idx >= 0 {
		prior = c.invoices[idx].Status
		c.invoices[idx].Status = StatusInProgress
	}
	c.reprocessing[working.ID] = prior
	req := NewReprocessRequest(working)
	c.mu.Unlock()

	res, err := c.backend.Reprocess(ctx, working.ID, req)
	var merged Invoice
	if err == nil {
		merged, err = mergeInvoice(working, res.Updated)
	}

	c.mu.Lock()
	delete(c.reprocessing, working.ID)
	idx := indexOf(c.invoices, working.ID)
	if err != nil {
		if idx >= 0 && c.invoices[idx].Status == StatusInProgress {
			c.invoices[idx].Status = prior
		}
		c.mu.Unlock()
		c.observeReprocess("failure")
		c.logger.Warn("reprocess invoice", slog.String("invoice_id", string(working.ID)), slog.Any("error", err))
		c.notify().Error("Reprocess Failed", "Failed to reprocess the invoice: "+UserMessage(err))
		return Invoice{}, fmt.Errorf("invoices: reprocess %s: %w", working.ID, err)
	}
	if idx < 0 {
		c.mu.Unlock()
		c.logger.Info("discarding reprocess result for removed invoice", slog.String("invoice_id", string(working.ID)))
		return merged, nil
	}
	c.invoices[idx] = merged.Clone()
	if c.detail != nil && c.detail.Invoice.ID == working.ID {
		c.detail.Invoice = merged.Clone()
		c.detail.EditMode = false
	}
	c.mu.Unlock()

	c.observeReprocess(string(merged.Status))
	c.notify().Success("Invoice Reprocessed Successfully!",
		orDefault(res.Message, "The invoice has been updated with your changes and the status has been recalculated."))
	return merged, nil
}

// Delete removes an invoice on the server and then from the cache. A failed
// delete leaves the cache unchanged and raises a blocking alert.
func (c *Controller) Delete(ctx context.Context, id ID) error {
	if err := c.backend.Delete(ctx, id); err != nil {
		c.logger.Warn("delete invoice", slog.String("invoice_id", string(id)), slog.Any("error", err))
		c.notify().Alert("Delete Failed", "Failed to delete invoice: "+UserMessage(err))
		return fmt.Errorf("invoices: delete %s: %w", id, err)
	}
	c.mu.Lock()
	c.invoices = removeID(c.invoices, id)
	if c.detail != nil && c.detail.Invoice.ID == id {
		c.detail = nil
	}
	c.mu.Unlock()
	return nil
}

// Upload hands documents to the extraction backend and refreshes counters.
func (c *Controller) Upload(ctx context.Context, files []Upload) (UploadResult, error) {
	if len(files) == 0 {
		return UploadResult{}, ErrNoFiles
	}
	res, err := c.backend.Upload(ctx, files)
	if err != nil {
		title := "Failed to upload file"
		if len(files) > 1 {
			title = "Failed to upload files"
		}
		c.notify().Error("Upload Failed", title+": "+UserMessage(err))
		return UploadResult{}, fmt.Errorf("invoices: upload: %w", err)
	}
	c.RefreshCounts(ctx)
	c.notify().Success("Upload Complete", fmt.Sprintf("%d document(s) submitted for extraction.", len(files)))
	return res, nil
}

// ApprovalCandidate returns the selected invoice if it may enter the ERP
// hand-off. No network call is made.
func (c *Controller) ApprovalCandidate() (Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detail == nil {
		return Invoice{}, ErrNoSelection
	}
	inv := c.detail.Invoice
	if inv.Status != StatusPending && inv.Status != StatusNeedsReview {
		return Invoice{}, ErrNotApprovable
	}
	if !inv.Vendor.Complete() {
		return Invoice{}, ErrVendorIncomplete
	}
	return inv.Clone(), nil
}

// CommitApproval marks an invoice Approved after a successful ERP push and
// closes its detail view. synced reports whether the backend accepted the
// status change.
func (c *Controller) CommitApproval(id ID, synced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := indexOf(c.invoices, id); idx >= 0 {
		c.invoices[idx].Status = StatusApproved
		c.invoices[idx].StatusSyncPending = !synced
	}
	if c.detail != nil && c.detail.Invoice.ID == id {
		c.detail = nil
	}
}

func (c *Controller) notify() notify.Notifier {
	if c.notifier == nil {
		return discard{}
	}
	return c.notifier
}

func (c *Controller) observeReprocess(outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveReprocess(outcome)
	}
}

func indexOf(list []Invoice, id ID) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func removeID(list []Invoice, id ID) []Invoice {
	out := make([]Invoice, 0, len(list))
	for _, inv := range list {
		if inv.ID != id {
			out = append(out, inv)
		}
	}
	return out
}

type discard struct{}

func (discard) Success(title, body string) notify.Message { return notify.Message{} }
func (discard) Error(title, body string) notify.Message   { return notify.Message{} }
func (discard) Alert(title, body string) notify.Message   { return notify.Message{} }
