package erp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/invoicedesk/invoicedesk/internal/invoices"
	"github.com/invoicedesk/invoicedesk/internal/notify"
	"github.com/invoicedesk/invoicedesk/internal/session"
)

// Invoices is the lifecycle controller seen from the hand-off.
type Invoices interface {
	ApprovalCandidate() (invoices.Invoice, error)
	CommitApproval(id invoices.ID, synced bool)
}

// StatusCommitter sets an invoice status on the invoice backend.
type StatusCommitter interface {
	UpdateStatus(ctx context.Context, id invoices.ID, status invoices.Status) error
}

type Sessions interface {
	ERPToken() (string, error)
	SetERPSession(token string) session.ERPSession
	ClearERPSession()
}

type Metrics interface {
	ObservePush(outcome string)
	ObserveStatusSyncPending()
}

type ProtocolConfig struct {
	Backend   Backend
	Invoices  Invoices
	Status    StatusCommitter
	Sessions  Sessions
	Ledger    SyncLedger
	Scheduler SyncScheduler
	Notifier  notify.Notifier
	Metrics   Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

type approval struct {
	invoice invoices.Invoice
	match   VendorMatch
}

// Protocol runs the approve sequence: lookup, confirmation, gate, push and
// status commit. Steps never overlap and a failed attempt leaves nothing
// behind for the next one to reuse.
type Protocol struct {
	backend   Backend
	invoices  Invoices
	status    StatusCommitter
	sessions  Sessions
	ledger    SyncLedger
	scheduler SyncScheduler
	notifier  notify.Notifier
	metrics   Metrics
	logger    *slog.Logger
	clock     func() time.Time
	validate  *validator.Validate

	mu            sync.Mutex
	pending       *approval
	pushing       bool
	loginRequired bool
}

func NewProtocol(cfg ProtocolConfig) *Protocol {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Protocol{
		backend:   cfg.Backend,
		invoices:  cfg.Invoices,
		status:    cfg.Status,
		sessions:  cfg.Sessions,
		ledger:    cfg.Ledger,
		scheduler: cfg.Scheduler,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		logger:    logger,
		clock:     clock,
		validate:  validator.New(),
	}
}

// Begin validates the selected invoice and looks its vendor up. On success
// the match is held for confirmation.
func (p *Protocol) Begin(ctx context.Context) (VendorMatch, error) {
	inv, err := p.invoices.ApprovalCandidate()
	if err != nil {
		if errors.Is(err, invoices.ErrVendorIncomplete) {
			p.notify().Alert("Missing Vendor Information",
				"Missing vendor information. Please ensure vendor name and address are available.")
		}
		return VendorMatch{}, err
	}

	p.mu.Lock()
	if p.pushing {
		p.mu.Unlock()
		return VendorMatch{}, ErrPushInProgress
	}
	p.pending = nil
	p.mu.Unlock()

	match, err := p.backend.SearchVendor(ctx, inv.Vendor.Name, inv.Vendor.Address)
	if err != nil {
		var lookup *LookupError
		if errors.As(err, &lookup) {
			p.notify().Alert("Vendor Lookup Failed", "Failed to fetch vendor information: "+lookup.Message)
		} else {
			p.notify().Alert("Vendor Lookup Failed", "Error fetching vendor information: "+invoices.UserMessage(err))
		}
		p.logger.Warn("vendor lookup", slog.String("invoice_id", string(inv.ID)), slog.Any("error", err))
		return VendorMatch{}, fmt.Errorf("erp: begin: %w", err)
	}

	p.mu.Lock()
	p.pending = &approval{invoice: inv, match: match}
	p.mu.Unlock()
	return match, nil
}

// UpdateMatch replaces the held match with the operator's edits.
func (p *Protocol) UpdateMatch(match VendorMatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return ErrNoPendingApproval
	}
	p.pending.match = match
	return nil
}

func (p *Protocol) Cancel() {
	p.mu.Lock()
	if !p.pushing {
		p.pending = nil
	}
	p.mu.Unlock()
}

// Pending returns the held match and the invoice it belongs to.
func (p *Protocol) Pending() (VendorMatch, invoices.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return VendorMatch{}, "", false
	}
	return p.pending.match, p.pending.invoice.ID, true
}

// LoginRequired reports whether the operator was asked to log in to the ERP.
func (p *Protocol) LoginRequired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginRequired
}

// Push sends the held approval to the ERP. The ERP session is checked first;
// when it cannot be used nothing is sent and ErrLoginRequired is returned.
func (p *Protocol) Push(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return Outcome{}, ErrNoPendingApproval
	}
	if p.pushing {
		p.mu.Unlock()
		return Outcome{}, ErrPushInProgress
	}
	current := *p.pending
	p.pushing = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pushing = false
		p.mu.Unlock()
	}()

	token, err := p.gate()
	if err != nil {
		return Outcome{}, err
	}

	// The detail view may have been reprocessed, edited or deleted while the
	// match dialog was open; push what the operator sees now.
	inv, err := p.invoices.ApprovalCandidate()
	if err != nil || inv.ID != current.invoice.ID {
		p.mu.Lock()
		p.pending = nil
		p.mu.Unlock()
		p.observePush("stale")
		p.notify().Alert("Approval Cancelled", "The invoice changed while the vendor match was open. Please start the approval again.")
		if err == nil {
			err = ErrNoPendingApproval
		}
		return Outcome{}, fmt.Errorf("erp: push %s: %w", current.invoice.ID, err)
	}
	req := NewPushRequest(inv, current.match, p.clock())
	resp, err := p.backend.Push(ctx, token, req)
	if err != nil {
		p.observePush("error")
		p.logger.Error("push to erp", slog.String("invoice_id", string(inv.ID)), slog.Any("error", err))
		p.notify().Error("Connection Error", "Failed to connect to the ERP system: "+invoices.UserMessage(err))
		return Outcome{}, fmt.Errorf("erp: push %s: %w", inv.ID, err)
	}
	if !resp.Succeeded() {
		msg := ClassifyPushFailure(resp)
		p.observePush("rejected")
		p.logger.Warn("erp rejected push", slog.String("invoice_id", string(inv.ID)), slog.String("reason", msg))
		p.notify().Error("Failed to Push to Genius ERP", msg)
		return Outcome{}, &PushFailure{Message: msg}
	}

	synced := p.commitStatus(ctx, inv.ID)
	p.invoices.CommitApproval(inv.ID, synced)

	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()

	p.observePush("success")
	number := ptrText(inv.InvoiceNumber)
	if number == "" {
		number = notAvailable
	}
	body := fmt.Sprintf("Invoice %s has been successfully processed and pushed to the ERP system with GL Account Code %s. Status updated to Approved.",
		number, current.match.GLAccountCode)
	p.notify().Success("Successfully Pushed to Genius ERP!", body)
	return Outcome{InvoiceID: inv.ID, StatusSynced: synced, Message: body}, nil
}

// gate returns the ERP token or asks for a fresh login.
func (p *Protocol) gate() (string, error) {
	token, err := p.sessions.ERPToken()
	if err == nil {
		return token, nil
	}
	p.sessions.ClearERPSession()
	p.mu.Lock()
	p.loginRequired = true
	p.mu.Unlock()

	switch {
	case errors.Is(err, session.ErrERPExpired):
		p.notify().Error("Session Expired", "Your Genius session has expired. Please login again.")
	case errors.Is(err, session.ErrERPStale):
		p.notify().Error("Token May Be Expired", "The Genius token may have expired on their servers. Please try logging in again.")
	default:
		p.notify().Error("Authentication Required", "Please login with Genius first to push data to the ERP system.")
	}
	p.observePush("login_required")
	return "", fmt.Errorf("%w: %w", ErrLoginRequired, err)
}

// commitStatus sets Approved on the invoice backend. A failure is recorded
// as a divergence and handed to the scheduler; it never fails the push.
func (p *Protocol) commitStatus(ctx context.Context, id invoices.ID) bool {
	err := p.status.UpdateStatus(ctx, id, invoices.StatusApproved)
	if err == nil {
		return true
	}
	syncErr := newStatusSyncError(string(id), err)
	p.logger.Warn("status commit after push failed", slog.String("invoice_id", string(id)),
		slog.Bool("retryable", syncErr.Retryable), slog.Any("error", syncErr))
	if p.metrics != nil {
		p.metrics.ObserveStatusSyncPending()
	}
	if p.ledger != nil {
		if _, err := p.ledger.Record(ctx, string(id), invoices.UserMessage(err)); err != nil {
			p.logger.Error("record status divergence", slog.String("invoice_id", string(id)), slog.Any("error", err))
		}
	}
	if p.scheduler != nil {
		if err := p.scheduler.ScheduleStatusSync(ctx, string(id)); err != nil {
			p.logger.Error("schedule status sync", slog.String("invoice_id", string(id)), slog.Any("error", err))
		}
	}
	return false
}

// Login authenticates against the ERP and stores the token. A push that was
// blocked by the gate is not resumed.
func (p *Protocol) Login(ctx context.Context, creds Credentials) (session.ERPSession, error) {
	if err := p.validate.Struct(creds); err != nil {
		return session.ERPSession{}, fmt.Errorf("erp: login: %w", err)
	}
	token, err := p.backend.Login(ctx, creds)
	if err != nil {
		p.logger.Warn("erp login", slog.String("company", creds.CompanyCode), slog.Any("error", err))
		var rejected *LoginError
		msg := invoices.UserMessage(err)
		if errors.As(err, &rejected) {
			msg = rejected.Message
		}
		p.notify().Error("Genius Authentication Failed", msg)
		return session.ERPSession{}, fmt.Errorf("erp: login: %w", err)
	}
	sess := p.sessions.SetERPSession(token)
	p.mu.Lock()
	p.loginRequired = false
	p.mu.Unlock()
	p.notify().Success("Genius Authentication Successful!",
		"You are now connected to the Genius ERP system. The token will be used for pushing invoice data.")
	return sess, nil
}

// DismissLogin closes the login prompt without logging in.
func (p *Protocol) DismissLogin() {
	p.mu.Lock()
	p.loginRequired = false
	p.mu.Unlock()
}

func (p *Protocol) notify() notify.Notifier {
	if p.notifier == nil {
		return quiet{}
	}
	return p.notifier
}

func (p *Protocol) observePush(outcome string) {
	if p.metrics != nil {
		p.metrics.ObservePush(outcome)
	}
}

type quiet struct{}

func (quiet) Success(string, string) notify.Message { return notify.Message{} }
func (quiet) Error(string, string) notify.Message   { return notify.Message{} }
func (quiet) Alert(string, string) notify.Message   { return notify.Message{} }
