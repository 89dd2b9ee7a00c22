package erp

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/invoices"
	"github.com/invoicedesk/invoicedesk/internal/platform/httpx"
	"github.com/invoicedesk/invoicedesk/internal/session"
)

type SessionState interface {
	ERPSession() (session.ERPSession, bool)
	CheckERPSession() error
	ClearERPSession()
}

// Handler exposes the hand-off to the UI.
type Handler struct {
	logger   *slog.Logger
	protocol *Protocol
	sessions SessionState
	ledger   SyncLedger
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, protocol *Protocol, sessions SessionState, ledger SyncLedger) *Handler {
	return &Handler{logger: logger, protocol: protocol, sessions: sessions, ledger: ledger}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.login)
	r.Delete("/login", h.dismissLogin)
	r.Get("/session", h.session)
	r.Delete("/session", h.logout)
	r.Route("/approval", func(r chi.Router) {
		r.Post("/", h.begin)
		r.Get("/", h.pending)
		r.Put("/match", h.updateMatch)
		r.Post("/push", h.push)
		r.Delete("/", h.cancel)
	})
	r.Get("/divergences", h.divergences)
}

type sessionView struct {
	Authenticated bool       `json:"authenticated"`
	Valid         bool       `json:"valid"`
	Reason        string     `json:"reason,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LoginRequired bool       `json:"login_required"`
}

func (h *Handler) sessionView() sessionView {
	view := sessionView{LoginRequired: h.protocol.LoginRequired()}
	if sess, ok := h.sessions.ERPSession(); ok {
		view.Authenticated = true
		expires := sess.ExpiresAt
		view.ExpiresAt = &expires
	}
	if err := h.sessions.CheckERPSession(); err != nil {
		view.Reason = err.Error()
	} else {
		view.Valid = true
	}
	return view
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := httpx.DecodeJSON(w, r, &creds); err != nil {
		httpx.InvalidBody(w, err)
		return
	}
	if _, err := h.protocol.Login(r.Context(), creds); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.sessionView())
}

func (h *Handler) dismissLogin(w http.ResponseWriter, r *http.Request) {
	h.protocol.DismissLogin()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.sessionView())
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearERPSession()
	w.WriteHeader(http.StatusNoContent)
}

type pendingView struct {
	InvoiceID invoices.ID `json:"invoice_id"`
	Match     VendorMatch `json:"vendor_match"`
}

func (h *Handler) begin(w http.ResponseWriter, r *http.Request) {
	match, err := h.protocol.Begin(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	_, id, _ := h.protocol.Pending()
	httpx.JSON(w, http.StatusOK, pendingView{InvoiceID: id, Match: match})
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	match, id, ok := h.protocol.Pending()
	if !ok {
		h.respondError(w, ErrNoPendingApproval)
		return
	}
	httpx.JSON(w, http.StatusOK, pendingView{InvoiceID: id, Match: match})
}

func (h *Handler) updateMatch(w http.ResponseWriter, r *http.Request) {
	var match VendorMatch
	if err := httpx.DecodeJSON(w, r, &match); err != nil {
		httpx.InvalidBody(w, err)
		return
	}
	if err := h.protocol.UpdateMatch(match); err != nil {
		h.respondError(w, err)
		return
	}
	_, id, _ := h.protocol.Pending()
	httpx.JSON(w, http.StatusOK, pendingView{InvoiceID: id, Match: match})
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.protocol.Push(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.protocol.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) divergences(w http.ResponseWriter, r *http.Request) {
	open, err := h.ledger.ListOpen(r.Context())
	if err != nil {
		h.logger.Error("list divergences", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if open == nil {
		open = []Divergence{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"divergences": open})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	h.logger.Debug("erp request failed", slog.Any("error", err))
	httpx.RespondError(w, classify(err))
}

func classify(err error) error {
	var validation validator.ValidationErrors
	switch {
	case errors.As(err, &validation), errors.Is(err, invoices.ErrVendorIncomplete):
		return httpx.Classify(httpx.ErrValidation, err)
	case errors.Is(err, ErrLoginRequired), errors.Is(err, ErrLoginRejected):
		return httpx.Classify(httpx.ErrUnauthorized, err)
	case errors.Is(err, ErrNoPendingApproval), errors.Is(err, ErrPushInProgress),
		errors.Is(err, invoices.ErrNoSelection), errors.Is(err, invoices.ErrNotApprovable):
		return httpx.Classify(httpx.ErrConflict, err)
	case errors.Is(err, ErrVendorNotFound):
		return httpx.Classify(httpx.ErrNotFound, err)
	case errors.Is(err, ErrPushRejected):
		return httpx.Classify(httpx.ErrUpstream, err)
	}
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return httpx.Classify(httpx.ErrUpstream, err)
	}
	return err
}
