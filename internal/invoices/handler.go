package invoices

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/platform/httpx"
)

const maxUploadMemory = 32 << 20

// Handler exposes the validation queue and detail view to the UI.
type Handler struct {
	logger     *slog.Logger
	controller *Controller
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, controller *Controller) *Handler {
	return &Handler{logger: logger, controller: controller}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/counts", h.counts)
	r.Post("/refresh", h.refresh)
	r.Post("/upload", h.upload)
	r.Route("/selection", func(r chi.Router) {
		r.Get("/", h.selected)
		r.Delete("/", h.closeDetail)
		r.Post("/edit", h.enterEdit)
		r.Patch("/", h.applyEdit)
		r.Post("/reprocess", h.reprocess)
	})
	r.Post("/{id}/select", h.selectInvoice)
	r.Delete("/{id}", h.delete)
}

type invoiceView struct {
	Invoice
	Progress      int    `json:"progress"`
	FileName      string `json:"file_name"`
	ShortFileName string `json:"short_file_name"`
}

type detailView struct {
	Invoice  invoiceView `json:"invoice"`
	EditMode bool        `json:"edit_mode"`
	Warning  string      `json:"warning,omitempty"`
}

func newInvoiceView(inv Invoice) invoiceView {
	return invoiceView{
		Invoice:       inv,
		Progress:      Progress(inv.Status),
		FileName:      FormattedFileName(inv.PDFPath),
		ShortFileName: ShortFileName(inv.PDFPath),
	}
}

func newDetailView(d Detail) detailView {
	return detailView{Invoice: newInvoiceView(d.Invoice), EditMode: d.EditMode, Warning: d.Warning()}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{Mode: ParseFilterMode(q.Get("filter")), Search: q.Get("search")}
	list := h.controller.Query(filter)
	out := make([]invoiceView, 0, len(list))
	for _, inv := range list {
		out = append(out, newInvoiceView(inv))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (h *Handler) counts(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.controller.Counts())
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Load(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"counts": h.controller.Counts()})
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid multipart form")
		return
	}
	var headers []*multipart.FileHeader
	if r.MultipartForm != nil {
		headers = append(headers, r.MultipartForm.File["file"]...)
		headers = append(headers, r.MultipartForm.File["files"]...)
	}
	files := make([]Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unreadable file "+fh.Filename)
			return
		}
		defer f.Close()
		files = append(files, Upload{Name: fh.Filename, Content: f})
	}
	res, err := h.controller.Upload(r.Context(), files)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) selectInvoice(w http.ResponseWriter, r *http.Request) {
	d, err := h.controller.Select(ID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDetailView(d))
}

func (h *Handler) selected(w http.ResponseWriter, r *http.Request) {
	d, ok := h.controller.Selected()
	if !ok {
		h.respondError(w, ErrNoSelection)
		return
	}
	httpx.JSON(w, http.StatusOK, newDetailView(d))
}

func (h *Handler) closeDetail(w http.ResponseWriter, r *http.Request) {
	h.controller.CloseDetail()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enterEdit(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.EnterEditMode(); err != nil {
		h.respondError(w, err)
		return
	}
	d, _ := h.controller.Selected()
	httpx.JSON(w, http.StatusOK, newDetailView(d))
}

func (h *Handler) applyEdit(w http.ResponseWriter, r *http.Request) {
	var edit Edit
	if err := httpx.DecodeJSON(w, r, &edit); err != nil {
		httpx.InvalidBody(w, err)
		return
	}
	d, err := h.controller.ApplyEdit(edit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDetailView(d))
}

func (h *Handler) reprocess(w http.ResponseWriter, r *http.Request) {
	inv, err := h.controller.Reprocess(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoice": newInvoiceView(inv)})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Delete(r.Context(), ID(chi.URLParam(r, "id"))); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	h.logger.Debug("invoice request failed", slog.Any("error", err))
	httpx.RespondError(w, classify(err))
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrInvoiceNotFound):
		return httpx.Classify(httpx.ErrNotFound, err)
	case errors.Is(err, ErrVendorIncomplete), errors.Is(err, ErrNoFiles):
		return httpx.Classify(httpx.ErrValidation, err)
	case errors.Is(err, ErrNoSelection), errors.Is(err, ErrEditNotAllowed), errors.Is(err, ErrNotInEditMode),
		errors.Is(err, ErrReprocessBusy), errors.Is(err, ErrNotApprovable):
		return httpx.Classify(httpx.ErrConflict, err)
	case gateway.IsKind(err, gateway.FailureUnauthorized):
		return httpx.Classify(httpx.ErrUnauthorized, err)
	}
	var rejected *RejectedError
	var gwErr *gateway.Error
	if errors.As(err, &rejected) || errors.As(err, &gwErr) {
		return httpx.Classify(httpx.ErrUpstream, err)
	}
	return err
}
