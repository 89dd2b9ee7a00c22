package notify

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/invoicedesk/invoicedesk/internal/platform/httpx"
)

type Handler struct {
	center *Center
	hub    *Hub
}

func NewHandler(center *Center, hub *Hub) *Handler {
	return &Handler{center: center, hub: hub}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Delete("/{id}", h.dismiss)
	if h.hub != nil {
		r.Handle("/ws", h.hub)
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"notifications": h.center.Active()})
}

func (h *Handler) dismiss(w http.ResponseWriter, r *http.Request) {
	if !h.center.Dismiss(chi.URLParam(r, "id")) {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
