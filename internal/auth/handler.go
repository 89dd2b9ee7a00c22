package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/invoicedesk/invoicedesk/internal/gateway"
	"github.com/invoicedesk/invoicedesk/internal/platform/httpx"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/session", h.showSession)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in LoginInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		httpx.InvalidBody(w, err)
		return
	}
	sess, err := h.service.Login(r.Context(), in, clientIP(r))
	if err != nil {
		var fieldErrs validator.ValidationErrors
		switch {
		case errors.As(err, &fieldErrs):
			errs := make(map[string]string, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
			httpx.JSON(w, http.StatusBadRequest, map[string]any{"success": false, "errors": errs})
		case errors.Is(err, ErrInvalidCredentials):
			httpx.JSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Invalid username or password"})
		case gateway.IsKind(err, gateway.FailureTransport):
			httpx.JSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": "Login failed. Please try again."})
		default:
			h.logger.Error("login", slog.Any("error", err))
			httpx.JSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Login failed. Please try again."})
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "user": sess.User})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), clientIP(r)); err != nil && !errors.Is(err, ErrNotSignedIn) {
		h.logger.Warn("logout", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) showSession(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.Session(r.Context()))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
