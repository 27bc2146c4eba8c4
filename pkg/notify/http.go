package notify

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/response"
)

// Handler is the polling API for clients without a live session. Routes
// expect AuthMiddleware in front of them.
type Handler struct {
	store Store
	nowFn func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, nowFn: time.Now}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/notifications", h.list)
	r.Get("/api/notifications/unread-count", h.unread)
	r.Post("/api/notifications/{id}/read", h.markRead)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.store.ListForUser(r.Context(), claims.UserID, ListOptions{
		UnreadOnly: r.URL.Query().Get("unread") == "true",
		Limit:      limit,
	})
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to load notifications", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Notifications retrieved", items)
}

func (h *Handler) unread(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	n, err := h.store.CountUnread(r.Context(), claims.UserID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to count notifications", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Unread count", map[string]int64{"unread": n})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	err := h.store.MarkRead(r.Context(), claims.UserID, chi.URLParam(r, "id"), h.nowFn())
	if errors.Is(err, ErrNotFound) {
		response.Error(w, http.StatusNotFound, "Notification not found", "")
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "Failed to update notification", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Notification marked as read", nil)
}
