package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/notification-pipeline/internal/api/middleware"
	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

// NotificationHandler serves the user read API. The caller is the user
// identified by X-User-ID; every per-notification route is ownership-checked
// by the service.
type NotificationHandler struct {
	svc    *service.NotificationService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// List handles GET /api/v1/notifications
//
// @Summary  List the caller's notifications
// @Tags     notifications
// @Produce  json
// @Param    limit       query     int     false  "Items per page (default 20, max 100)"
// @Param    offset      query     int     false  "Items to skip"
// @Param    unreadOnly  query     bool    false  "Only unread"
// @Param    type        query     string  false  "Filter by type"
// @Param    status      query     string  false  "Filter by status"
// @Success  200         {object}  service.NotificationPage
// @Router   /api/v1/notifications [get]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		mapError(w, err)
		return
	}
	page, err := h.svc.GetUserNotifications(r.Context(), apimw.GetUserID(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.GetUnreadCount(r.Context(), apimw.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"unreadCount": n})
}

// ReadAll handles PUT /api/v1/notifications/read-all
func (h *NotificationHandler) ReadAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.MarkAllAsRead(r.Context(), apimw.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// Stats handles GET /api/v1/notifications/stats
//
// @Summary  Counts and rates for the caller
// @Tags     notifications
// @Produce  json
// @Success  200  {object}  domain.UserStats
// @Router   /api/v1/notifications/stats [get]
func (h *NotificationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := apimw.GetUserID(r.Context())
	stats, err := h.svc.GetStats(r.Context(), &userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Get handles GET /api/v1/notifications/{id}
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.GetNotification(r.Context(), apimw.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// MarkRead handles PUT /api/v1/notifications/{id}/read
//
// @Summary  Mark a notification read
// @Tags     notifications
// @Param    id   path  string  true  "Notification UUID"
// @Success  204
// @Failure  403  {object}  map[string]string
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/notifications/{id}/read [put]
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkAsRead(r.Context(), apimw.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkClicked handles PUT /api/v1/notifications/{id}/clicked
func (h *NotificationHandler) MarkClicked(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkAsClicked(r.Context(), apimw.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/v1/notifications/{id}
func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), apimw.GetUserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotificationHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !service.IsClientError(err) {
		h.logger.Error("notification request failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	mapError(w, err)
}

func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	var filter domain.ListFilter

	if v := q.Get("limit"); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil {
			return filter, domain.Validationf("limit must be an integer")
		}
		filter.Limit = l
	}
	if v := q.Get("offset"); v != "" {
		o, err := strconv.Atoi(v)
		if err != nil {
			return filter, domain.Validationf("offset must be an integer")
		}
		filter.Offset = o
	}
	if v := q.Get("unreadOnly"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, domain.Validationf("unreadOnly must be a boolean")
		}
		filter.UnreadOnly = b
	}
	if t := q.Get("type"); t != "" {
		filter.Type = &t
	}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	filter.Normalize()
	return filter, nil
}
