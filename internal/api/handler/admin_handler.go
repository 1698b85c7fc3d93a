package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/notification-pipeline/internal/api/middleware"
	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

// QueueAdmin is the administrative surface of the job queue.
type QueueAdmin interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused(ctx context.Context) (bool, error)
	Clean(ctx context.Context, hours int) (int64, error)
}

// Revoker manages the token blacklist.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
	Count(ctx context.Context) (int, error)
}

// AdminHandler serves the privileged operations surface.
type AdminHandler struct {
	svc     *service.NotificationService
	q       QueueAdmin
	revoker Revoker
	logger  *zap.Logger
}

func NewAdminHandler(svc *service.NotificationService, q QueueAdmin, revoker Revoker, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, q: q, revoker: revoker, logger: logger}
}

type sendResult struct {
	Success        bool   `json:"success"`
	NotificationID string `json:"notificationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SendTest handles POST /api/v1/admin/test
//
// @Summary  Send one notification through the full pipeline
// @Tags     admin
// @Accept   json
// @Produce  json
// @Param    body  body      domain.SendInput  true  "Notification payload"
// @Success  201   {object}  sendResult
// @Failure  422   {object}  sendResult
// @Router   /api/v1/admin/test [post]
func (h *AdminHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	var in domain.SendInput
	if err := decodeJSON(r, &in); err != nil {
		respondJSON(w, http.StatusBadRequest, sendResult{Error: "invalid JSON body"})
		return
	}

	n, err := h.svc.SendNotification(r.Context(), in)
	if err != nil {
		status, msg := statusFor(err)
		h.logger.Warn("test send rejected",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.String("user_id", in.UserID),
			zap.Error(err),
		)
		respondJSON(w, status, sendResult{Error: msg})
		return
	}
	respondJSON(w, http.StatusCreated, sendResult{Success: true, NotificationID: n.ID})
}

type broadcastRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Broadcast handles POST /api/v1/admin/broadcast. The fan-out runs in the
// background; 202 means accepted, not delivered.
func (h *AdminHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.svc.SendSystemAnnouncement(r.Context(), req.Title, req.Body); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

// QueueStats handles GET /api/v1/admin/queue/stats
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.q.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", zap.Error(err))
		mapError(w, err)
		return
	}
	paused, err := h.q.IsPaused(r.Context())
	if err != nil {
		h.logger.Error("queue pause flag read failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"paused": paused,
		"jobs":   stats,
	})
}

// Pause handles POST /api/v1/admin/queue/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.q.Pause(r.Context()); err != nil {
		h.logger.Error("queue pause failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Resume handles POST /api/v1/admin/queue/resume
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.q.Resume(r.Context()); err != nil {
		h.logger.Error("queue resume failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// Clean handles POST /api/v1/admin/queue/clean?hours=
func (h *AdminHandler) Clean(w http.ResponseWriter, r *http.Request) {
	hours, err := strconv.Atoi(r.URL.Query().Get("hours"))
	if err != nil {
		mapError(w, domain.Validationf("hours must be an integer"))
		return
	}
	removed, err := h.q.Clean(r.Context(), hours)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// DeliveryLogs handles GET /api/v1/admin/notifications/{id}/logs
func (h *AdminHandler) DeliveryLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.GetDeliveryLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type revokeRequest struct {
	Token string `json:"token"`
}

// RevokeToken handles POST /api/v1/admin/tokens/revoke
func (h *AdminHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.revoker.Revoke(r.Context(), req.Token); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokedCount handles GET /api/v1/admin/tokens/revoked
func (h *AdminHandler) RevokedCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.revoker.Count(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"revoked": n})
}
