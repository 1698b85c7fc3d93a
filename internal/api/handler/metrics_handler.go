package handler

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
)

// MetricsHandler serves the JSON metrics snapshot and health verdict.
// Raw Prometheus metrics (counters, histograms) are available at /metrics
// via promhttp and are separate from these endpoints.
type MetricsHandler struct {
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewMetricsHandler(collector *metrics.Collector, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{collector: collector, logger: logger}
}

// GetMetrics handles GET /api/v1/admin/metrics?hours=
//
// @Summary  Delivery metrics over a trailing window
// @Tags     metrics
// @Produce  json
// @Param    hours  query     int  false  "Window in hours (default 24)"
// @Success  200    {object}  metrics.Snapshot
// @Router   /api/v1/admin/metrics [get]
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			mapError(w, domain.Validationf("hours must be an integer"))
			return
		}
		hours = n
	}

	snap, err := h.collector.CollectMetrics(r.Context(), hours)
	if err != nil {
		h.logger.Error("collect metrics failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// Health handles GET /api/v1/admin/health. An unhealthy verdict answers 503
// so load balancers and alerting can use the status code alone.
func (h *MetricsHandler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.collector.CheckHealth(r.Context())
	if err != nil {
		h.logger.Error("health check errored", zap.Error(err))
		mapError(w, err)
		return
	}
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}
