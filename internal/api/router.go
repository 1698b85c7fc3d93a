package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/api/handler"
	apimw "github.com/notifyhub/notification-pipeline/internal/api/middleware"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Service   *service.NotificationService
	Queue     handler.QueueAdmin
	Collector *metrics.Collector
	Revoker   handler.Revoker
	// Revocations is usually the same blacklist as Revoker.
	Revocations apimw.RevocationChecker
	Limiter     apimw.Allower
	DB          handler.Pinger
	Gatherer    prometheus.Gatherer

	APIRateLimit  int
	APIRateWindow time.Duration
	AdminToken    string
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)            // recover panics, return 500
	r.Use(chimw.RealIP)               // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1 << 20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)        // X-Correlation-ID inject / echo
	r.Use(apimw.Identify)             // X-User-ID from the gateway
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(d.Service, logger)
	ah := handler.NewAdminHandler(d.Service, d.Queue, d.Revoker, logger)
	mh := handler.NewMetricsHandler(d.Collector, logger)
	hh := handler.NewHealthHandler(d.DB)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)

	// Raw Prometheus scrape endpoint
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apimw.RejectRevoked(d.Revocations, logger))
		r.Use(apimw.RateLimit(d.Limiter, d.APIRateLimit, d.APIRateWindow, logger))

		// Literal segments are registered before /{id} so chi does not
		// treat "stats" or "read-all" as an ID.
		r.Route("/notifications", func(r chi.Router) {
			r.Use(apimw.RequireUser)
			r.Get("/", nh.List)
			r.Get("/unread-count", nh.UnreadCount)
			r.Get("/stats", nh.Stats)
			r.Put("/read-all", nh.ReadAll)
			r.Get("/{id}", nh.Get)
			r.Put("/{id}/read", nh.MarkRead)
			r.Put("/{id}/clicked", nh.MarkClicked)
			r.Delete("/{id}", nh.Delete)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(apimw.RequireAdmin(d.AdminToken))
			r.Post("/test", ah.SendTest)
			r.Post("/broadcast", ah.Broadcast)
			r.Get("/queue/stats", ah.QueueStats)
			r.Post("/queue/pause", ah.Pause)
			r.Post("/queue/resume", ah.Resume)
			r.Post("/queue/clean", ah.Clean)
			r.Get("/metrics", mh.GetMetrics)
			r.Get("/health", mh.Health)
			r.Get("/notifications/{id}/logs", ah.DeliveryLogs)
			r.Post("/tokens/revoke", ah.RevokeToken)
			r.Get("/tokens/revoked", ah.RevokedCount)
		})
	})

	return r
}
