package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/worker"
)

const namespace = "notification"

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	DispatchTotal   *prometheus.CounterVec
	DispatchLatency *prometheus.HistogramVec
	DispatchErrors  *prometheus.CounterVec
	JobPanics       prometheus.Counter
	QueueJobs       *prometheus.GaugeVec
	LimiterDegraded prometheus.Gauge
	WhatsAppBudget  prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Channel delivery attempts by outcome.",
		}, []string{"channel", "result"}),

		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Provider call latency per channel attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "result"}),

		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Failed channel attempts by classified error type.",
		}, []string{"channel", "error_type"}),

		JobPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_panics_total",
			Help:      "Panics recovered while processing queue jobs.",
		}),

		QueueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Queue jobs by state, refreshed by the maintenance loop.",
		}, []string{"state"}),

		LimiterDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimiter_degraded",
			Help:      "1 while the rate limiter serves from its local fallback.",
		}),

		WhatsAppBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "whatsapp_budget_remaining",
			Help:      "WhatsApp messages left in today's budget for this process.",
		}),
	}

	reg.MustRegister(
		m.DispatchTotal,
		m.DispatchLatency,
		m.DispatchErrors,
		m.JobPanics,
		m.QueueJobs,
		m.LimiterDegraded,
		m.WhatsAppBudget,
	)

	return m
}

// WorkerHooks returns the callbacks expected by the worker pool.
// Centralises the prometheus observation calls so the worker stays
// instrumentation-free.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnSent: func(ch domain.Channel, latency time.Duration) {
			m.DispatchTotal.WithLabelValues(string(ch), "success").Inc()
			m.DispatchLatency.WithLabelValues(string(ch), "success").Observe(latency.Seconds())
		},
		OnFailed: func(ch domain.Channel, errType domain.ErrorType, latency time.Duration) {
			m.DispatchTotal.WithLabelValues(string(ch), "failure").Inc()
			m.DispatchLatency.WithLabelValues(string(ch), "failure").Observe(latency.Seconds())
			m.DispatchErrors.WithLabelValues(string(ch), string(errType)).Inc()
		},
		OnJobPanic: m.JobPanics.Inc,
	}
}

// ObserveQueue publishes job counts per state.
func (m *Metrics) ObserveQueue(s queue.Stats) {
	m.QueueJobs.WithLabelValues(string(queue.StateWaiting)).Set(float64(s.Waiting))
	m.QueueJobs.WithLabelValues(string(queue.StateActive)).Set(float64(s.Active))
	m.QueueJobs.WithLabelValues(string(queue.StateDelayed)).Set(float64(s.Delayed))
	m.QueueJobs.WithLabelValues(string(queue.StateCompleted)).Set(float64(s.Completed))
	m.QueueJobs.WithLabelValues(string(queue.StateFailed)).Set(float64(s.Failed))
}

// LimiterStateHook tracks AVAILABLE/DEGRADED transitions.
func (m *Metrics) LimiterStateHook() func(ratelimiter.State) {
	return func(s ratelimiter.State) {
		if s == ratelimiter.StateDegraded {
			m.LimiterDegraded.Set(1)
			return
		}
		m.LimiterDegraded.Set(0)
	}
}

// BudgetHook tracks the remaining WhatsApp budget.
func (m *Metrics) BudgetHook() func(remaining int) {
	return func(remaining int) { m.WhatsAppBudget.Set(float64(remaining)) }
}
