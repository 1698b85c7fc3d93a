package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// MetricHooks carries the metric callback functions injected by main.
// Using a struct keeps the pool constructor signature clean.
type MetricHooks struct {
	OnSent   func(channel domain.Channel, latency time.Duration)
	OnFailed func(channel domain.Channel, errType domain.ErrorType, latency time.Duration)
	// OnJobPanic is called after a recovered panic.
	OnJobPanic func()
}

func (h *MetricHooks) defaults() {
	if h.OnSent == nil {
		h.OnSent = func(domain.Channel, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Channel, domain.ErrorType, time.Duration) {}
	}
	if h.OnJobPanic == nil {
		h.OnJobPanic = func() {}
	}
}

// Pool manages the lifecycle of all delivery workers.
// Every worker claims from the same durable queue; the queue's lane schedule
// handles priority ordering.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool creates size identical workers. Worker IDs embed the host name so
// leases taken by different processes stay distinguishable.
func NewPool(size int, deps Deps, policy RetryPolicy, poll time.Duration, logger *zap.Logger, hooks MetricHooks) *Pool {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	workers := make([]*Worker, size)
	for i := range workers {
		id := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		workers[i] = NewWorker(id, deps, policy, poll, logger.With(zap.String("worker_id", id)), hooks)
	}
	return &Pool{workers: workers}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches all workers as goroutines.
// Cancelling ctx triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled.
// In-flight jobs finish first.
func (p *Pool) Wait() {
	p.wg.Wait()
}
