package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/api"
	"github.com/notifyhub/notification-pipeline/internal/blacklist"
	"github.com/notifyhub/notification-pipeline/internal/config"
	"github.com/notifyhub/notification-pipeline/internal/db"
	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/kvstore"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
	"github.com/notifyhub/notification-pipeline/internal/provider"
	"github.com/notifyhub/notification-pipeline/internal/queue"
	"github.com/notifyhub/notification-pipeline/internal/ratelimiter"
	"github.com/notifyhub/notification-pipeline/internal/repository"
	"github.com/notifyhub/notification-pipeline/internal/service"
	"github.com/notifyhub/notification-pipeline/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- shared counter store ----
	// Redis being down at boot is not fatal: the limiter runs on its local
	// fallback and the blacklist stays process-local for this run.
	var kv kvstore.Store
	redisClient, err := kvstore.Connect(ctx, cfg.RedisURL, cfg.RedisConnectTimeout)
	if err != nil {
		logger.Warn("redis unavailable, shared counters degraded", zap.Error(err))
	} else {
		defer redisClient.Close() //nolint:errcheck
		kv = kvstore.NewRedisStore(redisClient)
	}

	// ---- metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- limiters ----
	local := ratelimiter.NewLocalLimiter(cfg.FallbackMaxEntries, cfg.FallbackSweepInterval)
	defer local.Close()
	limiter := ratelimiter.New(kv, local, logger,
		ratelimiter.WithKeyPrefix(cfg.RateLimitKeyPrefix),
		ratelimiter.WithStateHook(m.LimiterStateHook()))
	throttle := ratelimiter.NewChannelLimiters(cfg.ChannelRateLimit)

	var tokens *blacklist.Blacklist
	if kv != nil {
		tokens = blacklist.New(kv, logger, cfg.RevocationTTL)
	} else {
		tokens = blacklist.New(kvstore.NewMemoryStore(), logger, cfg.RevocationTTL)
		logger.Warn("token blacklist is process-local until redis is configured")
	}

	// ---- queue and repositories ----
	q, err := queue.New(queue.NewPgStore(pool), cfg.LaneWeights, cfg.LeaseTimeout, logger)
	if err != nil {
		logger.Fatal("failed to create queue", zap.Error(err))
	}
	notifications := repository.NewPgNotificationRepository(pool)
	logs := repository.NewPgDeliveryLogRepository(pool)
	users := repository.NewPgUserRepository(pool)
	prefs := repository.NewPgPreferenceRepository(pool)

	// ---- providers ----
	providers := buildProviders(cfg, kv, m, logger)

	// ---- service ----
	svc := service.NewNotificationService(notifications, logs, users, prefs, q, limiter, service.Options{
		UserSendLimit:  cfg.UserSendLimit,
		UserSendWindow: cfg.UserSendWindow,
	}, logger)

	// ---- background workers ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	policy := worker.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.MaxDelay = cfg.RetryMaxDelay
	policy.SendTimeout = cfg.ProviderTimeout

	workers := worker.NewPool(cfg.Workers, worker.Deps{
		Queue:         q,
		Notifications: notifications,
		Logs:          logs,
		Users:         users,
		Prefs:         prefs,
		Providers:     providers,
		Throttle:      throttle,
	}, policy, cfg.PollInterval, logger, m.WorkerHooks())
	workers.Start(workerCtx)

	reconciler := worker.NewReconcileWorker(notifications, q, cfg.ReconcileInterval, cfg.ReconcileGrace, logger)
	go reconciler.Run(workerCtx)

	cleanup, err := worker.NewCleanupWorker(q, cfg.CleanupSchedule, cfg.RetentionHours, m.ObserveQueue, logger)
	if err != nil {
		logger.Fatal("invalid cleanup schedule", zap.Error(err))
	}
	cleanup.Start()

	// ---- HTTP server ----
	router := api.NewRouter(api.Deps{
		Service:       svc,
		Queue:         q,
		Collector:     metrics.NewCollector(repository.NewPgMetricsRepository(pool), q, limiter, cfg.MaxQueueDepth, logger),
		Revoker:       tokens,
		Revocations:   tokens,
		Limiter:       limiter,
		DB:            pool,
		Gatherer:      reg,
		APIRateLimit:  cfg.APIRateLimit,
		APIRateWindow: cfg.APIRateWindow,
		AdminToken:    cfg.AdminToken,
	}, logger)
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set, admin routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Int("workers", workers.Size()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal all workers to stop claiming jobs.
	cancelWorkers()

	// 3. Wait for in-flight jobs, broadcasts and the cleanup pass. Anything
	// left unacknowledged is reclaimed by another process once its lease
	// expires.
	done := make(chan struct{})
	go func() {
		workers.Wait()
		svc.Wait()
		<-cleanup.Stop().Done()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out with work in flight", zap.Duration("timeout", cfg.ShutdownTimeout))
	}
}

// buildProviders registers a dispatcher for every channel. A channel whose
// credentials are missing gets a dispatcher that fails every attempt with an
// AUTH error, so misconfiguration shows up in delivery logs instead of being
// silently skipped.
func buildProviders(cfg *config.Config, kv kvstore.Store, m *metrics.Metrics, logger *zap.Logger) *provider.Registry {
	reg := provider.NewRegistry()

	reg.Register(domain.ChannelPush, provider.NewPushProvider(cfg.PushGatewayURL, cfg.PushGatewayKey, cfg.ProviderTimeout))

	if email, err := provider.NewEmailProvider(cfg.PostmarkToken, cfg.PostmarkAccount, cfg.EmailSender, cfg.ProviderTimeout); err != nil {
		logger.Warn("email channel not configured", zap.Error(err))
		reg.Register(domain.ChannelEmail, unconfigured(domain.ChannelEmail))
	} else {
		reg.Register(domain.ChannelEmail, email)
	}

	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		logger.Warn("twilio credentials missing, SMS and WhatsApp channels not configured")
		reg.Register(domain.ChannelSMS, unconfigured(domain.ChannelSMS))
		reg.Register(domain.ChannelWhatsApp, unconfigured(domain.ChannelWhatsApp))
	} else {
		twilioClient := provider.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.ProviderTimeout)
		reg.Register(domain.ChannelSMS, provider.NewSMSProvider(twilioClient, cfg.TwilioFromNumber, cfg.DefaultCountryISD))

		budget := provider.NewDailyBudget(cfg.WhatsAppDailyCap, nil)
		if kv != nil {
			budget.WithSharedStore(kv, logger)
		}
		wa := provider.NewWhatsAppProvider(twilioClient, cfg.WhatsAppFrom, cfg.DefaultCountryISD, budget)
		wa.OnBudgetChange(m.BudgetHook())
		reg.Register(domain.ChannelWhatsApp, wa)
	}

	var pub provider.Publisher
	if rs, ok := kv.(*kvstore.RedisStore); ok {
		pub = rs
	}
	reg.Register(domain.ChannelInApp, provider.NewInAppProvider(pub, logger))

	if missing := reg.Missing(); len(missing) > 0 {
		logger.Fatal("channels without a dispatcher", zap.Any("channels", missing))
	}
	return reg
}

func unconfigured(ch domain.Channel) provider.Provider {
	return provider.ProviderFunc(func(context.Context, provider.Message) (*provider.SendResponse, error) {
		return nil, &domain.ProviderError{
			Channel: ch,
			Type:    domain.ErrorAuth,
			Err:     errors.New(string(ch) + " provider credentials are not configured"),
		}
	})
}
