// Package main is the entry point for the brokerd server: a multi-tenant
// job broker with a Redis-compatible backing store and a libsql metadata
// store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/jmylchreest/brokerd/internal/auth"
	"github.com/jmylchreest/brokerd/internal/backing"
	"github.com/jmylchreest/brokerd/internal/config"
	"github.com/jmylchreest/brokerd/internal/crypto"
	"github.com/jmylchreest/brokerd/internal/database"
	"github.com/jmylchreest/brokerd/internal/http/handlers"
	"github.com/jmylchreest/brokerd/internal/http/mw"
	"github.com/jmylchreest/brokerd/internal/logging"
	"github.com/jmylchreest/brokerd/internal/metrics"
	"github.com/jmylchreest/brokerd/internal/queue"
	"github.com/jmylchreest/brokerd/internal/repository"
	"github.com/jmylchreest/brokerd/internal/scheduler"
	"github.com/jmylchreest/brokerd/internal/subscription"
	"github.com/jmylchreest/brokerd/internal/tracker"
	"github.com/jmylchreest/brokerd/internal/version"
	"github.com/jmylchreest/brokerd/internal/webhook"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting brokerd",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Metadata store
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to metadata store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	repos := repository.NewRepositories(db)

	// Backing store
	store, err := backing.New(backing.Options{
		Addr:          cfg.RedisAddr(),
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		TLS:           cfg.RedisTLS(),
		TLSSkipVerify: cfg.RedisTLSSkipVerify,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to backing store", "error", err, "addr", cfg.RedisAddr())
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize encryptor", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	resolver := auth.NewResolver(repos.Application, cfg.MasterAPIKey, cfg.APIKeyAuth, logger)
	queues := queue.NewManager(store, logger)
	dispatcher := webhook.NewDispatcher(repos.AppWebhook, encryptor, logger)
	engine := subscription.NewEngine(repos.Subscription, logger)

	trk := tracker.New(store, queues, cfg.DispatchWorkers, []tracker.Notifier{
		dispatcher,
		engine,
		metrics.EventCounter{},
	}, logger)
	if err := trk.Start(ctx); err != nil {
		logger.Error("failed to start tracker", "error", err)
		os.Exit(1)
	}
	defer trk.Stop()

	maintainer := backing.NewMaintainer(store, backing.MaintainerConfig{
		CompletedRetention: cfg.CompletedJobRetention,
		FailedRetention:    cfg.FailedJobRetention,
	}, logger)
	maintainer.Start(ctx)
	defer maintainer.Stop()

	schedSvc := scheduler.NewService(repos.Schedule, store, logger)
	runner := scheduler.NewRunner(schedSvc, 0)
	if err := runner.Start(ctx); err != nil {
		logger.Error("failed to start schedule runner", "error", err)
		os.Exit(1)
	}
	defer runner.Stop()

	// Standalone metrics listener
	var metricsSrv *metrics.Server
	if cfg.MetricsPort > 0 {
		metricsSrv = metrics.NewServer(cfg.MetricsPort, logger)
		metricsSrv.Start()
	}

	// Router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(mw.Metrics())
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "x-api-key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(middleware.RequestSize(1 * 1024 * 1024))
	router.Use(httprate.Limit(cfg.RateLimitMax, cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
	))

	handlers.InstallErrorEnvelope()

	humaConfig := huma.DefaultConfig("brokerd", v.Version)
	humaConfig.Info.Description = "Multi-tenant background job broker: queues, lifecycle tracking, webhooks, subscriptions, and schedules."
	humaConfig.Servers = []*huma.Server{{URL: cfg.BaseURL}}
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"apiKey": {
			Type: "apiKey",
			In:   "header",
			Name: "x-api-key",
		},
	}
	api := humachi.New(router, humaConfig)

	// Health is public
	healthHandler := handlers.NewHealthHandler(db, store)
	huma.Get(api, "/health", healthHandler.Health)

	// Everything else requires a resolvable key
	router.Group(func(r chi.Router) {
		r.Use(mw.Auth(resolver))

		protectedConfig := huma.DefaultConfig("brokerd", v.Version)
		protectedConfig.DocsPath = ""
		protectedConfig.OpenAPIPath = ""
		protectedConfig.SchemasPath = ""
		protected := humachi.New(r, protectedConfig)

		jobHandler := handlers.NewJobHandler(trk)
		huma.Post(protected, "/api/jobs", jobHandler.SubmitJob)
		huma.Get(protected, "/api/jobs", jobHandler.ListJobs)
		huma.Get(protected, "/api/jobs/{id}", jobHandler.GetJob)
		huma.Put(protected, "/api/jobs/{id}", jobHandler.UpdateJob)
		huma.Post(protected, "/api/jobs/{id}/webhook", jobHandler.RegisterJobWebhook)
		huma.Post(protected, "/api/queues/{name}/claim", jobHandler.ClaimJob)

		queueHandler := handlers.NewQueueHandler(queues)
		huma.Get(protected, "/api/queues", queueHandler.ListQueues)
		huma.Post(protected, "/api/queues", queueHandler.CreateQueue)
		huma.Get(protected, "/api/queues/stats", queueHandler.ListQueueStats)
		huma.Get(protected, "/api/queues/{name}/stats", queueHandler.GetQueueStats)
		huma.Post(protected, "/api/queues/{name}/pause", queueHandler.PauseQueue)
		huma.Post(protected, "/api/queues/{name}/resume", queueHandler.ResumeQueue)
		huma.Post(protected, "/api/queues/{name}/clean", queueHandler.CleanQueue)

		appHandler := handlers.NewApplicationHandler(repos.Application)
		huma.Post(protected, "/api/applications", appHandler.CreateApplication)
		huma.Get(protected, "/api/applications", appHandler.ListApplications)
		huma.Get(protected, "/api/applications/{id}", appHandler.GetApplication)
		huma.Patch(protected, "/api/applications/{id}", appHandler.UpdateApplication)
		huma.Delete(protected, "/api/applications/{id}", appHandler.DeleteApplication)
		huma.Post(protected, "/api/applications/{id}/regenerate-key", appHandler.RegenerateKey)

		webhookHandler := handlers.NewWebhookHandler(repos.AppWebhook, dispatcher, encryptor)
		huma.Post(protected, "/api/webhooks", webhookHandler.CreateWebhook)
		huma.Get(protected, "/api/webhooks", webhookHandler.ListWebhooks)
		huma.Get(protected, "/api/webhooks/{id}", webhookHandler.GetWebhook)
		huma.Patch(protected, "/api/webhooks/{id}", webhookHandler.UpdateWebhook)
		huma.Delete(protected, "/api/webhooks/{id}", webhookHandler.DeleteWebhook)
		huma.Post(protected, "/api/webhooks/{id}/test", webhookHandler.TestWebhook)
		huma.Post(protected, "/api/webhooks/{id}/regenerate-secret", webhookHandler.RegenerateSecret)

		subHandler := handlers.NewSubscriptionHandler(repos.Subscription, engine)
		huma.Post(protected, "/api/subscriptions", subHandler.CreateSubscription)
		huma.Get(protected, "/api/subscriptions", subHandler.ListSubscriptions)
		huma.Get(protected, "/api/subscriptions/{id}", subHandler.GetSubscription)
		huma.Put(protected, "/api/subscriptions/{id}", subHandler.UpdateSubscription)
		huma.Delete(protected, "/api/subscriptions/{id}", subHandler.DeleteSubscription)
		huma.Post(protected, "/api/subscriptions/{id}/test", subHandler.TestSubscription)

		scheduleHandler := handlers.NewScheduleHandler(schedSvc)
		huma.Post(protected, "/api/schedules", scheduleHandler.CreateSchedule)
		huma.Get(protected, "/api/schedules", scheduleHandler.ListSchedules)
		huma.Get(protected, "/api/schedules/{id}", scheduleHandler.GetSchedule)
		huma.Put(protected, "/api/schedules/{id}", scheduleHandler.UpdateSchedule)
		huma.Delete(protected, "/api/schedules/{id}", scheduleHandler.DeleteSchedule)
		huma.Patch(protected, "/api/schedules/{id}/toggle", scheduleHandler.ToggleSchedule)
		huma.Post(protected, "/api/schedules/{id}/execute", scheduleHandler.ExecuteSchedule)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr, "base_url", cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}
	logger.Info("brokerd stopped")
}
