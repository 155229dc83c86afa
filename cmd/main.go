package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/scribehub-backend/internal/app"
	"github.com/yungbote/scribehub-backend/internal/clients/gcp"
	redisclient "github.com/yungbote/scribehub-backend/internal/clients/redis"
	"github.com/yungbote/scribehub-backend/internal/dag"
	"github.com/yungbote/scribehub-backend/internal/db"
	httpserver "github.com/yungbote/scribehub-backend/internal/http"
	httpH "github.com/yungbote/scribehub-backend/internal/http/handlers"
	httpMW "github.com/yungbote/scribehub-backend/internal/http/middleware"
	"github.com/yungbote/scribehub-backend/internal/logger"
	"github.com/yungbote/scribehub-backend/internal/observability"
	"github.com/yungbote/scribehub-backend/internal/registry"
	"github.com/yungbote/scribehub-backend/internal/repos"
	"github.com/yungbote/scribehub-backend/internal/scheduler"
	"github.com/yungbote/scribehub-backend/internal/services"
	"github.com/yungbote/scribehub-backend/internal/sessions"
	"github.com/yungbote/scribehub-backend/internal/sse"
	"github.com/yungbote/scribehub-backend/internal/webhooks"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	cfg := app.Load(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "scribehub-api",
		Environment: cfg.OtelEnvironment,
		Version:     cfg.Version,
	})
	if shutdownOtel != nil {
		defer func() { _ = shutdownOtel(context.Background()) }()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Redis
	kv, err := redisclient.NewKV(log, cfg.RedisAddr)
	if err != nil {
		log.Error("Redis init failed", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	// Object store
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}

	// Repos
	log.Info("Setting up Repos from main...")
	jobRepo := repos.NewJobRepo(thePG, log)
	taskRepo := repos.NewTaskRepo(thePG, log)
	sessionRepo := repos.NewSessionRepo(thePG, log)
	auditRepo := repos.NewAuditRepo(thePG, log)
	endpointRepo := repos.NewWebhookEndpointRepo(thePG, log)
	deliveryRepo := repos.NewWebhookDeliveryRepo(thePG, log)

	// Engine variant table
	variants := dag.DefaultVariants()
	if cfg.VariantTablePath != "" {
		variants, err = dag.LoadVariants(cfg.VariantTablePath)
		if err != nil {
			log.Error("Variant table load failed", "path", cfg.VariantTablePath, "error", err)
			os.Exit(1)
		}
	}

	// Registry
	reg := registry.New(log, kv, registry.Config{HeartbeatStale: cfg.HeartbeatStale})

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewHub(log)
	forwarder := sse.NewForwarder(log, kv, sseHub)

	// Services
	log.Info("Setting up Services from main...")
	jobService := services.NewJobService(log, thePG, kv, jobRepo, taskRepo, auditRepo, variants)
	sessionRouter := sessions.NewRouter(log, kv, reg, sessionRepo, sessions.Config{
		WorkerStale: cfg.WorkerStale,
	})
	enqueuer := webhooks.NewEnqueuer(log, deliveryRepo, endpointRepo)
	dispatcher := webhooks.NewDispatcher(log, deliveryRepo, endpointRepo, webhooks.Config{})
	sched := scheduler.New(log, kv, thePG, jobRepo, taskRepo, auditRepo, reg, variants, enqueuer, scheduler.Config{
		ReplicaID:        cfg.ReplicaID,
		Shards:           cfg.SchedulerShards,
		DispatchRetry:    cfg.DispatchRetry,
		DispatchDeadline: cfg.DispatchDeadline,
		MaxAttempts:      cfg.MaxRetries,
	})
	sweeper := services.NewRetentionSweeper(log, bucketService, jobRepo, taskRepo, sessionRepo, services.RetentionConfig{
		Interval: cfg.RetentionInterval,
	})

	// Handlers
	authMW := httpMW.NewAuthMiddleware(log, []byte(cfg.JWTSecret))
	server := httpserver.NewServer(httpserver.RouterConfig{
		Log:            log,
		AuthMiddleware: authMW,
		JobHandler:     httpH.NewJobHandler(log, jobService, sseHub, forwarder),
		SessionHandler: httpH.NewSessionHandler(log, sessionRouter, sessionRepo),
		WebhookHandler: httpH.NewWebhookHandler(log, endpointRepo),
		AdminHandler:   httpH.NewAdminHandler(log, reg, jobService, sessionRouter, deliveryRepo),
		HealthHandler:  httpH.NewHealthHandler(thePG, kv),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		sessionRouter.RunHealthLoop(gctx)
		return gctx.Err()
	})
	g.Go(func() error {
		registry.StartSweeper(gctx, log, reg, cfg.HeartbeatInterval)
		return gctx.Err()
	})
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		return server.Run(gctx, cfg.HTTPAddr)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("control plane exited", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
