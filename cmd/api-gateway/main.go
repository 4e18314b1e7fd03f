package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/litreview-api/api/swagger"
	"github.com/noah-isme/litreview-api/internal/handler"
	"github.com/noah-isme/litreview-api/internal/middleware"
	"github.com/noah-isme/litreview-api/internal/permission"
	"github.com/noah-isme/litreview-api/internal/repository"
	"github.com/noah-isme/litreview-api/internal/service"
	"github.com/noah-isme/litreview-api/pkg/cache"
	"github.com/noah-isme/litreview-api/pkg/config"
	"github.com/noah-isme/litreview-api/pkg/database"
	"github.com/noah-isme/litreview-api/pkg/jobs"
	"github.com/noah-isme/litreview-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/litreview-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/litreview-api/pkg/middleware/requestid"
)

// @title Literature Review API
// @version 1.0.0
// @description Case allocation and review workflow for safety literature
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.QueueConfig.CacheEnabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, queue config cache disabled", zap.Error(err))
			redisClient = nil
		}
	}

	gate, err := permission.Load(cfg.Permissions.File)
	if err != nil {
		logr.Fatal("failed to load permissions", zap.Error(err))
	}

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	caseRepo := repository.NewCaseRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	queueConfigRepo := repository.NewQueueConfigRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, "litreview", logr)
	defer cacheRepo.Close() //nolint:errcheck

	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.QueueConfig.CacheTTL, logr, redisClient != nil)
	queueConfigSvc := service.NewQueueConfigService(queueConfigRepo, cfg.Allocation.DefaultLockTTL, logr,
		service.WithQueueConfigCache(cacheSvc, cfg.QueueConfig.CacheTTL))
	tokenSvc := service.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer)

	auditSvc := service.NewAuditService(auditRepo, logr,
		service.WithAuditMetrics(metricsSvc),
		service.WithAuditQueue(jobs.QueueConfig{
			Workers:    cfg.Audit.Workers,
			BufferSize: cfg.Audit.BufferSize,
			MaxRetries: cfg.Audit.MaxRetries,
			RetryDelay: cfg.Audit.RetryDelay,
			Logger:     logr,
		}))
	auditSvc.Start(context.WithoutCancel(ctx))

	allocationSvc := service.NewAllocationService(caseRepo, queueConfigSvc, gate, validate, logr,
		service.WithAllocationLimits(cfg.Allocation.MaxBatchSize, cfg.Allocation.CandidateWindow),
		service.WithAllocationDefaultTTL(cfg.Allocation.DefaultLockTTL),
		service.WithAllocationMetrics(metricsSvc))
	reviewSvc := service.NewReviewService(caseRepo, queueConfigSvc, gate, auditSvc, validate, logr,
		service.WithReviewMetrics(metricsSvc),
		service.WithReviewDefaultTTL(cfg.Allocation.DefaultLockTTL))
	sweeper := service.NewLockSweeper(caseRepo, queueConfigSvc, cfg.Allocation.SweepInterval,
		cfg.Allocation.SweepConcurrency, cfg.Allocation.DefaultLockTTL, logr,
		service.WithSweeperMetrics(metricsSvc))

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	caseHandler := handler.NewCaseHandler(allocationSvc, reviewSvc)
	queueConfigHandler := handler.NewQueueConfigHandler(queueConfigSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(tokenSvc), middleware.KnownRole(gate))

	cases := api.Group("/cases")
	cases.POST("/allocate", caseHandler.Allocate)
	cases.POST("/no-case/allocate", caseHandler.AllocateNoCase)
	cases.POST("/release", caseHandler.Release)
	cases.GET("/batch", caseHandler.CurrentBatch)
	cases.GET("/:id", caseHandler.Get)
	cases.GET("/:id/suggestion", caseHandler.Suggestion)
	cases.GET("/:id/audit", caseHandler.Audit)
	cases.POST("/:id/classify", caseHandler.Classify)
	cases.POST("/:id/approve", caseHandler.Approve)
	cases.POST("/:id/reject", caseHandler.Reject)
	cases.POST("/:id/revoke", caseHandler.Revoke)
	cases.POST("/:id/data-entry/start", caseHandler.StartDataEntry)
	cases.POST("/:id/data-entry/complete", caseHandler.CompleteDataEntry)
	cases.POST("/:id/medical-review", caseHandler.SubmitMedicalReview)
	cases.POST("/:id/finalize", caseHandler.FinalizeReport)

	api.GET("/queue-config", middleware.RequirePermission(gate, service.ResourceQueueConfig, service.ActionRead), queueConfigHandler.Get)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logr.Error("server failed", zap.Error(err))
		}
		stop()
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("server shutdown incomplete", zap.Error(err))
	}
	<-sweepDone
	auditSvc.Stop()
}
