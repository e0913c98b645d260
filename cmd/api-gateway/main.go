package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/prm-deal-api/api/swagger"
	"github.com/noah-isme/prm-deal-api/internal/handler"
	"github.com/noah-isme/prm-deal-api/internal/middleware"
	"github.com/noah-isme/prm-deal-api/internal/models"
	"github.com/noah-isme/prm-deal-api/internal/repository"
	"github.com/noah-isme/prm-deal-api/internal/service"
	"github.com/noah-isme/prm-deal-api/pkg/cache"
	"github.com/noah-isme/prm-deal-api/pkg/config"
	"github.com/noah-isme/prm-deal-api/pkg/database"
	"github.com/noah-isme/prm-deal-api/pkg/jobs"
	"github.com/noah-isme/prm-deal-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/prm-deal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/prm-deal-api/pkg/middleware/requestid"
	"github.com/noah-isme/prm-deal-api/pkg/storage"
	"github.com/noah-isme/prm-deal-api/pkg/stream"
)

// @title PRM Deal API
// @version 1.0.0
// @description Partner deal registration, approval workflow and channel-conflict resolution
// @BasePath /api/v1
// @schemes http https
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		// the pipeline overview is served uncached rather than failing startup
		logr.Warn("redis unavailable, caching disabled", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := service.NewMetricsService()

	var cacheStore service.CacheStore
	cacheRepo := repository.NewCacheRepository(redisClient)
	if redisClient != nil {
		cacheStore = cacheRepo
	}
	cacheSvc := service.NewCacheService(cacheStore, metrics, cfg.Pipeline.CacheTTL, logr)

	auditQueue, closeSinks, err := buildAuditFanout(ctx, cfg.Audit, metrics, logr)
	if err != nil {
		return err
	}
	defer closeSinks()

	auditRepo := repository.NewAuditRepository(db)
	auditOpts := []service.AuditServiceOption{}
	if auditQueue != nil {
		auditQueue.Start(context.WithoutCancel(ctx))
		defer auditQueue.Stop()
		auditOpts = append(auditOpts, service.WithAuditQueue(auditQueue))
	}
	auditSvc := service.NewAuditService(auditRepo, auditRepo, logr, auditOpts...)

	uow := service.NewSQLUnitOfWork(db)
	dealRepo := repository.NewDealRepository(db)

	pipelineSvc := service.NewPipelineService(dealRepo, cacheSvc, cfg.Pipeline.CacheTTL, logr)

	tierSchedule := service.TierScheduleFromConfig(cfg.Tiers)
	policies := service.ConflictPoliciesFromConfig(cfg.Conflicts)
	resolver := service.NewConflictResolver(logr)
	detectorOpts := []service.ConflictDetectorOption{}
	if cfg.Conflicts.AutoResolveOnDetect {
		detectorOpts = append(detectorOpts, service.WithAutoResolveOnDetect(resolver))
	}
	detector := service.NewConflictDetector(policies, logr, detectorOpts...)

	workflow := service.NewDealWorkflowService(uow, dealRepo, repository.NewGateRepository(db), auditSvc, logr,
		service.WithScoringEngine(service.NewScoringEngine(cfg.Deals.NeutralScore, logr)),
		service.WithConflictDetector(detector),
		service.WithConflictResolver(resolver),
		service.WithApprovalPolicy(service.NewApprovalPolicy(cfg.Deals.ExecutiveThreshold)),
		service.WithCommissionCalculator(service.NewCommissionCalculator(tierSchedule)),
		service.WithWorkflowPipeline(pipelineSvc),
		service.WithWorkflowMetrics(metrics),
	)
	conflictSvc := service.NewConflictService(uow, repository.NewConflictRepository(db), resolver, auditSvc, logr,
		service.WithConflictPolicies(policies),
		service.WithConflictPipeline(pipelineSvc),
		service.WithConflictMetrics(metrics),
	)
	ruleSetSvc := service.NewRuleSetService(uow, repository.NewScoringRuleRepository(db), auditSvc, logr)
	statementSvc := service.NewCommissionStatementService(dealRepo, repository.NewPartnerRepository(db), logr,
		service.WithStatementTierSchedule(tierSchedule))
	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metrics))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	metricsHandler := handler.NewMetricsHandler(metrics, map[string]handler.Pinger{
		"postgres": dbPinger{db},
		"redis":    cacheRepo,
	})
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r.Group(cfg.APIPrefix), routeDeps{
		auth:       authSvc,
		deals:      handler.NewDealHandler(workflow),
		conflicts:  handler.NewConflictHandler(conflictSvc),
		pipeline:   handler.NewPipelineHandler(pipelineSvc),
		scoring:    handler.NewScoringHandler(ruleSetSvc),
		commission: handler.NewCommissionHandler(statementSvc),
		audit:      handler.NewAuditHandler(auditSvc, workflow),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type routeDeps struct {
	auth       middleware.TokenValidator
	deals      *handler.DealHandler
	conflicts  *handler.ConflictHandler
	pipeline   *handler.PipelineHandler
	scoring    *handler.ScoringHandler
	commission *handler.CommissionHandler
	audit      *handler.AuditHandler
}

func registerRoutes(api *gin.RouterGroup, d routeDeps) {
	internal := []models.UserRole{models.RoleManager, models.RoleCompliance, models.RoleExecutive, models.RoleAdmin}

	api.Use(middleware.JWT(d.auth))

	deals := api.Group("/deals")
	deals.POST("", d.deals.Register)
	deals.GET("", d.deals.List)
	deals.GET("/:id", d.deals.Get)
	deals.GET("/:id/audit", d.audit.DealTrail)
	deals.POST("/:id/advance", d.deals.Advance)
	deals.POST("/:id/reject", middleware.RequireRoles(internal...), d.deals.Reject)
	deals.POST("/:id/resubmit", d.deals.Resubmit)
	deals.POST("/:id/gates/:gate", middleware.RequireRoles(internal...), d.deals.DecideGate)
	// partners may withdraw their own deals; closing as WON is refused in the service
	deals.POST("/:id/close", d.deals.Close)
	deals.POST("/:id/override", middleware.RequireRoles(models.RoleAdmin), d.deals.Override)

	conflicts := api.Group("/conflicts", middleware.RequireRoles(internal...))
	conflicts.GET("", d.conflicts.List)
	conflicts.GET("/export", d.conflicts.Export)
	conflicts.GET("/:id", d.conflicts.Get)
	conflicts.POST("/:id/resolve", d.conflicts.Resolve)
	conflicts.POST("/:id/decide", middleware.RequireRoles(models.RoleAdmin), d.conflicts.Decide)

	api.GET("/pipeline", middleware.RequireRoles(internal...), middleware.WithResponseMeta(), d.pipeline.Overview)

	scoring := api.Group("/scoring/rules", middleware.RequireRoles(internal...))
	scoring.GET("", d.scoring.Active)
	scoring.GET("/:version", d.scoring.Version)
	scoring.POST("", middleware.RequireRoles(models.RoleAdmin), d.scoring.Publish)

	api.GET("/partners/:id/commission-statement", d.commission.Statement)
	api.GET("/audit", middleware.RequireRoles(models.RoleCompliance, models.RoleAdmin), d.audit.List)
}

// buildAuditFanout wires the configured audit sinks behind a worker queue. It
// returns a nil queue when no sink is configured.
func buildAuditFanout(ctx context.Context, cfg config.AuditConfig, metrics *service.MetricsService, logr *zap.Logger) (*jobs.Queue, func(), error) {
	noop := func() {}
	if !cfg.FanoutEnabled() {
		return nil, noop, nil
	}

	var publisher interface {
		PublishJSON(ctx context.Context, key string, v interface{}, headers map[string]string) error
	}
	closeSinks := noop
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := stream.NewProducer(stream.ProducerConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, noop, fmt.Errorf("kafka producer: %w", err)
		}
		publisher = producer
		closeSinks = func() {
			if err := producer.Close(); err != nil {
				logr.Warn("close kafka producer", zap.Error(err))
			}
		}
	}

	var archiver storage.Archiver
	switch {
	case cfg.S3Bucket != "":
		s3, err := storage.NewS3Archiver(ctx, cfg.S3Bucket)
		if err != nil {
			return nil, closeSinks, fmt.Errorf("s3 archiver: %w", err)
		}
		archiver = s3
	case cfg.ArchiveDir != "":
		local, err := storage.NewLocalArchiver(cfg.ArchiveDir)
		if err != nil {
			return nil, closeSinks, fmt.Errorf("local archiver: %w", err)
		}
		archiver = local
	}

	fanout := service.NewAuditFanout(publisher, archiver, cfg.S3Prefix, metrics, logr)
	queue := jobs.NewQueue("audit-fanout", fanout.Handle, jobs.QueueConfig{
		Workers:    cfg.FanoutWorkers,
		MaxRetries: cfg.FanoutRetries,
		RetryDelay: time.Second,
		Logger:     logr,
	})
	return queue, closeSinks, nil
}

type dbPinger struct{ db *sqlx.DB }

func (p dbPinger) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
