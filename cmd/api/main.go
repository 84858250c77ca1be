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
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/classhub/assignment-api/api/swagger"
	"github.com/classhub/assignment-api/internal/handler"
	"github.com/classhub/assignment-api/internal/middleware"
	"github.com/classhub/assignment-api/internal/models"
	"github.com/classhub/assignment-api/internal/repository"
	"github.com/classhub/assignment-api/internal/service"
	"github.com/classhub/assignment-api/pkg/cache"
	"github.com/classhub/assignment-api/pkg/config"
	"github.com/classhub/assignment-api/pkg/database"
	"github.com/classhub/assignment-api/pkg/logger"
	corsmiddleware "github.com/classhub/assignment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/classhub/assignment-api/pkg/middleware/requestid"
	"github.com/classhub/assignment-api/pkg/storage"
)

// @title Assignment API
// @version 1.0.0
// @description Assignment lifecycle, attachments and grading for ClassHub
// @BasePath /api/v1
// @schemes http

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close() //nolint:errcheck

	localStorage, err := storage.NewLocalStorage(cfg.Uploads.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init upload storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Uploads.SignedURLSecret, cfg.Uploads.SignedURLTTL)

	validate := validator.New()
	metrics := service.NewMetricsService()

	// Repositories.
	assignmentRepo := repository.NewAssignmentRepository(db)
	fileRepo := repository.NewFileRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	userRepo := repository.NewUserRepository(db)

	// The list cache degrades to a no-op when Redis is absent.
	var cacheSvc *service.CacheService
	var cacheRepo *repository.CacheRepository
	if cfg.Cache.Enabled {
		redisClient, redisErr := cache.NewRedis(cfg.Redis)
		if redisErr != nil {
			logr.Sugar().Warnw("redis unavailable, caching disabled", "error", redisErr)
		} else {
			cacheRepo = repository.NewCacheRepository(redisClient, logr)
			cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, true)
		}
	}
	if cacheRepo != nil {
		defer cacheRepo.Close() //nolint:errcheck
	}

	// Services.
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	assignmentSvc := service.NewAssignmentService(assignmentRepo, cacheSvc, userRepo, metrics, validate, logr)
	uploadSvc := service.NewUploadService(fileRepo, localStorage, signer, userRepo, metrics, logr, service.UploadServiceConfig{
		Policy: service.UploadPolicy{
			MaxFileSizeBytes:  cfg.Uploads.MaxFileSizeBytes,
			AllowedExtensions: cfg.Uploads.AllowedExtensions,
			AllowedMIMEs:      cfg.Uploads.AllowedMIMEs,
			MaxAttachments:    cfg.Uploads.MaxAttachments,
		},
		APIPrefix: cfg.APIPrefix,
	})
	submissionSvc := service.NewSubmissionService(submissionRepo, assignmentRepo, uploadSvc, userRepo, validate, logr)
	exportSvc := service.NewExportService(assignmentRepo, submissionRepo, logr)

	var retentionSvc *service.RetentionService
	if cfg.Retention.Enabled {
		retentionSvc = service.NewRetentionService(assignmentRepo, submissionRepo, fileRepo, localStorage, metrics, logr, service.RetentionConfig{
			SweepInterval:     cfg.Retention.SweepInterval,
			WorkerConcurrency: cfg.Retention.WorkerConcurrency,
			WorkerRetries:     cfg.Retention.WorkerRetries,
		})
		retentionSvc.Start(context.Background())
		defer retentionSvc.Stop()
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	assignmentHandler := handler.NewAssignmentHandler(assignmentSvc, uploadSvc, exportSvc)
	fileHandler := handler.NewFileHandler(uploadSvc)
	submissionHandler := handler.NewSubmissionHandler(submissionSvc)
	metricsHandler := handler.NewMetricsHandler(metrics, retentionSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))

	teacherOnly := middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin)

	assignments := authed.Group("/assignments")
	{
		assignments.POST("", teacherOnly, assignmentHandler.Create)
		assignments.GET("", assignmentHandler.List)
		assignments.GET("/:id", assignmentHandler.Get)
		assignments.PATCH("/:id", teacherOnly, assignmentHandler.Update)
		assignments.DELETE("/:id", teacherOnly, assignmentHandler.Delete)
		assignments.POST("/:id/publish", teacherOnly, assignmentHandler.Publish)
		assignments.POST("/:id/close", teacherOnly, assignmentHandler.Close)
		assignments.GET("/:id/grades/export", teacherOnly, assignmentHandler.ExportGrades)

		assignments.POST("/:id/files", teacherOnly, fileHandler.Upload)
		assignments.GET("/:id/files", fileHandler.List)

		assignments.POST("/:id/submissions", middleware.RequireRoles(models.RoleStudent), submissionHandler.Submit)
		assignments.GET("/:id/submissions", submissionHandler.List)
	}

	files := authed.Group("/files")
	{
		files.GET("/:id/url", fileHandler.GetDownloadURL)
		files.DELETE("/:id", teacherOnly, fileHandler.Delete)
	}
	// Downloads authenticate through the signed token instead of a JWT so
	// links can be opened outside the SPA.
	api.GET("/files/:id/download", fileHandler.Download)

	submissions := authed.Group("/submissions")
	{
		submissions.GET("/:id", submissionHandler.Get)
		submissions.POST("/:id/grade", teacherOnly, submissionHandler.Grade)
	}

	admin := authed.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleAdmin))
	{
		admin.GET("/metrics", metricsHandler.Snapshot)
		admin.POST("/retention/sweep", metricsHandler.TriggerRetentionSweep)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logr.Sugar().Warnw("forced shutdown", "error", err)
	}
}
