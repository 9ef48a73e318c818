package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/atelierhq/techpack-api/api/swagger"
	"github.com/atelierhq/techpack-api/internal/diff"
	"github.com/atelierhq/techpack-api/internal/handler"
	"github.com/atelierhq/techpack-api/internal/middleware"
	"github.com/atelierhq/techpack-api/internal/repository"
	"github.com/atelierhq/techpack-api/internal/service"
	"github.com/atelierhq/techpack-api/pkg/cache"
	"github.com/atelierhq/techpack-api/pkg/config"
	"github.com/atelierhq/techpack-api/pkg/database"
	"github.com/atelierhq/techpack-api/pkg/logger"
	corsmiddleware "github.com/atelierhq/techpack-api/pkg/middleware/cors"
	reqidmiddleware "github.com/atelierhq/techpack-api/pkg/middleware/requestid"
)

// @title TechPack API
// @version 1.0.0
// @description Revision history, comparison, and revert for tech pack documents
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
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, running without cache", "error", err)
		} else {
			cacheRepo := repository.NewCacheRepository(redisClient, logr)
			cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.DefaultTTL, logr, true)
		}
	}

	userRepo := repository.NewUserRepository(db)
	revisionRepo := repository.NewRevisionRepository(db).WithMetrics(metricsSvc)
	techPackRepo := repository.NewTechPackRepository(db, revisionRepo).WithMetrics(metricsSvc)
	notificationRepo := repository.NewNotificationRepository(db)

	validate := validator.New()
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "techpack-api",
	})

	engine := diff.NewEngine(logr)
	sequencer := service.NewVersionSequencer(revisionRepo)

	revisionSvc := service.NewRevisionService(revisionRepo, techPackRepo, engine, sequencer, logr,
		service.WithRevisionSideEffects(cacheSvc, userRepo, notificationRepo, cfg.Revisions.SideEffectTimeout),
		service.WithRevisionMetrics(metricsSvc),
		service.WithRevisionCache(cacheSvc, cfg.Cache.DefaultTTL),
		service.WithMaxDiffPaths(cfg.Revisions.MaxDiffPaths),
	)
	revertSvc := service.NewRevertService(techPackRepo, revisionRepo, engine, sequencer, logr,
		service.WithRevertSideEffects(cacheSvc, userRepo, notificationRepo, cfg.Revisions.SideEffectTimeout),
		service.WithRevertMetrics(metricsSvc),
	)

	authHandler := handler.NewAuthHandler(authSvc)
	revisionHandler := handler.NewRevisionHandler(revisionSvc, revertSvc)
	notificationHandler := handler.NewNotificationHandler(notificationRepo)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))
	protected.GET("/techpacks/:id/revisions", revisionHandler.List)
	protected.GET("/techpacks/:id/revisions/compare", revisionHandler.Compare)
	protected.POST("/techpacks/:id/revisions/:revisionId/revert", revisionHandler.Revert)
	protected.GET("/revisions/:id", revisionHandler.Get)
	protected.POST("/revisions/:id/comments", revisionHandler.AddComment)
	protected.GET("/notifications", notificationHandler.List)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
