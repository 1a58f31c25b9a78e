package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/renewcast/coherent-go/internal/api"
	"github.com/renewcast/coherent-go/internal/cache"
	"github.com/renewcast/coherent-go/internal/config"
	"github.com/renewcast/coherent-go/internal/database"
	"github.com/renewcast/coherent-go/internal/logging"
	"github.com/renewcast/coherent-go/internal/services"
	"github.com/renewcast/coherent-go/internal/telemetry"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewStandardOTLPLogger(logging.OTLPConfig{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
	})
	srvLog := logger.WithComponent("server")

	// Initialize tracing
	tp, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
	})
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			srvLog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Initialize database. The service degrades to compute-only when the
	// database is unreachable.
	var repo *database.ForecastRepository
	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		srvLog.Warn("running without persistence", "error", err)
	} else {
		defer db.Close()
		repo = database.NewForecastRepository(db.Pool)
	}

	// Initialize Redis
	var covCache *cache.RedisCovarianceCache
	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		srvLog.Warn("running without covariance cache", "error", err)
	} else {
		defer redis.Close()
		ttl, err := time.ParseDuration(cfg.Redis.CacheTTL)
		if err != nil {
			ttl = time.Hour
		}
		covCache = cache.NewRedisCovarianceCache(redis.Client, ttl)
	}

	workerTimeout, err := time.ParseDuration(cfg.Worker.Timeout)
	if err != nil {
		workerTimeout = 30 * time.Second
	}
	pool := services.NewWorkerPool(cfg.Worker.PoolSize, cfg.Worker.QueueSize, workerTimeout, logger.WithComponent("worker_pool"))
	defer pool.Stop()

	svc := services.NewReconciliationService(cfg.Reconcile, repo, covCache, pool, logger.WithComponent("reconcile"))

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	api.SetupRoutes(router, db, redis, svc, repo)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		srvLog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	srvLog.Info("shutting down server")

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	srvLog.Info("server exited")
}
