package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/renewcast/coherent-go/internal/api/handlers"
	"github.com/renewcast/coherent-go/internal/database"
	"github.com/renewcast/coherent-go/internal/middleware"
	"github.com/renewcast/coherent-go/internal/services"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

func SetupRoutes(router *gin.Engine, db *database.PostgresDB, redis *database.RedisClient, svc *services.ReconciliationService, repo *database.ForecastRepository) {
	router.Use(middleware.TelemetryMiddleware())

	// Health check endpoints
	router.GET("/health", healthCheck(db, redis))
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	reconcileHandler := handlers.NewReconcileHandler(svc, repo)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.POST("/reconcile", reconcileHandler.Reconcile)

		hierarchies := v1.Group("/hierarchies")
		{
			hierarchies.POST("", reconcileHandler.CreateHierarchy)
			hierarchies.GET("", reconcileHandler.ListHierarchies)
			hierarchies.GET("/:id", reconcileHandler.GetHierarchy)
		}

		runs := v1.Group("/runs")
		{
			runs.GET("/:id", reconcileHandler.GetRun)
		}
	}
}

func healthCheck(db *database.PostgresDB, redis *database.RedisClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   "1.0.0",
			Services: Services{
				Database: "ok",
				Redis:    "ok",
			},
		}

		if db != nil {
			if err := db.HealthCheck(c.Request.Context()); err != nil {
				response.Status = "degraded"
				response.Services.Database = "unhealthy"
			}
		} else {
			response.Services.Database = "disabled"
		}

		if redis != nil {
			if err := redis.HealthCheck(c.Request.Context()); err != nil {
				response.Status = "degraded"
				response.Services.Redis = "unhealthy"
			}
		} else {
			response.Services.Redis = "disabled"
		}

		status := http.StatusOK
		if response.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, response)
	}
}
