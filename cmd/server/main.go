package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stockroom-system/config"
	"stockroom-system/internal/database"
	"stockroom-system/internal/ledger"
	"stockroom-system/internal/readmodel"
	"stockroom-system/internal/registry"
	"stockroom-system/internal/server/handlers"
	"stockroom-system/internal/server/middleware"
	"stockroom-system/internal/utils"
)

func main() {
	cfg := config.LoadConfig()
	utils.SetSecret(cfg.Auth.JWTSecret)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	db, err := database.NewConnection(cfg.DB.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to db: %v", err)
	}
	if err := database.MigrateInventoryDB(db); err != nil {
		log.Fatalf("Failed to migrate inventory database: %v", err)
	}

	redisClient := config.NewRedisClient(cfg.Redis)
	defer redisClient.Close()

	locationRegistry := registry.New(db, logger)
	if err := locationRegistry.EnsureDefault(context.Background()); err != nil {
		log.Fatalf("Failed to ensure default location: %v", err)
	}

	ledgerService := ledger.NewService(db, redisClient, logger)
	readService := readmodel.NewService(db, redisClient, logger)
	inventoryHandler := handlers.NewInventoryHTTPHandler(ledgerService, locationRegistry, readService, db)

	r := gin.Default()
	r.Use(middleware.CORS())
	r.Use(middleware.RateLimit(cfg.HTTP.RateLimit))

	protected := r.Group("/api/v1")
	protected.Use(middleware.JWTAuth())
	{
		protected.POST("/adjustments", inventoryHandler.ApplyAdjustment)
		protected.GET("/adjustments", inventoryHandler.GetHistory)

		protected.POST("/transfers", inventoryHandler.Transfer)
		protected.POST("/reservations", inventoryHandler.Reserve)
		protected.POST("/reservations/release", inventoryHandler.Release)

		protected.PUT("/stock-levels/reorder", inventoryHandler.SetReorderPoint)
		protected.POST("/stock-counts", inventoryHandler.RecordCount)

		protected.GET("/variants/:id/summary", inventoryHandler.GetSummary)
		protected.GET("/low-stock", inventoryHandler.ListLowStock)

		locations := protected.Group("/locations")
		{
			locations.POST("", inventoryHandler.CreateLocation)
			locations.GET("", inventoryHandler.ListLocations)
			locations.PUT("/:id/default", inventoryHandler.SetDefaultLocation)
			locations.PUT("/:id/active", inventoryHandler.SetLocationActive)
		}

		protected.POST("/products", inventoryHandler.UpsertProduct)
	}

	r.GET("/health", healthCheckHandler(db, redisClient))

	port := ":" + cfg.HTTP.Port
	log.Printf("Starting server on port %s", port)
	if err := r.Run(port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func healthCheckHandler(db *gorm.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		httpStatus := http.StatusOK
		services := gin.H{"database": "healthy", "redis": "healthy"}

		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			services["database"] = "unavailable"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			services["redis"] = "unavailable"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}

		c.JSON(httpStatus, gin.H{
			"status":    status,
			"services":  services,
			"timestamp": time.Now(),
		})
	}
}
