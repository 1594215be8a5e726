package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/nmestad/pairlink/config"
	"github.com/nmestad/pairlink/internal/logging"
	"github.com/nmestad/pairlink/internal/middleware"
	"github.com/nmestad/pairlink/internal/server"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	rdb, err := server.NewRedisClient(context.Background(), cfg.Redis)
	if err != nil {
		logging.Fatalf("hubserver: %v", err)
	}
	defer rdb.Close()
	logging.Infof("hubserver: redis connection established")

	store := server.NewRedisHistoryStore(rdb)
	hub := server.NewHub(store, rdb)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(server.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public, demo token issuance)
		apiGroup.POST("/auth/login", server.Login(cfg.JWTSecret))

		// Chat history (requires JWT)
		apiGroup.GET("/Chat/messages", middleware.JWTAuth(cfg.JWTSecret), server.ChatMessages(store))
	}

	// Hub websocket endpoint
	router.GET(cfg.HubPath, hub.Serve)

	// Start server
	logging.Infof("hubserver: starting on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		logging.Fatalf("hubserver: failed to start: %v", err)
	}
}
