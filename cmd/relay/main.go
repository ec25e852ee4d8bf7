package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/pagetrail/pagetrail-go/config"
	"github.com/pagetrail/pagetrail-go/internal/middleware"
	"github.com/pagetrail/pagetrail-go/internal/redis"
	"github.com/pagetrail/pagetrail-go/internal/relay"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	if err := redis.Connect(context.Background(), cfg.Redis); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	log.Println("Redis connection established")

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(relay.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	server := relay.NewServer(cfg.MaxRoomPeers)

	// Room inspection API (authenticated)
	apiGroup := router.Group("/api")
	apiGroup.Use(relay.RateLimit(5, 10))
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", relay.Login(cfg.JWTSecret))

		// Room metadata and presence (requires JWT)
		apiGroup.GET("/rooms/:roomId", middleware.JWTAuth(cfg.JWTSecret), server.GetRoom)
	}

	// WebSocket signaling endpoint. Rooms are created implicitly by the
	// first authenticated join.
	wsGroup := router.Group("/ws")
	wsGroup.Use(relay.RateLimit(2, 5))
	{
		wsGroup.GET("/signal/:roomId", server.HandleSignaling)
	}

	// Start server
	log.Printf("Starting signaling relay on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
