package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lunarscape/roomd/internal/v1/config"
	"github.com/lunarscape/roomd/internal/v1/coordinator"
	"github.com/lunarscape/roomd/internal/v1/health"
	"github.com/lunarscape/roomd/internal/v1/logging"
	"github.com/lunarscape/roomd/internal/v1/middleware"
	"github.com/lunarscape/roomd/internal/v1/storage"
	"github.com/lunarscape/roomd/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if cfg.OTelCollectorAddr != "" {
		// Tracing failures must not keep the coordinator from starting.
		tp, err := tracing.InitTracer(context.Background(), "roomd", cfg.OTelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
		}
	}

	// --- Storage Backend ---
	var store storage.Store
	switch cfg.StorageBackend {
	case config.StorageRedis:
		store, err = storage.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		slog.Info("✅ Redis storage initialized", "addr", cfg.RedisAddr)
	case config.StorageBunt:
		store, err = storage.NewBunt(cfg.BuntPath)
		if err != nil {
			slog.Error("Failed to open BuntDB", "error", err, "path", cfg.BuntPath)
			os.Exit(1)
		}
		slog.Info("✅ Embedded BuntDB storage initialized", "path", cfg.BuntPath)
	}

	// --- Hub ---
	allowedOrigins := config.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := coordinator.NewHub(store, allowedOrigins, cfg.RoomGCGrace)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Error handling, correlation, tracing
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OTelCollectorAddr != "" {
		router.Use(otelgin.Middleware("roomd"))
	}

	// Routing
	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/room", hub.CreateRoom)
		apiGroup.GET("/room/:name/websocket", hub.ServeWs)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(store)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Room coordinator starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Disconnect every session and flush each room's queued writes.
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if err := store.Close(); err != nil {
		slog.Error("Failed to close storage backend:", "error", err)
	}

	slog.Info("Server exiting")
}
