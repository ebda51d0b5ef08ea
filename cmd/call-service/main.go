package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"telecare-backend/internal/config"
	intDatabase "telecare-backend/internal/database"
	callHandler "telecare-backend/internal/handler/http/call"
	wsHandler "telecare-backend/internal/handler/ws"
	"telecare-backend/internal/middleware"
	"telecare-backend/internal/repository/cockroach"
	redisRepo "telecare-backend/internal/repository/redis"
	"telecare-backend/internal/room"
	callService "telecare-backend/internal/service/call"
	pkgDatabase "telecare-backend/pkg/database"
	"telecare-backend/pkg/env"
	"telecare-backend/pkg/jwt"
	"telecare-backend/pkg/logger"
	"telecare-backend/pkg/metrics"
)

func main() {
	cfg := config.LoadConfig()

	logFormat := "text"
	if cfg.IsProduction() {
		logFormat = "json"
	}
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: env.GetString("LOG_FORMAT", logFormat),
	}); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. JWT manager
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewManager(cfg.JWTSecret, 15*time.Minute, 30*24*time.Hour)

	// 2. CockroachDB with exponential backoff retry. The durable call record
	// store is authoritative for authorization, so the service cannot start
	// without it.
	db := connectCockroach(ctx, cfg)
	defer db.Close()
	callRepo := cockroach.NewCallRepository(db.Pool)

	// 3. Redis with degraded mode support. Everything Redis-backed here is
	// best-effort, so a failed connection only degrades the service.
	redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		logger.Warn("redis connection failed, starting degraded", zap.Error(err))
	} else {
		logger.Info("connected to redis")
	}
	defer redisDB.Close()
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 4. Core components
	appMetrics := metrics.NewMetrics("call-service")
	registry := room.NewRegistry()
	callSvc := callService.NewService(callRepo).WithMetrics(appMetrics)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)

	hub := wsHandler.NewHub(registry, callSvc, presenceRepo, appMetrics, cfg.AllowedOrigins, cfg.MaxConnections)
	callHdlr := callHandler.NewHandler(callSvc, registry)

	// 5. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	rateLimiter := middleware.NewRateLimiter(redisDB, cfg.RateLimitPerMin, time.Minute)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.TimeoutMiddleware(cfg.RequestTimeout))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	v1.Use(rateLimiter.Middleware())
	{
		v1.GET("/history", callHdlr.GetCallHistory)
		v1.GET("/:id", callHdlr.GetCall)
		v1.GET("/:id/occupancy", callHdlr.GetOccupancy)
		v1.POST("/:id/fail", callHdlr.FailCall)

		// WebSocket endpoint for WebRTC signaling
		v1.GET("/ws/signaling", hub.ServeWS)
	}

	// 6. Serve with graceful shutdown
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Info("call service starting",
			zap.Int("port", cfg.Port),
			zap.String("signaling", "/v1/calls/ws/signaling"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func connectCockroach(ctx context.Context, cfg *config.Config) *pkgDatabase.CockroachDB {
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var db *pkgDatabase.CockroachDB
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
		if err == nil {
			logger.Info("connected to cockroachdb", zap.Int("attempt", attempt))
			return db
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("cockroachdb connection failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		time.Sleep(delay)
	}

	logger.Fatal("could not connect to cockroachdb", zap.Error(err))
	return nil
}
