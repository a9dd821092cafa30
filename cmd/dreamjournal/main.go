package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Aidin1998/dreamjournal-api/internal/auth"
	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/config"
	"github.com/Aidin1998/dreamjournal-api/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/dreamjournal-api/internal/server"
	"github.com/Aidin1998/dreamjournal-api/pkg/logger"
	"github.com/Aidin1998/dreamjournal-api/pkg/tracing"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
		if cfg.RateLimit.BypassHeader.Enabled {
			zapLogger.Warn("rate limit bypass header is enabled in production",
				zap.String("header", cfg.RateLimit.BypassHeader.Name))
		}
	}

	// Tracing must be installed before limiters are built so they pick up the provider
	shutdownTracing, err := tracing.Setup(context.Background(), tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// Connect the counter store
	redisClient, err := ratelimit.NewRedisClient(cfg.RedisClientOptions())
	if err != nil {
		zapLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	store := ratelimit.NewRedisStore(redisClient, zapLogger,
		ratelimit.WithHealthCheckTimeout(cfg.RateLimit.HealthCheckTimeout))
	defer store.Close()

	table, err := cfg.LimiterTable()
	if err != nil {
		zapLogger.Fatal("Invalid limiter configuration", zap.Error(err))
	}
	registry, err := ratelimit.NewRegistry(store, table)
	if err != nil {
		zapLogger.Fatal("Failed to build limiter registry", zap.Error(err))
	}
	selectorCfg, err := cfg.SelectorConfig()
	if err != nil {
		zapLogger.Fatal("Invalid limiter routing configuration", zap.Error(err))
	}
	gate := ratelimit.NewGate(registry, ratelimit.NewSelector(selectorCfg), auth.RateLimitSubject, cfg.GateConfig(), zapLogger)

	tokens, err := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	if err != nil {
		zapLogger.Fatal("Failed to create token service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A store outage at boot degrades rate limiting but does not block startup
	monitor := ratelimit.NewHealthMonitor(store, cfg.RateLimit.HealthCheckInterval, zapLogger)
	monitor.Check(ctx)
	go monitor.Run(ctx)

	for _, class := range registry.Classes() {
		lc := registry.Get(class).Config()
		zapLogger.Info("registered rate limiter",
			zap.String("class", class.String()),
			zap.String("namespace", lc.Namespace),
			zap.Uint("max_requests", lc.MaxRequests),
			zap.Duration("window", lc.Window),
		)
	}

	srv := server.NewServer(cfg, zapLogger, tokens, registry, gate)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr), zap.String("env", cfg.Environment))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush traces", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
