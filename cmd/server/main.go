// Package main provides the API server entry point for the station recovery service.
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

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/api"
	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/metrics"
	"github.com/station-recovery/internal/ratelimit"
	"github.com/station-recovery/internal/recovery"
	"github.com/station-recovery/internal/service"
	"github.com/station-recovery/internal/storage"
)

func main() {
	fmt.Println("Station Recovery API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Record store
	var store storage.Store
	if cfg.Storage.Backend == config.BackendMemory {
		logger.Warn("Using in-memory store; the worker must run in this process to see these jobs")
		store = storage.NewMemoryStore()
	} else {
		postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			logger.Fatalf("Failed to connect to Postgres: %v", err)
		}
		store = storage.NewPostgresStore(postgres)
	}
	defer store.Close()

	recorder := metrics.NewPrometheusRecorder()

	// Device tokens and the call budget are shared with the worker through Redis
	var tokens adapter.TokenStore = storage.NewMemoryTokenStore()
	deviceOpts := []adapter.DeviceClientOption{adapter.WithMetrics(recorder), adapter.WithLogger(logger)}
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		tokens = storage.NewRedisTokenStore(redis)

		if cfg.Device.CallBudget > 0 {
			budget, err := ratelimit.NewCallBudget(&ratelimit.CallBudgetConfig{
				Redis:      redis.Client(),
				Total:      cfg.Device.CallBudget,
				Reserved:   cfg.Device.CallBudgetReserve,
				WindowSize: cfg.Device.CallBudgetWindow,
			})
			if err != nil {
				logger.Fatalf("Invalid device call budget: %v", err)
			}
			deviceOpts = append(deviceOpts, adapter.WithCallBudget(budget))
		}
	}

	// Device call log: ClickHouse when enabled, otherwise this process only
	var callLog storage.CallLogStore = storage.NewMemoryCallLog(0)
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer clickhouse.Close()
		schemaCtx, cancelSchema := context.WithTimeout(ctx, 30*time.Second)
		if err := clickhouse.EnsureCallLogTable(schemaCtx, logger); err != nil {
			logger.Fatalf("Failed to prepare device call log: %v", err)
		}
		cancelSchema()
		callLog = storage.NewDeviceCallLogRepository(clickhouse)
	}
	callBuffer := storage.NewCallLogBuffer(callLog, 0, 0, logger)
	bufferDone := make(chan struct{})
	go func() {
		defer close(bufferDone)
		callBuffer.Run(ctx)
	}()

	devices := adapter.NewDeviceClient(&cfg.Device, tokens, append(deviceOpts, adapter.WithCallRecorder(callBuffer))...)

	// Initialize services
	recoveryService := service.NewRecoveryService(store, callLog, cfg.Recovery.ManualEnqueueDelay, logger)
	controlService := service.NewStationControlService(devices, store, recovery.NewTiming(&cfg.Recovery), logger)

	// Manual station control holds the request open through every settle wait
	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, recoveryService, controlService, store, recorder.Handler(), logger)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	stop()
	<-bufferDone

	logger.Info("Server exited")
}
