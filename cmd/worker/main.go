// Package main provides the recovery worker entry point: the dispatcher loop
// and the hourly directory sync.
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

	"github.com/gorilla/mux"

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/metrics"
	"github.com/station-recovery/internal/monitor"
	"github.com/station-recovery/internal/ratelimit"
	"github.com/station-recovery/internal/recovery"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/worker"
)

func main() {
	fmt.Println("Station Recovery Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger.WithFields(map[string]interface{}{
		"storage":      cfg.Storage.Backend,
		"tick":         cfg.Recovery.TickInterval.String(),
		"max_retries":  cfg.Recovery.MaxRetries,
		"max_parallel": cfg.Recovery.MaxConcurrentJobs,
	}).Info("Worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Record store
	store, err := openStore(cfg)
	if err != nil {
		logger.Fatalf("Failed to open record store: %v", err)
	}
	defer store.Close()

	recorder := metrics.NewPrometheusRecorder()

	// Redis holds the shared token pair and the tick lease
	var tokens adapter.TokenStore = storage.NewMemoryTokenStore()
	var lease worker.TickLease
	deviceOpts := []adapter.DeviceClientOption{adapter.WithMetrics(recorder), adapter.WithLogger(logger)}
	if cfg.Database.Redis.Enabled {
		redis, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()

		tokens = storage.NewRedisTokenStore(redis)
		lease = storage.NewRedisTickLease(redis, instanceID())
		logger.Info("Redis token store and tick lease enabled")

		if budget := newCallBudget(cfg, redis, logger); budget != nil {
			deviceOpts = append(deviceOpts, adapter.WithCallBudget(budget))
		}
	}

	// ClickHouse keeps the device call log
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
		logger.Info("Device call log enabled")
	}
	callBuffer := storage.NewCallLogBuffer(callLog, 0, 0, logger)
	bufferDone := make(chan struct{})
	go func() {
		defer close(bufferDone)
		callBuffer.Run(ctx)
	}()

	// Upstream clients
	telemetry := adapter.NewTelemetryClient(&cfg.Telemetry, logger)
	devices := adapter.NewDeviceClient(&cfg.Device, tokens, append(deviceOpts, adapter.WithCallRecorder(callBuffer))...)

	// Recovery pipeline
	engine := recovery.NewEngine(store, devices, recovery.NewPolicy(&cfg.Recovery), recovery.NewTiming(&cfg.Recovery), recorder, logger)
	tracker := monitor.NewTracker(store, telemetry, logger)
	admission := monitor.NewAdmission(store, monitor.ThresholdsFromConfig(&cfg.Recovery), recorder, logger)

	dispatcher, err := worker.NewDispatcher(&worker.DispatcherConfig{
		Jobs:              store,
		Tracker:           tracker,
		Admission:         admission,
		Engine:            engine,
		Lease:             lease,
		Metrics:           recorder,
		Logger:            logger,
		TickInterval:      cfg.Recovery.TickInterval,
		MaxConcurrentJobs: cfg.Recovery.MaxConcurrentJobs,
		StaleJobAfter:     cfg.Recovery.StaleJobAfter,
	})
	if err != nil {
		logger.Fatalf("Failed to create dispatcher: %v", err)
	}

	directory := worker.NewDirectorySync(telemetry, devices, store, cfg.Recovery.DirectorySyncInterval, logger)
	go directory.Run(ctx)

	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatalf("Failed to start dispatcher: %v", err)
	}

	// Health and metrics listener
	probe := newProbeServer(cfg, store, dispatcher, recorder)
	go func() {
		if err := probe.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics listener failed")
		}
	}()

	logger.WithField("metrics_addr", probe.Addr).Info("Worker started")

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping dispatcher...")

	// In-flight jobs are interrupted and reclaimed by the next process
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := dispatcher.GetStatus()
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping dispatcher")
	}
	if err := probe.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Error stopping metrics listener")
	}
	<-bufferDone

	logger.WithFields(map[string]interface{}{
		"in_flight_at_stop": len(status.InFlight),
		"dropped_call_logs": callBuffer.Dropped(),
	}).Info("Worker stopped")
}

// openStore connects the configured record store
func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		logging.GetGlobalLogger().Warn("Using in-memory store; jobs do not survive a restart")
		return storage.NewMemoryStore(), nil
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, err
	}
	return storage.NewPostgresStore(postgres), nil
}

// newCallBudget returns nil when no budget is configured
func newCallBudget(cfg *config.Config, redis *storage.RedisClient, logger *logging.Logger) *ratelimit.CallBudget {
	if cfg.Device.CallBudget <= 0 {
		return nil
	}
	budget, err := ratelimit.NewCallBudget(&ratelimit.CallBudgetConfig{
		Redis:      redis.Client(),
		Total:      cfg.Device.CallBudget,
		Reserved:   cfg.Device.CallBudgetReserve,
		WindowSize: cfg.Device.CallBudgetWindow,
	})
	if err != nil {
		logger.Fatalf("Invalid device call budget: %v", err)
	}
	logger.WithFields(map[string]interface{}{
		"total":    cfg.Device.CallBudget,
		"reserved": cfg.Device.CallBudgetReserve,
		"window":   cfg.Device.CallBudgetWindow.String(),
	}).Info("Device call budget enabled")
	return budget
}

// instanceID names this process as the tick lease owner
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func newProbeServer(cfg *config.Config, store storage.Store, dispatcher *worker.Dispatcher, recorder *metrics.PrometheusRecorder) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", recorder.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy"}`)
			return
		}
		status := dispatcher.GetStatus()
		fmt.Fprintf(w, `{"status":"healthy","running":%t,"inFlight":%d}`, status.Running, len(status.InFlight))
	}).Methods("GET")

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
