// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
)

// Service interfaces for dependency injection and testing

// RecoveryServiceInterface defines the recovery queue and history operations
type RecoveryServiceInterface interface {
	EnqueueRecovery(ctx context.Context, stationID, deviceID string) (*models.RecoveryJob, error)
	CancelRecovery(ctx context.Context, stationID string) error
	GetJob(ctx context.Context, stationID string) (*models.RecoveryJob, error)
	ListJobs(ctx context.Context) ([]*models.RecoveryJob, error)
	History(ctx context.Context, filter models.HistoryFilter) (*models.HistoryPage, error)
	Stats(ctx context.Context) (*models.RecoveryStats, error)
	DeviceAPIStats(ctx context.Context) (*models.DeviceAPIStats, error)
	UpdateDeviceMapping(ctx context.Context, stationID, deviceID string) error
}

// StationControlInterface defines the manual relay operations
type StationControlInterface interface {
	StationOn(ctx context.Context, deviceID string) error
	StationOff(ctx context.Context, deviceID string) error
	SetChannel(ctx context.Context, deviceID string, channel int, state string) error
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router          *mux.Router
	handler         http.Handler
	httpServer      *http.Server
	recoveryService RecoveryServiceInterface
	controlService  StationControlInterface
	health          HealthChecker
	metrics         http.Handler
	logger          *logging.Logger
	config          *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond float64 // per client
	Burst             int
}

// NewServer creates a new API server instance. metrics may be nil, in which
// case /metrics is not served.
func NewServer(
	config *ServerConfig,
	recoveryService RecoveryServiceInterface,
	controlService StationControlInterface,
	health HealthChecker,
	metrics http.Handler,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:          mux.NewRouter(),
		recoveryService: recoveryService,
		controlService:  controlService,
		health:          health,
		metrics:         metrics,
		logger:          logger.WithComponent("api"),
		config:          config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	// CORS wraps the router so preflight requests reach it without a matching route
	s.handler = CORSMiddleware(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Recovery queue
	api.HandleFunc("/recovery/jobs", s.handleEnqueueRecovery).Methods("POST")
	api.HandleFunc("/recovery/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/recovery/jobs/{stationId}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/recovery/jobs/{stationId}", s.handleCancelRecovery).Methods("DELETE")
	api.HandleFunc("/recovery/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/recovery/stats", s.handleStats).Methods("GET")

	// Stations
	api.HandleFunc("/stations/{stationId}/device", s.handleUpdateDeviceMapping).Methods("PUT")

	// Devices
	api.HandleFunc("/devices/api-stats", s.handleDeviceAPIStats).Methods("GET")
	api.HandleFunc("/devices/{deviceId}/channels/{channel:[0-9]+}", s.handleSetChannel).Methods("POST")
	api.HandleFunc("/devices/{deviceId}/station-on", s.handleStationOn).Methods("POST")
	api.HandleFunc("/devices/{deviceId}/station-off", s.handleStationOff).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "station-recovery",
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "station-recovery",
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
