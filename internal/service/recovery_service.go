package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

// DefaultManualEnqueueDelay is how long a manually queued job waits before
// its first attempt
const DefaultManualEnqueueDelay = 2 * time.Minute

// RecoveryRepository is the persistence used by the recovery service
type RecoveryRepository interface {
	GetStation(ctx context.Context, stationID string) (*models.Station, error)
	UpdateDeviceMapping(ctx context.Context, stationID string, deviceID *string) error
	InsertJobIfAbsent(ctx context.Context, job *models.RecoveryJob) (bool, error)
	GetJob(ctx context.Context, stationID string) (*models.RecoveryJob, error)
	ListJobs(ctx context.Context) ([]*models.RecoveryJob, error)
	DeleteJob(ctx context.Context, stationID string) (bool, error)
	QueryHistory(ctx context.Context, filter models.HistoryFilter) (*models.HistoryPage, error)
	RecoveryStats(ctx context.Context, now time.Time) (*models.RecoveryStats, error)
}

// RecoveryService is the collaborator-facing surface over the job table
// and recovery history
type RecoveryService struct {
	repo         RecoveryRepository
	callLog      storage.CallLogStore
	enqueueDelay time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

// NewRecoveryService creates a new recovery service. callLog may be nil when
// device calls are not logged.
func NewRecoveryService(repo RecoveryRepository, callLog storage.CallLogStore, enqueueDelay time.Duration, logger *logging.Logger) *RecoveryService {
	if enqueueDelay <= 0 {
		enqueueDelay = DefaultManualEnqueueDelay
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RecoveryService{
		repo:         repo,
		callLog:      callLog,
		enqueueDelay: enqueueDelay,
		logger:       logger.WithComponent("recovery_service"),
		now:          time.Now,
	}
}

// EnqueueRecovery queues a recovery for a station. When deviceID is empty the
// station's mapped relay is used. A station that already has a job is
// rejected with ALREADY_QUEUED.
func (s *RecoveryService) EnqueueRecovery(ctx context.Context, stationID, deviceID string) (*models.RecoveryJob, error) {
	stationID = strings.TrimSpace(stationID)
	deviceID = strings.TrimSpace(deviceID)
	if stationID == "" {
		return nil, errors.NewInvalidParameterError("stationId", "station id is required")
	}

	if deviceID == "" {
		station, err := s.repo.GetStation(ctx, stationID)
		if err != nil {
			return nil, notFoundOr(err, "station", stationID, "get station")
		}
		if station.DeviceID == nil || *station.DeviceID == "" {
			return nil, errors.NewInvalidParameterError("deviceId", "station has no mapped device")
		}
		deviceID = *station.DeviceID
	}

	now := s.now().UTC()
	job := &models.RecoveryJob{
		ID:          uuid.New().String(),
		StationID:   stationID,
		DeviceID:    deviceID,
		Status:      types.JobStatusPending,
		RetryIndex:  0,
		NextRunTime: now.Add(s.enqueueDelay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := s.repo.InsertJobIfAbsent(ctx, job)
	if err != nil {
		return nil, errors.NewDatabaseError("insert recovery job", err)
	}
	if !inserted {
		return nil, errors.NewAlreadyQueuedError(stationID)
	}

	s.logger.WithStation(stationID).WithFields(map[string]interface{}{
		"job_id":        job.ID,
		"device_id":     deviceID,
		"next_run_time": job.NextRunTime,
	}).Info("Recovery queued manually")
	return job, nil
}

// CancelRecovery removes a station's job. An attempt already in flight for
// it finishes its current step and then stops without writing history.
func (s *RecoveryService) CancelRecovery(ctx context.Context, stationID string) error {
	if strings.TrimSpace(stationID) == "" {
		return errors.NewInvalidParameterError("stationId", "station id is required")
	}

	deleted, err := s.repo.DeleteJob(ctx, stationID)
	if err != nil {
		return errors.NewDatabaseError("delete recovery job", err)
	}
	if !deleted {
		return errors.NewNotFoundError("recovery job", stationID)
	}

	s.logger.WithStation(stationID).Info("Recovery cancelled")
	return nil
}

// GetJob returns the active job for a station
func (s *RecoveryService) GetJob(ctx context.Context, stationID string) (*models.RecoveryJob, error) {
	job, err := s.repo.GetJob(ctx, stationID)
	if err != nil {
		return nil, notFoundOr(err, "recovery job", stationID, "get recovery job")
	}
	return job, nil
}

// ListJobs returns every active job ordered by next run time
func (s *RecoveryService) ListJobs(ctx context.Context) ([]*models.RecoveryJob, error) {
	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return nil, errors.NewDatabaseError("list recovery jobs", err)
	}
	if jobs == nil {
		jobs = []*models.RecoveryJob{}
	}
	return jobs, nil
}

// History returns a page of recovery history, newest first
func (s *RecoveryService) History(ctx context.Context, filter models.HistoryFilter) (*models.HistoryPage, error) {
	if filter.Limit < 0 {
		return nil, errors.NewInvalidParameterError("limit", "must not be negative")
	}
	if filter.Offset < 0 {
		return nil, errors.NewInvalidParameterError("offset", "must not be negative")
	}
	if filter.Status != "" {
		status, ok := types.ParseHistoryStatus(string(filter.Status))
		if !ok {
			return nil, errors.NewInvalidParameterError("status", "must be SUCCESS or FAILED")
		}
		filter.Status = status
	}

	page, err := s.repo.QueryHistory(ctx, storage.NormalizeHistoryFilter(filter))
	if err != nil {
		return nil, errors.NewDatabaseError("query recovery history", err)
	}
	return page, nil
}

// Stats returns the recovery summary, busiest stations and daily trend
func (s *RecoveryService) Stats(ctx context.Context) (*models.RecoveryStats, error) {
	stats, err := s.repo.RecoveryStats(ctx, s.now().UTC())
	if err != nil {
		return nil, errors.NewDatabaseError("recovery stats", err)
	}
	return stats, nil
}

// DeviceAPIStats summarises calls made to the relay vendor API
func (s *RecoveryService) DeviceAPIStats(ctx context.Context) (*models.DeviceAPIStats, error) {
	if s.callLog == nil {
		return nil, errors.NewServiceUnavailableError("device call log")
	}
	stats, err := s.callLog.APIStats(ctx, s.now().UTC())
	if err != nil {
		return nil, errors.NewDatabaseError("device api stats", err)
	}
	return stats, nil
}

// UpdateDeviceMapping sets the relay that controls a station. An empty
// deviceID clears the mapping and removes the station from tracking.
func (s *RecoveryService) UpdateDeviceMapping(ctx context.Context, stationID, deviceID string) error {
	stationID = strings.TrimSpace(stationID)
	if stationID == "" {
		return errors.NewInvalidParameterError("stationId", "station id is required")
	}

	var mapping *string
	if d := strings.TrimSpace(deviceID); d != "" {
		mapping = &d
	}

	if err := s.repo.UpdateDeviceMapping(ctx, stationID, mapping); err != nil {
		return notFoundOr(err, "station", stationID, "update device mapping")
	}

	s.logger.WithStation(stationID).WithField("device_id", deviceID).Info("Device mapping updated")
	return nil
}

func notFoundOr(err error, resource, id, operation string) error {
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewNotFoundError(resource, id)
	}
	return errors.NewDatabaseError(operation, err)
}
