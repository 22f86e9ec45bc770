package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/metrics"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

// Default admission thresholds
const (
	DefaultOfflineThreshold  = 30 * time.Second
	DefaultDegradedThreshold = 300 * time.Second
)

// AdmissionStore is what admission reads and writes
type AdmissionStore interface {
	ListAdmissionCandidates(ctx context.Context) ([]*storage.AdmissionCandidate, error)
	InsertJobIfAbsent(ctx context.Context, job *models.RecoveryJob) (bool, error)
}

// Thresholds is how long a station must stay abnormal before admission
type Thresholds struct {
	Offline  time.Duration
	Degraded time.Duration
}

// DefaultThresholds returns the standard grace periods
func DefaultThresholds() Thresholds {
	return Thresholds{Offline: DefaultOfflineThreshold, Degraded: DefaultDegradedThreshold}
}

// ThresholdsFromConfig reads the thresholds from configuration
func ThresholdsFromConfig(cfg *config.RecoveryConfig) Thresholds {
	return Thresholds{Offline: cfg.OfflineThreshold, Degraded: cfg.DegradedThreshold}
}

// Admits reports whether a connectivity state qualifies for a recovery job.
// Both thresholds are inclusive. UNINITIALIZED never qualifies on its own.
func (t Thresholds) Admits(state *models.ConnectivityState) bool {
	if state == nil || state.FirstAbnormalAt == nil {
		return false
	}
	abnormal := time.Duration(state.AbnormalDurationSeconds) * time.Second
	switch state.ConnectStatus {
	case types.ConnectOffline:
		return abnormal >= t.Offline
	case types.ConnectDegraded:
		return abnormal >= t.Degraded
	default:
		return false
	}
}

// Admission creates recovery jobs for stations past their threshold
type Admission struct {
	store      AdmissionStore
	thresholds Thresholds
	metrics    metrics.Recorder
	logger     *logging.Logger
	now        func() time.Time
}

// NewAdmission creates job admission
func NewAdmission(store AdmissionStore, thresholds Thresholds, recorder metrics.Recorder, logger *logging.Logger) *Admission {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Admission{
		store:      store,
		thresholds: thresholds,
		metrics:    metrics.OrNoop(recorder),
		logger:     logger.WithComponent("job_admission"),
		now:        time.Now,
	}
}

// Run admits every qualifying station and returns the new jobs. A station
// that gained a job concurrently is skipped silently.
func (a *Admission) Run(ctx context.Context) ([]*models.RecoveryJob, error) {
	candidates, err := a.store.ListAdmissionCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list admission candidates: %w", err)
	}

	now := a.now().UTC()
	var admitted []*models.RecoveryJob
	for _, c := range candidates {
		if !a.thresholds.Admits(&c.State) {
			continue
		}

		job := &models.RecoveryJob{
			ID:          uuid.NewString(),
			StationID:   c.StationID,
			DeviceID:    c.DeviceID,
			Status:      types.JobStatusPending,
			RetryIndex:  0,
			NextRunTime: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted, err := a.store.InsertJobIfAbsent(ctx, job)
		if err != nil {
			return admitted, fmt.Errorf("failed to admit station %s: %w", c.StationID, err)
		}
		if !inserted {
			continue
		}

		a.logger.WithStation(c.StationID).WithFields(map[string]interface{}{
			"deviceId":        c.DeviceID,
			"connectStatus":   c.State.ConnectStatus.String(),
			"abnormalSeconds": c.State.AbnormalDurationSeconds,
		}).Info("Station admitted for recovery")
		admitted = append(admitted, job)
	}

	a.metrics.RecordAdmission(len(admitted))
	return admitted, nil
}
