package storage

import (
	"context"
	"errors"
	"time"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// AdmissionCandidate is a tracked station with no recovery job and an
// abnormal connectivity state
type AdmissionCandidate struct {
	StationID string
	DeviceID  string
	State     models.ConnectivityState
}

// JobUpdate carries the fields written when a job is rescheduled
type JobUpdate struct {
	RetryIndex  int
	NextRunTime time.Time
	LastFailure *string
}

// StationStore reads and maintains the station directory
type StationStore interface {
	ListTrackedStations(ctx context.Context) ([]*models.Station, error)
	ListStations(ctx context.Context) ([]*models.Station, error)
	GetStation(ctx context.Context, stationID string) (*models.Station, error)
	UpsertStations(ctx context.Context, stations []*models.Station) (int, error)
	UpdateDeviceMapping(ctx context.Context, stationID string, deviceID *string) error
}

// ConnectivityStore persists per-station connectivity tracking.
// ApplySnapshots must apply each observation atomically against the stored
// row so a concurrent ResetAbnormal is never lost.
type ConnectivityStore interface {
	ApplySnapshots(ctx context.Context, snapshots []models.ConnectivitySnapshot, now time.Time) (int, error)
	GetConnectivity(ctx context.Context, stationID string) (*models.ConnectivityState, error)
	ResetAbnormal(ctx context.Context, stationID string, now time.Time) error
}

// JobStore persists recovery jobs. StationID is unique across jobs.
type JobStore interface {
	ListAdmissionCandidates(ctx context.Context) ([]*AdmissionCandidate, error)
	// InsertJobIfAbsent returns false, nil when the station already has a job
	InsertJobIfAbsent(ctx context.Context, job *models.RecoveryJob) (bool, error)
	GetJob(ctx context.Context, stationID string) (*models.RecoveryJob, error)
	ListJobs(ctx context.Context) ([]*models.RecoveryJob, error)
	// ClaimDueJobs moves due PENDING jobs to RUNNING and returns them
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.RecoveryJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status types.JobStatus, now time.Time) error
	RescheduleJob(ctx context.Context, jobID string, update JobUpdate, now time.Time) error
	// ResetStaleJobs returns RUNNING/CHECKING jobs last updated before olderThan
	// to PENDING, skipping the excluded stations
	ResetStaleJobs(ctx context.Context, olderThan time.Time, exclude []string, now time.Time) (int, error)
	DeleteJob(ctx context.Context, stationID string) (bool, error)
}

// HistoryStore records terminal outcomes
type HistoryStore interface {
	// CompleteJob deletes the job, writes the history record and, when
	// resetAbnormal is set, clears the station's abnormal period, all at once.
	// It returns ErrNotFound and writes nothing if the job is already gone.
	CompleteJob(ctx context.Context, jobID string, record *models.RecoveryHistoryRecord, resetAbnormal bool) error
	QueryHistory(ctx context.Context, filter models.HistoryFilter) (*models.HistoryPage, error)
	RecoveryStats(ctx context.Context, now time.Time) (*models.RecoveryStats, error)
}

// DeviceStore caches the device directory and last known channel states
type DeviceStore interface {
	UpsertDevices(ctx context.Context, devices []*models.Device) error
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	UpdateChannelState(ctx context.Context, deviceID string, outlet types.Outlet, state types.ChannelState, now time.Time) error
}

// Store is the full record store used by the recovery service
type Store interface {
	StationStore
	ConnectivityStore
	JobStore
	HistoryStore
	DeviceStore
	Ping(ctx context.Context) error
	Close()
}

// Shared query defaults
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	TopFailingLimit     = 10
	TrendDays           = 7
)

// NormalizeHistoryFilter applies the default and maximum page size
func NormalizeHistoryFilter(f models.HistoryFilter) models.HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		f.Limit = MaxHistoryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// trendStart returns midnight UTC of the first day in the trend window
func trendStart(now time.Time) time.Time {
	day := now.UTC().Truncate(24 * time.Hour)
	return day.AddDate(0, 0, -(TrendDays - 1))
}

// emptyTrend returns one zeroed bucket per day in the trend window
func emptyTrend(now time.Time) []models.DailyOutcomes {
	start := trendStart(now)
	trend := make([]models.DailyOutcomes, TrendDays)
	for i := range trend {
		trend[i].Date = start.AddDate(0, 0, i).Format("2006-01-02")
	}
	return trend
}
