package models

import (
	"time"

	"github.com/station-recovery/internal/types"
)

// RecoveryJob is the persisted unit of work for one station in recovery.
// StationID is unique across all rows.
type RecoveryJob struct {
	ID          string          `json:"id" db:"id"`
	StationID   string          `json:"stationId" db:"station_id"`
	DeviceID    string          `json:"deviceId" db:"device_id"`
	Status      types.JobStatus `json:"status" db:"status"`
	RetryIndex  int             `json:"retryIndex" db:"retry_index"`
	NextRunTime time.Time       `json:"nextRunTime" db:"next_run_time"`
	LastFailure *string         `json:"lastFailure,omitempty" db:"last_failure"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsDue reports whether a pending job should be dispatched at now
func (j *RecoveryJob) IsDue(now time.Time) bool {
	return j.Status == types.JobStatusPending && !j.NextRunTime.After(now)
}

// RecoveryHistoryRecord is the append-only terminal outcome of a job
type RecoveryHistoryRecord struct {
	ID                   string              `json:"id" db:"id"`
	StationID            string              `json:"stationId" db:"station_id"`
	StationName          string              `json:"stationName,omitempty" db:"-"`
	DeviceID             string              `json:"deviceId" db:"device_id"`
	Status               types.HistoryStatus `json:"status" db:"status"`
	RetryCount           int                 `json:"retryCount" db:"retry_count"`
	TotalDurationMinutes int                 `json:"totalDurationMinutes" db:"total_duration_minutes"`
	FailureReason        *string             `json:"failureReason,omitempty" db:"failure_reason"`
	StartedAt            time.Time           `json:"startedAt" db:"started_at"`
	CompletedAt          time.Time           `json:"completedAt" db:"completed_at"`
}

// HistoryFilter selects history records
type HistoryFilter struct {
	StationID string
	Status    types.HistoryStatus
	Limit     int
	Offset    int
}

// HistoryPage is one page of history records
type HistoryPage struct {
	Records []*RecoveryHistoryRecord `json:"records"`
	Total   int                      `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
	HasMore bool                     `json:"hasMore"`
}

// RecoveryStats summarises recovery outcomes
type RecoveryStats struct {
	Summary     RecoverySummary         `json:"summary"`
	TopStations []StationRecoveryCounts `json:"topStations"`
	Trend       []DailyOutcomes         `json:"trend"`
}

// RecoverySummary holds totals across all history.
// Averages are taken over successful recoveries only.
type RecoverySummary struct {
	Total                     int     `json:"total"`
	Success                   int     `json:"success"`
	Failed                    int     `json:"failed"`
	AvgSuccessDurationMinutes float64 `json:"avgSuccessDurationMinutes"`
	AvgSuccessRetryCount      float64 `json:"avgSuccessRetryCount"`
}

// StationRecoveryCounts counts recoveries for one station
type StationRecoveryCounts struct {
	StationID   string `json:"stationId"`
	StationName string `json:"stationName,omitempty"`
	Recoveries  int    `json:"recoveries"`
	Success     int    `json:"success"`
	Failed      int    `json:"failed"`
}

// DailyOutcomes counts outcomes for one calendar day (UTC)
type DailyOutcomes struct {
	Date    string `json:"date"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
}
