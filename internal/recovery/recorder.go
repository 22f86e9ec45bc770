package recovery

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

// HistoryRecorder writes the terminal outcome of a job. The history row, the
// job deletion and the abnormal-period reset are committed together.
type HistoryRecorder struct {
	store storage.HistoryStore
}

// NewHistoryRecorder creates a recorder over store
func NewHistoryRecorder(store storage.HistoryStore) *HistoryRecorder {
	return &HistoryRecorder{store: store}
}

// RecordSuccess closes a job as SUCCESS
func (r *HistoryRecorder) RecordSuccess(ctx context.Context, job *models.RecoveryJob, now time.Time) (*models.RecoveryHistoryRecord, error) {
	rec := newHistoryRecord(job, types.HistorySuccess, nil, now)
	return rec, r.store.CompleteJob(ctx, job.ID, rec, true)
}

// RecordFailure closes a job as FAILED with the reason that ended it
func (r *HistoryRecorder) RecordFailure(ctx context.Context, job *models.RecoveryJob, reason string, now time.Time) (*models.RecoveryHistoryRecord, error) {
	rec := newHistoryRecord(job, types.HistoryFailed, &reason, now)
	return rec, r.store.CompleteJob(ctx, job.ID, rec, true)
}

func newHistoryRecord(job *models.RecoveryJob, status types.HistoryStatus, reason *string, now time.Time) *models.RecoveryHistoryRecord {
	now = now.UTC()
	return &models.RecoveryHistoryRecord{
		ID:                   uuid.NewString(),
		StationID:            job.StationID,
		DeviceID:             job.DeviceID,
		Status:               status,
		RetryCount:           job.RetryIndex + 1,
		TotalDurationMinutes: durationMinutes(job.CreatedAt, now),
		FailureReason:        reason,
		StartedAt:            job.CreatedAt.UTC(),
		CompletedAt:          now,
	}
}

func durationMinutes(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(math.Round(d.Minutes()))
}
