package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

// RecoveryJobRepository handles recovery job persistence
type RecoveryJobRepository struct {
	db *PostgresDB
}

// NewRecoveryJobRepository creates a new recovery job repository
func NewRecoveryJobRepository(db *PostgresDB) *RecoveryJobRepository {
	return &RecoveryJobRepository{db: db}
}

const jobColumns = `id, station_id, device_id, status, retry_index, next_run_time, last_failure, created_at, updated_at`

func scanJob(row pgx.Row) (*models.RecoveryJob, error) {
	var job models.RecoveryJob
	var status string
	err := row.Scan(
		&job.ID,
		&job.StationID,
		&job.DeviceID,
		&status,
		&job.RetryIndex,
		&job.NextRunTime,
		&job.LastFailure,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = types.JobStatus(status)
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*models.RecoveryJob, error) {
	defer rows.Close()

	var jobs []*models.RecoveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery jobs: %w", err)
	}
	return jobs, nil
}

// ListAdmissionCandidates returns tracked stations without a job whose
// connectivity is DEGRADED or OFFLINE. Threshold checks happen in the caller.
func (r *RecoveryJobRepository) ListAdmissionCandidates(ctx context.Context) ([]*AdmissionCandidate, error) {
	query := `
		SELECT s.id, s.device_id, c.connect_status, c.first_abnormal_at,
			   c.abnormal_duration_seconds, c.observed_at, c.updated_at
		FROM stations s
		JOIN connectivity_states c ON c.station_id = s.id
		LEFT JOIN recovery_jobs j ON j.station_id = s.id
		WHERE s.is_active
		  AND s.device_id IS NOT NULL AND s.device_id <> ''
		  AND j.id IS NULL
		  AND c.connect_status IN (2, 3)
		  AND c.first_abnormal_at IS NOT NULL
		ORDER BY c.abnormal_duration_seconds DESC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query admission candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*AdmissionCandidate
	for rows.Next() {
		var c AdmissionCandidate
		var status int16
		if err := rows.Scan(
			&c.StationID,
			&c.DeviceID,
			&status,
			&c.State.FirstAbnormalAt,
			&c.State.AbnormalDurationSeconds,
			&c.State.ObservedAt,
			&c.State.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan admission candidate: %w", err)
		}
		c.State.StationID = c.StationID
		c.State.ConnectStatus = types.ParseConnectStatus(int(status))
		candidates = append(candidates, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating admission candidates: %w", err)
	}
	return candidates, nil
}

// InsertJobIfAbsent creates a job unless the station already has one
func (r *RecoveryJobRepository) InsertJobIfAbsent(ctx context.Context, job *models.RecoveryJob) (bool, error) {
	query := `
		INSERT INTO recovery_jobs (
			id, station_id, device_id, status, retry_index, next_run_time, last_failure, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (station_id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		job.ID,
		job.StationID,
		job.DeviceID,
		string(job.Status),
		job.RetryIndex,
		job.NextRunTime,
		job.LastFailure,
		job.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert recovery job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetJob retrieves the job for a station
func (r *RecoveryJobRepository) GetJob(ctx context.Context, stationID string) (*models.RecoveryJob, error) {
	query := `SELECT ` + jobColumns + ` FROM recovery_jobs WHERE station_id = $1`

	job, err := scanJob(r.db.Pool().QueryRow(ctx, query, stationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("recovery job for station %s: %w", stationID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get recovery job: %w", err)
	}
	return job, nil
}

// ListJobs returns every active job ordered by next run time
func (r *RecoveryJobRepository) ListJobs(ctx context.Context) ([]*models.RecoveryJob, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+jobColumns+` FROM recovery_jobs ORDER BY next_run_time`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimDueJobs marks due PENDING jobs RUNNING and returns them.
// SKIP LOCKED keeps two dispatchers from claiming the same row.
func (r *RecoveryJobRepository) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.RecoveryJob, error) {
	query := `
		UPDATE recovery_jobs
		SET status = 'RUNNING', updated_at = $1
		WHERE id IN (
			SELECT id FROM recovery_jobs
			WHERE status = 'PENDING' AND next_run_time <= $1
			ORDER BY next_run_time
			LIMIT NULLIF($2::int, 0)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due jobs: %w", err)
	}
	return collectJobs(rows)
}

// UpdateJobStatus sets the status of a job by ID
func (r *RecoveryJobRepository) UpdateJobStatus(ctx context.Context, jobID string, status types.JobStatus, now time.Time) error {
	query := `UPDATE recovery_jobs SET status = $2, updated_at = $3 WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, jobID, string(status), now)
	if err != nil {
		return fmt.Errorf("failed to update recovery job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recovery job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// RescheduleJob returns a job to PENDING with a new attempt index and run time
func (r *RecoveryJobRepository) RescheduleJob(ctx context.Context, jobID string, update JobUpdate, now time.Time) error {
	query := `
		UPDATE recovery_jobs
		SET status = 'PENDING', retry_index = $2, next_run_time = $3, last_failure = $4, updated_at = $5
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, jobID, update.RetryIndex, update.NextRunTime, update.LastFailure, now)
	if err != nil {
		return fmt.Errorf("failed to reschedule recovery job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recovery job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// ResetStaleJobs returns abandoned RUNNING/CHECKING jobs to PENDING
func (r *RecoveryJobRepository) ResetStaleJobs(ctx context.Context, olderThan time.Time, exclude []string, now time.Time) (int, error) {
	if exclude == nil {
		exclude = []string{}
	}

	query := `
		UPDATE recovery_jobs
		SET status = 'PENDING', updated_at = $3
		WHERE status IN ('RUNNING', 'CHECKING')
		  AND updated_at < $1
		  AND NOT (station_id = ANY($2))
	`

	result, err := r.db.Pool().Exec(ctx, query, olderThan, exclude, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// DeleteJob removes the job for a station
func (r *RecoveryJobRepository) DeleteJob(ctx context.Context, stationID string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM recovery_jobs WHERE station_id = $1`, stationID)
	if err != nil {
		return false, fmt.Errorf("failed to delete recovery job: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
