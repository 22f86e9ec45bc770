package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

// ConnectivityRepository persists connectivity tracking rows
type ConnectivityRepository struct {
	db *PostgresDB
}

// NewConnectivityRepository creates a new connectivity repository
func NewConnectivityRepository(db *PostgresDB) *ConnectivityRepository {
	return &ConnectivityRepository{db: db}
}

// observeQuery applies one observation in a single statement so the
// abnormal period is computed from the stored row, not from a prior read.
// $1 station, $2 status, $3 now, $4 observed at.
const observeQuery = `
	INSERT INTO connectivity_states (
		station_id, connect_status, first_abnormal_at, abnormal_duration_seconds, observed_at, updated_at
	)
	VALUES ($1, $2::smallint, CASE WHEN $2::smallint = 1 THEN NULL ELSE $3::timestamptz END, 0, $4::timestamptz, $3::timestamptz)
	ON CONFLICT (station_id) DO UPDATE SET
		connect_status = EXCLUDED.connect_status,
		first_abnormal_at = CASE
			WHEN EXCLUDED.connect_status = 1 THEN NULL
			ELSE COALESCE(connectivity_states.first_abnormal_at, $3::timestamptz)
		END,
		abnormal_duration_seconds = CASE
			WHEN EXCLUDED.connect_status = 1 OR connectivity_states.first_abnormal_at IS NULL THEN 0
			ELSE GREATEST(
				connectivity_states.abnormal_duration_seconds,
				FLOOR(EXTRACT(EPOCH FROM ($3::timestamptz - connectivity_states.first_abnormal_at)))::BIGINT
			)
		END,
		observed_at = EXCLUDED.observed_at,
		updated_at = $3::timestamptz
`

// ApplySnapshots records the latest observation for each station
func (r *ConnectivityRepository) ApplySnapshots(ctx context.Context, snapshots []models.ConnectivitySnapshot, now time.Time) (int, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		observedAt := snap.ObservedAt
		if observedAt.IsZero() {
			observedAt = now
		}
		batch.Queue(observeQuery, snap.StationID, int16(snap.ConnectStatus), now, observedAt)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range snapshots {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("failed to apply connectivity snapshot: %w", err)
		}
	}
	return len(snapshots), nil
}

// GetConnectivity retrieves the tracking row for a station
func (r *ConnectivityRepository) GetConnectivity(ctx context.Context, stationID string) (*models.ConnectivityState, error) {
	query := `
		SELECT station_id, connect_status, first_abnormal_at, abnormal_duration_seconds, observed_at, updated_at
		FROM connectivity_states
		WHERE station_id = $1
	`

	var state models.ConnectivityState
	var status int16
	err := r.db.Pool().QueryRow(ctx, query, stationID).Scan(
		&state.StationID,
		&status,
		&state.FirstAbnormalAt,
		&state.AbnormalDurationSeconds,
		&state.ObservedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("connectivity for station %s: %w", stationID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connectivity state: %w", err)
	}
	state.ConnectStatus = types.ParseConnectStatus(int(status))
	return &state, nil
}

// ResetAbnormal clears the abnormal period so admission needs a fresh one
func (r *ConnectivityRepository) ResetAbnormal(ctx context.Context, stationID string, now time.Time) error {
	return resetAbnormal(ctx, r.db.Pool(), stationID, now)
}

// pgxExecer is satisfied by both the pool and a transaction
type pgxExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func resetAbnormal(ctx context.Context, db pgxExecer, stationID string, now time.Time) error {
	query := `
		UPDATE connectivity_states
		SET first_abnormal_at = NULL, abnormal_duration_seconds = 0, updated_at = $2
		WHERE station_id = $1
	`
	if _, err := db.Exec(ctx, query, stationID, now); err != nil {
		return fmt.Errorf("failed to reset abnormal period: %w", err)
	}
	return nil
}
