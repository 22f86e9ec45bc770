package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/station-recovery/internal/models"
)

// StationRepository handles station directory persistence
type StationRepository struct {
	db *PostgresDB
}

// NewStationRepository creates a new station repository
func NewStationRepository(db *PostgresDB) *StationRepository {
	return &StationRepository{db: db}
}

const stationColumns = `
	id, name, identification_name, station_type, receiver_type, antenna_type,
	antenna_height, lat, lng, device_id, is_active, created_at, updated_at`

func scanStation(row pgx.Row) (*models.Station, error) {
	var s models.Station
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.IdentificationName,
		&s.StationType,
		&s.ReceiverType,
		&s.AntennaType,
		&s.AntennaHeight,
		&s.Lat,
		&s.Lng,
		&s.DeviceID,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StationRepository) queryStations(ctx context.Context, query string, args ...interface{}) ([]*models.Station, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	var stations []*models.Station
	for rows.Next() {
		s, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		stations = append(stations, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stations: %w", err)
	}
	return stations, nil
}

// ListTrackedStations returns active stations that have a device mapping
func (r *StationRepository) ListTrackedStations(ctx context.Context) ([]*models.Station, error) {
	query := `SELECT ` + stationColumns + `
		FROM stations
		WHERE is_active AND device_id IS NOT NULL AND device_id <> ''
		ORDER BY id
	`
	return r.queryStations(ctx, query)
}

// ListStations returns the whole directory
func (r *StationRepository) ListStations(ctx context.Context) ([]*models.Station, error) {
	return r.queryStations(ctx, `SELECT `+stationColumns+` FROM stations ORDER BY id`)
}

// GetStation retrieves a station by ID
func (r *StationRepository) GetStation(ctx context.Context, stationID string) (*models.Station, error) {
	query := `SELECT ` + stationColumns + ` FROM stations WHERE id = $1`

	s, err := scanStation(r.db.Pool().QueryRow(ctx, query, stationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("station %s: %w", stationID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get station: %w", err)
	}
	return s, nil
}

// UpsertStations inserts or refreshes directory rows. The device mapping of
// an existing row is kept; it is only changed through UpdateDeviceMapping.
func (r *StationRepository) UpsertStations(ctx context.Context, stations []*models.Station) (int, error) {
	if len(stations) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO stations (
			id, name, identification_name, station_type, receiver_type, antenna_type,
			antenna_height, lat, lng, device_id, is_active, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			identification_name = EXCLUDED.identification_name,
			station_type = EXCLUDED.station_type,
			receiver_type = EXCLUDED.receiver_type,
			antenna_type = EXCLUDED.antenna_type,
			antenna_height = EXCLUDED.antenna_height,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, s := range stations {
		batch.Queue(query,
			s.ID,
			s.Name,
			s.IdentificationName,
			s.StationType,
			s.ReceiverType,
			s.AntennaType,
			s.AntennaHeight,
			s.Lat,
			s.Lng,
			s.DeviceID,
			s.IsActive,
		)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range stations {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("failed to upsert station: %w", err)
		}
	}
	return len(stations), nil
}

// UpdateDeviceMapping sets or clears the relay associated with a station
func (r *StationRepository) UpdateDeviceMapping(ctx context.Context, stationID string, deviceID *string) error {
	query := `UPDATE stations SET device_id = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, stationID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device mapping: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	return nil
}
