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

// DeviceRepository caches the relay directory and last known channel states
type DeviceRepository struct {
	db *PostgresDB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *PostgresDB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `device_id, name, model, family_id, online, channels, voltage, current, power, updated_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(
		&d.DeviceID,
		&d.Name,
		&d.Model,
		&d.FamilyID,
		&d.Online,
		&d.Channels,
		&d.Voltage,
		&d.Current,
		&d.Power,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpsertDevices replaces the cached view of each device
func (r *DeviceRepository) UpsertDevices(ctx context.Context, devices []*models.Device) error {
	if len(devices) == 0 {
		return nil
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (device_id) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			family_id = EXCLUDED.family_id,
			online = EXCLUDED.online,
			channels = EXCLUDED.channels,
			voltage = EXCLUDED.voltage,
			current = EXCLUDED.current,
			power = EXCLUDED.power,
			updated_at = EXCLUDED.updated_at
	`

	batch := &pgx.Batch{}
	for _, d := range devices {
		channels := d.Channels
		if channels == nil {
			channels = []models.DeviceChannel{}
		}
		updatedAt := d.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		batch.Queue(query, d.DeviceID, d.Name, d.Model, d.FamilyID, d.Online, channels, d.Voltage, d.Current, d.Power, updatedAt)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range devices {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert device: %w", err)
		}
	}
	return nil
}

// GetDevice retrieves a cached device
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := scanDevice(r.db.Pool().QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevices returns every cached device
func (r *DeviceRepository) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// UpdateChannelState records a channel state after a successful switch call
func (r *DeviceRepository) UpdateChannelState(ctx context.Context, deviceID string, outlet types.Outlet, state types.ChannelState, now time.Time) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var channels []models.DeviceChannel
		err := tx.QueryRow(ctx, `SELECT channels FROM devices WHERE device_id = $1 FOR UPDATE`, deviceID).Scan(&channels)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to lock device: %w", err)
		}

		d := models.Device{DeviceID: deviceID, Channels: channels}
		d.SetChannelState(outlet, state)

		upsert := `
			INSERT INTO devices (device_id, online, channels, updated_at)
			VALUES ($1, TRUE, $2, $3)
			ON CONFLICT (device_id) DO UPDATE SET
				online = TRUE, channels = EXCLUDED.channels, updated_at = EXCLUDED.updated_at
		`
		if _, err := tx.Exec(ctx, upsert, deviceID, d.Channels, now); err != nil {
			return fmt.Errorf("failed to update channel state: %w", err)
		}
		return nil
	})
}
