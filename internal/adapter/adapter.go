// Package adapter contains the clients for the station telemetry feed and
// the relay vendor API.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/ratelimit"
	"github.com/station-recovery/internal/types"
)

// SnapshotSource returns the current connectivity of a set of stations
type SnapshotSource interface {
	FetchSnapshots(ctx context.Context, stationIDs []string) ([]models.ConnectivitySnapshot, error)
}

// StationDirectory returns the full station directory
type StationDirectory interface {
	FetchStations(ctx context.Context) ([]*models.Station, error)
}

// DeviceController lists relays and switches their channels.
// SetChannel applies its own inner retry before failing.
type DeviceController interface {
	ListDevices(ctx context.Context) ([]*models.Device, error)
	SetChannel(ctx context.Context, deviceID string, outlet types.Outlet, state types.ChannelState) error
}

// TokenStore persists the vendor credential pair across restarts.
// LoadTokens returns nil, nil when nothing is stored.
type TokenStore interface {
	LoadTokens(ctx context.Context) (*models.TokenPair, error)
	SaveTokens(ctx context.Context, pair models.TokenPair) error
}

// CallRecorder receives a record of every vendor API call. Record must not block.
type CallRecorder interface {
	Record(call *models.DeviceCallLog)
}

// CallBudget admits vendor calls against a quota shared by every process
type CallBudget interface {
	TryConsume(ctx context.Context, n int, priority ratelimit.Priority) (bool, time.Duration)
}

// VendorError is a non-zero error field, or a non-2xx status, from the vendor API
type VendorError struct {
	Path       string
	HTTPStatus int
	Code       int
	Message    string
}

func (e *VendorError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: vendor error %d: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http status %d", e.Path, e.HTTPStatus)
}
