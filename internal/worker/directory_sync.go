package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/ratelimit"
)

// DirectoryStore is the store subset the directory sync writes
type DirectoryStore interface {
	UpsertStations(ctx context.Context, stations []*models.Station) (int, error)
	UpsertDevices(ctx context.Context, devices []*models.Device) error
}

// DirectorySync refreshes the station directory from the telemetry feed and
// the relay directory from the device vendor. Station device mappings are
// never overwritten.
type DirectorySync struct {
	stations adapter.StationDirectory
	devices  adapter.DeviceController
	store    DirectoryStore
	interval time.Duration
	logger   *logging.Logger
}

// DirectorySyncResult summarizes one sync
type DirectorySyncResult struct {
	Stations int
	Devices  int
}

// NewDirectorySync creates a directory sync. devices may be nil when no
// relay vendor is configured.
func NewDirectorySync(stations adapter.StationDirectory, devices adapter.DeviceController, store DirectoryStore, interval time.Duration, logger *logging.Logger) *DirectorySync {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &DirectorySync{
		stations: stations,
		devices:  devices,
		store:    store,
		interval: interval,
		logger:   logger.WithComponent("directory_sync"),
	}
}

// Sync runs one refresh. The station and relay halves are independent; a
// failure in one does not skip the other.
func (s *DirectorySync) Sync(ctx context.Context) (*DirectorySyncResult, error) {
	result := &DirectorySyncResult{}
	var errs []error

	if s.stations != nil {
		stations, err := s.stations.FetchStations(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to fetch stations: %w", err))
		} else if n, err := s.store.UpsertStations(ctx, stations); err != nil {
			errs = append(errs, fmt.Errorf("failed to store stations: %w", err))
		} else {
			result.Stations = n
		}
	}

	if s.devices != nil {
		devices, err := s.devices.ListDevices(ratelimit.WithPriority(ctx, ratelimit.PriorityLow))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list devices: %w", err))
		} else if err := s.store.UpsertDevices(ctx, devices); err != nil {
			errs = append(errs, fmt.Errorf("failed to store devices: %w", err))
		} else {
			result.Devices = len(devices)
		}
	}

	return result, errors.Join(errs...)
}

// Run syncs immediately and then every interval until ctx is done
func (s *DirectorySync) Run(ctx context.Context) {
	s.syncAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAndLog(ctx)
		}
	}
}

func (s *DirectorySync) syncAndLog(ctx context.Context) {
	result, err := s.Sync(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Directory sync incomplete")
	}
	s.logger.WithFields(map[string]interface{}{
		"stations": result.Stations,
		"devices":  result.Devices,
	}).Info("Directory sync finished")
}
