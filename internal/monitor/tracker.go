// Package monitor keeps per-station connectivity tracking current and admits
// stations into recovery once they have been abnormal long enough.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
)

// TrackerStore is what the tracker reads and writes
type TrackerStore interface {
	ListTrackedStations(ctx context.Context) ([]*models.Station, error)
	ApplySnapshots(ctx context.Context, snapshots []models.ConnectivitySnapshot, now time.Time) (int, error)
}

// Tracker pulls the latest connectivity snapshot for tracked stations and
// records it. It never touches recovery jobs.
type Tracker struct {
	store  TrackerStore
	source adapter.SnapshotSource
	logger *logging.Logger
	now    func() time.Time
}

// NewTracker creates a connectivity tracker
func NewTracker(store TrackerStore, source adapter.SnapshotSource, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Tracker{
		store:  store,
		source: source,
		logger: logger.WithComponent("connectivity_tracker"),
		now:    time.Now,
	}
}

// Refresh fetches snapshots for every tracked station and applies them.
// Stations missing from the feed keep their previous state. It returns the
// number of stations updated.
func (t *Tracker) Refresh(ctx context.Context) (int, error) {
	stations, err := t.store.ListTrackedStations(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tracked stations: %w", err)
	}
	if len(stations) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(stations))
	tracked := make(map[string]struct{}, len(stations))
	for _, s := range stations {
		ids = append(ids, s.ID)
		tracked[s.ID] = struct{}{}
	}

	snapshots, err := t.source.FetchSnapshots(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch connectivity snapshots: %w", err)
	}

	seen := make(map[string]struct{}, len(snapshots))
	filtered := make([]models.ConnectivitySnapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if _, ok := tracked[snap.StationID]; !ok {
			continue
		}
		if _, dup := seen[snap.StationID]; dup {
			continue
		}
		seen[snap.StationID] = struct{}{}
		filtered = append(filtered, snap)
	}

	if missing := len(ids) - len(filtered); missing > 0 {
		t.logger.WithField("missing", missing).Debug("Some tracked stations absent from telemetry feed")
	}

	n, err := t.store.ApplySnapshots(ctx, filtered, t.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to apply connectivity snapshots: %w", err)
	}
	return n, nil
}
