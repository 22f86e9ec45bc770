package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

// MemoryStore is an in-process Store used for single-node runs and tests.
// All records are copied on the way in and out.
type MemoryStore struct {
	mu           sync.Mutex
	stations     map[string]models.Station
	connectivity map[string]models.ConnectivityState
	jobs         map[string]models.RecoveryJob // keyed by station id
	history      []models.RecoveryHistoryRecord
	devices      map[string]models.Device
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stations:     make(map[string]models.Station),
		connectivity: make(map[string]models.ConnectivityState),
		jobs:         make(map[string]models.RecoveryJob),
		history:      make([]models.RecoveryHistoryRecord, 0, 64),
		devices:      make(map[string]models.Device),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

// Stations

func (m *MemoryStore) ListTrackedStations(_ context.Context) ([]*models.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Station
	for _, s := range m.stations {
		if s.Tracked() {
			out = append(out, copyStation(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListStations(_ context.Context) ([]*models.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Station, 0, len(m.stations))
	for _, s := range m.stations {
		out = append(out, copyStation(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetStation(_ context.Context, stationID string) (*models.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stations[stationID]
	if !ok {
		return nil, fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	return copyStation(s), nil
}

func (m *MemoryStore) UpsertStations(_ context.Context, stations []*models.Station) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, in := range stations {
		s := *copyStation(*in)
		if existing, ok := m.stations[s.ID]; ok {
			s.DeviceID = existing.DeviceID
			s.CreatedAt = existing.CreatedAt
		} else if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
		m.stations[s.ID] = s
	}
	return len(stations), nil
}

func (m *MemoryStore) UpdateDeviceMapping(_ context.Context, stationID string, deviceID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stations[stationID]
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	s.DeviceID = copyString(deviceID)
	s.UpdatedAt = time.Now().UTC()
	m.stations[stationID] = s
	return nil
}

// Connectivity

func (m *MemoryStore) ApplySnapshots(_ context.Context, snapshots []models.ConnectivitySnapshot, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range snapshots {
		state, ok := m.connectivity[snap.StationID]
		if !ok {
			state = models.ConnectivityState{StationID: snap.StationID}
		}
		state.Observe(snap.ConnectStatus, now)
		if !snap.ObservedAt.IsZero() {
			state.ObservedAt = snap.ObservedAt
		}
		m.connectivity[snap.StationID] = state
	}
	return len(snapshots), nil
}

func (m *MemoryStore) GetConnectivity(_ context.Context, stationID string) (*models.ConnectivityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.connectivity[stationID]
	if !ok {
		return nil, fmt.Errorf("connectivity for station %s: %w", stationID, ErrNotFound)
	}
	return copyConnectivity(state), nil
}

func (m *MemoryStore) ResetAbnormal(_ context.Context, stationID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetAbnormalLocked(stationID, now)
	return nil
}

func (m *MemoryStore) resetAbnormalLocked(stationID string, now time.Time) {
	if state, ok := m.connectivity[stationID]; ok {
		state.ResetAbnormal(now)
		m.connectivity[stationID] = state
	}
}

// Jobs

func (m *MemoryStore) ListAdmissionCandidates(_ context.Context) ([]*AdmissionCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*AdmissionCandidate
	for id, s := range m.stations {
		if !s.Tracked() {
			continue
		}
		if _, queued := m.jobs[id]; queued {
			continue
		}
		state, ok := m.connectivity[id]
		if !ok || state.FirstAbnormalAt == nil {
			continue
		}
		if state.ConnectStatus != types.ConnectDegraded && state.ConnectStatus != types.ConnectOffline {
			continue
		}
		out = append(out, &AdmissionCandidate{
			StationID: id,
			DeviceID:  *s.DeviceID,
			State:     *copyConnectivity(state),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].State.AbnormalDurationSeconds > out[j].State.AbnormalDurationSeconds
	})
	return out, nil
}

func (m *MemoryStore) InsertJobIfAbsent(_ context.Context, job *models.RecoveryJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.StationID]; exists {
		return false, nil
	}
	j := *copyJob(*job)
	j.UpdatedAt = j.CreatedAt
	m.jobs[job.StationID] = j
	return true, nil
}

func (m *MemoryStore) GetJob(_ context.Context, stationID string) (*models.RecoveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[stationID]
	if !ok {
		return nil, fmt.Errorf("recovery job for station %s: %w", stationID, ErrNotFound)
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ListJobs(_ context.Context) ([]*models.RecoveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.RecoveryJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, copyJob(j))
	}
	sortJobs(out)
	return out, nil
}

func (m *MemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]*models.RecoveryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.RecoveryJob
	for _, j := range m.jobs {
		if j.IsDue(now) {
			due = append(due, copyJob(j))
		}
	}
	sortJobs(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, j := range due {
		j.Status = types.JobStatusRunning
		j.UpdatedAt = now
		m.jobs[j.StationID] = *copyJob(*j)
	}
	return due, nil
}

func (m *MemoryStore) findJobLocked(jobID string) (models.RecoveryJob, bool) {
	for _, j := range m.jobs {
		if j.ID == jobID {
			return j, true
		}
	}
	return models.RecoveryJob{}, false
}

func (m *MemoryStore) UpdateJobStatus(_ context.Context, jobID string, status types.JobStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.findJobLocked(jobID)
	if !ok {
		return fmt.Errorf("recovery job %s: %w", jobID, ErrNotFound)
	}
	j.Status = status
	j.UpdatedAt = now
	m.jobs[j.StationID] = j
	return nil
}

func (m *MemoryStore) RescheduleJob(_ context.Context, jobID string, update JobUpdate, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.findJobLocked(jobID)
	if !ok {
		return fmt.Errorf("recovery job %s: %w", jobID, ErrNotFound)
	}
	j.Status = types.JobStatusPending
	j.RetryIndex = update.RetryIndex
	j.NextRunTime = update.NextRunTime
	j.LastFailure = copyString(update.LastFailure)
	j.UpdatedAt = now
	m.jobs[j.StationID] = j
	return nil
}

func (m *MemoryStore) ResetStaleJobs(_ context.Context, olderThan time.Time, exclude []string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	n := 0
	for id, j := range m.jobs {
		if j.Status == types.JobStatusPending || !j.UpdatedAt.Before(olderThan) {
			continue
		}
		if _, ok := skip[id]; ok {
			continue
		}
		j.Status = types.JobStatusPending
		j.UpdatedAt = now
		m.jobs[id] = j
		n++
	}
	return n, nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, stationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[stationID]; !ok {
		return false, nil
	}
	delete(m.jobs, stationID)
	return true, nil
}

// History

func (m *MemoryStore) CompleteJob(_ context.Context, jobID string, record *models.RecoveryHistoryRecord, resetAbnormal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.findJobLocked(jobID)
	if !ok {
		return fmt.Errorf("recovery job %s: %w", jobID, ErrNotFound)
	}
	delete(m.jobs, j.StationID)

	rec := *record
	rec.FailureReason = copyString(record.FailureReason)
	rec.StationName = ""
	m.history = append(m.history, rec)

	if resetAbnormal {
		m.resetAbnormalLocked(record.StationID, record.CompletedAt)
	}
	return nil
}

func (m *MemoryStore) QueryHistory(_ context.Context, filter models.HistoryFilter) (*models.HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filter = NormalizeHistoryFilter(filter)

	var matched []*models.RecoveryHistoryRecord
	for _, rec := range m.history {
		if filter.StationID != "" && rec.StationID != filter.StationID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		r := rec
		r.FailureReason = copyString(rec.FailureReason)
		if s, ok := m.stations[rec.StationID]; ok {
			r.StationName = s.Name
		}
		matched = append(matched, &r)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CompletedAt.After(matched[j].CompletedAt)
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	records := make([]*models.RecoveryHistoryRecord, 0, end-start)
	records = append(records, matched[start:end]...)

	return &models.HistoryPage{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: end < total,
	}, nil
}

func (m *MemoryStore) RecoveryStats(_ context.Context, now time.Time) (*models.RecoveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.RecoveryStats{Trend: emptyTrend(now)}
	byDate := make(map[string]int, len(stats.Trend))
	for i, d := range stats.Trend {
		byDate[d.Date] = i
	}
	from := trendStart(now)

	perStation := make(map[string]*models.StationRecoveryCounts)
	var durationSum, retrySum int

	for _, rec := range m.history {
		stats.Summary.Total++
		c, ok := perStation[rec.StationID]
		if !ok {
			c = &models.StationRecoveryCounts{StationID: rec.StationID}
			if s, found := m.stations[rec.StationID]; found {
				c.StationName = s.Name
			}
			perStation[rec.StationID] = c
		}
		c.Recoveries++

		success := rec.Status == types.HistorySuccess
		if success {
			stats.Summary.Success++
			c.Success++
			durationSum += rec.TotalDurationMinutes
			retrySum += rec.RetryCount
		} else {
			stats.Summary.Failed++
			c.Failed++
		}

		if !rec.CompletedAt.Before(from) {
			if i, ok := byDate[rec.CompletedAt.UTC().Format("2006-01-02")]; ok {
				if success {
					stats.Trend[i].Success++
				} else {
					stats.Trend[i].Failed++
				}
			}
		}
	}

	if stats.Summary.Success > 0 {
		stats.Summary.AvgSuccessDurationMinutes = float64(durationSum) / float64(stats.Summary.Success)
		stats.Summary.AvgSuccessRetryCount = float64(retrySum) / float64(stats.Summary.Success)
	}

	for _, c := range perStation {
		stats.TopStations = append(stats.TopStations, *c)
	}
	sort.Slice(stats.TopStations, func(i, j int) bool {
		a, b := stats.TopStations[i], stats.TopStations[j]
		if a.Recoveries != b.Recoveries {
			return a.Recoveries > b.Recoveries
		}
		return a.StationID < b.StationID
	})
	if len(stats.TopStations) > TopFailingLimit {
		stats.TopStations = stats.TopStations[:TopFailingLimit]
	}

	return stats, nil
}

// Devices

func (m *MemoryStore) UpsertDevices(_ context.Context, devices []*models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range devices {
		m.devices[d.DeviceID] = *copyDevice(*d)
	}
	return nil
}

func (m *MemoryStore) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return copyDevice(d), nil
}

func (m *MemoryStore) ListDevices(_ context.Context) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) UpdateChannelState(_ context.Context, deviceID string, outlet types.Outlet, state types.ChannelState, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		d = models.Device{DeviceID: deviceID}
	}
	d = *copyDevice(d)
	d.Online = true
	d.SetChannelState(outlet, state)
	d.UpdatedAt = now
	m.devices[deviceID] = d
	return nil
}

func sortJobs(jobs []*models.RecoveryJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].NextRunTime.Equal(jobs[j].NextRunTime) {
			return jobs[i].NextRunTime.Before(jobs[j].NextRunTime)
		}
		return jobs[i].StationID < jobs[j].StationID
	})
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyStation(s models.Station) *models.Station {
	s.DeviceID = copyString(s.DeviceID)
	return &s
}

func copyConnectivity(c models.ConnectivityState) *models.ConnectivityState {
	if c.FirstAbnormalAt != nil {
		t := *c.FirstAbnormalAt
		c.FirstAbnormalAt = &t
	}
	return &c
}

func copyJob(j models.RecoveryJob) *models.RecoveryJob {
	j.LastFailure = copyString(j.LastFailure)
	return &j
}

func copyDevice(d models.Device) *models.Device {
	d.Channels = append([]models.DeviceChannel(nil), d.Channels...)
	return &d
}
