package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

var monitorBase = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// feed is a settable snapshot source
type feed struct {
	mu       sync.Mutex
	statuses map[string]types.ConnectStatus
	asked    []string
	err      error
}

func newFeed() *feed {
	return &feed{statuses: make(map[string]types.ConnectStatus)}
}

func (f *feed) set(stationID string, status types.ConnectStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[stationID] = status
}

func (f *feed) FetchSnapshots(_ context.Context, ids []string) ([]models.ConnectivitySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.asked = append([]string(nil), ids...)
	if f.err != nil {
		return nil, f.err
	}
	var out []models.ConnectivitySnapshot
	for id, status := range f.statuses {
		out = append(out, models.ConnectivitySnapshot{StationID: id, ConnectStatus: status})
	}
	return out, nil
}

func seedStation(t *testing.T, store *storage.MemoryStore, id, deviceID string, active bool) {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpsertStations(ctx, []*models.Station{{ID: id, Name: "station " + id, IsActive: active}})
	require.NoError(t, err)
	if deviceID != "" {
		require.NoError(t, store.UpdateDeviceMapping(ctx, id, &deviceID))
	}
}

type clock struct{ now time.Time }

func newClock(start time.Time) *clock { return &clock{now: start} }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(store *storage.MemoryStore, src *feed, c *clock) *Tracker {
	tr := NewTracker(store, src, logging.NewNopLogger())
	tr.now = c.Now
	return tr
}

func newTestAdmission(store *storage.MemoryStore, c *clock) *Admission {
	a := NewAdmission(store, DefaultThresholds(), nil, logging.NewNopLogger())
	a.now = c.Now
	return a
}

func TestTrackerRefreshOnlyTrackedStations(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedStation(t, store, "S1", "D1", true)
	seedStation(t, store, "S2", "", true)
	seedStation(t, store, "S3", "D3", false)

	src := newFeed()
	src.set("S1", types.ConnectOffline)
	src.set("S2", types.ConnectOffline)
	src.set("S3", types.ConnectOffline)
	src.set("S9", types.ConnectOffline)

	c := newClock(monitorBase)
	n, err := newTestTracker(store, src, c).Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"S1"}, src.asked)

	_, err = store.GetConnectivity(ctx, "S2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetConnectivity(ctx, "S9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTrackerAccumulatesAbnormalPeriod(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedStation(t, store, "S1", "D1", true)
	src := newFeed()
	c := newClock(monitorBase)
	tr := newTestTracker(store, src, c)

	src.set("S1", types.ConnectOffline)
	_, err := tr.Refresh(ctx)
	require.NoError(t, err)

	c.Advance(20 * time.Second)
	src.set("S1", types.ConnectDegraded)
	_, err = tr.Refresh(ctx)
	require.NoError(t, err)

	state, err := store.GetConnectivity(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, state.FirstAbnormalAt)
	assert.Equal(t, monitorBase, *state.FirstAbnormalAt)
	assert.Equal(t, int64(20), state.AbnormalDurationSeconds)

	c.Advance(5 * time.Second)
	src.set("S1", types.ConnectConnected)
	_, err = tr.Refresh(ctx)
	require.NoError(t, err)

	state, err = store.GetConnectivity(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, state.FirstAbnormalAt)
	assert.Zero(t, state.AbnormalDurationSeconds)
}

func TestTrackerFeedFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	seedStation(t, store, "S1", "D1", true)
	src := newFeed()
	src.err = errors.New("telemetry down")

	_, err := newTestTracker(store, src, newClock(monitorBase)).Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry down")
}

func TestTrackerNoStations(t *testing.T) {
	src := newFeed()
	n, err := newTestTracker(storage.NewMemoryStore(), src, newClock(monitorBase)).Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, src.asked)
}

func TestThresholdsAdmits(t *testing.T) {
	th := DefaultThresholds()
	start := monitorBase

	state := func(status types.ConnectStatus, seconds int64) *models.ConnectivityState {
		return &models.ConnectivityState{
			StationID:               "S1",
			ConnectStatus:           status,
			FirstAbnormalAt:         &start,
			AbnormalDurationSeconds: seconds,
		}
	}

	tests := []struct {
		name  string
		state *models.ConnectivityState
		want  bool
	}{
		{"offline below threshold", state(types.ConnectOffline, 29), false},
		{"offline at threshold", state(types.ConnectOffline, 30), true},
		{"offline past threshold", state(types.ConnectOffline, 600), true},
		{"degraded below threshold", state(types.ConnectDegraded, 299), false},
		{"degraded at threshold", state(types.ConnectDegraded, 300), true},
		{"uninitialized never", state(types.ConnectUninitialized, 9999), false},
		{"connected never", &models.ConnectivityState{ConnectStatus: types.ConnectConnected}, false},
		{"nil state", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Admits(tt.state))
		})
	}
}

func TestAdmissionThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedStation(t, store, "S1", "D1", true)
	src := newFeed()
	src.set("S1", types.ConnectOffline)
	c := newClock(monitorBase)
	tr := newTestTracker(store, src, c)
	adm := newTestAdmission(store, c)

	_, err := tr.Refresh(ctx)
	require.NoError(t, err)
	c.Advance(29 * time.Second)
	_, err = tr.Refresh(ctx)
	require.NoError(t, err)

	jobs, err := adm.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	c.Advance(time.Second)
	_, err = tr.Refresh(ctx)
	require.NoError(t, err)

	jobs, err = adm.Run(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "S1", jobs[0].StationID)
	assert.Equal(t, "D1", jobs[0].DeviceID)
	assert.Equal(t, types.JobStatusPending, jobs[0].Status)
	assert.Equal(t, 0, jobs[0].RetryIndex)
	assert.Equal(t, c.Now(), jobs[0].NextRunTime)

	stored, err := store.GetJob(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, jobs[0].ID, stored.ID)
}

func TestAdmissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedStation(t, store, "S1", "D1", true)
	c := newClock(monitorBase)

	_, err := store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectOffline}}, c.Now())
	require.NoError(t, err)
	c.Advance(time.Minute)
	_, err = store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectOffline}}, c.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := newTestAdmission(store, c).Run(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

// racingStore reports a candidate that another tick already admitted
type racingStore struct {
	*storage.MemoryStore
	candidates []*storage.AdmissionCandidate
}

func (r *racingStore) ListAdmissionCandidates(context.Context) ([]*storage.AdmissionCandidate, error) {
	return r.candidates, nil
}

func TestAdmissionSkipsDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	existing := &models.RecoveryJob{ID: "existing", StationID: "S1", DeviceID: "D1", Status: types.JobStatusRunning, CreatedAt: monitorBase}
	_, err := store.InsertJobIfAbsent(ctx, existing)
	require.NoError(t, err)

	first := monitorBase
	rs := &racingStore{MemoryStore: store, candidates: []*storage.AdmissionCandidate{{
		StationID: "S1",
		DeviceID:  "D1",
		State:     models.ConnectivityState{StationID: "S1", ConnectStatus: types.ConnectOffline, FirstAbnormalAt: &first, AbnormalDurationSeconds: 120},
	}}}

	adm := NewAdmission(rs, DefaultThresholds(), nil, logging.NewNopLogger())
	jobs, err := adm.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	job, err := store.GetJob(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "existing", job.ID)
}

func TestAdmissionDegradedGracePeriod(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedStation(t, store, "S1", "D1", true)
	src := newFeed()
	src.set("S1", types.ConnectDegraded)
	c := newClock(monitorBase)
	tr := newTestTracker(store, src, c)
	adm := newTestAdmission(store, c)

	for elapsed := time.Duration(0); elapsed < 300*time.Second; elapsed += 5 * time.Second {
		_, err := tr.Refresh(ctx)
		require.NoError(t, err)
		jobs, err := adm.Run(ctx)
		require.NoError(t, err)
		require.Empty(t, jobs, "admitted after %s", elapsed)
		c.Advance(5 * time.Second)
	}

	_, err := tr.Refresh(ctx)
	require.NoError(t, err)
	jobs, err := adm.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestAdmissionProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	th := DefaultThresholds()
	start := monitorBase

	properties.Property("offline admits iff duration reaches the threshold", prop.ForAll(
		func(seconds int64) bool {
			st := &models.ConnectivityState{ConnectStatus: types.ConnectOffline, FirstAbnormalAt: &start, AbnormalDurationSeconds: seconds}
			return th.Admits(st) == (seconds >= 30)
		},
		gen.Int64Range(0, 1000),
	))

	properties.Property("degraded never admits before offline would", prop.ForAll(
		func(seconds int64) bool {
			degraded := &models.ConnectivityState{ConnectStatus: types.ConnectDegraded, FirstAbnormalAt: &start, AbnormalDurationSeconds: seconds}
			offline := &models.ConnectivityState{ConnectStatus: types.ConnectOffline, FirstAbnormalAt: &start, AbnormalDurationSeconds: seconds}
			return !th.Admits(degraded) || th.Admits(offline)
		},
		gen.Int64Range(0, 1000),
	))

	properties.TestingRun(t)
}
