package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

var contractBase = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func seedStations(t *testing.T, store Store, stations ...*models.Station) {
	t.Helper()
	_, err := store.UpsertStations(testContext(t), stations)
	require.NoError(t, err)
	for _, s := range stations {
		if s.DeviceID != nil {
			require.NoError(t, store.UpdateDeviceMapping(testContext(t), s.ID, s.DeviceID))
		}
	}
}

func newJob(stationID, deviceID string, next time.Time) *models.RecoveryJob {
	return &models.RecoveryJob{
		ID:          uuid.NewString(),
		StationID:   stationID,
		DeviceID:    deviceID,
		Status:      types.JobStatusPending,
		NextRunTime: next,
		CreatedAt:   next,
	}
}

// completeRecord opens a job for the record's station and closes it with rec
func completeRecord(t *testing.T, store Store, rec *models.RecoveryHistoryRecord) {
	t.Helper()
	ctx := testContext(t)
	job := newJob(rec.StationID, rec.DeviceID, rec.StartedAt)
	inserted, err := store.InsertJobIfAbsent(ctx, job)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.CompleteJob(ctx, job.ID, rec, false))
}

// runStoreContract exercises behaviour every Store implementation must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertStationsKeepsDeviceMapping", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		seedStations(t, store, &models.Station{ID: "S1", Name: "Alpha", IsActive: true, DeviceID: strPtr("D1")})
		_, err := store.UpsertStations(ctx, []*models.Station{{ID: "S1", Name: "Alpha Renamed", IsActive: true}})
		require.NoError(t, err)

		s, err := store.GetStation(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, "Alpha Renamed", s.Name)
		require.NotNil(t, s.DeviceID)
		assert.Equal(t, "D1", *s.DeviceID)

		_, err = store.GetStation(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListTrackedStations", func(t *testing.T) {
		store := newStore(t)
		seedStations(t, store,
			&models.Station{ID: "S1", IsActive: true, DeviceID: strPtr("D1")},
			&models.Station{ID: "S2", IsActive: true},
			&models.Station{ID: "S3", IsActive: false, DeviceID: strPtr("D3")},
		)

		tracked, err := store.ListTrackedStations(testContext(t))
		require.NoError(t, err)
		require.Len(t, tracked, 1)
		assert.Equal(t, "S1", tracked[0].ID)
	})

	t.Run("ApplySnapshotsTracksAbnormalPeriod", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		_, err := store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectOffline}}, contractBase)
		require.NoError(t, err)
		state, err := store.GetConnectivity(ctx, "S1")
		require.NoError(t, err)
		require.NotNil(t, state.FirstAbnormalAt)
		assert.True(t, state.FirstAbnormalAt.Equal(contractBase))
		assert.Equal(t, int64(0), state.AbnormalDurationSeconds)

		// status flips between abnormal values without restarting the period
		_, err = store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectDegraded}}, contractBase.Add(45*time.Second))
		require.NoError(t, err)
		state, err = store.GetConnectivity(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, types.ConnectDegraded, state.ConnectStatus)
		assert.True(t, state.FirstAbnormalAt.Equal(contractBase))
		assert.Equal(t, int64(45), state.AbnormalDurationSeconds)

		_, err = store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectConnected}}, contractBase.Add(60*time.Second))
		require.NoError(t, err)
		state, err = store.GetConnectivity(ctx, "S1")
		require.NoError(t, err)
		assert.Nil(t, state.FirstAbnormalAt)
		assert.Equal(t, int64(0), state.AbnormalDurationSeconds)
	})

	t.Run("ResetAbnormalRestartsPeriod", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		_, err := store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectOffline}}, contractBase)
		require.NoError(t, err)
		require.NoError(t, store.ResetAbnormal(ctx, "S1", contractBase.Add(time.Minute)))

		state, err := store.GetConnectivity(ctx, "S1")
		require.NoError(t, err)
		assert.Nil(t, state.FirstAbnormalAt)

		_, err = store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectOffline}}, contractBase.Add(2*time.Minute))
		require.NoError(t, err)
		state, err = store.GetConnectivity(ctx, "S1")
		require.NoError(t, err)
		require.NotNil(t, state.FirstAbnormalAt)
		assert.True(t, state.FirstAbnormalAt.Equal(contractBase.Add(2*time.Minute)))
		assert.Equal(t, int64(0), state.AbnormalDurationSeconds)
	})

	t.Run("AdmissionCandidates", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		seedStations(t, store,
			&models.Station{ID: "S1", IsActive: true, DeviceID: strPtr("D1")},
			&models.Station{ID: "S2", IsActive: true, DeviceID: strPtr("D2")},
			&models.Station{ID: "S3", IsActive: true, DeviceID: strPtr("D3")},
			&models.Station{ID: "S4", IsActive: true},
		)
		_, err := store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{
			{StationID: "S1", ConnectStatus: types.ConnectOffline},
			{StationID: "S2", ConnectStatus: types.ConnectConnected},
			{StationID: "S3", ConnectStatus: types.ConnectDegraded},
			{StationID: "S4", ConnectStatus: types.ConnectOffline},
		}, contractBase)
		require.NoError(t, err)

		inserted, err := store.InsertJobIfAbsent(ctx, newJob("S3", "D3", contractBase))
		require.NoError(t, err)
		require.True(t, inserted)

		candidates, err := store.ListAdmissionCandidates(ctx)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, "S1", candidates[0].StationID)
		assert.Equal(t, "D1", candidates[0].DeviceID)
		assert.Equal(t, types.ConnectOffline, candidates[0].State.ConnectStatus)
	})

	t.Run("InsertJobIfAbsentIsUniquePerStation", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		inserted, err := store.InsertJobIfAbsent(ctx, newJob("S1", "D1", contractBase))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.InsertJobIfAbsent(ctx, newJob("S1", "D1", contractBase.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, inserted)

		jobs, err := store.ListJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
		assert.True(t, jobs[0].NextRunTime.Equal(contractBase))
	})

	t.Run("ClaimDueJobs", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		for _, j := range []*models.RecoveryJob{
			newJob("S1", "D1", contractBase.Add(-2*time.Minute)),
			newJob("S2", "D2", contractBase.Add(-time.Minute)),
			newJob("S3", "D3", contractBase),
			newJob("S4", "D4", contractBase.Add(time.Second)),
		} {
			_, err := store.InsertJobIfAbsent(ctx, j)
			require.NoError(t, err)
		}

		claimed, err := store.ClaimDueJobs(ctx, contractBase, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "S1", claimed[0].StationID)
		assert.Equal(t, "S2", claimed[1].StationID)
		for _, j := range claimed {
			assert.Equal(t, types.JobStatusRunning, j.Status)
		}

		claimed, err = store.ClaimDueJobs(ctx, contractBase, 0)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "S3", claimed[0].StationID)

		claimed, err = store.ClaimDueJobs(ctx, contractBase, 0)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("RescheduleAndStatusUpdates", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		job := newJob("S1", "D1", contractBase)
		_, err := store.InsertJobIfAbsent(ctx, job)
		require.NoError(t, err)

		require.NoError(t, store.UpdateJobStatus(ctx, job.ID, types.JobStatusChecking, contractBase.Add(time.Second)))
		got, err := store.GetJob(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusChecking, got.Status)

		next := contractBase.Add(2 * time.Minute)
		require.NoError(t, store.RescheduleJob(ctx, job.ID, JobUpdate{
			RetryIndex:  1,
			NextRunTime: next,
			LastFailure: strPtr("VERIFICATION_TIMEOUT: still offline"),
		}, contractBase.Add(2*time.Second)))

		got, err = store.GetJob(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusPending, got.Status)
		assert.Equal(t, 1, got.RetryIndex)
		assert.True(t, got.NextRunTime.Equal(next))
		require.NotNil(t, got.LastFailure)
		assert.Contains(t, *got.LastFailure, "VERIFICATION_TIMEOUT")

		missing := uuid.NewString()
		assert.True(t, errors.Is(store.UpdateJobStatus(ctx, missing, types.JobStatusRunning, contractBase), ErrNotFound))
		assert.True(t, errors.Is(store.RescheduleJob(ctx, missing, JobUpdate{NextRunTime: next}, contractBase), ErrNotFound))
	})

	t.Run("ResetStaleJobs", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		for _, id := range []string{"S1", "S2", "S3"} {
			_, err := store.InsertJobIfAbsent(ctx, newJob(id, "D"+id, contractBase))
			require.NoError(t, err)
		}
		_, err := store.ClaimDueJobs(ctx, contractBase, 0)
		require.NoError(t, err)

		n, err := store.ResetStaleJobs(ctx, contractBase.Add(time.Minute), []string{"S2"}, contractBase.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		s2, err := store.GetJob(ctx, "S2")
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusRunning, s2.Status)

		s1, err := store.GetJob(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, types.JobStatusPending, s1.Status)

		// jobs updated at or after the cutoff stay put
		n, err = store.ResetStaleJobs(ctx, contractBase, nil, contractBase.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("DeleteJob", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		_, err := store.InsertJobIfAbsent(ctx, newJob("S1", "D1", contractBase))
		require.NoError(t, err)

		deleted, err := store.DeleteJob(ctx, "S1")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.DeleteJob(ctx, "S1")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("CompleteJobWritesHistoryAndResets", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		seedStations(t, store, &models.Station{ID: "S1", Name: "Alpha", IsActive: true, DeviceID: strPtr("D1")})
		_, err := store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectOffline}}, contractBase)
		require.NoError(t, err)

		job := newJob("S1", "D1", contractBase)
		_, err = store.InsertJobIfAbsent(ctx, job)
		require.NoError(t, err)

		completed := contractBase.Add(100 * time.Minute)
		require.NoError(t, store.CompleteJob(ctx, job.ID, &models.RecoveryHistoryRecord{
			ID:                   uuid.NewString(),
			StationID:            "S1",
			DeviceID:             "D1",
			Status:               types.HistoryFailed,
			RetryCount:           6,
			TotalDurationMinutes: 100,
			FailureReason:        strPtr("DEVICE_UNREACHABLE: device D1 offline"),
			StartedAt:            contractBase,
			CompletedAt:          completed,
		}, true))

		_, err = store.GetJob(ctx, "S1")
		assert.True(t, errors.Is(err, ErrNotFound))

		state, err := store.GetConnectivity(ctx, "S1")
		require.NoError(t, err)
		assert.Nil(t, state.FirstAbnormalAt)

		page, err := store.QueryHistory(ctx, models.HistoryFilter{StationID: "S1"})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		rec := page.Records[0]
		assert.Equal(t, "Alpha", rec.StationName)
		assert.Equal(t, types.HistoryFailed, rec.Status)
		assert.Equal(t, 6, rec.RetryCount)
		require.NotNil(t, rec.FailureReason)
		assert.Contains(t, *rec.FailureReason, "DEVICE_UNREACHABLE")
	})

	t.Run("CompleteJobMissingJobWritesNothing", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		_, err := store.ApplySnapshots(ctx, []models.ConnectivitySnapshot{{StationID: "S1", ConnectStatus: types.ConnectOffline}}, contractBase)
		require.NoError(t, err)

		job := newJob("S1", "D1", contractBase)
		_, err = store.InsertJobIfAbsent(ctx, job)
		require.NoError(t, err)
		deleted, err := store.DeleteJob(ctx, "S1")
		require.NoError(t, err)
		require.True(t, deleted)

		// A replacement job for the same station must keep its abnormal period
		next := newJob("S1", "D1", contractBase.Add(time.Minute))
		_, err = store.InsertJobIfAbsent(ctx, next)
		require.NoError(t, err)

		err = store.CompleteJob(ctx, job.ID, &models.RecoveryHistoryRecord{
			ID:          uuid.NewString(),
			StationID:   "S1",
			DeviceID:    "D1",
			Status:      types.HistorySuccess,
			RetryCount:  1,
			StartedAt:   contractBase,
			CompletedAt: contractBase.Add(5 * time.Minute),
		}, true)
		assert.True(t, errors.Is(err, ErrNotFound))

		page, err := store.QueryHistory(ctx, models.HistoryFilter{})
		require.NoError(t, err)
		assert.Zero(t, page.Total)

		current, err := store.GetJob(ctx, "S1")
		require.NoError(t, err)
		assert.Equal(t, next.ID, current.ID)

		state, err := store.GetConnectivity(ctx, "S1")
		require.NoError(t, err)
		assert.NotNil(t, state.FirstAbnormalAt)
	})

	t.Run("QueryHistoryPaginatesNewestFirst", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		for i := 0; i < 5; i++ {
			status := types.HistorySuccess
			if i%2 == 1 {
				status = types.HistoryFailed
			}
			completeRecord(t, store, &models.RecoveryHistoryRecord{
				ID:          uuid.NewString(),
				StationID:   "S1",
				DeviceID:    "D1",
				Status:      status,
				RetryCount:  1,
				StartedAt:   contractBase,
				CompletedAt: contractBase.Add(time.Duration(i) * time.Hour),
			})
		}

		page, err := store.QueryHistory(ctx, models.HistoryFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Records, 2)
		assert.True(t, page.HasMore)
		assert.True(t, page.Records[0].CompletedAt.Equal(contractBase.Add(3*time.Hour)))
		assert.True(t, page.Records[1].CompletedAt.Equal(contractBase.Add(2*time.Hour)))

		page, err = store.QueryHistory(ctx, models.HistoryFilter{Status: types.HistoryFailed})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		assert.False(t, page.HasMore)
		assert.Equal(t, DefaultHistoryLimit, page.Limit)
	})

	t.Run("RecoveryStats", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		now := contractBase
		add := func(station string, status types.HistoryStatus, retries, minutes int, completed time.Time) {
			completeRecord(t, store, &models.RecoveryHistoryRecord{
				ID:                   uuid.NewString(),
				StationID:            station,
				DeviceID:             "D",
				Status:               status,
				RetryCount:           retries,
				TotalDurationMinutes: minutes,
				StartedAt:            completed.Add(-time.Duration(minutes) * time.Minute),
				CompletedAt:          completed,
			})
		}
		add("S1", types.HistorySuccess, 1, 10, now.Add(-time.Hour))
		add("S1", types.HistorySuccess, 3, 30, now.Add(-25*time.Hour))
		add("S1", types.HistoryFailed, 6, 200, now.Add(-2*time.Hour))
		add("S2", types.HistoryFailed, 6, 200, now.Add(-30*24*time.Hour))

		stats, err := store.RecoveryStats(ctx, now)
		require.NoError(t, err)

		assert.Equal(t, 4, stats.Summary.Total)
		assert.Equal(t, 2, stats.Summary.Success)
		assert.Equal(t, 2, stats.Summary.Failed)
		assert.InDelta(t, 20.0, stats.Summary.AvgSuccessDurationMinutes, 0.001)
		assert.InDelta(t, 2.0, stats.Summary.AvgSuccessRetryCount, 0.001)

		require.Len(t, stats.TopStations, 2)
		assert.Equal(t, "S1", stats.TopStations[0].StationID)
		assert.Equal(t, 3, stats.TopStations[0].Recoveries)
		assert.Equal(t, 2, stats.TopStations[0].Success)
		assert.Equal(t, 1, stats.TopStations[0].Failed)

		require.Len(t, stats.Trend, TrendDays)
		last := stats.Trend[TrendDays-1]
		assert.Equal(t, "2026-10-01", last.Date)
		assert.Equal(t, 1, last.Success)
		assert.Equal(t, 1, last.Failed)
		assert.Equal(t, 1, stats.Trend[TrendDays-2].Success)
	})

	t.Run("DeviceChannelState", func(t *testing.T) {
		store := newStore(t)
		ctx := testContext(t)

		require.NoError(t, store.UpsertDevices(ctx, []*models.Device{{
			DeviceID: "D1",
			Name:     "Relay 1",
			Online:   true,
			Channels: []models.DeviceChannel{
				{Outlet: types.OutletPower, State: types.ChannelOff},
				{Outlet: types.OutletKick, State: types.ChannelOff},
			},
			UpdatedAt: contractBase,
		}}))

		require.NoError(t, store.UpdateChannelState(ctx, "D1", types.OutletPower, types.ChannelOn, contractBase.Add(time.Second)))

		d, err := store.GetDevice(ctx, "D1")
		require.NoError(t, err)
		state, ok := d.ChannelState(types.OutletPower)
		require.True(t, ok)
		assert.Equal(t, types.ChannelOn, state)
		assert.Equal(t, "Relay 1", d.Name)

		require.NoError(t, store.UpdateChannelState(ctx, "D9", types.OutletKick, types.ChannelOn, contractBase))
		devices, err := store.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, devices, 2)

		_, err = store.GetDevice(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}
