package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/ratelimit"
	"github.com/station-recovery/internal/recovery"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

// mockDeviceController records every switch call
type mockDeviceController struct {
	mu         sync.Mutex
	calls      []string
	priorities []ratelimit.Priority
	fail       error
}

func (m *mockDeviceController) ListDevices(context.Context) ([]*models.Device, error) {
	return nil, nil
}

func (m *mockDeviceController) SetChannel(ctx context.Context, deviceID string, outlet types.Outlet, state types.ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorities = append(m.priorities, ratelimit.PriorityFromContext(ctx))
	if m.fail != nil {
		return m.fail
	}
	m.calls = append(m.calls, fmt.Sprintf("%s/ch%d:%s", deviceID, outlet.Channel(), state))
	return nil
}

func newTestControl(devices *mockDeviceController, cache storage.DeviceStore) *StationControlService {
	// zero timing skips every settle wait
	return NewStationControlService(devices, cache, recovery.Timing{}, logging.NewNopLogger())
}

func TestStationControl_Sequences(t *testing.T) {
	tests := []struct {
		name  string
		run   func(*StationControlService) error
		calls []string
	}{
		{
			name:  "station on",
			run:   func(s *StationControlService) error { return s.StationOn(context.Background(), "D1") },
			calls: []string{"D1/ch1:on", "D1/ch2:on", "D1/ch2:off"},
		},
		{
			name:  "station off",
			run:   func(s *StationControlService) error { return s.StationOff(context.Background(), "D1") },
			calls: []string{"D1/ch2:on", "D1/ch2:off", "D1/ch1:off"},
		},
		{
			name:  "single channel",
			run:   func(s *StationControlService) error { return s.SetChannel(context.Background(), "D1", 2, "ON") },
			calls: []string{"D1/ch2:on"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices := &mockDeviceController{}
			require.NoError(t, tt.run(newTestControl(devices, nil)))
			assert.Equal(t, tt.calls, devices.calls)
		})
	}
}

func TestStationControl_UpdatesDeviceCache(t *testing.T) {
	store := storage.NewMemoryStore()
	devices := &mockDeviceController{}
	svc := newTestControl(devices, store)

	require.NoError(t, svc.StationOff(context.Background(), "D1"))

	cached, err := store.GetDevice(context.Background(), "D1")
	require.NoError(t, err)
	power, ok := cached.ChannelState(types.OutletPower)
	require.True(t, ok)
	assert.Equal(t, types.ChannelOff, power)
	kick, ok := cached.ChannelState(types.OutletKick)
	require.True(t, ok)
	assert.Equal(t, types.ChannelOff, kick)
}

func TestStationControl_Validation(t *testing.T) {
	svc := newTestControl(&mockDeviceController{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
	}{
		{name: "channel zero", err: svc.SetChannel(ctx, "D1", 0, "on")},
		{name: "channel three", err: svc.SetChannel(ctx, "D1", 3, "on")},
		{name: "bad state", err: svc.SetChannel(ctx, "D1", 1, "toggle")},
		{name: "missing device", err: svc.StationOn(ctx, " ")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, tt.err, errors.CodeInvalidParameter)
		})
	}
}

func TestStationControl_StopsOnFailure(t *testing.T) {
	apiErr := errors.NewDeviceAPIError("D1", "set_channel", 4002, stderrors.New("device offline"))
	devices := &mockDeviceController{fail: apiErr}

	err := newTestControl(devices, nil).StationOn(context.Background(), "D1")
	requireCode(t, err, errors.CodeDeviceAPIFailure)
	assert.Empty(t, devices.calls)
}

func TestStationControl_UsesSharedCallBudget(t *testing.T) {
	devices := &mockDeviceController{}
	svc := newTestControl(devices, nil)

	require.NoError(t, svc.SetChannel(context.Background(), "D1", 2, "on"))
	assert.Equal(t, []ratelimit.Priority{ratelimit.PriorityLow}, devices.priorities)
}
