package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

func TestRecoveryScenario(t *testing.T) {
	timing := DefaultTiming()

	tests := []struct {
		name   string
		device *models.Device
		want   []string
	}{
		{"power off", relay("D1", types.ChannelOff), []string{"power_on", "kick_on", "kick_off"}},
		{"power on", relay("D1", types.ChannelOn), []string{"kick_on", "kick_off"}},
		{"power unknown", &models.Device{DeviceID: "D1", Online: true}, []string{"power_on", "kick_on", "kick_off"}},
		{"no device", nil, []string{"power_on", "kick_on", "kick_off"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stepNames(RecoveryScenario(tt.device, timing)))
		})
	}

	steps := RecoveryScenario(relay("D1", types.ChannelOff), timing)
	assert.Equal(t, 10*time.Second, steps[0].Settle)
	assert.Equal(t, 5*time.Second, steps[1].Settle)
	assert.Zero(t, steps[2].Settle)
}

func TestManualSequences(t *testing.T) {
	timing := DefaultTiming()

	on := StartupSequence(timing)
	assert.Equal(t, []string{"power_on", "kick_on", "kick_off"}, stepNames(on))

	off := ShutdownSequence(timing)
	assert.Equal(t, []string{"kick_on", "kick_off", "power_off"}, stepNames(off))
	assert.Equal(t, types.OutletPower, off[2].Outlet)
	assert.Equal(t, 10*time.Second, off[1].Settle)
}

func TestNewTiming(t *testing.T) {
	timing := NewTiming(&config.RecoveryConfig{VerificationWindow: time.Minute})
	assert.Equal(t, time.Minute, timing.VerificationWindow)
	assert.Equal(t, 10*time.Second, timing.PowerSettleDelay)
	assert.Equal(t, 5*time.Second, timing.KickHoldDelay)
}

func TestStepRunner(t *testing.T) {
	ctx := context.Background()
	devices := newFakeDevices(relay("D1", types.ChannelOff))
	cache := storage.NewMemoryStore()
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))

	runner := &StepRunner{Devices: devices, Cache: cache, Sleep: clock.Sleep, Now: clock.Now, Logger: logging.NewNopLogger()}

	stopped, err := runner.Run(ctx, "D1", StartupSequence(DefaultTiming()), nil)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, []string{"ch1:on", "ch2:on", "ch2:off"}, devices.Calls())
	assert.Equal(t, []time.Duration{10 * time.Second, 5 * time.Second}, clock.Sleeps())

	cached, err := cache.GetDevice(ctx, "D1")
	require.NoError(t, err)
	state, ok := cached.ChannelState(types.OutletPower)
	require.True(t, ok)
	assert.Equal(t, types.ChannelOn, state)
}

func TestStepRunnerStopsWhenCheckSucceeds(t *testing.T) {
	devices := newFakeDevices(relay("D1", types.ChannelOff))
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	runner := &StepRunner{Devices: devices, Sleep: clock.Sleep, Now: clock.Now, Logger: logging.NewNopLogger()}

	checks := 0
	stopped, err := runner.Run(context.Background(), "D1", StartupSequence(DefaultTiming()), func(context.Context) (bool, error) {
		checks++
		return checks == 2, nil
	})
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, []string{"ch1:on"}, devices.Calls())
}

func TestStepRunnerStopsOnSwitchFailure(t *testing.T) {
	devices := newFakeDevices(relay("D1", types.ChannelOff))
	devices.failSet = errors.New("relay rejected")
	clock := newFakeClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	runner := &StepRunner{Devices: devices, Sleep: clock.Sleep, Now: clock.Now, Logger: logging.NewNopLogger()}

	_, err := runner.Run(context.Background(), "D1", StartupSequence(DefaultTiming()), nil)
	require.Error(t, err)
	assert.Empty(t, clock.Sleeps())
}
