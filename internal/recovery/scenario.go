package recovery

import (
	"context"
	"time"

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

// Step switches one outlet and then waits Settle before the next step
type Step struct {
	Name   string
	Outlet types.Outlet
	State  types.ChannelState
	Settle time.Duration
}

// Timing holds the hardware settle times and the verification window
type Timing struct {
	PowerSettleDelay   time.Duration
	KickHoldDelay      time.Duration
	VerificationWindow time.Duration
}

// DefaultTiming returns the standard waits
func DefaultTiming() Timing {
	return Timing{
		PowerSettleDelay:   10 * time.Second,
		KickHoldDelay:      5 * time.Second,
		VerificationWindow: 90 * time.Second,
	}
}

// RecoveryScenario returns the steps for a recovery attempt. Power is only
// switched on when the relay does not already report it on; otherwise only
// the kick channel is pulsed.
func RecoveryScenario(device *models.Device, t Timing) []Step {
	var steps []Step
	if !powerOn(device) {
		steps = append(steps, Step{Name: "power_on", Outlet: types.OutletPower, State: types.ChannelOn, Settle: t.PowerSettleDelay})
	}
	return append(steps,
		Step{Name: "kick_on", Outlet: types.OutletKick, State: types.ChannelOn, Settle: t.KickHoldDelay},
		Step{Name: "kick_off", Outlet: types.OutletKick, State: types.ChannelOff},
	)
}

// StartupSequence powers a station on from cold
func StartupSequence(t Timing) []Step {
	return []Step{
		{Name: "power_on", Outlet: types.OutletPower, State: types.ChannelOn, Settle: t.PowerSettleDelay},
		{Name: "kick_on", Outlet: types.OutletKick, State: types.ChannelOn, Settle: t.KickHoldDelay},
		{Name: "kick_off", Outlet: types.OutletKick, State: types.ChannelOff},
	}
}

// ShutdownSequence signals the station to shut down, then cuts power
func ShutdownSequence(t Timing) []Step {
	return []Step{
		{Name: "kick_on", Outlet: types.OutletKick, State: types.ChannelOn, Settle: t.KickHoldDelay},
		{Name: "kick_off", Outlet: types.OutletKick, State: types.ChannelOff, Settle: t.PowerSettleDelay},
		{Name: "power_off", Outlet: types.OutletPower, State: types.ChannelOff},
	}
}

func powerOn(device *models.Device) bool {
	if device == nil {
		return false
	}
	state, ok := device.ChannelState(types.OutletPower)
	return ok && state == types.ChannelOn
}

// SleepFunc suspends for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// StepRunner executes steps against a relay and mirrors each successful
// switch into the device cache
type StepRunner struct {
	Devices adapter.DeviceController
	Cache   storage.DeviceStore
	Sleep   SleepFunc
	Now     func() time.Time
	Logger  *logging.Logger
}

// Run executes steps in order. before, when set, is called ahead of every
// step and stops the run without error when it returns true.
func (r *StepRunner) Run(ctx context.Context, deviceID string, steps []Step, before func(ctx context.Context) (bool, error)) (stopped bool, err error) {
	for _, step := range steps {
		if before != nil {
			stop, err := before(ctx)
			if err != nil {
				return false, err
			}
			if stop {
				return true, nil
			}
		}

		if err := r.Devices.SetChannel(ctx, deviceID, step.Outlet, step.State); err != nil {
			return false, err
		}
		if r.Cache != nil {
			if err := r.Cache.UpdateChannelState(ctx, deviceID, step.Outlet, step.State, r.Now().UTC()); err != nil {
				r.Logger.WithError(err).WithField("deviceId", deviceID).Warn("Failed to update cached channel state")
			}
		}
		r.Logger.WithFields(map[string]interface{}{
			"deviceId": deviceID,
			"step":     step.Name,
		}).Debug("Scenario step done")

		if step.Settle > 0 {
			if err := r.Sleep(ctx, step.Settle); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// NewTiming builds timing from configuration, keeping defaults for unset values
func NewTiming(cfg *config.RecoveryConfig) Timing {
	t := DefaultTiming()
	if cfg.PowerSettleDelay > 0 {
		t.PowerSettleDelay = cfg.PowerSettleDelay
	}
	if cfg.KickHoldDelay > 0 {
		t.KickHoldDelay = cfg.KickHoldDelay
	}
	if cfg.VerificationWindow > 0 {
		t.VerificationWindow = cfg.VerificationWindow
	}
	return t
}
