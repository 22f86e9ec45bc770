package service

import (
	"context"
	"strings"
	"time"

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/ratelimit"
	"github.com/station-recovery/internal/recovery"
	"github.com/station-recovery/internal/retry"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

// StationControlService drives a station's relay on operator request
type StationControlService struct {
	runner *recovery.StepRunner
	timing recovery.Timing
	logger *logging.Logger
}

// NewStationControlService creates a new station control service. cache may
// be nil; when set, every successful switch is mirrored into it.
func NewStationControlService(devices adapter.DeviceController, cache storage.DeviceStore, timing recovery.Timing, logger *logging.Logger) *StationControlService {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("station_control")
	return &StationControlService{
		runner: &recovery.StepRunner{
			Devices: devices,
			Cache:   cache,
			Sleep:   retry.Sleep,
			Now:     time.Now,
			Logger:  logger,
		},
		timing: timing,
		logger: logger,
	}
}

// StationOn powers a station on and pulses the kick channel
func (s *StationControlService) StationOn(ctx context.Context, deviceID string) error {
	return s.run(ctx, deviceID, "station_on", recovery.StartupSequence(s.timing))
}

// StationOff signals shutdown through the kick channel, then cuts power
func (s *StationControlService) StationOff(ctx context.Context, deviceID string) error {
	return s.run(ctx, deviceID, "station_off", recovery.ShutdownSequence(s.timing))
}

// SetChannel switches a single 1-based channel
func (s *StationControlService) SetChannel(ctx context.Context, deviceID string, channel int, state string) error {
	outlet, err := types.OutletForChannel(channel)
	if err != nil {
		return errors.NewInvalidParameterError("channel", "must be 1 or 2")
	}
	parsed, ok := types.ParseChannelState(state)
	if !ok {
		return errors.NewInvalidParameterError("state", "must be on or off")
	}

	step := recovery.Step{Name: "set_channel", Outlet: outlet, State: parsed}
	return s.run(ctx, deviceID, "set_channel", []recovery.Step{step})
}

func (s *StationControlService) run(ctx context.Context, deviceID, operation string, steps []recovery.Step) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return errors.NewInvalidParameterError("deviceId", "device id is required")
	}

	logger := s.logger.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"operation": operation,
	})
	logger.Info("Manual station control started")

	// Operator calls never draw on the reserve held for automated recovery
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityLow)
	if _, err := s.runner.Run(ctx, deviceID, steps, nil); err != nil {
		logger.WithError(err).Warn("Manual station control failed")
		return err
	}

	logger.Info("Manual station control finished")
	return nil
}
