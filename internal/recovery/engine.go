package recovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/station-recovery/internal/adapter"
	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/metrics"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/retry"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

// Store is the persistence the engine reads and writes
type Store interface {
	storage.ConnectivityStore
	storage.JobStore
	storage.HistoryStore
	storage.DeviceStore
}

// OutcomeKind is how a single attempt ended
type OutcomeKind string

const (
	// OutcomeSucceeded means the station reconnected and the job is closed
	OutcomeSucceeded OutcomeKind = "succeeded"
	// OutcomeRescheduled means the job is PENDING again with a later run time
	OutcomeRescheduled OutcomeKind = "rescheduled"
	// OutcomeFailed means the retry budget ran out and the job is closed
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeCancelled means the job row disappeared while running
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomeInterrupted means the attempt stopped on shutdown; the job is
	// left for stale-job recovery
	OutcomeInterrupted OutcomeKind = "interrupted"
)

// Outcome describes the result of Execute
type Outcome struct {
	Kind        OutcomeKind
	Reason      string
	NextRunTime time.Time
}

// Engine executes one attempt of a recovery job
type Engine struct {
	store   Store
	devices adapter.DeviceController
	policy  *Policy
	timing  Timing
	history *HistoryRecorder
	metrics metrics.Recorder
	logger  *logging.Logger
	now     func() time.Time
	sleep   SleepFunc
}

// NewEngine creates a recovery engine
func NewEngine(store Store, devices adapter.DeviceController, policy *Policy, timing Timing, recorder metrics.Recorder, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Engine{
		store:   store,
		devices: devices,
		policy:  policy,
		timing:  timing,
		history: NewHistoryRecorder(store),
		metrics: metrics.OrNoop(recorder),
		logger:  logger.WithComponent("recovery_engine"),
		now:     time.Now,
		sleep:   retry.Sleep,
	}
}

// attempt carries what one attempt has learned about the relay
type attempt struct {
	job       *models.RecoveryJob
	logger    *logging.Logger
	device    *models.Device
	reachable bool
	probed    bool
}

// errJobGone marks a job deleted underneath a running attempt
var errJobGone = stderrors.New("recovery job no longer exists")

// Execute runs one attempt of job. It never panics and never returns an
// error: every failure is resolved into a reschedule or a terminal record.
func (e *Engine) Execute(ctx context.Context, job *models.RecoveryJob) (out Outcome) {
	a := &attempt{
		job:    job,
		logger: e.logger.WithJob(job.ID, job.StationID, job.RetryIndex).WithField("deviceId", job.DeviceID),
	}

	defer func() {
		if r := recover(); r != nil {
			cause := errors.NewUnexpectedError(fmt.Errorf("panic: %v", r))
			a.logger.WithError(cause).Error("Recovery attempt panicked")
			out = e.handleFailure(ctx, a, cause, true)
		}
		e.metrics.RecordOutcome(string(out.Kind), out.Reason)
	}()

	a.logger.Info("Starting recovery attempt")
	return e.run(ctx, a)
}

func (e *Engine) run(ctx context.Context, a *attempt) Outcome {
	job := a.job

	if job.RetryIndex >= 1 {
		healed, err := e.stationConnected(ctx, job.StationID)
		if err != nil {
			return e.handleFailure(ctx, a, err, true)
		}
		if healed {
			a.logger.Info("Station reconnected before any device call")
			return e.succeed(ctx, a)
		}
	}

	if err := e.setStatus(ctx, job, types.JobStatusRunning); err != nil {
		return e.handleFailure(ctx, a, err, true)
	}

	started := e.now()
	device, err := e.probe(ctx, job.DeviceID)
	e.metrics.RecordStep("probe", e.now().Sub(started))
	a.probed = true
	if err != nil {
		a.reachable = errors.DeviceReachable(err)
		return e.handleFailure(ctx, a, err, a.reachable)
	}
	a.device, a.reachable = device, true

	steps := RecoveryScenario(device, e.timing)
	a.logger.WithFields(map[string]interface{}{
		"steps":     len(steps),
		"hardReset": len(steps) == 3,
	}).Info("Running recovery scenario")

	var before func(ctx context.Context) (bool, error)
	if job.RetryIndex >= 1 {
		before = func(ctx context.Context) (bool, error) {
			return e.stationConnected(ctx, job.StationID)
		}
	}

	started = e.now()
	healed, err := e.runner(a).Run(ctx, job.DeviceID, steps, before)
	e.metrics.RecordStep("scenario", e.now().Sub(started))
	if err != nil {
		return e.handleFailure(ctx, a, err, true)
	}
	if healed {
		a.logger.Info("Station reconnected during scenario")
		return e.succeed(ctx, a)
	}

	if err := e.setStatus(ctx, job, types.JobStatusChecking); err != nil {
		return e.handleFailure(ctx, a, err, true)
	}

	started = e.now()
	if err := e.sleep(ctx, e.timing.VerificationWindow); err != nil {
		return e.handleFailure(ctx, a, err, true)
	}
	connected, err := e.stationConnected(ctx, job.StationID)
	e.metrics.RecordStep("verify", e.now().Sub(started))
	if err != nil {
		return e.handleFailure(ctx, a, err, true)
	}
	if connected {
		return e.succeed(ctx, a)
	}

	// The relay state seen at the start of the attempt is stale now
	a.probed = false
	return e.handleFailure(ctx, a, errors.NewVerificationTimeoutError(job.StationID, e.timing.VerificationWindow), true)
}

func (e *Engine) runner(a *attempt) *StepRunner {
	return &StepRunner{
		Devices: &trackingController{DeviceController: e.devices, attempt: a},
		Cache:   e.store,
		Sleep:   e.sleep,
		Now:     e.now,
		Logger:  a.logger,
	}
}

// trackingController mirrors successful switches into the attempt's view
// of the relay so escalation sees the current power state
type trackingController struct {
	adapter.DeviceController
	attempt *attempt
}

func (t *trackingController) SetChannel(ctx context.Context, deviceID string, outlet types.Outlet, state types.ChannelState) error {
	if err := t.DeviceController.SetChannel(ctx, deviceID, outlet, state); err != nil {
		return err
	}
	if t.attempt.device != nil {
		t.attempt.device.SetChannelState(outlet, state)
	}
	return nil
}

// probe lists relays and returns the job's relay. A missing or offline relay
// is DeviceUnreachable; a failed listing is a DeviceAPICallFailure.
func (e *Engine) probe(ctx context.Context, deviceID string) (*models.Device, error) {
	devices, err := e.devices.ListDevices(ctx)
	if err != nil {
		if errors.Categorize(err).Category == errors.CategoryDeviceAPIFailure {
			return nil, err
		}
		return nil, errors.NewDeviceAPIError(deviceID, "list_devices", 0, err)
	}

	if err := e.store.UpsertDevices(ctx, devices); err != nil {
		e.logger.WithError(err).Warn("Failed to refresh device cache")
	}

	for _, d := range devices {
		if d.DeviceID != deviceID {
			continue
		}
		if !d.Online {
			return nil, errors.NewDeviceUnreachableError(deviceID, fmt.Errorf("relay reports offline"))
		}
		return d, nil
	}
	return nil, errors.NewDeviceUnreachableError(deviceID, fmt.Errorf("relay not found in device listing"))
}

func (e *Engine) stationConnected(ctx context.Context, stationID string) (bool, error) {
	state, err := e.store.GetConnectivity(ctx, stationID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return state.ConnectStatus == types.ConnectConnected, nil
}

func (e *Engine) setStatus(ctx context.Context, job *models.RecoveryJob, status types.JobStatus) error {
	if err := e.store.UpdateJobStatus(ctx, job.ID, status, e.now().UTC()); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return errJobGone
		}
		return err
	}
	job.Status = status
	return nil
}

func (e *Engine) succeed(ctx context.Context, a *attempt) Outcome {
	rec, err := e.history.RecordSuccess(ctx, a.job, e.now())
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			a.logger.Info("Recovery job was removed before success was recorded")
			return Outcome{Kind: OutcomeCancelled}
		}
		a.logger.WithError(err).Error("Failed to record recovery success")
		return e.storeFailed(err)
	}
	a.logger.WithFields(map[string]interface{}{
		"retryCount":      rec.RetryCount,
		"durationMinutes": rec.TotalDurationMinutes,
	}).Info("Station recovered")
	return Outcome{Kind: OutcomeSucceeded}
}

// handleFailure classifies err, applies escalation and either reschedules
// the job or closes it as FAILED
func (e *Engine) handleFailure(ctx context.Context, a *attempt, err error, reachable bool) Outcome {
	if stderrors.Is(err, errJobGone) {
		a.logger.Info("Recovery job was removed, stopping attempt")
		return Outcome{Kind: OutcomeCancelled}
	}
	if ctx.Err() != nil {
		a.logger.WithError(err).Warn("Recovery attempt interrupted")
		return Outcome{Kind: OutcomeInterrupted}
	}

	classified := errors.ClassifyAttempt(err)
	reason := classified.Reason()
	if classified.Category == errors.CategoryUnexpected {
		a.logger.WithError(err).Error("Unexpected error during recovery attempt")
	}

	if classified.Category == errors.CategoryVerificationTimeout && !a.probed {
		device, perr := e.probe(ctx, a.job.DeviceID)
		a.probed = true
		reachable = errors.DeviceReachable(perr)
		if perr == nil {
			a.device = device
		} else {
			a.device = nil
			a.logger.WithError(perr).Warn("Relay re-probe failed after verification timeout")
		}
	}

	delay, terminal := e.policy.NextDelay(a.job.RetryIndex, reachable)
	if terminal {
		exhausted := errors.NewRetryBudgetExhaustedError(a.job.StationID, a.job.RetryIndex+1, classified)
		a.logger.WithError(exhausted).Warn("Recovery retry budget exhausted")
		if _, rerr := e.history.RecordFailure(ctx, a.job, reason, e.now()); rerr != nil {
			if stderrors.Is(rerr, storage.ErrNotFound) {
				a.logger.Info("Recovery job was removed before failure was recorded")
				return Outcome{Kind: OutcomeCancelled, Reason: classified.Code}
			}
			a.logger.WithError(rerr).Error("Failed to record recovery failure")
			return e.storeFailed(rerr)
		}
		return Outcome{Kind: OutcomeFailed, Reason: classified.Code}
	}

	e.escalate(ctx, a, reachable)

	now := e.now().UTC()
	next := now.Add(delay)
	update := storage.JobUpdate{RetryIndex: a.job.RetryIndex + 1, NextRunTime: next, LastFailure: &reason}
	if rerr := e.store.RescheduleJob(ctx, a.job.ID, update, now); rerr != nil {
		if stderrors.Is(rerr, storage.ErrNotFound) {
			a.logger.Info("Recovery job was removed, not rescheduling")
			return Outcome{Kind: OutcomeCancelled, Reason: classified.Code}
		}
		a.logger.WithError(rerr).Error("Failed to reschedule recovery job")
		return e.storeFailed(rerr)
	}

	a.logger.WithFields(map[string]interface{}{
		"reason":          reason,
		"deviceReachable": reachable,
		"delay":           delay.String(),
		"nextRetryIndex":  update.RetryIndex,
	}).Warn("Recovery attempt failed, rescheduled")
	return Outcome{Kind: OutcomeRescheduled, Reason: classified.Code, NextRunTime: next}
}

// escalate forces power off after repeated soft attempts so the next
// attempt runs the full scenario
func (e *Engine) escalate(ctx context.Context, a *attempt, reachable bool) {
	if a.job.RetryIndex < 2 || !reachable || !powerOn(a.device) {
		return
	}

	a.logger.Warn("Repeated recovery failures, forcing power off")
	steps := []Step{{Name: "power_off", Outlet: types.OutletPower, State: types.ChannelOff}}
	if _, err := e.runner(a).Run(ctx, a.job.DeviceID, steps, nil); err != nil {
		a.logger.WithError(err).Warn("Failed to force power off")
	}
}

// storeFailed reports a store failure at the end of an attempt. The job
// stays RUNNING or CHECKING and is picked up again by stale-job recovery.
func (e *Engine) storeFailed(err error) Outcome {
	return Outcome{Kind: OutcomeInterrupted, Reason: errors.Categorize(err).Code}
}
