// Package worker runs the periodic recovery dispatcher and the station
// directory sync.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/metrics"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/recovery"
)

// Refresher updates connectivity tracking
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Admitter creates recovery jobs for stations past their threshold
type Admitter interface {
	Run(ctx context.Context) ([]*models.RecoveryJob, error)
}

// Executor runs one attempt of a recovery job
type Executor interface {
	Execute(ctx context.Context, job *models.RecoveryJob) recovery.Outcome
}

// TickLease is an optional cross-process guard so only one dispatcher runs a
// given tick
type TickLease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// JobClaimer is the job store subset the dispatcher uses
type JobClaimer interface {
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.RecoveryJob, error)
	ResetStaleJobs(ctx context.Context, olderThan time.Time, exclude []string, now time.Time) (int, error)
}

// DispatcherConfig holds the dispatcher's collaborators and tuning
type DispatcherConfig struct {
	Jobs              JobClaimer
	Tracker           Refresher
	Admission         Admitter
	Engine            Executor
	Lease             TickLease // optional
	Metrics           metrics.Recorder
	Logger            *logging.Logger
	TickInterval      time.Duration // default: 5s
	MaxConcurrentJobs int           // 0 means unbounded
	StaleJobAfter     time.Duration // default: 15m
}

// TickResult summarizes one dispatcher tick
type TickResult struct {
	Skipped    bool
	Refreshed  int
	Admitted   int
	Reclaimed  int
	Dispatched int
}

// Dispatcher is the periodic tick that refreshes connectivity, admits
// stations and launches due jobs. Jobs run as tracked tasks; the tick never
// waits for them.
type Dispatcher struct {
	jobs          JobClaimer
	tracker       Refresher
	admission     Admitter
	engine        Executor
	lease         TickLease
	metrics       metrics.Recorder
	logger        *logging.Logger
	tickInterval  time.Duration
	maxConcurrent int
	staleAfter    time.Duration
	now           func() time.Time

	busy  atomic.Bool
	tasks *TaskSet

	mu        sync.RWMutex
	running   bool
	lastTick  time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	ticks     sync.WaitGroup
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store cannot be nil")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("connectivity tracker cannot be nil")
	}
	if cfg.Admission == nil {
		return nil, fmt.Errorf("job admission cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("recovery engine cannot be nil")
	}
	if cfg.MaxConcurrentJobs < 0 {
		return nil, fmt.Errorf("max concurrent jobs must not be negative, got %d", cfg.MaxConcurrentJobs)
	}

	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	staleAfter := cfg.StaleJobAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithComponent("dispatcher")
	rec := metrics.OrNoop(cfg.Metrics)

	return &Dispatcher{
		jobs:          cfg.Jobs,
		tracker:       cfg.Tracker,
		admission:     cfg.Admission,
		engine:        cfg.Engine,
		lease:         cfg.Lease,
		metrics:       rec,
		logger:        logger,
		tickInterval:  tickInterval,
		maxConcurrent: cfg.MaxConcurrentJobs,
		staleAfter:    staleAfter,
		now:           time.Now,
		tasks:         NewTaskSet(logger, rec.SetInFlight),
	}, nil
}

// Start reclaims jobs orphaned by a previous process and begins ticking
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.jobCtx, d.cancelJob = context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Unlock()

	// With a shared lease other processes may own running jobs, so only
	// rows past the stale window are reclaimed
	now := d.now().UTC()
	olderThan := now
	if d.lease != nil {
		olderThan = now.Add(-d.staleAfter)
	}
	reset, err := d.jobs.ResetStaleJobs(ctx, olderThan, d.tasks.Stations(), now)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to reset orphaned recovery jobs")
	} else if reset > 0 {
		d.logger.WithField("jobs", reset).Info("Reset orphaned recovery jobs to PENDING")
	}

	d.logger.WithFields(map[string]interface{}{
		"tickInterval":  d.tickInterval.String(),
		"maxConcurrent": d.maxConcurrent,
	}).Info("Starting dispatcher")

	go d.loop(ctx)
	return nil
}

// Stop halts ticking, interrupts running attempts and waits for them.
// Interrupted jobs stay RUNNING/CHECKING and are reclaimed on next start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is not running")
	}
	d.running = false
	close(d.stopCh)
	doneCh, cancelJob := d.doneCh, d.cancelJob
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")

	select {
	case <-doneCh:
	case <-ctx.Done():
		cancelJob()
		return ctx.Err()
	}

	cancelJob()
	if err := d.tasks.Wait(ctx); err != nil {
		d.logger.WithField("inFlight", d.tasks.Len()).Warn("Dispatcher stop timed out waiting for recovery tasks")
		return err
	}

	d.logger.Info("Dispatcher stopped gracefully")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)
	defer d.ticks.Wait()

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher context cancelled")
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			// Each tick runs on its own goroutine so a slow tick is skipped
			// by the busy flag rather than queued behind the ticker.
			d.ticks.Add(1)
			go func() {
				defer d.ticks.Done()
				d.Tick(ctx)
			}()
		}
	}
}

// Tick runs one dispatcher cycle. A tick that starts while the previous one
// is still running returns immediately with Skipped set.
func (d *Dispatcher) Tick(ctx context.Context) TickResult {
	if !d.busy.CompareAndSwap(false, true) {
		d.metrics.RecordTick(metrics.ResultSkipped)
		d.logger.Debug("Previous tick still running, skipping")
		return TickResult{Skipped: true}
	}
	defer d.busy.Store(false)

	if d.lease != nil {
		ok, err := d.lease.Acquire(ctx, d.tickInterval)
		if err != nil {
			d.logger.WithError(err).Warn("Tick lease unavailable, running tick locally")
		} else if !ok {
			d.metrics.RecordTick(metrics.ResultSkipped)
			return TickResult{Skipped: true}
		} else {
			defer func() {
				if err := d.lease.Release(context.WithoutCancel(ctx)); err != nil {
					d.logger.WithError(err).Warn("Failed to release tick lease")
				}
			}()
		}
	}

	d.mu.Lock()
	d.lastTick = d.now().UTC()
	d.mu.Unlock()

	var result TickResult
	failed := false

	refreshed, err := d.tracker.Refresh(ctx)
	if err != nil {
		failed = true
		d.logger.WithError(err).Warn("Connectivity refresh failed")
	}
	result.Refreshed = refreshed

	admitted, err := d.admission.Run(ctx)
	if err != nil {
		failed = true
		d.logger.WithError(err).Warn("Job admission failed")
	}
	result.Admitted = len(admitted)

	now := d.now().UTC()
	reclaimed, err := d.jobs.ResetStaleJobs(ctx, now.Add(-d.staleAfter), d.tasks.Stations(), now)
	if err != nil {
		failed = true
		d.logger.WithError(err).Warn("Failed to reclaim stale recovery jobs")
	} else if reclaimed > 0 {
		d.logger.WithField("jobs", reclaimed).Warn("Reclaimed stale recovery jobs")
	}
	result.Reclaimed = reclaimed

	dispatched, err := d.dispatchDue(ctx, now)
	if err != nil {
		failed = true
		d.logger.WithError(err).Warn("Failed to dispatch due jobs")
	}
	result.Dispatched = dispatched

	if failed {
		d.metrics.RecordTick(metrics.ResultError)
	} else {
		d.metrics.RecordTick(metrics.ResultOK)
	}
	return result
}

func (d *Dispatcher) dispatchDue(ctx context.Context, now time.Time) (int, error) {
	limit := 0
	if d.maxConcurrent > 0 {
		limit = d.maxConcurrent - d.tasks.Len()
		if limit <= 0 {
			return 0, nil
		}
	}

	jobs, err := d.jobs.ClaimDueJobs(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	d.mu.RLock()
	jobCtx := d.jobCtx
	d.mu.RUnlock()
	if jobCtx == nil {
		jobCtx = context.WithoutCancel(ctx)
	}

	dispatched := 0
	for _, job := range jobs {
		started := d.tasks.Go(job, func() {
			d.engine.Execute(jobCtx, job)
		})
		if !started {
			d.logger.WithStation(job.StationID).Warn("Station already has an attempt in flight, leaving job for stale reclaim")
			continue
		}
		dispatched++
		d.metrics.RecordDispatch()
		d.logger.WithJob(job.ID, job.StationID, job.RetryIndex).Info("Dispatched recovery job")
	}
	return dispatched, nil
}

// InFlight returns the attempts running in this process
func (d *Dispatcher) InFlight() []InFlightJob {
	return d.tasks.Snapshot()
}

// Wait blocks until every launched attempt has returned or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	return d.tasks.Wait(ctx)
}

// DispatcherStatus represents the current status of the dispatcher
type DispatcherStatus struct {
	Running             bool          `json:"running"`
	LastTickTime        time.Time     `json:"lastTickTime"`
	TickIntervalSeconds int           `json:"tickIntervalSeconds"`
	MaxConcurrentJobs   int           `json:"maxConcurrentJobs"`
	InFlight            []InFlightJob `json:"inFlight"`
}

// GetStatus returns current dispatcher status
func (d *Dispatcher) GetStatus() *DispatcherStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return &DispatcherStatus{
		Running:             d.running,
		LastTickTime:        d.lastTick,
		TickIntervalSeconds: int(d.tickInterval.Seconds()),
		MaxConcurrentJobs:   d.maxConcurrent,
		InFlight:            d.tasks.Snapshot(),
	}
}
