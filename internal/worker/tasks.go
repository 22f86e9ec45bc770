package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
)

// InFlightJob describes a recovery attempt currently running in this process
type InFlightJob struct {
	JobID      string    `json:"jobId"`
	StationID  string    `json:"stationId"`
	DeviceID   string    `json:"deviceId"`
	RetryIndex int       `json:"retryIndex"`
	StartedAt  time.Time `json:"startedAt"`
}

// TaskSet tracks the recovery attempts launched by the dispatcher. At most
// one attempt per station runs at a time.
type TaskSet struct {
	mu       sync.Mutex
	inFlight map[string]InFlightJob
	wg       sync.WaitGroup
	logger   *logging.Logger
	onChange func(n int)
}

// NewTaskSet creates an empty task set. onChange, when set, is called with
// the new in-flight count whenever it changes.
func NewTaskSet(logger *logging.Logger, onChange func(n int)) *TaskSet {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &TaskSet{
		inFlight: make(map[string]InFlightJob),
		logger:   logger,
		onChange: onChange,
	}
}

// Go runs fn for job in a new goroutine. It returns false without running
// fn when the job's station already has an attempt in flight.
func (s *TaskSet) Go(job *models.RecoveryJob, fn func()) bool {
	s.mu.Lock()
	if _, busy := s.inFlight[job.StationID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inFlight[job.StationID] = InFlightJob{
		JobID:      job.ID,
		StationID:  job.StationID,
		DeviceID:   job.DeviceID,
		RetryIndex: job.RetryIndex,
		StartedAt:  time.Now().UTC(),
	}
	n := len(s.inFlight)
	s.wg.Add(1)
	s.mu.Unlock()
	s.notify(n)

	go func() {
		defer s.done(job.StationID)
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithJob(job.ID, job.StationID, job.RetryIndex).
					WithError(fmt.Errorf("panic: %v", r)).
					Error("Recovery task panicked")
			}
		}()
		fn()
	}()
	return true
}

func (s *TaskSet) done(stationID string) {
	s.mu.Lock()
	delete(s.inFlight, stationID)
	n := len(s.inFlight)
	s.mu.Unlock()
	s.notify(n)
	s.wg.Done()
}

func (s *TaskSet) notify(n int) {
	if s.onChange != nil {
		s.onChange(n)
	}
}

// Len returns the number of attempts in flight
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Stations returns the stations with an attempt in flight
func (s *TaskSet) Stations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the attempts in flight, oldest first
func (s *TaskSet) Snapshot() []InFlightJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InFlightJob, 0, len(s.inFlight))
	for _, j := range s.inFlight {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StationID < out[j].StationID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait blocks until every attempt has returned or ctx is done
func (s *TaskSet) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
