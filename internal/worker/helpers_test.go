package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/recovery"
	"github.com/station-recovery/internal/storage"
	"github.com/station-recovery/internal/types"
)

var workerBase = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// fakeEngine records executed jobs and optionally blocks until released
type fakeEngine struct {
	mu       sync.Mutex
	executed []string
	started  chan string
	release  chan struct{}
	panics   bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan string, 64)}
}

func (e *fakeEngine) Execute(ctx context.Context, job *models.RecoveryJob) recovery.Outcome {
	e.mu.Lock()
	e.executed = append(e.executed, job.StationID)
	release, panics := e.release, e.panics
	e.mu.Unlock()

	e.started <- job.StationID
	if panics {
		panic("engine exploded")
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return recovery.Outcome{Kind: recovery.OutcomeInterrupted}
		}
	}
	return recovery.Outcome{Kind: recovery.OutcomeSucceeded}
}

func (e *fakeEngine) Executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

// stubTracker counts refreshes and can block or fail
type stubTracker struct {
	mu      sync.Mutex
	calls   int
	err     error
	entered chan struct{}
	release chan struct{}
}

func (s *stubTracker) Refresh(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.calls++
	err, entered, release := s.err, s.entered, s.release
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return 0, err
}

func (s *stubTracker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubAdmission struct {
	err error
}

func (s *stubAdmission) Run(context.Context) ([]*models.RecoveryJob, error) {
	return nil, s.err
}

var errStub = errors.New("stub failure")

func seedDueJob(t *testing.T, store *storage.MemoryStore, stationID string, status types.JobStatus, updatedAt time.Time) *models.RecoveryJob {
	t.Helper()
	job := &models.RecoveryJob{
		ID:          uuid.NewString(),
		StationID:   stationID,
		DeviceID:    "D-" + stationID,
		Status:      status,
		NextRunTime: updatedAt,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}
	inserted, err := store.InsertJobIfAbsent(context.Background(), job)
	require.NoError(t, err)
	require.True(t, inserted)
	return job
}

func newTestDispatcher(t *testing.T, cfg *DispatcherConfig) *Dispatcher {
	t.Helper()
	if cfg.Tracker == nil {
		cfg.Tracker = &stubTracker{}
	}
	if cfg.Admission == nil {
		cfg.Admission = &stubAdmission{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	d, err := NewDispatcher(cfg)
	require.NoError(t, err)
	d.now = func() time.Time { return workerBase }
	return d
}

func waitStarted(t *testing.T, e *fakeEngine, n int) []string {
	t.Helper()
	var got []string
	for i := 0; i < n; i++ {
		select {
		case id := <-e.started:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d jobs started", len(got), n)
		}
	}
	return got
}
