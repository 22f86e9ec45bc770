package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/models"
)

// CallLogBuffer decouples device calls from call log persistence. Record
// never blocks; calls are dropped when the buffer is full.
type CallLogBuffer struct {
	store         CallLogStore
	ch            chan *models.DeviceCallLog
	batchSize     int
	flushInterval time.Duration
	dropped       atomic.Uint64
	logger        *logging.Logger
}

// NewCallLogBuffer creates a buffer in front of store
func NewCallLogBuffer(store CallLogStore, size int, flushInterval time.Duration, logger *logging.Logger) *CallLogBuffer {
	if size <= 0 {
		size = 1024
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &CallLogBuffer{
		store:         store,
		ch:            make(chan *models.DeviceCallLog, size),
		batchSize:     100,
		flushInterval: flushInterval,
		logger:        logger.WithComponent("call_log"),
	}
}

// Record queues a call for persistence
func (b *CallLogBuffer) Record(call *models.DeviceCallLog) {
	select {
	case b.ch <- call:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many calls were discarded because the buffer was full
func (b *CallLogBuffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Run flushes queued calls until ctx is cancelled, then drains what is left
func (b *CallLogBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	pending := make([]*models.DeviceCallLog, 0, b.batchSize)
	flush := func(fctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := b.store.RecordCalls(fctx, pending); err != nil {
			b.logger.WithError(err).WithField("calls", len(pending)).Warn("Failed to persist device call logs")
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case call := <-b.ch:
					pending = append(pending, call)
				default:
					drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(drainCtx)
					cancel()
					return
				}
			}
		case call := <-b.ch:
			pending = append(pending, call)
			if len(pending) >= b.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
