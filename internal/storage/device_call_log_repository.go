package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/station-recovery/internal/models"
)

const (
	// RecentCallLimit is the number of calls returned in API stats
	RecentCallLimit = 20
	// callStatsDays is the window of the daily call counts
	callStatsDays = 7
)

// CallLogStore persists device vendor API calls
type CallLogStore interface {
	RecordCalls(ctx context.Context, calls []*models.DeviceCallLog) error
	APIStats(ctx context.Context, now time.Time) (*models.DeviceAPIStats, error)
}

// DeviceCallLogRepository stores device vendor API calls in ClickHouse
type DeviceCallLogRepository struct {
	db *ClickHouseDB
}

// NewDeviceCallLogRepository creates a new call log repository
func NewDeviceCallLogRepository(db *ClickHouseDB) *DeviceCallLogRepository {
	return &DeviceCallLogRepository{db: db}
}

var _ CallLogStore = (*DeviceCallLogRepository)(nil)

// RecordCalls inserts calls in a single batch
func (r *DeviceCallLogRepository) RecordCalls(ctx context.Context, calls []*models.DeviceCallLog) error {
	if len(calls) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO device_api_calls (
			id, method, endpoint, payload, response_code, response_body, duration_ms, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare call log batch: %w", err)
	}

	for _, c := range calls {
		if err := batch.Append(
			c.ID,
			c.Method,
			c.Endpoint,
			c.Payload,
			c.ResponseCode,
			c.ResponseBody,
			c.DurationMs,
			c.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to append call log: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send call log batch: %w", err)
	}
	return nil
}

// APIStats returns the total call count, daily counts for the last week and
// the most recent calls
func (r *DeviceCallLogRepository) APIStats(ctx context.Context, now time.Time) (*models.DeviceAPIStats, error) {
	stats := &models.DeviceAPIStats{Daily: emptyCallDays(now)}

	if err := r.db.Conn().QueryRow(ctx, `SELECT count() FROM device_api_calls`).Scan(&stats.TotalCalls); err != nil {
		return nil, fmt.Errorf("failed to count device calls: %w", err)
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT toString(toDate(created_at)) AS day, count() AS calls
		FROM device_api_calls
		WHERE created_at >= ?
		GROUP BY day
	`, callDaysStart(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily device calls: %w", err)
	}
	byDate := make(map[string]int, len(stats.Daily))
	for i, d := range stats.Daily {
		byDate[d.Date] = i
	}
	for rows.Next() {
		var day string
		var calls uint64
		if err := rows.Scan(&day, &calls); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan daily device calls: %w", err)
		}
		if i, ok := byDate[day]; ok {
			stats.Daily[i].Count = calls
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily device calls: %w", err)
	}

	var recent []models.DeviceCallLog
	if err := r.db.Conn().Select(ctx, &recent, `
		SELECT id, method, endpoint, payload, response_code, response_body, duration_ms, created_at
		FROM device_api_calls
		ORDER BY created_at DESC
		LIMIT ?
	`, RecentCallLimit); err != nil {
		return nil, fmt.Errorf("failed to query recent device calls: %w", err)
	}
	stats.Recent = make([]*models.DeviceCallLog, 0, len(recent))
	for i := range recent {
		stats.Recent = append(stats.Recent, &recent[i])
	}

	return stats, nil
}

func callDaysStart(now time.Time) time.Time {
	day := now.UTC().Truncate(24 * time.Hour)
	return day.AddDate(0, 0, -(callStatsDays - 1))
}

func emptyCallDays(now time.Time) []models.DailyCallCount {
	start := callDaysStart(now)
	days := make([]models.DailyCallCount, callStatsDays)
	for i := range days {
		days[i].Date = start.AddDate(0, 0, i).Format("2006-01-02")
	}
	return days
}

// MemoryCallLog keeps the most recent calls in memory. Used when ClickHouse
// is disabled.
type MemoryCallLog struct {
	mu       sync.Mutex
	capacity int
	calls    []models.DeviceCallLog
	total    uint64
}

// NewMemoryCallLog creates a call log retaining up to capacity calls
func NewMemoryCallLog(capacity int) *MemoryCallLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryCallLog{capacity: capacity}
}

var _ CallLogStore = (*MemoryCallLog)(nil)

func (m *MemoryCallLog) RecordCalls(_ context.Context, calls []*models.DeviceCallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range calls {
		m.calls = append(m.calls, *c)
		m.total++
	}
	if over := len(m.calls) - m.capacity; over > 0 {
		m.calls = append(m.calls[:0:0], m.calls[over:]...)
	}
	return nil
}

func (m *MemoryCallLog) APIStats(_ context.Context, now time.Time) (*models.DeviceAPIStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.DeviceAPIStats{TotalCalls: m.total, Daily: emptyCallDays(now)}
	byDate := make(map[string]int, len(stats.Daily))
	for i, d := range stats.Daily {
		byDate[d.Date] = i
	}

	from := callDaysStart(now)
	sorted := make([]models.DeviceCallLog, len(m.calls))
	copy(sorted, m.calls)
	for _, c := range sorted {
		if c.CreatedAt.Before(from) {
			continue
		}
		if i, ok := byDate[c.CreatedAt.UTC().Format("2006-01-02")]; ok {
			stats.Daily[i].Count++
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	if len(sorted) > RecentCallLimit {
		sorted = sorted[:RecentCallLimit]
	}
	stats.Recent = make([]*models.DeviceCallLog, 0, len(sorted))
	for i := range sorted {
		stats.Recent = append(stats.Recent, &sorted[i])
	}
	return stats, nil
}
