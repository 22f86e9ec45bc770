package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/types"
)

// HistoryRepository handles recovery history persistence
type HistoryRepository struct {
	db *PostgresDB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *PostgresDB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// CompleteJob removes the job and records its terminal outcome in one
// transaction. A job that is already gone yields ErrNotFound and no history.
func (r *HistoryRepository) CompleteJob(ctx context.Context, jobID string, record *models.RecoveryHistoryRecord, resetAbnormalPeriod bool) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM recovery_jobs WHERE id = $1`, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete completed job: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("recovery job %s: %w", jobID, ErrNotFound)
		}

		insert := `
			INSERT INTO recovery_history (
				id, station_id, device_id, status, retry_count,
				total_duration_minutes, failure_reason, started_at, completed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := tx.Exec(ctx, insert,
			record.ID,
			record.StationID,
			record.DeviceID,
			string(record.Status),
			record.RetryCount,
			record.TotalDurationMinutes,
			record.FailureReason,
			record.StartedAt,
			record.CompletedAt,
		); err != nil {
			return fmt.Errorf("failed to insert recovery history: %w", err)
		}

		if resetAbnormalPeriod {
			if err := resetAbnormal(ctx, tx, record.StationID, record.CompletedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueryHistory returns a page of history, newest first
func (r *HistoryRepository) QueryHistory(ctx context.Context, filter models.HistoryFilter) (*models.HistoryPage, error) {
	filter = NormalizeHistoryFilter(filter)

	var conditions []string
	var args []interface{}
	if filter.StationID != "" {
		args = append(args, filter.StationID)
		conditions = append(conditions, fmt.Sprintf("h.station_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("h.status = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM recovery_history h ` + where
	if err := r.db.Pool().QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count recovery history: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT h.id, h.station_id, COALESCE(s.name, ''), h.device_id, h.status, h.retry_count,
			   h.total_duration_minutes, h.failure_reason, h.started_at, h.completed_at
		FROM recovery_history h
		LEFT JOIN stations s ON s.id = h.station_id
		%s
		ORDER BY h.completed_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)

	rows, err := r.db.Pool().Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery history: %w", err)
	}
	defer rows.Close()

	records := make([]*models.RecoveryHistoryRecord, 0, filter.Limit)
	for rows.Next() {
		var rec models.RecoveryHistoryRecord
		var status string
		if err := rows.Scan(
			&rec.ID,
			&rec.StationID,
			&rec.StationName,
			&rec.DeviceID,
			&status,
			&rec.RetryCount,
			&rec.TotalDurationMinutes,
			&rec.FailureReason,
			&rec.StartedAt,
			&rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan recovery history: %w", err)
		}
		rec.Status = types.HistoryStatus(status)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery history: %w", err)
	}

	return &models.HistoryPage{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+len(records) < total,
	}, nil
}

// RecoveryStats aggregates history into a summary, the busiest stations and a daily trend
func (r *HistoryRepository) RecoveryStats(ctx context.Context, now time.Time) (*models.RecoveryStats, error) {
	stats := &models.RecoveryStats{}

	summaryQuery := `
		SELECT COUNT(*),
			   COUNT(*) FILTER (WHERE status = 'SUCCESS'),
			   COUNT(*) FILTER (WHERE status = 'FAILED'),
			   COALESCE(AVG(total_duration_minutes) FILTER (WHERE status = 'SUCCESS'), 0)::float8,
			   COALESCE(AVG(retry_count) FILTER (WHERE status = 'SUCCESS'), 0)::float8
		FROM recovery_history
	`
	s := &stats.Summary
	if err := r.db.Pool().QueryRow(ctx, summaryQuery).Scan(
		&s.Total, &s.Success, &s.Failed, &s.AvgSuccessDurationMinutes, &s.AvgSuccessRetryCount,
	); err != nil {
		return nil, fmt.Errorf("failed to query recovery summary: %w", err)
	}

	topQuery := `
		SELECT h.station_id, COALESCE(MAX(s.name), ''), COUNT(*),
			   COUNT(*) FILTER (WHERE h.status = 'SUCCESS'),
			   COUNT(*) FILTER (WHERE h.status = 'FAILED')
		FROM recovery_history h
		LEFT JOIN stations s ON s.id = h.station_id
		GROUP BY h.station_id
		ORDER BY COUNT(*) DESC, h.station_id
		LIMIT $1
	`
	rows, err := r.db.Pool().Query(ctx, topQuery, TopFailingLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top stations: %w", err)
	}
	for rows.Next() {
		var c models.StationRecoveryCounts
		if err := rows.Scan(&c.StationID, &c.StationName, &c.Recoveries, &c.Success, &c.Failed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan top station: %w", err)
		}
		stats.TopStations = append(stats.TopStations, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating top stations: %w", err)
	}

	stats.Trend = emptyTrend(now)
	trendQuery := `
		SELECT to_char(date_trunc('day', completed_at AT TIME ZONE 'UTC'), 'YYYY-MM-DD'),
			   COUNT(*) FILTER (WHERE status = 'SUCCESS'),
			   COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM recovery_history
		WHERE completed_at >= $1
		GROUP BY 1
	`
	rows, err = r.db.Pool().Query(ctx, trendQuery, trendStart(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery trend: %w", err)
	}
	defer rows.Close()

	byDate := make(map[string]int, len(stats.Trend))
	for i, d := range stats.Trend {
		byDate[d.Date] = i
	}
	for rows.Next() {
		var date string
		var success, failed int
		if err := rows.Scan(&date, &success, &failed); err != nil {
			return nil, fmt.Errorf("failed to scan recovery trend: %w", err)
		}
		if i, ok := byDate[date]; ok {
			stats.Trend[i].Success = success
			stats.Trend[i].Failed = failed
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery trend: %w", err)
	}

	return stats, nil
}
