package models

import (
	"time"

	"github.com/station-recovery/internal/types"
)

// ConnectivityState tracks how long a station has been unhealthy
type ConnectivityState struct {
	StationID               string              `json:"stationId" db:"station_id"`
	ConnectStatus           types.ConnectStatus `json:"connectStatus" db:"connect_status"`
	FirstAbnormalAt         *time.Time          `json:"firstAbnormalAt,omitempty" db:"first_abnormal_at"`
	AbnormalDurationSeconds int64               `json:"abnormalDurationSeconds" db:"abnormal_duration_seconds"`
	ObservedAt              time.Time           `json:"observedAt" db:"observed_at"`
	UpdatedAt               time.Time           `json:"updatedAt" db:"updated_at"`
}

// Observe applies a new status observation taken at now.
//
// Leaving CONNECTED starts an abnormal period at now. While abnormal the
// duration is recomputed from FirstAbnormalAt and never decreases. Returning
// to CONNECTED clears the period.
func (c *ConnectivityState) Observe(status types.ConnectStatus, now time.Time) {
	c.ConnectStatus = status
	c.ObservedAt = now
	c.UpdatedAt = now

	if !status.IsAbnormal() {
		c.FirstAbnormalAt = nil
		c.AbnormalDurationSeconds = 0
		return
	}

	if c.FirstAbnormalAt == nil {
		start := now
		c.FirstAbnormalAt = &start
		c.AbnormalDurationSeconds = 0
		return
	}

	elapsed := int64(now.Sub(*c.FirstAbnormalAt) / time.Second)
	if elapsed > c.AbnormalDurationSeconds {
		c.AbnormalDurationSeconds = elapsed
	}
}

// ResetAbnormal clears the abnormal period without changing the status.
// The next abnormal observation starts a fresh period.
func (c *ConnectivityState) ResetAbnormal(now time.Time) {
	c.FirstAbnormalAt = nil
	c.AbnormalDurationSeconds = 0
	c.UpdatedAt = now
}

// AbnormalFor returns the abnormal duration as a time.Duration
func (c *ConnectivityState) AbnormalFor() time.Duration {
	return time.Duration(c.AbnormalDurationSeconds) * time.Second
}
