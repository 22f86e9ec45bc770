package models

import (
	"time"

	"github.com/station-recovery/internal/types"
)

// Station represents a monitored field station. The directory sync owns
// every field except DeviceID, which is set through the mapping update.
type Station struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	IdentificationName string    `json:"identificationName,omitempty" db:"identification_name"`
	StationType        string    `json:"stationType,omitempty" db:"station_type"`
	ReceiverType       string    `json:"receiverType,omitempty" db:"receiver_type"`
	AntennaType        string    `json:"antennaType,omitempty" db:"antenna_type"`
	AntennaHeight      float64   `json:"antennaHeight" db:"antenna_height"`
	Lat                float64   `json:"lat" db:"lat"`
	Lng                float64   `json:"lng" db:"lng"`
	DeviceID           *string   `json:"deviceId,omitempty" db:"device_id"`
	IsActive           bool      `json:"isActive" db:"is_active"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// Tracked reports whether the station takes part in automatic recovery
func (s *Station) Tracked() bool {
	return s.IsActive && s.DeviceID != nil && *s.DeviceID != ""
}

// ConnectivitySnapshot is one observation from the telemetry feed
type ConnectivitySnapshot struct {
	StationID     string              `json:"stationId"`
	ConnectStatus types.ConnectStatus `json:"connectStatus"`
	ObservedAt    time.Time           `json:"observedAt"`
	DelaySeconds  float64             `json:"delaySeconds,omitempty"`
	Satellites    map[string]int      `json:"satellites,omitempty"`
}
