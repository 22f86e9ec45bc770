package models

import (
	"time"

	"github.com/station-recovery/internal/types"
)

// Device is a relay as reported by the device vendor
type Device struct {
	DeviceID  string          `json:"deviceId" db:"device_id"`
	Name      string          `json:"name" db:"name"`
	Model     string          `json:"model,omitempty" db:"model"`
	FamilyID  string          `json:"familyId,omitempty" db:"family_id"`
	Online    bool            `json:"online" db:"online"`
	Channels  []DeviceChannel `json:"channels" db:"-"`
	Voltage   *float64        `json:"voltage,omitempty" db:"voltage"`
	Current   *float64        `json:"current,omitempty" db:"current"`
	Power     *float64        `json:"power,omitempty" db:"power"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// DeviceChannel is one switchable outlet of a relay
type DeviceChannel struct {
	Outlet types.Outlet       `json:"outlet"`
	State  types.ChannelState `json:"state"`
}

// ChannelState returns the state of an outlet, if the device reported it
func (d *Device) ChannelState(outlet types.Outlet) (types.ChannelState, bool) {
	for _, ch := range d.Channels {
		if ch.Outlet == outlet {
			return ch.State, true
		}
	}
	return "", false
}

// SetChannelState updates or appends the state of an outlet
func (d *Device) SetChannelState(outlet types.Outlet, state types.ChannelState) {
	for i := range d.Channels {
		if d.Channels[i].Outlet == outlet {
			d.Channels[i].State = state
			return
		}
	}
	d.Channels = append(d.Channels, DeviceChannel{Outlet: outlet, State: state})
}

// DeviceCallLog records one call to the device vendor API
type DeviceCallLog struct {
	ID           string    `json:"id" ch:"id"`
	Method       string    `json:"method" ch:"method"`
	Endpoint     string    `json:"endpoint" ch:"endpoint"`
	Payload      string    `json:"payload,omitempty" ch:"payload"`
	ResponseCode int32     `json:"responseCode" ch:"response_code"`
	ResponseBody string    `json:"responseBody,omitempty" ch:"response_body"`
	DurationMs   int64     `json:"durationMs" ch:"duration_ms"`
	CreatedAt    time.Time `json:"createdAt" ch:"created_at"`
}

// DeviceAPIStats summarises device vendor API usage
type DeviceAPIStats struct {
	TotalCalls uint64           `json:"totalCalls"`
	Daily      []DailyCallCount `json:"daily"`
	Recent     []*DeviceCallLog `json:"recent"`
}

// DailyCallCount is the number of calls made on one day (UTC)
type DailyCallCount struct {
	Date  string `json:"date"`
	Count uint64 `json:"count"`
}

// TokenPair is the vendor bearer credential pair
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	RefreshedAt  time.Time `json:"refreshedAt"`
}
