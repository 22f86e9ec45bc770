// Package types provides common type definitions for the station recovery system.
package types

import (
	"fmt"
	"strings"
)

// ConnectStatus is the connectivity state reported by the telemetry feed
type ConnectStatus int

const (
	// ConnectUninitialized represents a station that has not reported yet
	ConnectUninitialized ConnectStatus = 0
	// ConnectConnected represents a healthy station
	ConnectConnected ConnectStatus = 1
	// ConnectDegraded represents a station with partial telemetry
	ConnectDegraded ConnectStatus = 2
	// ConnectOffline represents a station that stopped reporting
	ConnectOffline ConnectStatus = 3
)

// String returns the upper-case name of the status
func (s ConnectStatus) String() string {
	switch s {
	case ConnectUninitialized:
		return "UNINITIALIZED"
	case ConnectConnected:
		return "CONNECTED"
	case ConnectDegraded:
		return "DEGRADED"
	case ConnectOffline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsAbnormal reports whether the status counts toward an abnormal period
func (s ConnectStatus) IsAbnormal() bool {
	return s != ConnectConnected
}

// ParseConnectStatus converts a raw feed value into a ConnectStatus.
// Unknown values are treated as uninitialized.
func ParseConnectStatus(v int) ConnectStatus {
	switch ConnectStatus(v) {
	case ConnectConnected, ConnectDegraded, ConnectOffline:
		return ConnectStatus(v)
	default:
		return ConnectUninitialized
	}
}

// JobStatus represents the state of a recovery job
type JobStatus string

const (
	// JobStatusPending represents a job waiting for its next run time
	JobStatusPending JobStatus = "PENDING"
	// JobStatusRunning represents a job executing device steps
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusChecking represents a job inside the verification window
	JobStatusChecking JobStatus = "CHECKING"
)

// IsValid reports whether the job status is known
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusChecking:
		return true
	}
	return false
}

// HistoryStatus is the terminal outcome of a recovery job
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "SUCCESS"
	HistoryFailed  HistoryStatus = "FAILED"
)

// ParseHistoryStatus parses a status filter value, case-insensitively
func ParseHistoryStatus(s string) (HistoryStatus, bool) {
	switch HistoryStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case HistorySuccess:
		return HistorySuccess, true
	case HistoryFailed:
		return HistoryFailed, true
	}
	return "", false
}

// ChannelState is the switch state of a relay channel
type ChannelState string

const (
	ChannelOn  ChannelState = "on"
	ChannelOff ChannelState = "off"
)

// ParseChannelState parses "on"/"off"
func ParseChannelState(s string) (ChannelState, bool) {
	switch ChannelState(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelOn:
		return ChannelOn, true
	case ChannelOff:
		return ChannelOff, true
	}
	return "", false
}

// Outlet addresses a relay channel. Outlets are 0-based on the wire.
type Outlet int

const (
	// OutletPower is channel-1, the station power feed
	OutletPower Outlet = 0
	// OutletKick is channel-2, the kick relay
	OutletKick Outlet = 1
)

// OutletForChannel maps an operator-facing 1-based channel number to an outlet
func OutletForChannel(channel int) (Outlet, error) {
	switch channel {
	case 1:
		return OutletPower, nil
	case 2:
		return OutletKick, nil
	default:
		return 0, fmt.Errorf("unsupported channel %d", channel)
	}
}

// Channel returns the 1-based channel number for the outlet
func (o Outlet) Channel() int {
	return int(o) + 1
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}
