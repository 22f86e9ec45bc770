// Package recovery drives the relay power-cycle state machine for stations
// that lost connectivity.
package recovery

import (
	"time"

	"github.com/station-recovery/internal/config"
)

// DefaultMaxRetries is the attempt index at which a job is failed
const DefaultMaxRetries = 6

// Policy maps an attempt index and relay reachability to the wait before the
// next attempt. The fast table is used when the relay answered, the slow
// table when it did not.
type Policy struct {
	Fast         []time.Duration
	Slow         []time.Duration
	FastFallback time.Duration
	SlowFallback time.Duration
	MaxRetries   int
}

// DefaultPolicy returns the standard tables
func DefaultPolicy() *Policy {
	return &Policy{
		Fast:         append([]time.Duration(nil), config.DefaultFastBackoff...),
		Slow:         append([]time.Duration(nil), config.DefaultSlowBackoff...),
		FastFallback: 30 * time.Minute,
		SlowFallback: 300 * time.Minute,
		MaxRetries:   DefaultMaxRetries,
	}
}

// NewPolicy builds a policy from configuration, falling back to the defaults
// for anything unset
func NewPolicy(cfg *config.RecoveryConfig) *Policy {
	p := DefaultPolicy()
	if len(cfg.FastBackoff) > 0 {
		p.Fast = append([]time.Duration(nil), cfg.FastBackoff...)
	}
	if len(cfg.SlowBackoff) > 0 {
		p.Slow = append([]time.Duration(nil), cfg.SlowBackoff...)
	}
	if cfg.FastFallback > 0 {
		p.FastFallback = cfg.FastFallback
	}
	if cfg.SlowFallback > 0 {
		p.SlowFallback = cfg.SlowFallback
	}
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	return p
}

// NextDelay returns the wait before the next attempt, or terminal=true once
// retryIndex has reached MaxRetries
func (p *Policy) NextDelay(retryIndex int, deviceReachable bool) (delay time.Duration, terminal bool) {
	if retryIndex >= p.MaxRetries {
		return 0, true
	}
	if retryIndex < 0 {
		retryIndex = 0
	}

	table, fallback := p.Fast, p.FastFallback
	if !deviceReachable {
		table, fallback = p.Slow, p.SlowFallback
	}
	if retryIndex < len(table) {
		return table[retryIndex], false
	}
	return fallback, false
}
