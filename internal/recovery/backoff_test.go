package recovery

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/station-recovery/internal/config"
)

func TestPolicyNextDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name       string
		retryIndex int
		reachable  bool
		wantDelay  time.Duration
		terminal   bool
	}{
		{"first fast", 0, true, 2 * time.Minute, false},
		{"first slow", 0, false, 3 * time.Minute, false},
		{"third fast", 2, true, 3 * time.Minute, false},
		{"third slow", 2, false, 5 * time.Minute, false},
		{"fifth slow", 4, false, 60 * time.Minute, false},
		{"last fast", 5, true, 20 * time.Minute, false},
		{"last slow", 5, false, 120 * time.Minute, false},
		{"budget reached", 6, true, 0, true},
		{"budget reached slow", 6, false, 0, true},
		{"past budget", 9, true, 0, true},
		{"negative index", -1, true, 2 * time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, terminal := p.NextDelay(tt.retryIndex, tt.reachable)
			assert.Equal(t, tt.terminal, terminal)
			assert.Equal(t, tt.wantDelay, delay)
		})
	}
}

func TestPolicyFallbackPastTable(t *testing.T) {
	p := &Policy{
		Fast:         []time.Duration{time.Minute},
		Slow:         []time.Duration{2 * time.Minute},
		FastFallback: 30 * time.Minute,
		SlowFallback: 300 * time.Minute,
		MaxRetries:   6,
	}

	delay, terminal := p.NextDelay(3, true)
	assert.False(t, terminal)
	assert.Equal(t, 30*time.Minute, delay)

	delay, terminal = p.NextDelay(3, false)
	assert.False(t, terminal)
	assert.Equal(t, 300*time.Minute, delay)
}

func TestNewPolicyFromConfig(t *testing.T) {
	p := NewPolicy(&config.RecoveryConfig{
		FastBackoff: []time.Duration{time.Second},
		MaxRetries:  2,
	})
	assert.Equal(t, []time.Duration{time.Second}, p.Fast)
	assert.Equal(t, config.DefaultSlowBackoff, p.Slow)
	assert.Equal(t, 2, p.MaxRetries)

	_, terminal := p.NextDelay(2, true)
	assert.True(t, terminal)

	p = NewPolicy(&config.RecoveryConfig{})
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
}

func TestPolicyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	p := DefaultPolicy()

	properties.Property("terminal iff index reached the budget", prop.ForAll(
		func(idx int, reachable bool) bool {
			_, terminal := p.NextDelay(idx, reachable)
			return terminal == (idx >= DefaultMaxRetries)
		},
		gen.IntRange(-3, 20),
		gen.Bool(),
	))

	properties.Property("slow delay never shorter than fast delay", prop.ForAll(
		func(idx int) bool {
			fast, _ := p.NextDelay(idx, true)
			slow, _ := p.NextDelay(idx, false)
			return slow >= fast
		},
		gen.IntRange(0, DefaultMaxRetries-1),
	))

	properties.Property("delays never decrease with the index", prop.ForAll(
		func(idx int, reachable bool) bool {
			cur, _ := p.NextDelay(idx, reachable)
			next, terminal := p.NextDelay(idx+1, reachable)
			return terminal || next >= cur
		},
		gen.IntRange(0, DefaultMaxRetries-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
