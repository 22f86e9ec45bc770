// Package ratelimit budgets calls to the relay vendor API across every
// process that shares the same account.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Hour
	keyPrefix         = "station-recovery:device-calls:"
)

// Priority selects the budget pool a call draws from.
type Priority int

const (
	// PriorityHigh is automated recovery, drawing on the reserved pool first.
	PriorityHigh Priority = iota
	// PriorityLow is operator control and directory sync, limited to the shared pool.
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so device calls made under it use the given pool.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the pool for ctx. Untagged calls are high priority.
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityHigh
}

// CallBudget counts vendor calls in fixed windows shared through Redis.
// High priority calls use the reserved pool and spill into the shared pool
// once it is spent; low priority calls only see the shared pool.
type CallBudget struct {
	redis      redis.Cmdable
	total      int
	reserved   int
	shared     int
	windowSize time.Duration
	now        func() time.Time
}

// CallBudgetConfig holds configuration for the call budget.
type CallBudgetConfig struct {
	// Redis is required; every process sharing the vendor account must use the same instance.
	Redis redis.Cmdable

	// Total is the number of calls allowed per window.
	Total int

	// Reserved is the part of Total only high priority calls may use.
	Reserved int

	// WindowSize defaults to one hour.
	WindowSize time.Duration
}

// Usage is the consumption in the current window.
type Usage struct {
	Used        int       `json:"used"`
	SharedUsed  int       `json:"sharedUsed"`
	Total       int       `json:"total"`
	Reserved    int       `json:"reserved"`
	WindowStart time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *CallBudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Total <= 0 {
		return errors.New("total budget must be positive")
	}
	if c.Reserved < 0 || c.Reserved > c.Total {
		return fmt.Errorf("reserved budget (%d) must be between 0 and total budget (%d)", c.Reserved, c.Total)
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}
	return nil
}

// NewCallBudget creates a new budget with the given configuration.
func NewCallBudget(cfg *CallBudgetConfig) (*CallBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}

	return &CallBudget{
		redis:      cfg.Redis,
		total:      cfg.Total,
		reserved:   cfg.Reserved,
		shared:     cfg.Total - cfg.Reserved,
		windowSize: windowSize,
		now:        time.Now,
	}, nil
}

func (b *CallBudget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *CallBudget) keys(start time.Time) (totalKey, sharedKey string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	return keyPrefix + "total:" + ts, keyPrefix + "shared:" + ts
}

// consumeScript increments the window counters when the call fits. The
// shared counter is charged whenever the reserved pool cannot cover the call.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local sharedKey = KEYS[2]
	local n = tonumber(ARGV[1])
	local total = tonumber(ARGV[2])
	local reserved = tonumber(ARGV[3])
	local shared = tonumber(ARGV[4])
	local high = tonumber(ARGV[5])
	local ttl = tonumber(ARGV[6])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local sharedUsed = tonumber(redis.call('GET', sharedKey) or '0')

	if totalUsed + n > total then
		return 0
	end

	local reservedUsed = totalUsed - sharedUsed
	local fromShared = n
	if high == 1 then
		local reservedLeft = reserved - reservedUsed
		if reservedLeft >= n then
			fromShared = 0
		end
	end
	if sharedUsed + fromShared > shared then
		return 0
	end

	redis.call('INCRBY', totalKey, n)
	redis.call('EXPIRE', totalKey, ttl)
	if fromShared > 0 then
		redis.call('INCRBY', sharedKey, fromShared)
	end
	redis.call('EXPIRE', sharedKey, ttl)
	return 1
`)

// TryConsume takes n calls from the pool for priority. When denied it
// returns the time until the next window opens. Redis failures allow the call.
func (b *CallBudget) TryConsume(ctx context.Context, n int, priority Priority) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}

	start := b.windowStart()
	totalKey, sharedKey := b.keys(start)

	high := 0
	if priority == PriorityHigh {
		high = 1
	}
	ttl := int((b.windowSize + time.Minute).Seconds())

	allowed, err := consumeScript.Run(ctx, b.redis, []string{totalKey, sharedKey},
		n, b.total, b.reserved, b.shared, high, ttl).Int()
	if err != nil {
		return true, 0
	}
	if allowed == 1 {
		return true, 0
	}
	return false, b.untilNextWindow(start)
}

func (b *CallBudget) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns consumption in the current window.
func (b *CallBudget) GetUsage(ctx context.Context) (*Usage, error) {
	start := b.windowStart()
	totalKey, sharedKey := b.keys(start)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read call budget: %w", err)
	}

	return &Usage{
		Used:        parseIntOrZero(totalCmd),
		SharedUsed:  parseIntOrZero(sharedCmd),
		Total:       b.total,
		Reserved:    b.reserved,
		WindowStart: start,
	}, nil
}

// parseIntOrZero treats a missing key as 0.
func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}
