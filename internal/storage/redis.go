package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/models"
)

// Redis keys
const (
	deviceTokensKey = "station-recovery:device:tokens"
	tickLeaseKey    = "station-recovery:dispatcher:lease"
)

// RedisClient wraps the Redis client
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis connection
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// WrapRedisClient adapts an existing client
func WrapRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RedisTokenStore persists the device vendor token pair so a restarted
// process keeps the last refreshed credentials
type RedisTokenStore struct {
	client *redis.Client
}

// NewRedisTokenStore creates a token store on the given connection
func NewRedisTokenStore(r *RedisClient) *RedisTokenStore {
	return &RedisTokenStore{client: r.client}
}

// LoadTokens returns the stored pair, or nil when none was saved
func (s *RedisTokenStore) LoadTokens(ctx context.Context) (*models.TokenPair, error) {
	raw, err := s.client.Get(ctx, deviceTokensKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load device tokens: %w", err)
	}

	var pair models.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("failed to decode device tokens: %w", err)
	}
	return &pair, nil
}

// SaveTokens stores the pair without expiry
func (s *RedisTokenStore) SaveTokens(ctx context.Context, pair models.TokenPair) error {
	raw, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to encode device tokens: %w", err)
	}
	if err := s.client.Set(ctx, deviceTokensKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save device tokens: %w", err)
	}
	return nil
}

// MemoryTokenStore keeps the token pair in process
type MemoryTokenStore struct {
	mu   sync.Mutex
	pair *models.TokenPair
}

// NewMemoryTokenStore creates an empty in-process token store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) LoadTokens(context.Context) (*models.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pair == nil {
		return nil, nil
	}
	p := *s.pair
	return &p, nil
}

func (s *MemoryTokenStore) SaveTokens(_ context.Context, pair models.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = &pair
	return nil
}

// releaseLease deletes the lease only if this owner still holds it
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTickLease lets several worker processes share one dispatcher tick.
// Only the holder of the lease runs a tick; the TTL frees it if the holder dies.
type RedisTickLease struct {
	client *redis.Client
	owner  string
}

// NewRedisTickLease creates a lease handle identified by owner
func NewRedisTickLease(r *RedisClient, owner string) *RedisTickLease {
	return &RedisTickLease{client: r.client, owner: owner}
}

// Acquire takes the lease for ttl. It returns false when another owner holds it.
func (l *RedisTickLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, tickLeaseKey, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire tick lease: %w", err)
	}
	return ok, nil
}

// Release frees the lease if still held by this owner
func (l *RedisTickLease) Release(ctx context.Context) error {
	if err := releaseLease.Run(ctx, l.client, []string{tickLeaseKey}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release tick lease: %w", err)
	}
	return nil
}
