package standby

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease ops that must observe ownership atomically run as scripts:
// a plain GET-then-EXPIRE could extend a lease stolen in between.
var (
	extendLeaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	dropLeaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// RedisLockProvider backs the lease with a single Redis key holding the
// owner's instance id, expiring after the lease TTL.
type RedisLockProvider struct {
	client *redis.Client
}

// NewRedisLockProvider connects to Redis and verifies it answers before
// the election starts depending on it.
func NewRedisLockProvider(redisURL string) (*RedisLockProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	slog.Info("Connected to Redis for leader lease", "url", redisURL)
	return &RedisLockProvider{client: client}, nil
}

// TryAcquire takes the lease with SET NX, so a live owner is never
// displaced.
func (p *RedisLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return p.client.SetNX(ctx, key, instanceID, ttl).Result()
}

func (p *RedisLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	extended, err := extendLeaseScript.Run(ctx, p.client, []string{key}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return extended == 1, nil
}

func (p *RedisLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := dropLeaseScript.Run(ctx, p.client, []string{key}, instanceID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (p *RedisLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	holder, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return holder, err
}

func (p *RedisLockProvider) IsAvailable(ctx context.Context) bool {
	return p.client.Ping(ctx).Err() == nil
}

func (p *RedisLockProvider) Close() error {
	return p.client.Close()
}
