package leader

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Ownership-sensitive operations run as scripts so the GET and the
// EXPIRE/DEL act on the same owner.
var (
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// RedisLeaderElector elects through a SET NX EX key in Redis, the
// default backend for multi-instance outbox deployments.
type RedisLeaderElector struct {
	elector
}

func NewRedisLeaderElector(client *redis.Client, config *RedisElectorConfig) *RedisLeaderElector {
	e := &RedisLeaderElector{}
	e.elector.init(&redisLease{
		client:  client,
		elector: &e.elector,
	}, config)
	return e
}

type redisLease struct {
	client  *redis.Client
	elector *elector
}

func (l *redisLease) init(ctx context.Context) error {
	return nil
}

func (l *redisLease) acquire(ctx context.Context) (bool, error) {
	cfg := l.elector.config

	taken, err := l.client.SetNX(ctx, cfg.LockName, cfg.InstanceID, cfg.TTL).Result()
	if err != nil {
		return false, err
	}
	if taken {
		return true, nil
	}

	// The key exists. It may still be ours from before a restart, in
	// which case extending it re-establishes ownership.
	owner, err := l.client.Get(ctx, cfg.LockName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if owner != cfg.InstanceID {
		return false, nil
	}
	return l.extend(ctx)
}

func (l *redisLease) extend(ctx context.Context) (bool, error) {
	cfg := l.elector.config
	result, err := extendScript.Run(ctx, l.client,
		[]string{cfg.LockName}, cfg.InstanceID, ttlSeconds(cfg)).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (l *redisLease) release(ctx context.Context) (bool, error) {
	cfg := l.elector.config
	result, err := releaseScript.Run(ctx, l.client,
		[]string{cfg.LockName}, cfg.InstanceID).Int()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

func (l *redisLease) holder(ctx context.Context) (string, error) {
	owner, err := l.client.Get(ctx, l.elector.config.LockName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

// ttlSeconds converts the configured TTL for EXPIRE, never below 1s.
func ttlSeconds(cfg *ElectorConfig) int {
	seconds := int(cfg.TTL.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
