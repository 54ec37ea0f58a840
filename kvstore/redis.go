// Package kvstore provides implementations of the timeindex.KVStore
// contract: a Redis-backed client for deployments and an in-memory store
// for development and tests.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/e4s-data/timeindex"
)

// RedisConfig carries the connection settings for the Redis fast store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Redis implements timeindex.KVStore over a Redis server.
type Redis struct {
	client *redis.Client
}

var _ timeindex.KVStore = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &timeindex.Error{
			Code: timeindex.EUnavailable,
			Msg:  "connecting to redis at " + cfg.Addr,
			Op:   "kvstore.NewRedis",
			Err:  err,
		}
	}
	return &Redis{client: client}, nil
}

func redisErr(op string, err error) error {
	return &timeindex.Error{Code: timeindex.EUnavailable, Op: op, Err: err}
}

// Get returns the value for key, or (nil, nil) when the key is absent.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisErr("kvstore.Get", err)
	}
	return b, nil
}

// Set stores value under key without expiry.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return redisErr("kvstore.Set", err)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return redisErr("kvstore.Delete", err)
	}
	return nil
}

// SetAdd adds member to the set stored at key.
func (r *Redis) SetAdd(ctx context.Context, key, member string) error {
	if err := r.client.SAdd(ctx, key, member).Err(); err != nil {
		return redisErr("kvstore.SetAdd", err)
	}
	return nil
}

// SetRemove removes member from the set stored at key.
func (r *Redis) SetRemove(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return redisErr("kvstore.SetRemove", err)
	}
	return nil
}

// SetIsMember reports whether member is in the set stored at key.
func (r *Redis) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, redisErr("kvstore.SetIsMember", err)
	}
	return ok, nil
}

// SetMembers returns the members of the set stored at key.
func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, redisErr("kvstore.SetMembers", err)
	}
	return members, nil
}

// ScanKeys returns every key starting with prefix. Uses SCAN, not KEYS, so
// it does not block the server on large keyspaces.
func (r *Redis) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, redisErr("kvstore.ScanKeys", err)
	}
	return keys, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
