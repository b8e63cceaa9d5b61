package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a Redis server.
type Redis struct {
	client *redis.Client
}

// RedisOptions configure the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings the server before returning.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping %s: %w", opts.Addr, err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: del: %w", err)
	}
	return n, nil
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incrby %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("cache: sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("cache: srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
