// Package blob provides BlobStore implementations backed by redis or process memory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/notikeeper/internal/errs"
	"github.com/and161185/notikeeper/internal/repository"
)

// redisClient is the subset of *redis.Client used by Redis.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores blobs as plain string keys without expiry.
type Redis struct {
	c      redisClient
	prefix string
}

var _ repository.BlobStore = (*Redis)(nil)

// NewRedis wraps a redis client. prefix is prepended to every key.
func NewRedis(c redisClient, prefix string) *Redis {
	return &Redis{c: c, prefix: prefix}
}

// Dial parses a redis URL and verifies connectivity.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", errs.ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.c.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *Redis) Create(ctx context.Context, key, value string) error {
	ok, err := r.c.SetNX(ctx, r.prefix+key, value, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrAlreadyExists
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.c.Del(ctx, r.prefix+key).Err()
}
