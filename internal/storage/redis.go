package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared KV for deployments where several renderer processes must
// see the same mirror (e.g. server-side rendering). Keys are namespaced to
// keep the instance shareable.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ KV = (*Redis)(nil)

// NewRedis wraps an existing client. prefix may be empty.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("storage: redis get %q: %w", key, err)
	}
	return v, nil
}

func (s *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("storage: redis set %q: %w", key, err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("storage: redis delete %q: %w", key, err)
	}
	return nil
}

func (s *Redis) Close() error { return s.client.Close() }
