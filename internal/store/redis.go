package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps statuses in one Redis hash, "<prefix>:status", with a
// "server/device" field per device.
type RedisStore struct {
	client *redis.Client
	key    string
}

// RedisConfig holds connection settings for NewRedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects and pings the server; an unreachable Redis is an
// error rather than a store that fails on first use.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return newRedisStore(client, cfg.KeyPrefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "nut-dashboard"
	}
	return &RedisStore{client: client, key: prefix + ":status"}
}

func (s *RedisStore) Get(ctx context.Context, server, device string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key, field(server, device)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading status of %s: %w", field(server, device), err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, server, device, status string) error {
	if err := s.client.HSet(ctx, s.key, field(server, device), status).Err(); err != nil {
		return fmt.Errorf("writing status of %s: %w", field(server, device), err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
