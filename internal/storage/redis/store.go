// Package redis implements the storage interfaces on Redis (go-redis v8).
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nexus-trading/discovery/internal/storage"
)

const (
	defaultPrefix = "discovery:"
	knownKey      = "known"
	cursorsKey    = "cursors"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Store implements storage.CursorStore and storage.KnownAddressStore.
// Known addresses live in one SET, cursors in one HASH.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return NewWithClient(rdb, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(name string) string { return s.prefix + name }

func (s *Store) GetCursor(ctx context.Context, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.key(cursorsKey), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: get cursor %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) SetCursor(ctx context.Context, key, value string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	if err := s.client.HSet(ctx, s.key(cursorsKey), key, value).Err(); err != nil {
		return fmt.Errorf("redis: set cursor %s: %w", key, err)
	}
	return nil
}

func (s *Store) LoadKnown(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(knownKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load known: %w", err)
	}
	return members, nil
}

func (s *Store) AddKnown(ctx context.Context, addrs ...string) error {
	members := make([]interface{}, 0, len(addrs))
	for _, a := range addrs {
		if a != "" {
			members = append(members, a)
		}
	}
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SAdd(ctx, s.key(knownKey), members...).Err(); err != nil {
		return fmt.Errorf("redis: add known: %w", err)
	}
	return nil
}

func (s *Store) ClearKnown(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(knownKey)).Err(); err != nil {
		return fmt.Errorf("redis: clear known: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
