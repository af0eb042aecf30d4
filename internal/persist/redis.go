package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps snapshots as plain string keys under a prefix, without expiry
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(rdb, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Save sets the snapshot for key
func (s *RedisStore) Save(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return &Error{Op: "save", Key: key, Err: err}
	}
	if err := s.client.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return &Error{Op: "save", Key: key, Err: fmt.Errorf("redis set: %w", err)}
	}
	return nil
}

// Load gets the snapshot for key
func (s *RedisStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, &Error{Op: "load", Key: key, Err: err}
	}
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &Error{Op: "load", Key: key, Err: ErrNotFound}
		}
		return nil, &Error{Op: "load", Key: key, Err: fmt.Errorf("redis get: %w", err)}
	}
	return data, nil
}

// Close closes the client
func (s *RedisStore) Close() error { return s.client.Close() }
