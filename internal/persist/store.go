// Package persist stores warm-restart snapshots behind a small key/value port.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load when no snapshot exists for the key
var ErrNotFound = errors.New("snapshot not found")

// Store is the persistence port the engine writes snapshots through.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Error is a persistence failure for one key
type Error struct {
	Op  string // "save", "load", "open"
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config selects and configures a backend
type Config struct {
	Backend string `yaml:"backend" default:"file" validate:"oneof=file sqlite redis memory"`
	Dir     string `yaml:"dir" default:"state"`

	SQLitePath string `yaml:"sqlite_path" default:"state/flowcore.db"`

	RedisAddr     string `yaml:"redis_addr" default:"localhost:6379"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" default:"flowcore:"`

	Timeout time.Duration `yaml:"timeout" default:"2s"`
}

// Open builds the configured backend wrapped in a Guarded store
func Open(cfg Config) (Store, error) {
	var (
		inner Store
		err   error
	)
	switch cfg.Backend {
	case "", "file":
		inner, err = NewFileStore(cfg.Dir)
	case "sqlite":
		inner, err = NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		inner, err = NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "memory":
		inner = NewMemoryStore()
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	return NewGuarded(cfg.Backend, inner, cfg.Timeout), nil
}

func validKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	for _, r := range key {
		if r == '/' || r == '\\' || r == 0 {
			return fmt.Errorf("key %q contains a path separator", key)
		}
	}
	if key == "." || key == ".." {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
