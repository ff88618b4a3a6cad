// Package store provides the durable key/value backends behind the shared
// state channel. A backend maps string keys to serialized values, versions
// every write, and optionally reports writes made by other origins.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"statesync/internal/config"
	"statesync/internal/logging"
)

var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("store: key not found")
	// ErrConflict is returned by CompareAndPut when the stored version moved on.
	ErrConflict = errors.New("store: version conflict")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store: closed")
)

// Entry is the persisted form of one key.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Version   int64     `json:"version"`
	Origin    string    `json:"origin"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend is a durable, synchronous key/value store with per-key versions.
type Backend interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(key string) (Entry, error)
	// Put overwrites key and bumps its version.
	Put(key, value, origin string) (Entry, error)
	// CompareAndPut writes only if the current version equals expected.
	// expected == 0 means the key must not exist yet.
	CompareAndPut(key, value, origin string, expected int64) (Entry, error)
	// Keys lists every stored key in ascending order.
	Keys() ([]string, error)
	Close() error
}

// Watcher is implemented by backends that can report writes made by other
// origins. Watch blocks until ctx is done, calling fn for every entry
// written by an origin other than the given one after Watch started.
type Watcher interface {
	Watch(ctx context.Context, origin string, fn func(Entry)) error
}

// Open builds the backend named in cfg.
func Open(cfg *config.Config) (Backend, error) {
	logging.Store("Opening %s backend at %q", cfg.Store.Backend, cfg.Store.Path)

	switch cfg.Store.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendDir:
		return NewDirStore(cfg.Store.Path, cfg.GetDebounce())
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.Store.Path, cfg.GetPollInterval())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
