package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"statesync/internal/logging"

	"github.com/gofrs/flock"
	"github.com/juju/utils/v4"
)

const (
	entryPrefix   = "k-"
	entrySuffix   = ".json"
	lockName      = ".lock"
	lockWait      = 5 * time.Second
	lockRetryStep = 5 * time.Millisecond
)

// DirStore keeps one JSON envelope file per key inside a directory, so
// several processes can share state the way tabs share an origin's storage.
// File names carry the hex encoding of the key, which keeps arbitrary keys
// (including the empty one) filesystem-safe.
//
// Writers serialize on an OS-level lock of dir/.lock, which the kernel
// releases if the holding process dies.
type DirStore struct {
	mu       sync.Mutex
	dir      string
	debounce time.Duration
	flock    *flock.Flock
	closed   bool
}

// NewDirStore creates the directory if needed.
func NewDirStore(dir string, debounce time.Duration) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir store: path required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create store directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	logging.StoreDebug("DirStore ready at %s (debounce %v)", dir, debounce)
	return &DirStore{
		dir:      dir,
		debounce: debounce,
		flock:    flock.New(filepath.Join(dir, lockName)),
	}, nil
}

// Dir returns the directory backing the store.
func (d *DirStore) Dir() string {
	return d.dir
}

func entryFile(key string) string {
	return entryPrefix + hex.EncodeToString([]byte(key)) + entrySuffix
}

func keyFromFile(name string) (string, bool) {
	if !strings.HasPrefix(name, entryPrefix) || !strings.HasSuffix(name, entrySuffix) {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimSuffix(strings.TrimPrefix(name, entryPrefix), entrySuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (d *DirStore) Get(key string) (Entry, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return Entry{}, ErrClosed
	}
	return d.readEntry(filepath.Join(d.dir, entryFile(key)))
}

func (d *DirStore) readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("failed to read entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("corrupt entry file %s: %w", filepath.Base(path), err)
	}
	return e, nil
}

func (d *DirStore) Put(key, value, origin string) (Entry, error) {
	return d.put(key, value, origin, -1)
}

func (d *DirStore) CompareAndPut(key, value, origin string, expected int64) (Entry, error) {
	return d.put(key, value, origin, expected)
}

func (d *DirStore) put(key, value, origin string, expected int64) (Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Entry{}, ErrClosed
	}

	unlock, err := d.lock()
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	path := filepath.Join(d.dir, entryFile(key))
	var current int64
	prev, err := d.readEntry(path)
	switch {
	case err == nil:
		current = prev.Version
	case errors.Is(err, ErrNotFound):
	default:
		// A corrupt envelope is overwritten and its version restarts at 1.
		// Watchers treat a version going backwards as a new value.
		logging.Get(logging.CategoryStore).Warn("Overwriting unreadable entry %q: %v", key, err)
	}

	if expected >= 0 && current != expected {
		return Entry{}, ErrConflict
	}

	e := Entry{
		Key:       key,
		Value:     value,
		Version:   current + 1,
		Origin:    origin,
		UpdatedAt: time.Now().UTC(),
	}
	if err := d.writeEntry(path, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// writeEntry replaces path atomically.
func (d *DirStore) writeEntry(path string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := utils.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// lock takes the cross-process directory lock. The caller holds d.mu, so
// only one goroutine per DirStore ever touches d.flock.
func (d *DirStore) lock() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()

	locked, err := d.flock.TryLockContext(ctx, lockRetryStep)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("timed out waiting for store lock %s", d.flock.Path())
	}
	return func() {
		if err := d.flock.Unlock(); err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to release store lock: %v", err)
		}
	}, nil
}

func (d *DirStore) Keys() ([]string, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if k, ok := keyFromFile(e.Name()); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DirStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.flock.Close()
}
