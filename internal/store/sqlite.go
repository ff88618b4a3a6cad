package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"statesync/internal/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps entries in a single SQLite table. Every write stamps a
// store-wide sequence number so watchers can poll for rows they have not
// seen yet.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	poll   time.Duration
	closed bool
}

// NewSQLiteStore initializes the SQLite database at the given path.
func NewSQLiteStore(path string, poll time.Duration) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteStore")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	s := &SQLiteStore{db: db, dbPath: path, poll: poll}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("SQLiteStore ready at %s", path)
	return s, nil
}

// sqliteDSN applies busy_timeout to every pooled connection and makes
// transactions take the write lock at BEGIN. Another handle on the same
// file then makes a writer wait out busy_timeout instead of failing
// with SQLITE_BUSY when its read upgrades to a write.
func sqliteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		version INTEGER NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	if err := RunMigrations(s.db); err != nil {
		return err
	}
	// The index needs seq, which older tables only gain through migration.
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_entries_seq ON entries(seq)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Entry{}, ErrClosed
	}

	var e Entry
	var updated int64
	err := s.db.QueryRow(
		"SELECT key, value, version, origin, updated_at FROM entries WHERE key = ?", key,
	).Scan(&e.Key, &e.Value, &e.Version, &e.Origin, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read entry: %w", err)
	}
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return e, nil
}

func (s *SQLiteStore) Put(key, value, origin string) (Entry, error) {
	return s.put(key, value, origin, -1)
}

func (s *SQLiteStore) CompareAndPut(key, value, origin string, expected int64) (Entry, error) {
	return s.put(key, value, origin, expected)
}

func (s *SQLiteStore) put(key, value, origin string, expected int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Entry{}, ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow("SELECT version FROM entries WHERE key = ?", key).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("failed to read version: %w", err)
	}
	if expected >= 0 && current != expected {
		return Entry{}, ErrConflict
	}

	var seq int64
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM entries").Scan(&seq); err != nil {
		return Entry{}, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	e := Entry{
		Key:       key,
		Value:     value,
		Version:   current + 1,
		Origin:    origin,
		UpdatedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(`
		INSERT INTO entries (key, value, version, origin, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			origin = excluded.origin,
			seq = excluded.seq,
			updated_at = excluded.updated_at`,
		e.Key, e.Value, e.Version, e.Origin, seq, e.UpdatedAt.UnixNano())
	if err != nil {
		return Entry{}, fmt.Errorf("failed to write entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("failed to commit entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT key FROM entries ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Watch polls for rows written after Watch started by origins other than
// the given one.
func (s *SQLiteStore) Watch(ctx context.Context, origin string, fn func(Entry)) error {
	lastSeq, err := s.maxSeq()
	if err != nil {
		return err
	}
	logging.Watcher("SQLiteStore: polling %s every %v from seq %d", s.dbPath, s.poll, lastSeq)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changes, next, err := s.changesSince(lastSeq)
			if errors.Is(err, ErrClosed) {
				return nil
			}
			if err != nil {
				logging.Get(logging.CategoryWatcher).Error("SQLiteStore poll failed: %v", err)
				continue
			}
			lastSeq = next
			for _, e := range changes {
				if e.Origin == origin {
					continue
				}
				fn(e)
			}
		}
	}
}

func (s *SQLiteStore) maxSeq() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	var seq int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM entries").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) changesSince(seq int64) ([]Entry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, seq, ErrClosed
	}

	rows, err := s.db.Query(
		"SELECT key, value, version, origin, seq, updated_at FROM entries WHERE seq > ? ORDER BY seq", seq)
	if err != nil {
		return nil, seq, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []Entry
	next := seq
	for rows.Next() {
		var e Entry
		var rowSeq, updated int64
		if err := rows.Scan(&e.Key, &e.Value, &e.Version, &e.Origin, &rowSeq, &updated); err != nil {
			return nil, seq, err
		}
		e.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, e)
		next = rowSeq
	}
	return out, next, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
