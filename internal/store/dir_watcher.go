package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"statesync/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watch reports entry files rewritten by other origins. Rapid rewrites of
// the same file within the debounce window collapse into one read of the
// latest envelope.
func (d *DirStore) Watch(ctx context.Context, origin string, fn func(Entry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.dir, err)
	}
	logging.Watcher("DirStore: watching %s for origin %s", d.dir, origin)

	pending := make(map[string]time.Time)
	lastSeen := make(map[string]seenEntry)

	tick := d.debounce / 2
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	flush := func(force bool) {
		now := time.Now()
		for path, at := range pending {
			if !force && now.Sub(at) < d.debounce {
				continue
			}
			delete(pending, path)
			d.deliver(path, origin, lastSeen, fn)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logging.WatcherDebug("DirStore: context cancelled")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue // Remove/Rename/Chmod carry no new value
			}
			if _, ok := keyFromFile(filepath.Base(event.Name)); !ok {
				continue
			}
			pending[event.Name] = time.Now()
			if d.debounce <= 0 {
				flush(true)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryWatcher).Error("DirStore watcher error: %v", err)

		case <-ticker.C:
			flush(false)
		}
	}
}

// seenEntry identifies the last envelope delivered for a key.
type seenEntry struct {
	version int64
	updated time.Time
}

// deliver reads the current envelope at path and hands it to fn unless it
// was written by origin or was already delivered. Versions only move
// backwards when a corrupt file was overwritten, so a lower version is a
// new value, not a stale one.
func (d *DirStore) deliver(path, origin string, lastSeen map[string]seenEntry, fn func(Entry)) {
	e, err := d.readEntry(path)
	if err != nil {
		// A file caught mid-replace or hand-edited into garbage; the next
		// rewrite will produce another event.
		logging.WatcherDebug("DirStore: skipping unreadable %s: %v", filepath.Base(path), err)
		return
	}
	if e.Origin == origin {
		return
	}
	seen, ok := lastSeen[e.Key]
	if ok && e.Version == seen.version && e.UpdatedAt.Equal(seen.updated) {
		return
	}
	if ok && e.Version < seen.version {
		logging.WatcherDebug("DirStore: %q restarted at v%d (was v%d)", e.Key, e.Version, seen.version)
	}
	lastSeen[e.Key] = seenEntry{version: e.Version, updated: e.UpdatedAt}
	logging.WatcherDebug("DirStore: change %q v%d from %s", e.Key, e.Version, e.Origin)
	fn(e)
}
