package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryFileRoundTrip(t *testing.T) {
	for _, key := range []string{"", "requests", "interview:notes", "../escape", "ключ"} {
		name := entryFile(key)
		assert.NotContains(t, name, "/")
		got, ok := keyFromFile(name)
		require.True(t, ok, "name %q", name)
		assert.Equal(t, key, got)
	}

	for _, name := range []string{".lock", ".tmp-123", "k-zz.json", "notes.json", "k-6162.txt"} {
		_, ok := keyFromFile(name)
		assert.False(t, ok, "%q should not be treated as an entry", name)
	}
}

func TestDirStore_SharedAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	a, err := NewDirStore(dir, 0)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewDirStore(dir, 0)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Put("requests", `[]`, "tab-a")
	require.NoError(t, err)

	got, err := b.Get("requests")
	require.NoError(t, err)
	assert.Equal(t, "tab-a", got.Origin)

	_, err = b.CompareAndPut("requests", `[1]`, "tab-b", 1)
	require.NoError(t, err)
	_, err = a.CompareAndPut("requests", `[2]`, "tab-a", 1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDirStore_CorruptEnvelope(t *testing.T) {
	d, err := NewDirStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer d.Close()

	path := filepath.Join(d.Dir(), entryFile("notes"))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	_, err = d.Get("notes")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	// A plain Put repairs the file and restarts the version.
	e, err := d.Put("notes", `{}`, "o")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
}

func TestDirStore_LeavesNoTempFiles(t *testing.T) {
	d, err := NewDirStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 5; i++ {
		_, err := d.Put("k", "v", "o")
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{entryFile("k"), lockName}, names)
}

func TestDirStore_LeftoverLockFileDoesNotBlock(t *testing.T) {
	d, err := NewDirStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer d.Close()

	// A lock file left behind by a crashed writer holds no lock.
	lock := filepath.Join(d.Dir(), lockName)
	require.NoError(t, os.WriteFile(lock, []byte("999999"), 0644))

	e, err := d.Put("k", "v", "o")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
}

func TestDirStore_HeldLockTimesOut(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the lock timeout")
	}
	d, err := NewDirStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer d.Close()

	holder := flock.New(filepath.Join(d.Dir(), lockName))
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, err = d.Put("k", "v", "o")
	assert.ErrorContains(t, err, "timed out waiting for store lock")
	_, err = d.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, holder.Unlock())
	_, err = d.Put("k", "v", "o")
	assert.NoError(t, err)
}

func TestDirStore_WatchAfterCorruptOverwrite(t *testing.T) {
	d, err := NewDirStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []Entry
	done := make(chan error, 1)
	go func() {
		done <- d.Watch(ctx, "me", func(e Entry) {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		})
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	delivered := func(value string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e.Value == value {
				return true
			}
		}
		return false
	}

	require.Eventually(t, func() bool {
		_, err := d.Put("notes", `"before"`, "other")
		return err == nil && delivered(`"before"`)
	}, 5*time.Second, 50*time.Millisecond)

	e, err := d.Put("notes", `"middle"`, "other")
	require.NoError(t, err)
	require.Greater(t, e.Version, int64(1))
	require.Eventually(t, func() bool { return delivered(`"middle"`) }, 5*time.Second, 10*time.Millisecond)

	path := filepath.Join(d.Dir(), entryFile("notes"))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	e, err = d.Put("notes", `"after"`, "other")
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Version)

	assert.Eventually(t, func() bool { return delivered(`"after"`) }, 5*time.Second, 10*time.Millisecond)
}

func TestNewDirStore_RequiresPath(t *testing.T) {
	_, err := NewDirStore("", 0)
	assert.Error(t, err)
}
