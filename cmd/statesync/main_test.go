package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"statesync/internal/channel"
	"statesync/internal/collections"
	"statesync/internal/store"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer lets the watch test read output while the command writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cliEnv struct {
	t        *testing.T
	dir      string
	stateDir string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv("STATESYNC_BACKEND", "")
	t.Setenv("STATESYNC_PATH", "")
	t.Setenv("STATESYNC_DEBUG", "")
	dir := t.TempDir()
	return &cliEnv{t: t, dir: dir, stateDir: filepath.Join(dir, "state")}
}

func resetFlags() {
	verbose = false
	backendName = ""
	storePath = ""
	programName = string(collections.ProgramInterview)
	getFallback = "null"
	expectVersion = -1
	requestsPendingOnly = false
	requestReason = ""
	decisionBy = "operator"
	rejectNote = ""
	noteAuthor = "operator"
	chatSender = "operator"
	chatRole = "admin"
	meetingTitle = ""
	meetingHost = "operator"
	meetingLink = ""
	meetingAt = ""
	meetingJoinAs = "operator"
	programAreaAll = false
}

// run executes the CLI against the env's directory store.
func (e *cliEnv) run(ctx context.Context, out *syncBuffer, args ...string) error {
	resetFlags()
	base := []string{
		"--config", filepath.Join(e.dir, "missing.yaml"),
		"--backend", "dir",
		"--path", e.stateDir,
	}
	rootCmd.SetArgs(append(base, args...))
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	return rootCmd.ExecuteContext(ctx)
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out := &syncBuffer{}
	require.NoError(e.t, e.run(context.Background(), out, args...), "statesync %v\n%s", args, out.String())
	return out.String()
}

func TestSetGetKeys(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("set", "greeting", `{"text": "hello"}`)
	assert.Contains(t, out, "version 1")

	out = env.mustRun("get", "greeting")
	assert.Contains(t, out, `{"text":"hello"}`)
	assert.Contains(t, out, "version 1")

	out = env.mustRun("get", "absent", "--fallback", `[]`)
	assert.Contains(t, out, "[]")
	assert.Contains(t, out, "version 0")

	env.mustRun("set", "another", "1")
	out = env.mustRun("keys")
	assert.Equal(t, []string{"another", "greeting"}, strings.Fields(out))
}

func TestSetRejectsInvalidJSON(t *testing.T) {
	env := newCLIEnv(t)

	err := env.run(context.Background(), &syncBuffer{}, "set", "k", "{not json")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestSetExpectVersion(t *testing.T) {
	env := newCLIEnv(t)

	env.mustRun("set", "k", "1", "--expect-version", "0")
	out := env.mustRun("set", "k", "2", "--expect-version", "1")
	assert.Contains(t, out, "version 2")

	err := env.run(context.Background(), &syncBuffer{}, "set", "k", "3", "--expect-version", "1")
	assert.ErrorIs(t, err, store.ErrConflict)

	out = env.mustRun("get", "k")
	assert.Contains(t, out, "2")
}

func TestSetReportsStoreFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the store lock timeout")
	}
	env := newCLIEnv(t)
	env.mustRun("set", "k", "1")

	// Another process holding the store lock makes the write fail.
	holder := flock.New(filepath.Join(env.stateDir, ".lock"))
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Close()

	out := &syncBuffer{}
	err = env.run(context.Background(), out, "set", "k", "2")
	assert.ErrorContains(t, err, "timed out waiting for store lock")
	assert.NotContains(t, out.String(), "written")

	require.NoError(t, holder.Unlock())
	got := env.mustRun("get", "k")
	assert.Contains(t, got, "1")
	assert.Contains(t, got, "version 1")
}

func TestRequestsFlow(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun("requests", "list")
	assert.Contains(t, out, "No access requests.")

	env.mustRun("requests", "submit", "Payments", "dana", "--reason", "on-call")
	env.mustRun("--program", "mentorship", "requests", "submit", "Search", "lee")

	backend, err := store.NewDirStore(env.stateDir, 0)
	require.NoError(t, err)
	list := collections.NewAccessRequestStore(channel.New(backend)).List()
	require.NoError(t, backend.Close())
	require.Len(t, list, 2)

	out = env.mustRun("requests", "approve", list[0].ID, "--by", "admin")
	assert.Contains(t, out, "APPROVED")

	out = env.mustRun("requests", "reject", list[1].ID, "--note", "later")
	assert.Contains(t, out, "REJECTED")
	assert.Contains(t, out, "later")

	err = env.run(context.Background(), &syncBuffer{}, "requests", "approve", list[1].ID)
	assert.ErrorIs(t, err, collections.ErrInvalidTransition)

	out = env.mustRun("requests", "list", "--pending")
	assert.Contains(t, out, "No access requests.")
}

func TestProgramCollections(t *testing.T) {
	env := newCLIEnv(t)

	env.mustRun("notes", "add", "Payments", "refund", "flow", "--author", "dana")
	out := env.mustRun("notes", "list")
	assert.Contains(t, out, "Payments")
	assert.Contains(t, out, "refund flow")

	out = env.mustRun("--program", "mentorship", "notes", "list")
	assert.Contains(t, out, "No notes.")

	env.mustRun("chat", "send", "Payments", "hi", "there", "--sender", "lee")
	out = env.mustRun("chat", "log", "Payments")
	assert.Contains(t, out, "hi there")

	env.mustRun("meetings", "schedule", "Payments", "--title", "Sync", "--at", "2025-03-14T09:30:00Z")
	env.mustRun("meetings", "start", "Payments")
	out = env.mustRun("meetings", "join", "Payments", "--as", "lee")
	assert.Contains(t, out, "LIVE")
	assert.Contains(t, out, "lee")

	err := env.run(context.Background(), &syncBuffer{}, "meetings", "schedule", "Payments")
	assert.ErrorIs(t, err, collections.ErrMeetingLive)

	env.mustRun("meetings", "end", "Payments")
	out = env.mustRun("meetings", "list")
	assert.Contains(t, out, "ENDED")
}

func TestUnknownProgram(t *testing.T) {
	env := newCLIEnv(t)

	err := env.run(context.Background(), &syncBuffer{}, "--program", "sales", "notes", "list")
	assert.ErrorIs(t, err, collections.ErrInvalidInput)
}

func TestWatchPrintsOtherWriters(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("set", "requests", "[]")

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- env.run(ctx, out, "watch", "requests") }()

	backend, err := store.NewDirStore(env.stateDir, 0)
	require.NoError(t, err)
	defer backend.Close()
	writer := channel.New(backend)

	// The watcher may not be live yet; keep writing until it reports.
	require.Eventually(t, func() bool {
		writer.Write("requests", []map[string]string{{"id": "r1"}})
		return strings.Contains(out.String(), `"r1"`)
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancellation")
	}
}
