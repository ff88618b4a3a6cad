package collections

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"statesync/internal/channel"
	"statesync/internal/config"
	"statesync/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

// fixedClock returns a clock that advances one minute per call.
func fixedClock() clock {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Minute)
	}
}

func newChannel(t *testing.T) (*channel.Channel, *store.MemoryStore) {
	t.Helper()
	backend := store.NewMemoryStore()
	t.Cleanup(func() { backend.Close() })
	return channel.New(backend), backend
}

func TestParseProgram(t *testing.T) {
	tests := []struct {
		in      string
		want    Program
		wantErr bool
	}{
		{"interview", ProgramInterview, false},
		{" Mentorship ", ProgramMentorship, false},
		{"", "", true},
		{"sales", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProgram(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "interview:notes", NotesKey(ProgramInterview))
	assert.Equal(t, "mentorship:chat", ChatKey(ProgramMentorship))
	assert.Equal(t, "interview:meetings", MeetingsKey(ProgramInterview))
}

func TestNewStores(t *testing.T) {
	c, _ := newChannel(t)
	s := NewStores(c, ProgramMentorship, config.LimitsConfig{MaxChatMessages: 7})

	assert.Equal(t, "mentorship:notes", s.Notes.Key())
	assert.Equal(t, "mentorship:chat", s.Chat.Key())
	assert.Equal(t, "mentorship:meetings", s.Meetings.Key())
	assert.Equal(t, 7, s.Chat.maxMessages)

	s = NewStores(c, ProgramInterview, config.LimitsConfig{})
	assert.Equal(t, DefaultMaxChatMessages, s.Chat.maxMessages)
}

func TestAccessRequests_Lifecycle(t *testing.T) {
	c, _ := newChannel(t)
	s := NewAccessRequestStore(c)
	s.now = fixedClock()

	assert.Empty(t, s.List())

	a, err := s.Submit(ProgramInterview, " Payments ", "dana", "on-call cover")
	require.NoError(t, err)
	assert.Equal(t, "Payments", a.Area)
	assert.Equal(t, StatusPending, a.Status)
	assert.NotEmpty(t, a.ID)

	b, err := s.Submit(ProgramMentorship, "Search", "lee", "")
	require.NoError(t, err)

	assert.Len(t, s.Pending(""), 2)
	assert.Len(t, s.Pending(ProgramInterview), 1)

	approved, err := s.Approve(a.ID, "sub-admin")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.DecidedAt)
	assert.Equal(t, "sub-admin", approved.DecidedBy)

	rejected, err := s.Reject(b.ID, "sub-admin", "not this quarter")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "not this quarter", rejected.Note)

	_, err = s.Approve(b.ID, "sub-admin")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Reject("missing", "sub-admin", "")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(approved, got); diff != "" {
		t.Errorf("stored request mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, s.Pending(""))
}

func TestAccessRequests_SubmitValidation(t *testing.T) {
	c, _ := newChannel(t)
	s := NewAccessRequestStore(c)

	_, err := s.Submit(ProgramInterview, "  ", "dana", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Submit(ProgramInterview, "Payments", "", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, s.List())
}

func TestAccessRequests_NormalizesLegacyShapes(t *testing.T) {
	c, backend := newChannel(t)
	s := NewAccessRequestStore(c)

	_, err := backend.Put(RequestsKey, `[
		{"id": 1, "status": "approved", "productArea": "Payments", "createdAt": 1741944600000},
		{"status": "PENDING"},
		{"id": "x", "status": "escalated", "requestedBy": "lee"},
		"junk"
	]`, "legacy")
	require.NoError(t, err)

	want := []AccessRequest{
		{ID: "1", Area: "Payments", Status: StatusApproved, CreatedAt: time.UnixMilli(1741944600000).UTC()},
		{ID: "x", Requester: "lee", Status: StatusPending},
	}
	if diff := cmp.Diff(want, s.List()); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	// Deciding a legacy entry rewrites the list in canonical form.
	_, err = s.Approve("x", "admin")
	require.NoError(t, err)
	assert.Len(t, s.List(), 2)
}

func TestAccessRequests_CorruptValueReadsEmpty(t *testing.T) {
	c, backend := newChannel(t)
	s := NewAccessRequestStore(c)

	_, err := backend.Put(RequestsKey, "{not json", "legacy")
	require.NoError(t, err)
	assert.Empty(t, s.List())

	_, err = s.Submit(ProgramInterview, "Payments", "dana", "")
	require.NoError(t, err)
	assert.Len(t, s.List(), 1)
}

func TestAccessRequests_Subscribe(t *testing.T) {
	c, _ := newChannel(t)
	s := NewAccessRequestStore(c)

	var seen [][]AccessRequest
	unsubscribe := s.Subscribe(func(list []AccessRequest) { seen = append(seen, list) })

	r, err := s.Submit(ProgramInterview, "Payments", "dana", "")
	require.NoError(t, err)
	_, err = s.Approve(r.ID, "admin")
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, StatusPending, seen[0][0].Status)
	assert.Equal(t, StatusApproved, seen[1][0].Status)

	unsubscribe()
	s.Put(nil)
	assert.Len(t, seen, 2)
	assert.Empty(t, s.List())
}

func TestAccessRequests_ConcurrentSubmitsFromTwoConsoles(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()

	consoles := []*AccessRequestStore{
		NewAccessRequestStore(channel.New(backend, channel.WithUpdateRetries(64))),
		NewAccessRequestStore(channel.New(backend, channel.WithUpdateRetries(64))),
	}

	const perConsole = 5
	var wg sync.WaitGroup
	errs := make(chan error, len(consoles)*perConsole)
	for ci, s := range consoles {
		for i := 0; i < perConsole; i++ {
			wg.Add(1)
			go func(s *AccessRequestStore, n int) {
				defer wg.Done()
				_, err := s.Submit(ProgramInterview, "Payments", fmt.Sprintf("user-%d", n), "")
				errs <- err
			}(s, ci*perConsole+i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, consoles[0].List(), len(consoles)*perConsole, "no submission may be lost")
}

func TestNotes_AddAndIsolation(t *testing.T) {
	c, _ := newChannel(t)
	interview := NewProgramNoteStore(c, ProgramInterview)
	interview.now = fixedClock()
	mentorship := NewProgramNoteStore(c, ProgramMentorship)

	n, err := interview.Add("Payments", "dana", "  refund flow needs review ")
	require.NoError(t, err)
	assert.Equal(t, "refund flow needs review", n.Body)
	assert.Equal(t, t0.Add(time.Minute), n.CreatedAt)

	_, err = interview.Add("Payments", "lee", "second")
	require.NoError(t, err)

	notes := interview.Notes("Payments")
	require.Len(t, notes, 2)
	assert.Equal(t, "second", notes[1].Body)
	assert.Empty(t, mentorship.All())

	_, err = interview.Add("Payments", "dana", "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = interview.Add("", "dana", "body")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNotes_NormalizesLegacyShapes(t *testing.T) {
	c, backend := newChannel(t)
	s := NewProgramNoteStore(c, ProgramInterview)

	_, err := backend.Put(s.Key(), `{
		"Payments": "single note",
		"Search": ["a", {"text": "b", "by": "x"}, "   ", 42],
		"": ["skipped"],
		"Empty": []
	}`, "legacy")
	require.NoError(t, err)

	want := map[string][]Note{
		"Payments": {{ID: "Payments-0", Body: "single note"}},
		"Search": {
			{ID: "Search-0", Body: "a"},
			{ID: "Search-1", Author: "x", Body: "b"},
			{ID: "Search-3", Body: "42"},
		},
	}
	if diff := cmp.Diff(want, s.All()); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestNotes_Subscribe(t *testing.T) {
	c, _ := newChannel(t)
	s := NewProgramNoteStore(c, ProgramInterview)

	var got map[string][]Note
	defer s.Subscribe(func(all map[string][]Note) { got = all })()

	_, err := s.Add("Payments", "dana", "hello")
	require.NoError(t, err)
	require.Len(t, got["Payments"], 1)
	assert.Equal(t, "hello", got["Payments"][0].Body)
}

func TestChat_SendAndCap(t *testing.T) {
	c, _ := newChannel(t)
	s := NewProgramChatStore(c, ProgramMentorship, 3)
	s.now = fixedClock()

	for i := 1; i <= 5; i++ {
		_, err := s.Send("Payments", "dana", "Mentor", fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	transcript := s.Transcript("Payments")
	require.Len(t, transcript, 3)
	var texts []string
	for _, m := range transcript {
		texts = append(texts, m.Text)
		assert.Equal(t, "mentor", m.Role)
	}
	assert.Equal(t, []string{"msg 3", "msg 4", "msg 5"}, texts)
	assert.True(t, transcript[0].SentAt.Before(transcript[2].SentAt))

	_, err := s.Send("Payments", "dana", "", " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChat_NormalizesLegacyShapes(t *testing.T) {
	c, backend := newChannel(t)
	s := NewProgramChatStore(c, ProgramMentorship, 0)

	_, err := backend.Put(s.Key(), `{"Payments": [{"from": "ana", "message": "hi", "at": "2025-03-14T09:30:00Z"}, "hello"]}`, "legacy")
	require.NoError(t, err)

	want := []ChatMessage{
		{ID: "Payments-0", Sender: "ana", Text: "hi", SentAt: t0},
		{ID: "Payments-1", Text: "hello"},
	}
	if diff := cmp.Diff(want, s.Transcript("Payments")); diff != "" {
		t.Errorf("Transcript() mismatch (-want +got):\n%s", diff)
	}
}

func TestMeetings_Lifecycle(t *testing.T) {
	c, _ := newChannel(t)
	s := NewMeetingStore(c, ProgramInterview)
	s.now = fixedClock()

	_, err := s.Get("Payments")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Start("Payments")
	assert.ErrorIs(t, err, ErrNotFound)

	m, err := s.Schedule("Payments", "Weekly sync", "dana", "https://meet.example/abc", t0)
	require.NoError(t, err)
	assert.Equal(t, MeetingScheduled, m.Status)

	_, err = s.Join("Payments", "lee")
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot join before start")
	_, err = s.End("Payments")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	m, err = s.Start("Payments")
	require.NoError(t, err)
	assert.Equal(t, MeetingLive, m.Status)
	require.NotNil(t, m.StartedAt)

	_, err = s.Start("Payments")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Schedule("Payments", "Another", "lee", "", t0)
	assert.ErrorIs(t, err, ErrMeetingLive)

	_, err = s.Join("Payments", "lee")
	require.NoError(t, err)
	m, err = s.Join("Payments", "lee")
	require.NoError(t, err)
	assert.Equal(t, []string{"lee"}, m.Participants)

	m, err = s.End("Payments")
	require.NoError(t, err)
	assert.Equal(t, MeetingEnded, m.Status)
	require.NotNil(t, m.EndedAt)

	got, err := s.Get("Payments")
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("stored meeting mismatch (-want +got):\n%s", diff)
	}

	// An ended meeting may be replaced.
	next, err := s.Schedule("Payments", "Follow-up", "dana", "", t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, m.ID, next.ID)
}

func TestMeetings_NormalizesLegacyShapes(t *testing.T) {
	c, backend := newChannel(t)
	s := NewMeetingStore(c, ProgramInterview)

	_, err := backend.Put(s.Key(), `{
		"Payments": {"topic": "Sync", "url": "https://meet.example/x", "status": "live", "attendees": ["a", "", "b"]},
		"Search": "not a meeting"
	}`, "legacy")
	require.NoError(t, err)

	want := map[string]Meeting{
		"Payments": {
			ID:           "Payments",
			Area:         "Payments",
			Title:        "Sync",
			Link:         "https://meet.example/x",
			Status:       MeetingLive,
			Participants: []string{"a", "b"},
		},
	}
	if diff := cmp.Diff(want, s.All()); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestMutationsWithoutBackend(t *testing.T) {
	c := channel.New(nil)
	stores := NewStores(c, ProgramInterview, config.LimitsConfig{})

	_, err := stores.Requests.Submit(ProgramInterview, "Payments", "dana", "")
	assert.True(t, errors.Is(err, channel.ErrUnavailable))
	assert.Empty(t, stores.Notes.All())
}
