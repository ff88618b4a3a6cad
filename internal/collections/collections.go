// Package collections exposes typed repositories over the shared-state
// channel: access requests shared by both consoles, and per-program notes,
// chat transcripts, and meeting sessions keyed by product area.
//
// Each repository owns exactly one channel key and one normalization step
// that turns whatever JSON is stored there (including older, looser shapes)
// into its typed form. Mutations are read-modify-write cycles guarded by
// version compare-and-swap, so two consoles editing the same collection do
// not silently overwrite each other.
package collections

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"statesync/internal/channel"
	"statesync/internal/config"
)

// Program identifies which operations console owns a collection.
type Program string

const (
	ProgramInterview  Program = "interview"
	ProgramMentorship Program = "mentorship"
)

// Programs lists every known program.
var Programs = []Program{ProgramInterview, ProgramMentorship}

// ParseProgram validates a program name.
func ParseProgram(s string) (Program, error) {
	p := Program(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Programs {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown program %q (valid: %v)", ErrInvalidInput, s, Programs)
}

var (
	ErrNotFound          = errors.New("collections: not found")
	ErrInvalidInput      = errors.New("collections: invalid input")
	ErrInvalidTransition = errors.New("collections: invalid status transition")
	ErrMeetingLive       = errors.New("collections: meeting already live")
)

// RequestsKey holds the access requests shared by both consoles.
const RequestsKey = "requests"

// NotesKey returns the channel key for a program's notes.
func NotesKey(p Program) string { return string(p) + ":notes" }

// ChatKey returns the channel key for a program's chat transcripts.
func ChatKey(p Program) string { return string(p) + ":chat" }

// MeetingsKey returns the channel key for a program's meetings.
func MeetingsKey(p Program) string { return string(p) + ":meetings" }

// Stores bundles the repositories one console works with.
type Stores struct {
	Requests *AccessRequestStore
	Notes    *ProgramNoteStore
	Chat     *ProgramChatStore
	Meetings *MeetingStore
}

// NewStores wires every repository for program onto c.
func NewStores(c *channel.Channel, program Program, limits config.LimitsConfig) *Stores {
	return &Stores{
		Requests: NewAccessRequestStore(c),
		Notes:    NewProgramNoteStore(c, program),
		Chat:     NewProgramChatStore(c, program, limits.MaxChatMessages),
		Meetings: NewMeetingStore(c, program),
	}
}

// clock is swapped out in tests.
type clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

func cleanArea(area string) (string, error) {
	area = strings.TrimSpace(area)
	if area == "" {
		return "", fmt.Errorf("%w: area required", ErrInvalidInput)
	}
	return area, nil
}

// load reads key and normalizes it; a missing or corrupt value normalizes
// to the empty collection.
func load[T any](c *channel.Channel, key string, decode func(json.RawMessage) T) T {
	return decode(channel.Read[json.RawMessage](c, key, nil))
}

// mutate runs fn against the normalized current value of key and stores
// the result with compare-and-swap, retrying on conflict.
func mutate[T any](c *channel.Channel, key string, decode func(json.RawMessage) T, fn func(T) (T, error)) (T, error) {
	var result T
	_, err := channel.Update(c, key, json.RawMessage(nil), func(raw json.RawMessage) (json.RawMessage, error) {
		next, err := fn(decode(raw))
		if err != nil {
			return raw, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return raw, err
		}
		result = next
		return data, nil
	})
	return result, err
}

// watch subscribes to key and hands every change to handler in normalized form.
func watch[T any](c *channel.Channel, key string, decode func(json.RawMessage) T, handler func(T)) func() {
	return channel.Subscribe(c, key, func(raw json.RawMessage) {
		handler(decode(raw))
	})
}
