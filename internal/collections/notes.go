package collections

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"statesync/internal/channel"
	"statesync/internal/logging"

	"github.com/google/uuid"
)

// Note is one free-text note attached to a product area.
type Note struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProgramNoteStore keeps a program's notes keyed by area.
type ProgramNoteStore struct {
	c       *channel.Channel
	program Program
	now     clock
}

// NewProgramNoteStore returns the notes repository for program.
func NewProgramNoteStore(c *channel.Channel, program Program) *ProgramNoteStore {
	return &ProgramNoteStore{c: c, program: program, now: systemClock}
}

// Key returns the channel key backing this repository.
func (s *ProgramNoteStore) Key() string { return NotesKey(s.program) }

// decodeNotes accepts notes as objects, bare strings, or a single string
// per area. Notes without an id get a stable positional one.
func decodeNotes(raw json.RawMessage) map[string][]Note {
	out := make(map[string][]Note)
	for area, v := range byArea(raw) {
		var notes []Note
		for i, item := range listItems(v) {
			n, ok := decodeNote(item)
			if !ok {
				continue
			}
			if n.ID == "" {
				n.ID = fmt.Sprintf("%s-%d", area, i)
			}
			notes = append(notes, n)
		}
		if len(notes) > 0 {
			out[area] = notes
		}
	}
	return out
}

func decodeNote(item json.RawMessage) (Note, bool) {
	if s, ok := asString(item); ok {
		s = strings.TrimSpace(s)
		return Note{Body: s}, s != ""
	}
	o := asObject(item)
	if o == nil {
		return Note{}, false
	}
	n := Note{
		ID:        o.str("id"),
		Author:    o.str("author", "by", "name"),
		Body:      o.str("body", "text", "note"),
		CreatedAt: o.when("createdAt", "created_at", "at"),
	}
	return n, n.Body != ""
}

// All returns every area's notes.
func (s *ProgramNoteStore) All() map[string][]Note {
	return load(s.c, s.Key(), decodeNotes)
}

// Notes returns the notes for area, oldest first.
func (s *ProgramNoteStore) Notes(area string) []Note {
	return s.All()[strings.TrimSpace(area)]
}

// Add appends a note to area.
func (s *ProgramNoteStore) Add(area, author, body string) (Note, error) {
	area, err := cleanArea(area)
	if err != nil {
		return Note{}, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Note{}, fmt.Errorf("%w: note body required", ErrInvalidInput)
	}

	n := Note{
		ID:        uuid.NewString(),
		Author:    strings.TrimSpace(author),
		Body:      body,
		CreatedAt: s.now(),
	}
	_, err = mutate(s.c, s.Key(), decodeNotes, func(all map[string][]Note) (map[string][]Note, error) {
		all[area] = append(all[area], n)
		return all, nil
	})
	if err != nil {
		return Note{}, err
	}
	logging.CollectionsDebug("Note %s added to %s/%s", n.ID, s.program, area)
	return n, nil
}

// Put replaces every area's notes.
func (s *ProgramNoteStore) Put(notes map[string][]Note) {
	if notes == nil {
		notes = map[string][]Note{}
	}
	s.c.Write(s.Key(), notes)
}

// Subscribe calls handler with every area's notes after each change.
func (s *ProgramNoteStore) Subscribe(handler func(map[string][]Note)) func() {
	return watch(s.c, s.Key(), decodeNotes, handler)
}
