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

// MeetingStatus is the lifecycle state of a meeting.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "SCHEDULED"
	MeetingLive      MeetingStatus = "LIVE"
	MeetingEnded     MeetingStatus = "ENDED"
)

// Meeting is the current meeting session of one product area.
type Meeting struct {
	ID           string        `json:"id"`
	Area         string        `json:"area"`
	Title        string        `json:"title,omitempty"`
	Host         string        `json:"host,omitempty"`
	Link         string        `json:"link,omitempty"`
	Status       MeetingStatus `json:"status"`
	ScheduledFor time.Time     `json:"scheduledFor"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	Participants []string      `json:"participants,omitempty"`
}

// MeetingStore keeps one meeting per area for a program.
type MeetingStore struct {
	c       *channel.Channel
	program Program
	now     clock
}

// NewMeetingStore returns the meetings repository for program.
func NewMeetingStore(c *channel.Channel, program Program) *MeetingStore {
	return &MeetingStore{c: c, program: program, now: systemClock}
}

// Key returns the channel key backing this repository.
func (s *MeetingStore) Key() string { return MeetingsKey(s.program) }

func decodeMeetings(raw json.RawMessage) map[string]Meeting {
	out := make(map[string]Meeting)
	for area, v := range byArea(raw) {
		o := asObject(v)
		if o == nil {
			continue
		}
		m := Meeting{
			ID:           o.str("id"),
			Area:         area,
			Title:        o.str("title", "topic"),
			Host:         o.str("host", "hostName"),
			Link:         o.str("link", "url", "meetingLink"),
			Status:       parseMeetingStatus(o.str("status")),
			ScheduledFor: o.when("scheduledFor", "scheduled_for", "time"),
			StartedAt:    o.whenPtr("startedAt", "started_at"),
			EndedAt:      o.whenPtr("endedAt", "ended_at"),
			Participants: o.strs("participants", "attendees"),
		}
		if m.ID == "" {
			m.ID = area
		}
		out[area] = m
	}
	return out
}

func parseMeetingStatus(s string) MeetingStatus {
	switch MeetingStatus(strings.ToUpper(s)) {
	case MeetingLive:
		return MeetingLive
	case MeetingEnded:
		return MeetingEnded
	default:
		return MeetingScheduled
	}
}

// All returns the meeting of every area.
func (s *MeetingStore) All() map[string]Meeting {
	return load(s.c, s.Key(), decodeMeetings)
}

// Get returns the meeting for area.
func (s *MeetingStore) Get(area string) (Meeting, error) {
	area = strings.TrimSpace(area)
	m, ok := s.All()[area]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: no meeting for %s", ErrNotFound, area)
	}
	return m, nil
}

// Schedule sets up a new meeting for area, replacing a scheduled or ended
// one. A live meeting must be ended first.
func (s *MeetingStore) Schedule(area, title, host, link string, at time.Time) (Meeting, error) {
	area, err := cleanArea(area)
	if err != nil {
		return Meeting{}, err
	}

	m := Meeting{
		ID:           uuid.NewString(),
		Area:         area,
		Title:        strings.TrimSpace(title),
		Host:         strings.TrimSpace(host),
		Link:         strings.TrimSpace(link),
		Status:       MeetingScheduled,
		ScheduledFor: at.UTC(),
	}
	_, err = mutate(s.c, s.Key(), decodeMeetings, func(all map[string]Meeting) (map[string]Meeting, error) {
		if cur, ok := all[area]; ok && cur.Status == MeetingLive {
			return nil, fmt.Errorf("%w: %s", ErrMeetingLive, area)
		}
		all[area] = m
		return all, nil
	})
	if err != nil {
		return Meeting{}, err
	}
	s.audit(m)
	return m, nil
}

// Start moves area's SCHEDULED meeting to LIVE.
func (s *MeetingStore) Start(area string) (Meeting, error) {
	return s.transition(area, func(m *Meeting) error {
		if m.Status != MeetingScheduled {
			return fmt.Errorf("%w: meeting for %s is %s", ErrInvalidTransition, m.Area, m.Status)
		}
		at := s.now()
		m.Status = MeetingLive
		m.StartedAt = &at
		return nil
	})
}

// Join adds participant to area's LIVE meeting. Joining twice is a no-op.
func (s *MeetingStore) Join(area, participant string) (Meeting, error) {
	participant = strings.TrimSpace(participant)
	if participant == "" {
		return Meeting{}, fmt.Errorf("%w: participant required", ErrInvalidInput)
	}
	return s.transition(area, func(m *Meeting) error {
		if m.Status != MeetingLive {
			return fmt.Errorf("%w: meeting for %s is %s", ErrInvalidTransition, m.Area, m.Status)
		}
		for _, p := range m.Participants {
			if p == participant {
				return nil
			}
		}
		m.Participants = append(m.Participants, participant)
		return nil
	})
}

// End moves area's LIVE meeting to ENDED.
func (s *MeetingStore) End(area string) (Meeting, error) {
	return s.transition(area, func(m *Meeting) error {
		if m.Status != MeetingLive {
			return fmt.Errorf("%w: meeting for %s is %s", ErrInvalidTransition, m.Area, m.Status)
		}
		at := s.now()
		m.Status = MeetingEnded
		m.EndedAt = &at
		return nil
	})
}

func (s *MeetingStore) transition(area string, fn func(*Meeting) error) (Meeting, error) {
	area, err := cleanArea(area)
	if err != nil {
		return Meeting{}, err
	}

	var updated Meeting
	_, err = mutate(s.c, s.Key(), decodeMeetings, func(all map[string]Meeting) (map[string]Meeting, error) {
		m, ok := all[area]
		if !ok {
			return nil, fmt.Errorf("%w: no meeting for %s", ErrNotFound, area)
		}
		if err := fn(&m); err != nil {
			return nil, err
		}
		all[area] = m
		updated = m
		return all, nil
	})
	if err != nil {
		return Meeting{}, err
	}
	s.audit(updated)
	return updated, nil
}

func (s *MeetingStore) audit(m Meeting) {
	logging.Collections("Meeting %s for %s/%s is %s", m.ID, s.program, m.Area, m.Status)
	logging.Audit(s.c.Origin()).MeetingTransition(m.Area, m.ID, string(m.Status))
}

// Put replaces every area's meeting.
func (s *MeetingStore) Put(meetings map[string]Meeting) {
	if meetings == nil {
		meetings = map[string]Meeting{}
	}
	s.c.Write(s.Key(), meetings)
}

// Subscribe calls handler with every area's meeting after each change.
func (s *MeetingStore) Subscribe(handler func(map[string]Meeting)) func() {
	return watch(s.c, s.Key(), decodeMeetings, handler)
}
