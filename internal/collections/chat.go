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

// DefaultMaxChatMessages caps a transcript when no limit is configured.
const DefaultMaxChatMessages = 500

// ChatMessage is one line of an area's chat transcript.
type ChatMessage struct {
	ID     string    `json:"id"`
	Sender string    `json:"sender,omitempty"`
	Role   string    `json:"role,omitempty"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// ProgramChatStore keeps a program's chat transcripts keyed by area.
type ProgramChatStore struct {
	c           *channel.Channel
	program     Program
	maxMessages int
	now         clock
}

// NewProgramChatStore returns the chat repository for program. Transcripts
// keep at most maxMessages lines; a non-positive value uses
// DefaultMaxChatMessages.
func NewProgramChatStore(c *channel.Channel, program Program, maxMessages int) *ProgramChatStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxChatMessages
	}
	return &ProgramChatStore{c: c, program: program, maxMessages: maxMessages, now: systemClock}
}

// Key returns the channel key backing this repository.
func (s *ProgramChatStore) Key() string { return ChatKey(s.program) }

func decodeChat(raw json.RawMessage) map[string][]ChatMessage {
	out := make(map[string][]ChatMessage)
	for area, v := range byArea(raw) {
		var msgs []ChatMessage
		for i, item := range listItems(v) {
			m, ok := decodeChatMessage(item)
			if !ok {
				continue
			}
			if m.ID == "" {
				m.ID = fmt.Sprintf("%s-%d", area, i)
			}
			msgs = append(msgs, m)
		}
		if len(msgs) > 0 {
			out[area] = msgs
		}
	}
	return out
}

func decodeChatMessage(item json.RawMessage) (ChatMessage, bool) {
	if s, ok := asString(item); ok {
		s = strings.TrimSpace(s)
		return ChatMessage{Text: s}, s != ""
	}
	o := asObject(item)
	if o == nil {
		return ChatMessage{}, false
	}
	m := ChatMessage{
		ID:     o.str("id"),
		Sender: o.str("sender", "from", "author"),
		Role:   strings.ToLower(o.str("role")),
		Text:   o.str("text", "message", "body"),
		SentAt: o.when("sentAt", "sent_at", "at", "timestamp"),
	}
	return m, m.Text != ""
}

// All returns every area's transcript.
func (s *ProgramChatStore) All() map[string][]ChatMessage {
	return load(s.c, s.Key(), decodeChat)
}

// Transcript returns the messages for area, oldest first.
func (s *ProgramChatStore) Transcript(area string) []ChatMessage {
	return s.All()[strings.TrimSpace(area)]
}

// Send appends a message to area's transcript, dropping the oldest lines
// beyond the configured cap.
func (s *ProgramChatStore) Send(area, sender, role, text string) (ChatMessage, error) {
	area, err := cleanArea(area)
	if err != nil {
		return ChatMessage{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ChatMessage{}, fmt.Errorf("%w: message text required", ErrInvalidInput)
	}

	m := ChatMessage{
		ID:     uuid.NewString(),
		Sender: strings.TrimSpace(sender),
		Role:   strings.ToLower(strings.TrimSpace(role)),
		Text:   text,
		SentAt: s.now(),
	}
	_, err = mutate(s.c, s.Key(), decodeChat, func(all map[string][]ChatMessage) (map[string][]ChatMessage, error) {
		msgs := append(all[area], m)
		if over := len(msgs) - s.maxMessages; over > 0 {
			logging.CollectionsDebug("Chat %s/%s: trimming %d old messages", s.program, area, over)
			msgs = msgs[over:]
		}
		all[area] = msgs
		return all, nil
	})
	if err != nil {
		return ChatMessage{}, err
	}
	return m, nil
}

// Put replaces every transcript.
func (s *ProgramChatStore) Put(chat map[string][]ChatMessage) {
	if chat == nil {
		chat = map[string][]ChatMessage{}
	}
	s.c.Write(s.Key(), chat)
}

// Subscribe calls handler with every transcript after each change.
func (s *ProgramChatStore) Subscribe(handler func(map[string][]ChatMessage)) func() {
	return watch(s.c, s.Key(), decodeChat, handler)
}
